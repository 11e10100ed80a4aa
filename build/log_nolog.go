//go:build nolog

package build

// LoggingType is a log type that discards all output.
const LoggingType = LogTypeNone
