package trackd

import (
	"github.com/btcsuite/btclog/v2"
	"github.com/trackd/trackd/build"
	"github.com/trackd/trackd/eventloop"
	"github.com/trackd/trackd/resolver"
	"github.com/trackd/trackd/signal"
	"github.com/trackd/trackd/tracker"
	"github.com/trackd/trackd/udpsock"
)

// Subsystem is the logging tag of the daemon itself.
const Subsystem = "TDMN"

// tdmnLog is the daemon's logger. It is replaced by SetupLoggers once the
// log handlers are configured.
var tdmnLog = build.NewSubLogger(Subsystem, nil)

// SetupLoggers initializes all package-global logger variables.
func SetupLoggers(root *build.SubLoggerManager, interceptor signal.Interceptor) {
	genLogger := genSubLogger(root, interceptor)

	tdmnLog = build.NewSubLogger(Subsystem, genLogger)
	root.RegisterSubLogger(Subsystem, tdmnLog)

	AddSubLogger(root, tracker.Subsystem, interceptor, tracker.UseLogger)
	AddSubLogger(
		root, eventloop.Subsystem, interceptor, eventloop.UseLogger,
	)
	AddSubLogger(root, udpsock.Subsystem, interceptor, udpsock.UseLogger)
	AddSubLogger(
		root, resolver.Subsystem, interceptor, resolver.UseLogger,
	)
	AddSubLogger(root, signal.Subsystem, interceptor, signal.UseLogger)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.SubLoggerManager, subsystem string,
	interceptor signal.Interceptor, useLoggers ...func(btclog.Logger)) {

	// genSubLogger will return a callback for creating a logger instance,
	// which we will give to the root logger.
	genLogger := genSubLogger(root, interceptor)

	// Create and register just a single logger to prevent them from
	// overwriting each other internally.
	logger := build.NewSubLogger(subsystem, genLogger)
	root.RegisterSubLogger(subsystem, logger)
	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}

// genSubLogger creates a logger for a subsystem. We provide an instance of
// a signal.Interceptor to be able to shutdown in the case of a critical error.
func genSubLogger(root *build.SubLoggerManager,
	interceptor signal.Interceptor) func(string) btclog.Logger {

	return func(tag string) btclog.Logger {
		return root.GenSubLogger(tag, interceptor.RequestShutdown)
	}
}
