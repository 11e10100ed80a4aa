package build

import (
	"fmt"
	"os"
	"path/filepath"

	btclogv1 "github.com/btcsuite/btclog"
	"github.com/btcsuite/btclog/v2"
)

const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiFaint  = "\033[2m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiBlue   = "\033[34m"
	ansiPurple = "\033[35m"
)

// NewDefaultLogHandlers returns the standard console logger and rotating log
// writer handlers that we generally want to use. It also applies the various
// config options to the loggers. Disabled loggers are left out.
func NewDefaultLogHandlers(cfg *LogConfig,
	rotator *RotatingLogWriter) []btclog.Handler {

	var handlers []btclog.Handler

	consoleOpts := cfg.Console.HandlerOptions()
	if cfg.Console.Style {
		consoleOpts = append(consoleOpts, styledOptions()...)
	}

	if !cfg.Console.Disable {
		handlers = append(handlers, btclog.NewDefaultHandler(
			os.Stdout, consoleOpts...,
		))
	}

	if !cfg.File.Disable {
		handlers = append(handlers, btclog.NewDefaultHandler(
			rotator, cfg.File.HandlerOptions()...,
		))
	}

	return handlers
}

// styledOptions colors the level, call site and attribute keys of a log
// line.
func styledOptions() []btclog.HandlerOption {
	return []btclog.HandlerOption{
		btclog.WithStyledLevel(func(l btclogv1.Level) string {
			return style(levelColor(l), fmt.Sprintf("[%v]", l))
		}),
		btclog.WithStyledCallSite(func(file string, line int) string {
			return style(
				ansiFaint,
				fmt.Sprintf("%s:%d", filepath.Base(file), line),
			)
		}),
		btclog.WithStyledKeys(func(key string) string {
			return style(ansiBold, key)
		}),
	}
}

// levelColor returns the color a level is printed in.
func levelColor(l btclogv1.Level) string {
	switch l {
	case btclog.LevelTrace:
		return ansiPurple
	case btclog.LevelDebug:
		return ansiBlue
	case btclog.LevelInfo:
		return ansiGreen
	case btclog.LevelWarn:
		return ansiYellow
	default:
		return ansiRed
	}
}

func style(code, s string) string {
	return code + s + ansiReset
}
