package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var reclaim = false
var trace = false
var invoke = false
var symbols = false
var discovery = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	} else {
		logger.Logger.Out = defaultOutput()
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if flag {
		return makeLogger(logrus.DebugLevel, fields)
	}
	return makeLogger(logrus.ErrorLevel, fields)
}

// Reclaim returns true if the operation driver should log.
func Reclaim() bool {
	return reclaim
}

// ReclaimLogger returns a logger for the operation driver. Unlike the
// other layers it always reports at Info level, tolerated races are
// logged through it.
func ReclaimLogger() Logger {
	if reclaim {
		return makeLogger(logrus.DebugLevel, Fields{"layer": "reclaim"})
	}
	return makeLogger(logrus.InfoLevel, Fields{"layer": "reclaim"})
}

// Trace returns true if the ptrace session should log every request.
func Trace() bool {
	return trace
}

// TraceLogger returns a logger for the ptrace session.
func TraceLogger() Logger {
	return makeFlaggableLogger(trace, Fields{"layer": "trace"})
}

// Invoke returns true if the remote call protocol should be logged.
func Invoke() bool {
	return invoke
}

// InvokeLogger returns a logger for the remote call protocol.
func InvokeLogger() Logger {
	return makeFlaggableLogger(invoke, Fields{"layer": "invoke"})
}

// Symbols returns true if symbol resolution should be logged.
func Symbols() bool {
	return symbols
}

// SymbolsLogger returns a logger for the symbol locators.
func SymbolsLogger() Logger {
	return makeFlaggableLogger(symbols, Fields{"layer": "symbols"})
}

// Discovery returns true if the process table scan should be logged.
func Discovery() bool {
	return discovery
}

// DiscoveryLogger returns a logger for the process table scan.
func DiscoveryLogger() Logger {
	return makeFlaggableLogger(discovery, Fields{"layer": "discovery"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the layer flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "reclaim-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "reclaim"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		// If adding another value, do make sure to
		// update "Help about logging flags" in commands.go.
		switch logcmd {
		case "reclaim":
			reclaim = true
		case "trace":
			trace = true
		case "invoke":
			invoke = true
		case "symbols":
			symbols = true
		case "discovery":
			discovery = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'reclaim help log' for usage.\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
		logOut = nil
	}
}
