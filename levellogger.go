package killstory

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	debugOut io.Writer = os.Stdout
	errorOut io.Writer = os.Stderr
)

// LogOut implements zerolog.LevelWriter
type LogOut struct{}

// Write should not be called
func (l LogOut) Write(p []byte) (n int, err error) {
	return debugOut.Write(p)
}

// WriteLevel write to the appropriate output
func (l LogOut) WriteLevel(level zerolog.Level, p []byte) (n int, err error) {
	if level < zerolog.WarnLevel {
		return debugOut.Write(p)
	} else {
		return errorOut.Write(p)
	}
}

// SetupLogging routes the global logger through LogOut at the configured level.
// Outside production the output is human readable.
func SetupLogging(config Config) {
	zerolog.SetGlobalLevel(config.LogLevel)

	if config.Environment == EnvironmentProduction {
		log.Logger = log.Output(LogOut{})
		return
	}

	log.Logger = log.Output(consoleLevelWriter{
		stdout: zerolog.ConsoleWriter{Out: debugOut, TimeFormat: time.TimeOnly},
		stderr: zerolog.ConsoleWriter{Out: errorOut, TimeFormat: time.TimeOnly},
	})
}

type consoleLevelWriter struct {
	stdout zerolog.ConsoleWriter
	stderr zerolog.ConsoleWriter
}

func (c consoleLevelWriter) Write(p []byte) (n int, err error) {
	return c.stdout.Write(p)
}

func (c consoleLevelWriter) WriteLevel(level zerolog.Level, p []byte) (n int, err error) {
	if level < zerolog.WarnLevel {
		return c.stdout.Write(p)
	}
	return c.stderr.Write(p)
}
