// Package logger builds the structured logger used across llmi.
//
// The terminal belongs to the UI, so records go to a log file by default;
// verbose mode mirrors them to stderr in console format.
package logger

import (
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/rs/zerolog"
)

// LevelEnv names the environment variable holding the log level.
const LevelEnv = "LLMI_LOG_LEVEL"

// defaultLogFile is the log path relative to the XDG state directory.
const defaultLogFile = "llmi/llmi.log"

// Options configures New.
type Options struct {
	// Path is the log file; empty means the XDG state directory.
	Path string
	// Level overrides LevelEnv when non-empty.
	Level string
	// Verbose mirrors records to Stderr.
	Verbose bool
	// Stderr receives verbose output; nil means os.Stderr.
	Stderr io.Writer
}

// New opens the log file and returns a logger plus the closer for the file.
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	path := opts.Path
	if path == "" {
		resolved, err := xdg.StateFile(defaultLogFile)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("resolve log path: %w", err)
		}
		path = resolved
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("open log file: %w", err)
	}

	var output io.Writer = file
	if opts.Verbose {
		stderr := opts.Stderr
		if stderr == nil {
			stderr = os.Stderr
		}
		console := zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.Kitchen}
		output = zerolog.MultiLevelWriter(file, console)
	}

	levelName := opts.Level
	if levelName == "" {
		levelName = os.Getenv(LevelEnv)
	}

	logger := zerolog.New(output).
		Level(ParseLevel(levelName)).
		With().
		Timestamp().
		Str("go_version", goVersion()).
		Logger()
	return logger, file, nil
}

// ParseLevel accepts a zerolog level name or number and falls back to info.
func ParseLevel(value string) zerolog.Level {
	value = strings.TrimSpace(value)
	if value == "" {
		return zerolog.InfoLevel
	}
	if number, err := strconv.Atoi(value); err == nil {
		return zerolog.Level(number)
	}
	level, err := zerolog.ParseLevel(strings.ToLower(value))
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}

// goVersion reports the toolchain that built the binary.
func goVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	return info.GoVersion
}
