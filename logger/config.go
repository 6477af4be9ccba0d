package logger

import (
	"io"
	"os"
)

// Config holds the configuration for the logger
type Config struct {
	Level      LogLevel
	Format     OutputFormat
	Outputs    []io.Writer
	Subsystem  string
	FileConfig *FileConfig
}

// FileConfig configures rotating file output
type FileConfig struct {
	Filename   string
	MaxSize    int // megabytes
	MaxAge     int // days
	MaxBackups int
	Compress   bool
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:     InfoLevel,
		Format:    DefaultFormat,
		Outputs:   []io.Writer{os.Stdout},
		Subsystem: "",
	}
}

// NewNopLogger returns a logger that discards everything. Used in tests.
func NewNopLogger() Logger {
	return NewZerologLogger(&Config{
		Level:   ErrorLevel,
		Format:  JSONFormat,
		Outputs: []io.Writer{io.Discard},
	})
}
