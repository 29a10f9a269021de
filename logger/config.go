package logger

import (
	"fmt"
	"io"
	"os"
)

// Config holds the configuration for the logger
type Config struct {
	Level        LogLevel
	Format       OutputFormat
	Outputs      []io.Writer
	Subsystem    string
	FileConfig   *FileConfig
	EnableCaller bool
}

// FileConfig holds file rotation configuration
type FileConfig struct {
	Filename   string
	MaxSize    int // megabytes
	MaxAge     int // days
	MaxBackups int
	Compress   bool
}

// DefaultConfig logs everything at info and above to stdout in console format.
func DefaultConfig() *Config {
	return &Config{
		Level:   InfoLevel,
		Format:  ConsoleFormat,
		Outputs: []io.Writer{os.Stdout},
	}
}

// ProductionConfig returns a JSON configuration with rotated file output.
func ProductionConfig(appName string) *Config {
	return &Config{
		Level:        InfoLevel,
		Format:       JSONFormat,
		Outputs:      []io.Writer{os.Stdout},
		FileConfig:   DefaultFileConfig(fmt.Sprintf("logs/%s.log", appName)),
		EnableCaller: true,
	}
}

func DefaultFileConfig(filename string) *FileConfig {
	return &FileConfig{
		Filename:   filename,
		MaxSize:    100,
		MaxAge:     30,
		MaxBackups: 10,
		Compress:   true,
	}
}
