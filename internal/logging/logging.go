package logging

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"

	"github.com/witnz/sovereign/internal/config"
)

// New builds the root logger for a node. Output goes to stderr so command
// output on stdout stays clean.
func New(cfg config.LoggingConfig, name string) hclog.Logger {
	return NewWithOutput(cfg, name, os.Stderr)
}

func NewWithOutput(cfg config.LoggingConfig, name string, w io.Writer) hclog.Logger {
	level := hclog.LevelFromString(cfg.Level)
	if level == hclog.NoLevel {
		level = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      level,
		Output:     w,
		JSONFormat: cfg.JSON,
	})
}
