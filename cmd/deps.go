// Package cmd provides the commands of the penf-capture CLI.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/penf-capture/config"
	"github.com/otherjamesbrown/penf-capture/credentials"
	"github.com/otherjamesbrown/penf-capture/pkg/logging"
)

// CommandDeps holds dependencies shared by the commands.
type CommandDeps struct {
	LoadConfig  func() (*config.CaptureConfig, error)
	NewLogger   func(cfg *config.CaptureConfig) logging.Logger
	Credentials func() *credentials.Store
}

// DefaultDeps returns dependencies for production use.
func DefaultDeps() *CommandDeps {
	return &CommandDeps{
		LoadConfig:  config.LoadConfig,
		NewLogger:   func(cfg *config.CaptureConfig) logging.Logger { return NewLogger(cfg, os.Stderr) },
		Credentials: credentials.NewStore,
	}
}

func (d *CommandDeps) withDefaults() *CommandDeps {
	if d == nil {
		return DefaultDeps()
	}
	def := DefaultDeps()
	if d.LoadConfig == nil {
		d.LoadConfig = def.LoadConfig
	}
	if d.NewLogger == nil {
		d.NewLogger = def.NewLogger
	}
	if d.Credentials == nil {
		d.Credentials = def.Credentials
	}
	return d
}

// NewLogger builds the agent logger. Console output is used on a terminal
// unless the config asks for JSON.
func NewLogger(cfg *config.CaptureConfig, out *os.File) logging.Logger {
	lc := logging.DefaultConfig()
	lc.Output = out
	if cfg.Debug {
		lc.Level = logging.LevelDebug
	}
	switch cfg.Log.Format {
	case "json":
		lc.JSONFormat = true
	case "console":
		lc.JSONFormat = false
	default:
		lc.JSONFormat = !term.IsTerminal(int(out.Fd()))
	}
	if cfg.Log.File != "" {
		lc.File = &logging.FileConfig{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		}
	}
	return logging.NewLogger(lc)
}

// resolveFormat returns the flag format when set, else the configured one.
func resolveFormat(cfg *config.CaptureConfig, flag string) (config.OutputFormat, error) {
	if flag == "" {
		return cfg.OutputFormat, nil
	}
	f := config.OutputFormat(flag)
	if !f.IsValid() {
		return "", fmt.Errorf("invalid output format: %s", flag)
	}
	return f, nil
}

// writeStructured writes v as JSON or YAML.
func writeStructured(w io.Writer, format config.OutputFormat, v interface{}) error {
	switch format {
	case config.OutputFormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	default:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
}
