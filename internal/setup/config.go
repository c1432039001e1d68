package setup

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/msageha/orchestrator/internal/atomicfile"
	"github.com/msageha/orchestrator/internal/conventions"
	"github.com/msageha/orchestrator/internal/model"
)

// LoadConfig reads config.yaml with defaults applied. A missing file yields
// the defaults; unknown keys are rejected so typos do not pass silently.
func LoadConfig(layout conventions.Layout) (model.Config, error) {
	var cfg model.Config
	src, err := os.ReadFile(layout.ConfigPath())
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := decodeConfig(src, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", layout.ConfigPath(), err)
		}
	}

	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", layout.ConfigPath(), err)
	}
	return cfg, nil
}

// SaveConfig writes cfg atomically, keeping the previous file as .bak.
func SaveConfig(layout conventions.Layout, cfg model.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return atomicfile.WriteYAML(layout.ConfigPath(), cfg)
}

func decodeConfig(src []byte, cfg *model.Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(src))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config: %w: %w", model.ErrNotValid, err)
	}
	return nil
}

func validateConfig(content []byte) error {
	var cfg model.Config
	if err := decodeConfig(content, &cfg); err != nil {
		return err
	}
	cfg.Defaults()
	return cfg.Validate()
}
