// Package setup creates and locates taskvault vault directories.
package setup

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/taskvault/internal/model"
	"github.com/msageha/taskvault/internal/store"
	tvyaml "github.com/msageha/taskvault/internal/yaml"
	"github.com/msageha/taskvault/templates"
)

// Run initializes the vault directory structure in projectDir. backend, when
// set, overrides the store backend of the default configuration.
func Run(projectDir, backend string) (Layout, error) {
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return Layout{}, fmt.Errorf("resolve project dir: %w", err)
	}
	layout := Layout{Root: filepath.Join(absDir, VaultDirName)}

	if _, err := os.Stat(layout.Root); err == nil {
		return layout, fmt.Errorf("%s already exists", layout.Root)
	}

	for _, d := range []string{layout.Inbox(), layout.Logs(), layout.Locks(), layout.Quarantine()} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return layout, fmt.Errorf("create directory %s: %w", d, err)
		}
	}

	data, err := fs.ReadFile(templates.FS, "config.yaml")
	if err != nil {
		return layout, fmt.Errorf("read config template: %w", err)
	}
	if backend != "" {
		cfg, err := parseTemplate(data)
		if err != nil {
			return layout, err
		}
		cfg.Store.Backend = backend
		if err := cfg.Validate(); err != nil {
			return layout, fmt.Errorf("config: %w", err)
		}
		if err := tvyaml.AtomicWrite(layout.Config(), cfg); err != nil {
			return layout, fmt.Errorf("write config.yaml: %w", err)
		}
	} else if err := tvyaml.AtomicWriteRaw(layout.Config(), data); err != nil {
		return layout, fmt.Errorf("write config.yaml: %w", err)
	}

	cfg, err := model.LoadConfig(layout.Config())
	if err != nil {
		return layout, err
	}
	s, err := store.Open(layout.Root, cfg.Store)
	if err != nil {
		return layout, fmt.Errorf("create record store: %w", err)
	}
	if _, err := s.Recover(context.Background()); err != nil {
		_ = s.Close()
		return layout, err
	}
	if err := s.Close(); err != nil {
		return layout, err
	}

	if err := os.WriteFile(layout.DaemonLock(), nil, 0600); err != nil {
		return layout, fmt.Errorf("create daemon.lock: %w", err)
	}
	return layout, nil
}

func parseTemplate(data []byte) (model.Config, error) {
	var cfg model.Config
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config template: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, nil
}
