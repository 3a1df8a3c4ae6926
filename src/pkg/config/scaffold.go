package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

//go:embed templates/config.template.yaml
var configTemplate []byte

// Template returns the config template written by init.
func Template() []byte {
	return configTemplate
}

// Scaffold writes the config template to path and returns the path actually written.
// A path without a .yaml or .yml extension gets .yaml appended.
func Scaffold(path string) (string, error) {
	if path == "" {
		path = DEFAULT_CONFIG_PATH
	}
	if ext := filepath.Ext(path); ext != ".yaml" && ext != ".yml" {
		path += ".yaml"
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", scaffoldErr(err)
	}
	if err := os.WriteFile(path, configTemplate, 0644); err != nil {
		return "", scaffoldErr(err)
	}
	return path, nil
}

func scaffoldErr(err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("failed to create config file: permission denied: %w", err)
	}
	return fmt.Errorf("failed to create config file: %w", err)
}
