// Package config loads coordinator.yaml and worker.yaml. Values come from the
// built-in defaults, then the file, then REPLAYCAST_* environment variables.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// readYAML decodes path into out. An empty path leaves out untouched.
func readYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
