package main

import (
	"encoding/json"
	"fmt"
	"os"

	"sunwet.dev/sunwet/internal/config"
)

func saveConfig(path string, cfg *config.Config) error {
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("writing config %q: %w", path, err)
	}
	return nil
}
