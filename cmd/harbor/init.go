package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// configYAML is the starter configuration written by harbor init.
// Values mirror [config.Default] so a fresh install runs with only
// the API key filled in.
var configYAML = []byte(`# Harbor configuration.
# Environment variables are expanded with ${VAR} syntax.

listen:
  address: ""        # empty = all interfaces
  port: 8080

database:
  path: harbor.db

model:
  # Any OpenAI-compatible chat-completions endpoint.
  base_url: ""
  api_key: ${OPENAI_API_KEY}
  name: gpt-4o-mini
  max_tokens: 4096
  timeout_sec: 120

autopilot:
  enabled: false
  schedule: "@every 5m"

# Public storefront used for product links in outbound email.
store:
  name: My Store
  base_url: https://shop.example.com

log_level: info
`)

// runInit initializes a Harbor working directory with a starter
// config. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Harbor workspace in %s\n", dir)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, configYAML); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml and set your model API key, then run: harbor serve")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist, so init never overwrites user customizations.
func writeIfMissing(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil // already exists, skip
	}
	return os.WriteFile(path, content, 0o644)
}
