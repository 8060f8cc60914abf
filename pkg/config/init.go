package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const configHeader = `# DittoShare Configuration File
#
# Environment variables override every key: DITTOSHARE_<SECTION>_<KEY>,
# e.g. DITTOSHARE_LOGGING_LEVEL=DEBUG.
`

// sectionComments are written above the top-level keys of a generated file.
var sectionComments = map[string]string{
	"logging":     "Log level (DEBUG, INFO, WARN, ERROR), format (text, json) and output (stdout, stderr, path)",
	"server":      "Shutdown timeout and the Prometheus /metrics endpoint",
	"store":       "Persistence: memory, or badger with a db_path",
	"rpc":         "In-process message bus between scheduler, share services and data service",
	"scheduler":   "Filter chain, weighers and retry bound used to place share instances",
	"access":      "Access rule synchronization",
	"migration":   "Migration polling and call timeouts",
	"quota":       "Per-project limits (-1 is unlimited)",
	"share":       "API defaults: enabled protocols, default share type, availability zone",
	"data":        "Host-assisted migration copies",
	"backends":    "Share services started by this process, one per storage backend",
	"share_types": "Share types created at startup when missing",
}

// InitConfig writes the default configuration to the default location and
// returns its path. An existing file is only replaced when force is set.
func InitConfig(force bool) (string, error) {
	path := GetDefaultConfigPath()
	if err := InitConfigToPath(path, force); err != nil {
		return "", err
	}
	return path, nil
}

// InitConfigToPath writes the default configuration to path, creating
// parent directories as needed.
//
// Parameters:
//   - path: Destination file
//   - force: Replace an existing file
//
// Returns:
//   - error: File exists without force, or a write error
func InitConfigToPath(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// generateYAMLWithComments renders cfg as YAML with a header and a comment
// above each top-level section.
func generateYAMLWithComments(cfg *Config) (string, error) {
	var node yaml.Node
	if err := node.Encode(cfg); err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}

	// node is a mapping of alternating key and value nodes
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i]
		if c, ok := sectionComments[key.Value]; ok {
			key.HeadComment = c
		}
	}

	var buf bytes.Buffer
	buf.WriteString(configHeader)
	buf.WriteString("\n")

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to marshal config: %w", err)
	}

	return strings.TrimRight(buf.String(), "\n") + "\n", nil
}
