package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// CLI holds the meshctl configuration.
type CLI struct {
	ServerURL    string `yaml:"server_url" json:"server_url"`
	AuthToken    string `yaml:"auth_token" json:"auth_token"`
	OutputFormat string `yaml:"output_format" json:"output_format"`
}

// DefaultCLIPath returns the default config file path: ~/.relaymesh/config.yaml
func DefaultCLIPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".relaymesh", "config.yaml")
	}
	return filepath.Join(home, ".relaymesh", "config.yaml")
}

// LoadCLI reads the meshctl configuration from path. A missing file yields
// the defaults. A file readable by group or others triggers a warning on
// warn, since it may hold an auth token.
func LoadCLI(path string, warn io.Writer) (*CLI, error) {
	cfg := &CLI{
		ServerURL:    "http://localhost:8080",
		OutputFormat: "table",
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 && warn != nil {
		fmt.Fprintf(warn,
			"warning: config file %s has permissions %04o, expected 0600; the auth token may be readable by other users\n",
			path, perm)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}
