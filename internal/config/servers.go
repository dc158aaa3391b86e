package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ServerEntry is a named server in the server directory file
type ServerEntry struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Protocol string `yaml:"protocol,omitempty"`
}

// ServerDirectory lists the servers a player can connect to
type ServerDirectory struct {
	Default string        `yaml:"default,omitempty"`
	Servers []ServerEntry `yaml:"servers"`
}

// LoadServerDirectory reads a YAML server directory from path
func LoadServerDirectory(path string) (*ServerDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading server directory %s: %w", path, err)
	}
	return ParseServerDirectory(data)
}

// ParseServerDirectory decodes a YAML server directory
func ParseServerDirectory(data []byte) (*ServerDirectory, error) {
	var dir ServerDirectory
	if err := yaml.Unmarshal(data, &dir); err != nil {
		return nil, fmt.Errorf("parsing server directory: %w", err)
	}
	seen := make(map[string]struct{}, len(dir.Servers))
	for i, entry := range dir.Servers {
		if entry.Name == "" || entry.URL == "" {
			return nil, fmt.Errorf("server entry %d: name and url are required", i)
		}
		if _, dup := seen[entry.Name]; dup {
			return nil, fmt.Errorf("server entry %d: duplicate name %q", i, entry.Name)
		}
		seen[entry.Name] = struct{}{}
	}
	return &dir, nil
}

// Lookup returns the entry with the given name. An empty name selects the
// directory default.
func (d *ServerDirectory) Lookup(name string) (ServerEntry, error) {
	if name == "" {
		name = d.Default
	}
	for _, entry := range d.Servers {
		if entry.Name == name {
			return entry, nil
		}
	}
	return ServerEntry{}, fmt.Errorf("server %q not found in directory", name)
}

// Apply copies the entry's address into a server config
func (e ServerEntry) Apply(cfg *ServerConfig) {
	cfg.URL = e.URL
	if e.Protocol != "" {
		cfg.Protocol = e.Protocol
	}
}
