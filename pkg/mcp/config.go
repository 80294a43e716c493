package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ServerRecord is the persisted description of one tool server.
type ServerRecord struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Command   string            `json:"command"`
	Args      []string          `json:"args"`
	Env       map[string]string `json:"env,omitempty"`
	Enabled   bool              `json:"enabled"`
	CreatedAt time.Time         `json:"created_at"`
}

type serverFile struct {
	Servers []*ServerRecord `json:"servers"`
}

// ConfigStore persists server records as JSON with mode 0600; the env
// map may hold encrypted secrets.
type ConfigStore struct {
	path string
}

func NewConfigStore(dir string) *ConfigStore {
	return &ConfigStore{path: filepath.Join(dir, "mcp_servers.json")}
}

// Load returns the saved records, or none when the file is absent.
func (c *ConfigStore) Load() ([]*ServerRecord, error) {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read server config: %w", err)
	}

	var file serverFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse server config: %w", err)
	}
	return file.Servers, nil
}

func (c *ConfigStore) save(servers []*ServerRecord) error {
	data, err := json.MarshalIndent(serverFile{Servers: servers}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal server config: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write server config: %w", err)
	}
	return nil
}

// Add validates and appends a record, assigning a short id. A record
// with the same (command, args) as an existing one is rejected.
func (c *ConfigStore) Add(name, command string, args []string, env map[string]string, enabled bool) (*ServerRecord, error) {
	if err := ValidateCommand(command, args); err != nil {
		return nil, err
	}

	servers, err := c.Load()
	if err != nil {
		return nil, err
	}
	for _, s := range servers {
		if s.Command == command && slices.Equal(s.Args, args) {
			return nil, fmt.Errorf("un serveur identique existe deja: %s", s.Name)
		}
	}

	record := &ServerRecord{
		ID:        strings.ReplaceAll(uuid.New().String(), "-", "")[:8],
		Name:      name,
		Command:   command,
		Args:      args,
		Env:       env,
		Enabled:   enabled,
		CreatedAt: time.Now().UTC(),
	}
	servers = append(servers, record)
	if err := c.save(servers); err != nil {
		return nil, err
	}
	return record, nil
}

// Remove deletes a record by id; reports whether it existed.
func (c *ConfigStore) Remove(id string) (bool, error) {
	servers, err := c.Load()
	if err != nil {
		return false, err
	}
	kept := servers[:0]
	found := false
	for _, s := range servers {
		if s.ID == id {
			found = true
			continue
		}
		kept = append(kept, s)
	}
	if !found {
		return false, nil
	}
	return true, c.save(kept)
}

// SetEnabled flips the enabled flag.
func (c *ConfigStore) SetEnabled(id string, enabled bool) error {
	servers, err := c.Load()
	if err != nil {
		return err
	}
	for _, s := range servers {
		if s.ID == id {
			s.Enabled = enabled
			return c.save(servers)
		}
	}
	return fmt.Errorf("serveur inconnu: %s", id)
}
