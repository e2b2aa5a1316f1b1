// Package inventory loads the declarative host and service catalog from
// a YAML file and upserts it into the store at startup. The store stays
// the runtime source of truth; the file is only read at boot.
package inventory

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/servicewarden/warden/internal/auth"
	"github.com/servicewarden/warden/internal/logging"
	"github.com/servicewarden/warden/internal/store"
)

// Host declares one managed machine. Either Token (plaintext, hashed at
// load for bootstrap convenience) or TokenHash must be set.
type Host struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Token     string `yaml:"token,omitempty"`
	TokenHash string `yaml:"token_hash,omitempty"`
}

// Service declares one managed systemd unit and the commands admins may
// queue against it.
type Service struct {
	ID           string `yaml:"id"`
	Host         string `yaml:"host"`
	Unit         string `yaml:"unit"`
	AllowStart   bool   `yaml:"allow_start"`
	AllowStop    bool   `yaml:"allow_stop"`
	AllowRestart bool   `yaml:"allow_restart"`
}

// File is the top-level inventory document.
type File struct {
	Hosts    []Host    `yaml:"hosts"`
	Services []Service `yaml:"services"`
}

// Load reads and validates an inventory file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse inventory: %w", err)
	}
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("invalid inventory: %w", err)
	}
	return &f, nil
}

func (f *File) validate() error {
	hostIDs := make(map[string]bool, len(f.Hosts))
	for i, h := range f.Hosts {
		if h.ID == "" {
			return fmt.Errorf("host %d: id is required", i)
		}
		if hostIDs[h.ID] {
			return fmt.Errorf("host %q declared twice", h.ID)
		}
		if h.Token == "" && h.TokenHash == "" {
			return fmt.Errorf("host %q: token or token_hash is required", h.ID)
		}
		hostIDs[h.ID] = true
	}

	seen := make(map[string]bool, len(f.Services))
	for i, svc := range f.Services {
		if svc.ID == "" {
			return fmt.Errorf("service %d: id is required", i)
		}
		if svc.Host == "" || !hostIDs[svc.Host] {
			return fmt.Errorf("service %q: unknown host %q", svc.ID, svc.Host)
		}
		if svc.Unit == "" {
			return fmt.Errorf("service %q: unit is required", svc.ID)
		}
		key := svc.Host + "/" + svc.ID
		if seen[key] {
			return fmt.Errorf("service %q declared twice on host %q", svc.ID, svc.Host)
		}
		seen[key] = true
	}
	return nil
}

// Apply upserts the inventory into the store.
func Apply(f *File, st *store.Store, log *logging.Logger) error {
	for _, h := range f.Hosts {
		rec := store.Host{
			ID:        h.ID,
			Name:      h.Name,
			TokenHash: h.TokenHash,
		}
		if h.Token != "" {
			rec.TokenHash = auth.HashToken(h.Token)
			rec.TokenPrefix = tokenPrefix(h.Token)
		}
		if err := st.PutHost(rec); err != nil {
			return fmt.Errorf("store host %q: %w", h.ID, err)
		}
	}

	for _, svc := range f.Services {
		if err := st.PutService(store.Service{
			ID:           svc.ID,
			HostID:       svc.Host,
			Unit:         svc.Unit,
			AllowStart:   svc.AllowStart,
			AllowStop:    svc.AllowStop,
			AllowRestart: svc.AllowRestart,
		}); err != nil {
			return fmt.Errorf("store service %q: %w", svc.ID, err)
		}
	}

	log.Info("inventory applied", "hosts", len(f.Hosts), "services", len(f.Services))
	return nil
}

// tokenPrefix keeps a short recognizable fragment for display without
// revealing the token.
func tokenPrefix(token string) string {
	if strings.HasPrefix(token, auth.TokenPrefix) && len(token) >= len(auth.TokenPrefix)+4 {
		return token[:len(auth.TokenPrefix)+4]
	}
	if len(token) > 4 {
		return token[:4]
	}
	return ""
}
