package device

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const fallbackName = "reader"

var errMissingIdentityPath = errors.New("device: identity path is required")

// Identity is the stable device identity attached to every
// rights-affecting network call. The identifier is random, generated
// once, and persisted outside the relational store; the name is
// presentation metadata resolved at startup.
type Identity struct {
	ID   string
	Name string
}

// QueryParams exposes the identity as the id and name query parameters
// the rights server protocol expects.
func (i Identity) QueryParams() url.Values {
	params := url.Values{}
	params.Set("id", i.ID)
	params.Set("name", i.Name)
	return params
}

type identityFile struct {
	ID string `json:"id"`
}

// Initialize returns the device identity, generating and persisting the
// identifier on first use. This is the explicit one-time step the daemon
// runs at startup; nothing else creates device state. A persisted
// identifier that cannot be read back is an error, never silently
// regenerated — rotating the identifier would orphan every registration
// recorded under the old one.
func Initialize(path, name string) (Identity, error) {
	if strings.TrimSpace(path) == "" {
		return Identity{}, errMissingIdentityPath
	}

	resolvedName := resolveName(name)

	raw, err := os.ReadFile(path)
	if err == nil {
		var stored identityFile
		if err := json.Unmarshal(raw, &stored); err != nil {
			return Identity{}, fmt.Errorf("device: corrupt identity file %s: %w", path, err)
		}
		if strings.TrimSpace(stored.ID) == "" {
			return Identity{}, fmt.Errorf("device: identity file %s has no id", path)
		}
		return Identity{ID: stored.ID, Name: resolvedName}, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return Identity{}, fmt.Errorf("device: read identity file: %w", err)
	}

	generated, err := uuid.NewV7()
	if err != nil {
		return Identity{}, fmt.Errorf("device: generate identifier: %w", err)
	}
	identity := Identity{ID: generated.String(), Name: resolvedName}

	payload, err := json.Marshal(identityFile{ID: identity.ID})
	if err != nil {
		return Identity{}, err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return Identity{}, fmt.Errorf("device: create identity directory: %w", err)
		}
	}
	if err := os.WriteFile(path, payload, 0o600); err != nil {
		return Identity{}, fmt.Errorf("device: persist identity: %w", err)
	}

	return identity, nil
}

func resolveName(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed != "" {
		return trimmed
	}
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return fallbackName
	}
	return host
}
