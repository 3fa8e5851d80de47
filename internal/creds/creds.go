// Package creds resolves channel credential ids to secret maps. Secrets live
// in credentials.yaml under the home dir; environment variables override
// per-key, so CI and containers never need the file.
package creds

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrCredentialNotFound = errors.New("credential not found")

type credFile struct {
	Credentials map[string]map[string]string `yaml:"credentials"`
}

// Store resolves credential ids. Secrets are read per call and never cached,
// so rotation takes effect on the next dispatch.
type Store struct {
	path string
}

func NewStore(homeDir string) *Store {
	return &Store{path: filepath.Join(homeDir, "credentials.yaml")}
}

// Resolve returns the secret map for a credential id. Env vars of the form
// CRONPILOT_CRED_<ID>_<KEY> (id and key uppercased, dashes to underscores)
// override file entries key by key.
func (s *Store) Resolve(credentialID string) (map[string]string, error) {
	if strings.TrimSpace(credentialID) == "" {
		return nil, fmt.Errorf("empty credential id: %w", ErrCredentialNotFound)
	}

	out := make(map[string]string)
	data, err := os.ReadFile(s.path)
	if err == nil {
		var doc credFile
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse credentials file: %w", err)
		}
		for k, v := range doc.Credentials[credentialID] {
			out[k] = v
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read credentials file: %w", err)
	}

	prefix := "CRONPILOT_CRED_" + envToken(credentialID) + "_"
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, prefix) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(name, prefix))
		out[key] = value
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%q: %w", credentialID, ErrCredentialNotFound)
	}
	return out, nil
}

func envToken(s string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(s))
}
