package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/sjson"
)

// field is one key written into a credential file.
type field struct {
	key   string
	value string
}

func readCredentialFile(path string) (Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credential{}, err
	}
	var c Credential
	if err := json.Unmarshal(data, &c); err != nil {
		return Credential{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return c, nil
}

// mergeFile sets fields into the JSON at path, keeping every other key, and
// writes the result atomically with 0600 permissions. A missing file is
// created.
func mergeFile(path string, fields []field) ([]byte, error) {
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		data = []byte("{}")
	case err != nil:
		return nil, err
	case !json.Valid(data):
		log.Warn().Str("file", path).Msg("credentials: existing file is not JSON, rewriting")
		data = []byte("{}")
	}

	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if data, err = sjson.SetBytes(data, f.key, f.value); err != nil {
			return nil, fmt.Errorf("set %s: %w", f.key, err)
		}
	}
	if err := writeFileAtomic(path, data, 0o600); err != nil {
		return nil, err
	}
	return data, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	return os.Rename(tmpName, path)
}

// persistRefresh writes a refreshed token to the credential file, the cache
// and, for the default SSO cache file, to existing alias files. Failures are
// logged; the in-memory credential is already current.
func (m *Manager) persistRefresh(next Credential) {
	fields := []field{
		{"accessToken", next.AccessToken},
		{"refreshToken", next.RefreshToken},
		{"expiresAt", next.ExpiresAt},
		{"profileArn", next.ProfileArn},
	}
	m.persist(m.opts.File, m.accountID, fields)

	if filepath.Clean(filepath.Dir(m.opts.File)) != filepath.Clean(filepath.Dir(DefaultCredentialFile())) {
		return
	}
	dir := filepath.Dir(m.opts.File)
	for _, alias := range m.opts.Aliases {
		path := filepath.Join(dir, alias)
		if path == filepath.Clean(m.opts.File) {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		// authMethod and provider are not in fields, so the alias keeps its own.
		m.persist(path, AccountID(path), fields)
		log.Info().Str("alias", alias).Msg("credentials: synced token to alias file")
	}
}

func (m *Manager) persist(path, accountID string, fields []field) {
	merged, err := mergeFile(path, fields)
	if err != nil {
		log.Error().Err(err).Str("file", path).Msg("credentials: failed to write credential file")
		return
	}
	log.Debug().Str("file", path).Msg("credentials: updated credential file")

	var c Credential
	if err := json.Unmarshal(merged, &c); err != nil {
		return
	}
	m.cache(accountID, c)
}

func (m *Manager) cached() (Credential, bool) {
	if m.opts.Cache == nil {
		return Credential{}, false
	}
	raw, ok := m.opts.Cache.Get(m.accountID)
	if !ok {
		return Credential{}, false
	}
	var c Credential
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		log.Warn().Err(err).Str("account", m.accountID).Msg("credentials: dropping corrupt cache entry")
		_ = m.opts.Cache.Delete(m.accountID)
		return Credential{}, false
	}
	return c, true
}

func (m *Manager) cache(accountID string, c Credential) {
	if m.opts.Cache == nil {
		return
	}
	data, err := json.Marshal(c)
	if err != nil {
		return
	}
	if err := m.opts.Cache.Set(accountID, string(data)); err != nil {
		log.Warn().Err(err).Str("account", accountID).Msg("credentials: cache write failed")
	}
}
