package keyring

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// KeyFile is the on-disk master key set:
//
//	active = "2024-01"
//
//	[[keys]]
//	id = "2024-01"
//	secret = "base64..."
type KeyFile struct {
	Active string     `toml:"active"`
	Keys   []KeyEntry `toml:"keys"`
}

type KeyEntry struct {
	ID     string `toml:"id"`
	Secret string `toml:"secret"`
}

// LoadKeyFile reads and parses a TOML key file.
func LoadKeyFile(path string) (*KeyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keyring: read key file: %w", err)
	}
	return ParseKeyFile(data)
}

func ParseKeyFile(data []byte) (*KeyFile, error) {
	var kf KeyFile
	if err := toml.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("keyring: parse key file: %w", err)
	}
	if len(kf.Keys) == 0 {
		return nil, ErrNoKeys
	}
	if kf.Active == "" {
		kf.Active = kf.Keys[len(kf.Keys)-1].ID
	}
	return &kf, nil
}

// ParseKeyList parses the MASTER_KEYS form "id:base64[,id:base64...]".
// The last entry is active.
func ParseKeyList(s string) (*KeyFile, error) {
	var kf KeyFile
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, secret, ok := strings.Cut(part, ":")
		if !ok || id == "" || secret == "" {
			return nil, fmt.Errorf("keyring: malformed key entry %q", id)
		}
		kf.Keys = append(kf.Keys, KeyEntry{ID: id, Secret: secret})
	}
	if len(kf.Keys) == 0 {
		return nil, ErrNoKeys
	}
	kf.Active = kf.Keys[len(kf.Keys)-1].ID
	return &kf, nil
}

// SecretBox decodes every key and builds the local keyring.
func (kf *KeyFile) SecretBox() (*SecretBox, error) {
	keys := make(map[string][]byte, len(kf.Keys))
	for _, e := range kf.Keys {
		if _, dup := keys[e.ID]; dup {
			return nil, fmt.Errorf("keyring: duplicate key id %q", e.ID)
		}
		raw, err := base64.StdEncoding.DecodeString(e.Secret)
		if err != nil {
			return nil, fmt.Errorf("keyring: decode key %q: %w", e.ID, err)
		}
		keys[e.ID] = raw
	}
	return NewSecretBox(keys, kf.Active)
}

// AddKey appends a freshly generated key and makes it active.
func (kf *KeyFile) AddKey(id string, r io.Reader) error {
	for _, e := range kf.Keys {
		if e.ID == id {
			return fmt.Errorf("keyring: duplicate key id %q", id)
		}
	}
	if r == nil {
		r = rand.Reader
	}
	raw := make([]byte, masterKeySize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return fmt.Errorf("keyring: generate key: %w", err)
	}
	kf.Keys = append(kf.Keys, KeyEntry{ID: id, Secret: base64.StdEncoding.EncodeToString(raw)})
	kf.Active = id
	return nil
}

// Marshal renders the key file as TOML.
func (kf *KeyFile) Marshal() ([]byte, error) {
	return toml.Marshal(kf)
}
