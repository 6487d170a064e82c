package security

import (
	"fmt"

	"github.com/goliatone/go-integrations/core"
)

// KeyringCipher encrypts with the active key and decrypts with whichever
// key produced the envelope, so rotated-out keys keep opening the rows
// they wrote.
type KeyringCipher struct {
	active *AppKeyCipher
	keys   map[string]*AppKeyCipher
}

func NewKeyringCipher(active *AppKeyCipher, retired ...*AppKeyCipher) (*KeyringCipher, error) {
	if active == nil {
		return nil, fmt.Errorf("security: active cipher is required")
	}
	keyring := &KeyringCipher{
		active: active,
		keys:   map[string]*AppKeyCipher{active.KeyID(): active},
	}
	for _, key := range retired {
		if key == nil {
			continue
		}
		if _, exists := keyring.keys[key.KeyID()]; exists {
			return nil, fmt.Errorf("security: duplicate key id %q", key.KeyID())
		}
		keyring.keys[key.KeyID()] = key
	}
	return keyring, nil
}

func (k *KeyringCipher) Encrypt(plaintext []byte) ([]byte, string, error) {
	if k == nil {
		return nil, "", fmt.Errorf("security: keyring is nil")
	}
	return k.active.Encrypt(plaintext)
}

func (k *KeyringCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if k == nil {
		return nil, fmt.Errorf("security: keyring is nil")
	}
	parsed, err := parseEnvelope(ciphertext)
	if err != nil {
		return nil, err
	}
	if parsed.KeyID == "" {
		return k.active.open(parsed)
	}
	key, ok := k.keys[parsed.KeyID]
	if !ok {
		return nil, fmt.Errorf("security: no key for id %q", parsed.KeyID)
	}
	return key.open(parsed)
}

func (k *KeyringCipher) KeyID() string {
	if k == nil {
		return ""
	}
	return k.active.KeyID()
}

var _ core.Cipher = (*KeyringCipher)(nil)
