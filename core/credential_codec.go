package core

import (
	"encoding/json"
	"fmt"
)

// MarshalCredentialData serializes a credential payload for encryption.
// Keys with empty values are kept; the connector decides what matters.
func MarshalCredentialData(data map[string]string) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("core: credential data is empty")
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("core: encode credential data: %w", err)
	}
	return encoded, nil
}

// UnmarshalCredentialData restores a decrypted credential payload.
func UnmarshalCredentialData(payload []byte) (map[string]string, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("core: credential payload is empty")
	}
	data := map[string]string{}
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("core: decode credential data: %w", err)
	}
	return data, nil
}
