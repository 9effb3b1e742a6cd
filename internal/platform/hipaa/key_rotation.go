package hipaa

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// KeyRing seals with the current key and opens values sealed under any key
// it still holds, so keys can be rotated without rewriting old rows first.
type KeyRing struct {
	current  *PHIEncryptor
	previous map[int]*PHIEncryptor
}

// NewKeyRing builds the PHI cipher from configuration. currentHex is the
// hex-encoded active key written as version; previous lists retired keys as
// "version:hex,version:hex". An empty currentHex yields Plaintext, and a ring
// with no previous keys is just the current encryptor.
func NewKeyRing(currentHex string, version int, previous string) (FieldCipher, error) {
	if currentHex == "" {
		if strings.TrimSpace(previous) != "" {
			return nil, fmt.Errorf("key ring: previous keys given without a current key")
		}
		return Plaintext{}, nil
	}
	current, err := encryptorFromHex(currentHex, version)
	if err != nil {
		return nil, fmt.Errorf("key ring: current key: %w", err)
	}
	old, err := parsePreviousKeys(previous)
	if err != nil {
		return nil, err
	}
	if len(old) == 0 {
		return current, nil
	}
	if _, clash := old[version]; clash {
		return nil, fmt.Errorf("key ring: version %d is both current and previous", version)
	}
	return &KeyRing{current: current, previous: old}, nil
}

func (r *KeyRing) Seal(plaintext, bind string) (string, error) {
	return r.current.Seal(plaintext, bind)
}

func (r *KeyRing) Open(stored, bind string) (string, error) {
	if !IsSealed(stored) {
		return stored, nil
	}
	version, body, err := splitSealed(stored)
	if err != nil {
		return "", err
	}
	if version == r.current.version {
		return r.current.open(body, bind)
	}
	enc, ok := r.previous[version]
	if !ok {
		return "", fmt.Errorf("%w: v%d", ErrUnknownKeyVersion, version)
	}
	return enc.open(body, bind)
}

func encryptorFromHex(hexKey string, version int) (*PHIEncryptor, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("key is not valid hex: %w", err)
	}
	return newVersionedEncryptor(key, version)
}

func parsePreviousKeys(s string) (map[int]*PHIEncryptor, error) {
	out := make(map[int]*PHIEncryptor)
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		v, hexKey, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("key ring: previous key %q is not version:hex", entry)
		}
		version, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("key ring: previous key version %q: %w", v, err)
		}
		enc, err := encryptorFromHex(hexKey, version)
		if err != nil {
			return nil, fmt.Errorf("key ring: previous key v%d: %w", version, err)
		}
		out[version] = enc
	}
	return out, nil
}
