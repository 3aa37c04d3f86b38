// Package vault encrypts device secrets at rest with AES-256-GCM.
//
// Envelope format: base64(nonce ‖ ciphertext ‖ tag), standard encoding,
// 12-byte random nonce per call. The master key never leaves this package.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/smallbiznis/srmgate/internal/config"
	"github.com/smallbiznis/srmgate/internal/srmerror"
	"go.uber.org/fx"
)

const (
	KeySize   = 32
	nonceSize = 12
	tagSize   = 16
)

var Module = fx.Module("vault",
	fx.Provide(Provide),
)

type Vault struct {
	aead cipher.AEAD
}

// Provide builds the vault from SRM_MASTER_KEY and fails startup when it is unusable.
func Provide(cfg config.Config) (*Vault, error) {
	return FromBase64(cfg.SRM.MasterKey)
}

// FromBase64 decodes a base64 master key.
func FromBase64(encoded string) (*Vault, error) {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, srmerror.Configuration("SRM_MASTER_KEY", "not set", nil)
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, srmerror.Configuration("SRM_MASTER_KEY", "not valid base64", err)
	}
	defer zero(key)
	return New(key)
}

// New returns a vault for a raw 32-byte key. The key is copied into the cipher.
func New(masterKey []byte) (*Vault, error) {
	if len(masterKey) != KeySize {
		return nil, srmerror.Configuration("SRM_MASTER_KEY", "must decode to exactly 32 bytes", nil)
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, srmerror.Configuration("SRM_MASTER_KEY", "cipher init failed", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, srmerror.Configuration("SRM_MASTER_KEY", "gcm init failed", err)
	}
	return &Vault{aead: aead}, nil
}

func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	out := v.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (v *Vault) EncryptString(plaintext string) (string, error) {
	return v.Encrypt([]byte(plaintext))
}

// Decrypt opens an envelope. Any malformed or tampered input is an
// IntegrityError and no plaintext is returned.
func (v *Vault) Decrypt(envelope string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(envelope))
	if err != nil {
		return nil, srmerror.Integrity("envelope", "not valid base64", err)
	}
	if len(raw) < nonceSize+tagSize {
		return nil, srmerror.Integrity("envelope", "too short", nil)
	}
	plaintext, err := v.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return nil, srmerror.Integrity("envelope", "authentication failed", err)
	}
	return plaintext, nil
}

func (v *Vault) DecryptString(envelope string) (string, error) {
	plaintext, err := v.Decrypt(envelope)
	if err != nil {
		return "", err
	}
	defer zero(plaintext)
	return string(plaintext), nil
}

// WithPlaintext decrypts an envelope for the duration of fn and zeroes the
// buffer afterwards. fn must not retain the slice.
func (v *Vault) WithPlaintext(envelope string, fn func([]byte) error) error {
	if fn == nil {
		return errors.New("vault: nil callback")
	}
	plaintext, err := v.Decrypt(envelope)
	if err != nil {
		return err
	}
	defer zero(plaintext)
	return fn(plaintext)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
