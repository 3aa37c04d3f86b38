package chain

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"math/big"
	"strings"

	"github.com/smallbiznis/srmgate/internal/srmerror"
)

const (
	// SignatureLength is the base64 length of a 64-byte r||s signature.
	SignatureLength = 88
	HashLength      = 64
)

// GenesisSignature stands in for the previous signature of sequence 1.
var GenesisSignature = strings.Repeat("=", SignatureLength)

var ErrBadSignature = errors.New("signature verification failed")

// Hash returns the lowercase hex SHA-256 of payload.
func Hash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Sign signs SHA-256(payload) with P-256 and returns base64(r||s), each half
// left-padded to 32 bytes.
func Sign(payload []byte, key *ecdsa.PrivateKey) (string, error) {
	if key == nil || key.Curve != elliptic.P256() {
		return "", srmerror.Integrity("signing_key", "missing or not P-256", nil)
	}
	digest := sha256.Sum256(payload)
	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	if err != nil {
		return "", err
	}
	raw := make([]byte, 64)
	r.FillBytes(raw[:32])
	s.FillBytes(raw[32:])
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Verify checks a base64(r||s) signature over payload.
func Verify(payload []byte, signature string, pub *ecdsa.PublicKey) error {
	if pub == nil {
		return ErrBadSignature
	}
	raw, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(raw) != 64 {
		return ErrBadSignature
	}
	r := new(big.Int).SetBytes(raw[:32])
	s := new(big.Int).SetBytes(raw[32:])
	digest := sha256.Sum256(payload)
	if !ecdsa.Verify(pub, digest[:], r, s) {
		return ErrBadSignature
	}
	return nil
}

// wellFormed reports whether sig has the shape of a chain signature.
func wellFormed(sig string) bool {
	if len(sig) != SignatureLength {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(sig)
	return err == nil && len(raw) == 64
}
