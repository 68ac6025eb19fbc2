package security

import (
	"crypto/rand"
	"errors"
	"io"
	"math/big"
	mrand "math/rand/v2"
)

// Identifier errors
var (
	ErrInsufficientEntropy = errors.New("security: insufficient entropy")
)

// DefaultIDLength is the length GenerateSecureID uses for non-positive input.
const DefaultIDLength = 16

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// entropy is the strong random source. Tests swap it to force the fallback.
var entropy io.Reader = rand.Reader

// GenerateSecureID returns an alphanumeric identifier of the given length.
// If the system random source fails, a pseudo-random identifier is returned
// and the degradation is logged.
func (v *Validator) GenerateSecureID(length int) string {
	id, err := secureID(entropy, length)
	if err != nil {
		v.logger.Warn("secure random source unavailable, falling back to pseudo-random id", "error", err)
		return weakID(length)
	}
	return id
}

func secureID(r io.Reader, length int) (string, error) {
	if length <= 0 {
		length = DefaultIDLength
	}
	max := big.NewInt(int64(len(idAlphabet)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(r, max)
		if err != nil {
			return "", errors.Join(ErrInsufficientEntropy, err)
		}
		out[i] = idAlphabet[n.Int64()]
	}
	return string(out), nil
}

func weakID(length int) string {
	if length <= 0 {
		length = DefaultIDLength
	}
	out := make([]byte, length)
	for i := range out {
		out[i] = idAlphabet[mrand.IntN(len(idAlphabet))]
	}
	return string(out)
}
