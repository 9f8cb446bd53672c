package pow

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

var ErrInvalidTarget = errors.New("pow: invalid target")

// Algorithm is the closed set of hash functions a solver may search with.
// Verification always uses SHA256 regardless of what the client picked.
type Algorithm uint8

const (
	AlgorithmSHA256 Algorithm = iota
	AlgorithmBLAKE2b
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmSHA256:
		return "sha256"
	case AlgorithmBLAKE2b:
		return "blake2b-256"
	default:
		return fmt.Sprintf("algorithm(%d)", uint8(a))
	}
}

// ParseAlgorithm accepts the names produced by String.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "sha256", "sha-256":
		return AlgorithmSHA256, nil
	case "blake2b", "blake2b-256":
		return AlgorithmBLAKE2b, nil
	default:
		return 0, fmt.Errorf("pow: unknown algorithm %q", name)
	}
}

// Sum hashes msg with the selected algorithm.
func (a Algorithm) Sum(msg []byte) [32]byte {
	switch a {
	case AlgorithmBLAKE2b:
		return blake2b.Sum256(msg)
	default:
		return sha256.Sum256(msg)
	}
}

// Target is a 256-bit big-endian threshold; a hash is a solution when it is
// strictly below the target.
type Target [32]byte

// MaxDifficulty is the highest preset accepted by TargetForDifficulty.
const MaxDifficulty = 5

// TargetForDifficulty returns the preset with n leading zero hex nibbles,
// i.e. 2^(256-4n) - 1. Valid n is 1..MaxDifficulty.
func TargetForDifficulty(n int) (Target, error) {
	if n < 1 || n > MaxDifficulty {
		return Target{}, fmt.Errorf("%w: difficulty %d outside 1..%d", ErrInvalidTarget, n, MaxDifficulty)
	}
	var t Target
	for i := range t {
		t[i] = 0xff
	}
	zeroBytes := n / 2
	for i := 0; i < zeroBytes; i++ {
		t[i] = 0x00
	}
	if n%2 == 1 {
		t[zeroBytes] = 0x0f
	}
	return t, nil
}

// ParseTarget decodes a 64-character hex target. Shorter input is treated as
// the low-order bytes of the target.
func ParseTarget(s string) (Target, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" || len(s) > 64 {
		return Target{}, fmt.Errorf("%w: %q", ErrInvalidTarget, s)
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	var t Target
	copy(t[32-len(raw):], raw)
	if t == (Target{}) {
		return Target{}, fmt.Errorf("%w: zero target admits no solution", ErrInvalidTarget)
	}
	return t, nil
}

func (t Target) Hex() string {
	return hex.EncodeToString(t[:])
}

// Admits reports whether hash, read as a big-endian integer, is below t.
func (t Target) Admits(hash [32]byte) bool {
	return bytes.Compare(hash[:], t[:]) < 0
}
