// Package digest computes the change-detection checksum of archive bytes.
//
// MD5 is the default and its digests are bare lowercase hex. BLAKE3 digests
// carry a "blake3:" prefix so the server can pick the same algorithm from the
// value the client sends. Neither is an integrity control; see pkg/signing.
package digest

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// Algorithm names a supported checksum.
type Algorithm string

const (
	MD5    Algorithm = "md5"
	BLAKE3 Algorithm = "blake3"
)

const blake3Prefix = "blake3:"

// Parse maps a configuration value to an Algorithm. Empty means MD5.
func Parse(raw string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(MD5):
		return MD5, nil
	case string(BLAKE3):
		return BLAKE3, nil
	default:
		return "", fmt.Errorf("unsupported digest algorithm %q", raw)
	}
}

// Detect returns the algorithm that produced value.
func Detect(value string) Algorithm {
	if strings.HasPrefix(value, blake3Prefix) {
		return BLAKE3
	}
	return MD5
}

// Hasher accumulates bytes and renders the final digest string.
type Hasher struct {
	algo Algorithm
	h    hash.Hash
}

// New returns a Hasher for algo.
func New(algo Algorithm) *Hasher {
	if algo == BLAKE3 {
		return &Hasher{algo: BLAKE3, h: blake3.New()}
	}
	return &Hasher{algo: MD5, h: md5.New()}
}

func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Sum renders the digest of everything written so far.
func (h *Hasher) Sum() string {
	sum := hex.EncodeToString(h.h.Sum(nil))
	if h.algo == BLAKE3 {
		return blake3Prefix + sum
	}
	return sum
}

// Reader digests everything read from r.
func Reader(algo Algorithm, r io.Reader) (string, error) {
	h := New(algo)
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return h.Sum(), nil
}

// File digests the file at path.
func File(algo Algorithm, path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	sum, err := Reader(algo, file)
	if err != nil {
		return "", fmt.Errorf("digest %s: %w", path, err)
	}
	return sum, nil
}

// Equal reports whether two digests name the same non-empty content.
func Equal(a, b string) bool {
	return a != "" && strings.EqualFold(a, b)
}
