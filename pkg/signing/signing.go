// Package signing signs served archive digests with an Ed25519 key derived
// from an age secret key, and verifies them on the client.
package signing

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

const (
	EnvSecretKey = "AGE_SECRET_KEY"
	EnvPublicKey = "AGE_PUBLIC_KEY"

	// Header carries the base64 signature of the X-Task-Digest value.
	Header = "X-Task-Signature"
)

var (
	ErrNoPrivateKey       = errors.New("signer configured without private key")
	ErrMissingSignature   = errors.New("response is not signed")
	ErrSignatureMismatch  = errors.New("signature verification failed")
	errNoKeyConfiguration = fmt.Errorf("%s or %s must be set", EnvSecretKey, EnvPublicKey)
)

// Signer holds an Ed25519 key pair. A verify-only Signer has no private key.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	recipient  string
}

// FromEnv builds a Signer from AGE_SECRET_KEY and AGE_PUBLIC_KEY. It returns
// nil and no error when neither is set, leaving signing disabled.
func FromEnv() (*Signer, error) {
	secret := strings.TrimSpace(os.Getenv(EnvSecretKey))
	pub := strings.TrimSpace(os.Getenv(EnvPublicKey))
	if secret == "" && pub == "" {
		return nil, nil
	}
	return New(secret, pub)
}

// New builds a Signer from an age secret key, a base64 Ed25519 public key,
// or both. When both are given they must describe the same key.
func New(secret, pub string) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	pub = strings.TrimSpace(pub)
	if secret == "" && pub == "" {
		return nil, errNoKeyConfiguration
	}

	s := &Signer{}
	if secret != "" {
		seed, err := decodeAgeSecretKey(secret)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvSecretKey, err)
		}
		s.privateKey = ed25519.NewKeyFromSeed(seed)
		s.publicKey = s.privateKey.Public().(ed25519.PublicKey)

		if identity, err := age.ParseX25519Identity(secret); err == nil {
			s.recipient = identity.Recipient().String()
		}
	}

	if pub != "" {
		decoded, err := base64.StdEncoding.DecodeString(pub)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", EnvPublicKey, err)
		}
		if l := len(decoded); l != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%s must decode to %d bytes, got %d", EnvPublicKey, ed25519.PublicKeySize, l)
		}
		if s.publicKey == nil {
			s.publicKey = ed25519.PublicKey(decoded)
		} else if !bytes.Equal(s.publicKey, decoded) {
			return nil, fmt.Errorf("%s does not match %s", EnvPublicKey, EnvSecretKey)
		}
	}
	return s, nil
}

// Sign returns the base64 signature of digest.
func (s *Signer) Sign(digest string) (string, error) {
	if s == nil || len(s.privateKey) == 0 {
		return "", ErrNoPrivateKey
	}
	sig := ed25519.Sign(s.privateKey, []byte(digest))
	return base64.StdEncoding.EncodeToString(sig), nil
}

// CanSign reports whether s holds a private key.
func (s *Signer) CanSign() bool {
	return s != nil && len(s.privateKey) > 0
}

// Verify checks signature against digest.
func (s *Signer) Verify(digest, signature string) error {
	if s == nil {
		return errors.New("nil signer")
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return ErrMissingSignature
	}
	sigBytes, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sigBytes) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature length %d", len(sigBytes))
	}
	if !ed25519.Verify(s.publicKey, []byte(digest), sigBytes) {
		return ErrSignatureMismatch
	}
	return nil
}

// PublicKeyBase64 is the value clients put in AGE_PUBLIC_KEY.
func (s *Signer) PublicKeyBase64() string {
	if s == nil || len(s.publicKey) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(s.publicKey)
}

// Recipient returns the age recipient of the secret key, if one was given.
func (s *Signer) Recipient() string {
	if s == nil {
		return ""
	}
	return s.recipient
}

func decodeAgeSecretKey(raw string) ([]byte, error) {
	hrp, data, err := bech32.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(hrp, "age-secret-key-") {
		return nil, fmt.Errorf("unexpected hrp %q", hrp)
	}
	decoded, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(decoded) != ed25519.SeedSize {
		return nil, fmt.Errorf("unexpected seed length %d", len(decoded))
	}
	return decoded, nil
}
