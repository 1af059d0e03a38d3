// Package keycodec generates and verifies opaque API key strings.
//
// A key string has three delimited segments:
//
//	<prefix>_<identifier>_<secret>
//
// The prefix distinguishes this deployment's keys from others, the
// identifier is a non-secret lookup token, and the secret is high-entropy
// random material. Only the SHA-256 hash of the secret is ever persisted;
// the full key string is shown to the caller exactly once, at creation.
package keycodec

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// Delimiter separates the key segments. It must not appear inside any
// segment; New rejects prefixes containing it.
const Delimiter = "_"

const (
	// DefaultPrefix is used when no prefix is configured.
	DefaultPrefix = "default"

	// MinSecretBytes is the floor on secret entropy (256 bits). Smaller
	// configured lengths are clamped up to this.
	MinSecretBytes = 32

	// identifierBytes sizes the random lookup token (16 hex chars).
	identifierBytes = 8
)

// Codec generates and verifies API keys for a fixed prefix and secret length.
type Codec struct {
	prefix      string
	secretBytes int
}

// New creates a Codec. An empty prefix falls back to DefaultPrefix;
// secretBytes below MinSecretBytes is clamped up. The prefix must not
// contain the delimiter, otherwise presented keys could not be split
// unambiguously.
func New(prefix string, secretBytes int) (*Codec, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if strings.Contains(prefix, Delimiter) {
		return nil, fmt.Errorf("key prefix %q must not contain %q", prefix, Delimiter)
	}
	if secretBytes < MinSecretBytes {
		secretBytes = MinSecretBytes
	}
	return &Codec{prefix: prefix, secretBytes: secretBytes}, nil
}

// Prefix returns the configured key prefix.
func (c *Codec) Prefix() string {
	return c.prefix
}

// GeneratedKey is the result of issuing a new key. Plaintext is the full
// key string handed to the caller once; SecretHash is what gets stored.
type GeneratedKey struct {
	Plaintext  string
	Identifier string
	SecretHash string
}

// Generate produces a new random key. The secret never leaves this
// function except inside Plaintext.
func (c *Codec) Generate() (GeneratedKey, error) {
	idBytes := make([]byte, identifierBytes)
	if _, err := rand.Read(idBytes); err != nil {
		return GeneratedKey{}, fmt.Errorf("generate identifier: %w", err)
	}
	secretBytes := make([]byte, c.secretBytes)
	if _, err := rand.Read(secretBytes); err != nil {
		return GeneratedKey{}, fmt.Errorf("generate secret: %w", err)
	}

	identifier := hex.EncodeToString(idBytes)
	secret := hex.EncodeToString(secretBytes)

	return GeneratedKey{
		Plaintext:  c.prefix + Delimiter + identifier + Delimiter + secret,
		Identifier: identifier,
		SecretHash: HashSecret(secret),
	}, nil
}

// ParsedKey is the decomposition of a presented key string.
type ParsedKey struct {
	Prefix     string
	Identifier string
	Secret     string
}

// Parse splits a presented key string into its segments. It returns
// ok=false for any malformed input: wrong segment count or an empty
// segment. No further detail is exposed, so malformed keys are not
// distinguishable from wrong secrets downstream.
func Parse(raw string) (ParsedKey, bool) {
	parts := strings.Split(raw, Delimiter)
	if len(parts) != 3 {
		return ParsedKey{}, false
	}
	for _, p := range parts {
		if p == "" {
			return ParsedKey{}, false
		}
	}
	return ParsedKey{Prefix: parts[0], Identifier: parts[1], Secret: parts[2]}, true
}

// HashSecret returns the hex-encoded SHA-256 hash of a key secret.
func HashSecret(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}

// VerifySecret compares the hash of a presented secret against the stored
// hash in constant time.
func VerifySecret(secret, storedHash string) bool {
	computed := HashSecret(secret)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}

// Verify checks a full presented key string against a stored secret hash.
// Malformed strings verify false rather than erroring, to avoid giving a
// format-probing oracle.
func (c *Codec) Verify(raw, storedHash string) bool {
	parsed, ok := Parse(raw)
	if !ok {
		return false
	}
	return VerifySecret(parsed.Secret, storedHash)
}
