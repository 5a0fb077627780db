// Package licensekey mints and verifies opaque license keys.
//
// A key binds an organization id and a license configuration fingerprint to
// an HMAC-SHA256 signature under a server-side secret:
//
//	lic_<base64url(payload || mac)>
//
//	payload = version(1) | organization id(8) | issued at(8) | fingerprint(8) | nonce(12)
//	mac     = HMAC-SHA256(secret, "lic_" || payload)
//
// The decoded blob is 69 bytes, a multiple of three, so the encoded form has
// no padding bits and every character of a key contributes to the MAC input.
package licensekey

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"io"
	"strings"
	"time"

	"github.com/platinummonkey/entitlements/pkg/errdefs"
)

const (
	// Prefix identifies license keys
	Prefix = "lic_"

	// Version is the current payload layout version
	Version byte = 1

	// NonceLength is the number of random bytes per key
	NonceLength = 12

	fingerprintLength = 8
	payloadLength     = 1 + 8 + 8 + fingerprintLength + NonceLength
	macLength         = sha256.Size
	blobLength        = payloadLength + macLength

	// KeyLength is the length of every well-formed key
	KeyLength = len(Prefix) + blobLength/3*4

	// MinSecretLength is the shortest accepted signing secret
	MinSecretLength = 32
)

var encoding = base64.RawURLEncoding.Strict()

// KeyConfig is the license configuration bound into a key
type KeyConfig struct {
	Tier string
}

// Fingerprint returns the 8-byte digest of the configuration
func (c KeyConfig) Fingerprint() [fingerprintLength]byte {
	sum := sha256.Sum256([]byte("tier=" + strings.ToLower(c.Tier)))
	var fp [fingerprintLength]byte
	copy(fp[:], sum[:fingerprintLength])
	return fp
}

// Claims are the verified contents of a key
type Claims struct {
	Version        byte
	OrganizationID int64
	IssuedAt       time.Time
	Fingerprint    [fingerprintLength]byte
}

// Matches reports whether the key was minted for cfg
func (c *Claims) Matches(cfg KeyConfig) bool {
	fp := cfg.Fingerprint()
	return hmac.Equal(c.Fingerprint[:], fp[:])
}

// Codec generates and parses keys under one secret
type Codec struct {
	secret  []byte
	entropy io.Reader
	now     func() time.Time
}

// Option customizes a Codec
type Option func(*Codec)

// WithEntropy replaces crypto/rand as the nonce source
func WithEntropy(r io.Reader) Option {
	return func(c *Codec) {
		c.entropy = r
	}
}

// WithClock replaces time.Now for the issued-at stamp
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		c.now = now
	}
}

// NewCodec creates a codec signing with secret
func NewCodec(secret []byte, opts ...Option) *Codec {
	c := &Codec{
		secret:  append([]byte(nil), secret...),
		entropy: rand.Reader,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate mints a new key for the organization
func (c *Codec) Generate(organizationID int64, cfg KeyConfig) (string, error) {
	if len(c.secret) == 0 {
		return "", errdefs.GenerationFailed("signing secret is not configured", nil)
	}

	blob := make([]byte, blobLength)
	blob[0] = Version
	binary.BigEndian.PutUint64(blob[1:9], uint64(organizationID))
	binary.BigEndian.PutUint64(blob[9:17], uint64(c.now().Unix()))
	fp := cfg.Fingerprint()
	copy(blob[17:17+fingerprintLength], fp[:])

	nonce := blob[17+fingerprintLength : payloadLength]
	if _, err := io.ReadFull(c.entropy, nonce); err != nil {
		return "", errdefs.GenerationFailed("failed to read nonce", err)
	}

	copy(blob[payloadLength:], c.sign(blob[:payloadLength]))

	return Prefix + encoding.EncodeToString(blob), nil
}

// Parse verifies key and returns its claims
func (c *Codec) Parse(key string) (*Claims, error) {
	if len(c.secret) == 0 {
		return nil, errdefs.ValidationFailed("signing secret is not configured")
	}
	if !strings.HasPrefix(key, Prefix) {
		return nil, errdefs.ValidationFailed("missing key prefix")
	}
	if len(key) != KeyLength {
		return nil, errdefs.ValidationFailed("unexpected key length")
	}

	blob, err := encoding.DecodeString(key[len(Prefix):])
	if err != nil {
		return nil, errdefs.ValidationFailed("invalid key encoding")
	}
	if len(blob) != blobLength {
		return nil, errdefs.ValidationFailed("unexpected key length")
	}

	payload, mac := blob[:payloadLength], blob[payloadLength:]
	if !hmac.Equal(mac, c.sign(payload)) {
		return nil, errdefs.ValidationFailed("signature mismatch")
	}
	if payload[0] != Version {
		return nil, errdefs.ValidationFailed("unsupported key version")
	}

	claims := &Claims{
		Version:        payload[0],
		OrganizationID: int64(binary.BigEndian.Uint64(payload[1:9])),
		IssuedAt:       time.Unix(int64(binary.BigEndian.Uint64(payload[9:17])), 0).UTC(),
	}
	copy(claims.Fingerprint[:], payload[17:17+fingerprintLength])

	return claims, nil
}

func (c *Codec) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(Prefix))
	mac.Write(payload)
	return mac.Sum(nil)
}

// Hash computes the SHA256 hash of a key for storage and lookup
func Hash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Mask returns a display form that keeps only the first characters
func Mask(key string) string {
	if len(key) <= len(Prefix)+8 {
		return Prefix + "..."
	}
	return key[:len(Prefix)+8] + "..."
}
