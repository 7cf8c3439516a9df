package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/pulseboard/slack-auth/internal/domain"
)

const (
	saltLength = 64
	ivLength   = 16
	tagLength  = 16
	keyLength  = 32
	// PBKDF2 iteration count. Each Encrypt call derives an independent key
	// from the fixed master key and a fresh salt, so a leaked derived key
	// exposes a single secret only.
	kdfIterations = 100_000
)

// Cipher performs authenticated encryption of secrets at rest. The master key
// is process-wide, read-only configuration.
type Cipher struct {
	masterKey []byte
}

// NewCipher builds a Cipher from a 32-byte master key.
func NewCipher(masterKey []byte) (*Cipher, error) {
	if len(masterKey) != keyLength {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", keyLength, len(masterKey))
	}
	key := make([]byte, keyLength)
	copy(key, masterKey)
	return &Cipher{masterKey: key}, nil
}

// envelope is the parsed form of the delimited wire format. The rest of the
// system never manipulates the delimited string directly.
type envelope struct {
	salt       []byte
	iv         []byte
	tag        []byte
	ciphertext []byte
}

// Encrypt seals plaintext with AES-256-GCM under a key derived from the
// master key and a fresh salt. The result is the wire format
// base64(salt):base64(iv):base64(tag):base64(ciphertext).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", domain.ErrEmptyInput
	}

	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	iv := make([]byte, ivLength)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	gcm, err := c.aead(salt)
	if err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ciphertext := sealed[:len(sealed)-tagLength]
	tag := sealed[len(sealed)-tagLength:]

	parts := []string{
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(iv),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ciphertext),
	}
	return strings.Join(parts, ":"), nil
}

// Decrypt opens an encoded envelope and verifies its authentication tag. Any
// tampering, corruption, or wrong-key condition fails; garbage is never
// returned.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", domain.ErrEmptyInput
	}

	env, err := parseEnvelope(encoded)
	if err != nil {
		return "", err
	}

	gcm, err := c.aead(env.salt)
	if err != nil {
		return "", err
	}

	sealed := append(append([]byte{}, env.ciphertext...), env.tag...)
	plaintext, err := gcm.Open(nil, env.iv, sealed, nil)
	if err != nil {
		return "", domain.ErrDecryptionFailed
	}
	return string(plaintext), nil
}

func parseEnvelope(encoded string) (*envelope, error) {
	parts := strings.Split(encoded, ":")
	if len(parts) != 4 {
		return nil, fmt.Errorf("%w: expected 4 fields, got %d", domain.ErrMalformedCiphertext, len(parts))
	}
	decoded := make([][]byte, 4)
	for i, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("%w: empty field", domain.ErrMalformedCiphertext)
		}
		raw, err := base64.StdEncoding.DecodeString(part)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid base64", domain.ErrMalformedCiphertext)
		}
		decoded[i] = raw
	}
	env := &envelope{salt: decoded[0], iv: decoded[1], tag: decoded[2], ciphertext: decoded[3]}
	if len(env.salt) != saltLength {
		return nil, fmt.Errorf("%w: invalid salt length", domain.ErrMalformedCiphertext)
	}
	if len(env.iv) != ivLength {
		return nil, fmt.Errorf("%w: invalid iv length", domain.ErrMalformedCiphertext)
	}
	if len(env.tag) != tagLength {
		return nil, fmt.Errorf("%w: invalid tag length", domain.ErrMalformedCiphertext)
	}
	return env, nil
}

func (c *Cipher) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(c.masterKey, salt, kdfIterations, keyLength, sha512.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivLength)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}

// HashString returns the SHA-256 hex digest for non-reversible fingerprinting.
func HashString(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// GenerateState produces a URL-safe random value for anti-CSRF state.
func GenerateState() (string, error) {
	return GenerateSecureToken(32)
}

// GenerateSecureToken returns n random bytes, URL-safe base64 encoded.
func GenerateSecureToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ConstantTimeEqual compares two values in time independent of where they
// first differ. Empty input fails closed rather than panicking.
func ConstantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// SignHMAC computes the hex HMAC-SHA256 of message under secret.
func SignHMAC(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}
