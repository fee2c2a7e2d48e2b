package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/tokenvault/tokenvault/internal/errors"
	"golang.org/x/crypto/hkdf"
)

const keySize = 32 // AES-256

// hkdfInfo binds derived keys to this use so a rotated root secret cannot be
// confused with keys derived for other purposes.
var hkdfInfo = []byte("tokenvault/secret-codec/v1")

// Codec encrypts and decrypts stored secret strings with AES-256-GCM under a
// key derived deterministically from the configured root secret.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec derives the symmetric key from the root secret via HKDF-SHA256.
// An empty root secret yields a codec whose operations fail with
// ErrNoRootSecret.
func NewCodec(rootSecret string) (*Codec, error) {
	if rootSecret == "" {
		return &Codec{}, nil
	}

	key := make([]byte, keySize)
	kdf := hkdf.New(sha256.New, []byte(rootSecret), nil, hkdfInfo)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, &errors.ErrEncryptFailed{Err: err}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &errors.ErrEncryptFailed{Err: err}
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &errors.ErrEncryptFailed{Err: err}
	}

	return &Codec{aead: aead}, nil
}

// Configured reports whether a root secret was provided.
func (c *Codec) Configured() bool {
	return c.aead != nil
}

// Encrypt seals the plaintext. The nonce is prepended to the ciphertext.
func (c *Codec) Encrypt(plaintext string) ([]byte, error) {
	if c.aead == nil {
		return nil, &errors.ErrNoRootSecret{}
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, &errors.ErrEncryptFailed{Err: err}
	}

	return c.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func (c *Codec) Decrypt(ciphertext []byte) (string, error) {
	if c.aead == nil {
		return "", &errors.ErrNoRootSecret{}
	}
	if len(ciphertext) < c.aead.NonceSize() {
		return "", &errors.ErrDecryptFailed{Err: io.ErrUnexpectedEOF}
	}

	nonce, sealed := ciphertext[:c.aead.NonceSize()], ciphertext[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", &errors.ErrDecryptFailed{Err: err}
	}
	return string(plaintext), nil
}

// SelfTest round-trips a probe value. Used by health checks.
func (c *Codec) SelfTest() error {
	if c.aead == nil {
		return &errors.ErrNoRootSecret{}
	}
	sealed, err := c.Encrypt("probe")
	if err != nil {
		return err
	}
	opened, err := c.Decrypt(sealed)
	if err != nil {
		return err
	}
	if opened != "probe" {
		return &errors.ErrDecryptFailed{Err: io.ErrUnexpectedEOF}
	}
	return nil
}
