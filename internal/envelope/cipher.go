package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql/driver"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// KeySize is the required length of a decoded data key (AES-256).
	KeySize = 32
	// NonceSize is the length of the per-call random nonce.
	NonceSize = 12
	// TagSize is the length of the GCM authentication tag.
	TagSize = 16
)

var (
	// ErrKeyConfig indicates that the key for a version is absent or malformed.
	ErrKeyConfig = errors.New("envelope: key configuration invalid")
	// ErrIntegrity indicates that an envelope failed authentication or could not be decoded.
	ErrIntegrity = errors.New("envelope: integrity check failed")
	// ErrInvalidKeyVersion indicates that a key version is not a positive integer.
	ErrInvalidKeyVersion = errors.New("envelope: invalid key version")
)

// KeyConfigError describes why a key version could not be resolved.
type KeyConfigError struct {
	Version int
	Reason  string
}

func (e *KeyConfigError) Error() string {
	return fmt.Sprintf("envelope: key version %d: %s", e.Version, e.Reason)
}

// Is reports ErrKeyConfig equivalence for errors.Is.
func (e *KeyConfigError) Is(target error) bool {
	return target == ErrKeyConfig
}

// Envelope is the only persisted form of an encrypted credential payload.
type Envelope struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	AuthTag    string `json:"authTag"`
	KeyVersion int    `json:"keyVersion"`
}

// Value stores the envelope as a JSON document.
func (e Envelope) Value() (driver.Value, error) {
	encoded, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

// Scan loads the envelope from a JSON document column.
func (e *Envelope) Scan(src interface{}) error {
	var raw []byte
	switch value := src.(type) {
	case nil:
		*e = Envelope{}
		return nil
	case string:
		raw = []byte(value)
	case []byte:
		raw = value
	default:
		return fmt.Errorf("envelope: unsupported column type %T", src)
	}
	return json.Unmarshal(raw, e)
}

// CipherConfig lists the base64-encoded keys by version and the version used for new envelopes.
type CipherConfig struct {
	Keys           map[int]string
	CurrentVersion int
}

// Cipher performs AES-256-GCM envelope encryption over JSON payloads.
type Cipher struct {
	keys           map[int]string
	currentVersion int
	random         io.Reader
}

// NewCipher constructs a Cipher. Key material is validated when a version is first used.
func NewCipher(cfg CipherConfig) (*Cipher, error) {
	if cfg.CurrentVersion < 1 {
		return nil, fmt.Errorf("%w: current version %d", ErrInvalidKeyVersion, cfg.CurrentVersion)
	}
	keys := make(map[int]string, len(cfg.Keys))
	for version, encoded := range cfg.Keys {
		keys[version] = encoded
	}
	return &Cipher{
		keys:           keys,
		currentVersion: cfg.CurrentVersion,
		random:         rand.Reader,
	}, nil
}

// CurrentVersion returns the key version used by Encrypt.
func (c *Cipher) CurrentVersion() int {
	return c.currentVersion
}

// Encrypt serializes payload as JSON and seals it under the current key version.
func (c *Cipher) Encrypt(payload interface{}) (Envelope, error) {
	return c.EncryptWithVersion(payload, c.currentVersion)
}

// EncryptWithVersion serializes payload as JSON and seals it under the given key version.
func (c *Cipher) EncryptWithVersion(payload interface{}, keyVersion int) (Envelope, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("envelope: serialize payload: %w", err)
	}
	return c.seal(plaintext, keyVersion)
}

// Decrypt opens the envelope and unmarshals the payload into target.
func (c *Cipher) Decrypt(env Envelope, target interface{}) error {
	plaintext, err := c.Open(env)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, target); err != nil {
		return fmt.Errorf("envelope: deserialize payload: %w", err)
	}
	return nil
}

// Open verifies the authentication tag and returns the serialized payload.
// No plaintext is returned unless verification succeeds.
func (c *Cipher) Open(env Envelope) ([]byte, error) {
	aead, err := c.aead(env.KeyVersion)
	if err != nil {
		return nil, err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext is not base64", ErrIntegrity)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil || len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: iv must be %d bytes", ErrIntegrity, NonceSize)
	}
	tag, err := base64.StdEncoding.DecodeString(env.AuthTag)
	if err != nil || len(tag) != TagSize {
		return nil, fmt.Errorf("%w: auth tag must be %d bytes", ErrIntegrity, TagSize)
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: authentication failed", ErrIntegrity)
	}
	return plaintext, nil
}

// Rotate re-seals the envelope payload under newKeyVersion. The input envelope is never modified.
func (c *Cipher) Rotate(env Envelope, newKeyVersion int) (Envelope, error) {
	plaintext, err := c.Open(env)
	if err != nil {
		return Envelope{}, err
	}
	return c.seal(plaintext, newKeyVersion)
}

func (c *Cipher) seal(plaintext []byte, keyVersion int) (Envelope, error) {
	aead, err := c.aead(keyVersion)
	if err != nil {
		return Envelope{}, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(c.random, nonce); err != nil {
		return Envelope{}, fmt.Errorf("envelope: generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - TagSize
	return Envelope{
		Ciphertext: base64.StdEncoding.EncodeToString(sealed[:split]),
		IV:         base64.StdEncoding.EncodeToString(nonce),
		AuthTag:    base64.StdEncoding.EncodeToString(sealed[split:]),
		KeyVersion: keyVersion,
	}, nil
}

func (c *Cipher) aead(keyVersion int) (cipher.AEAD, error) {
	key, err := c.resolveKey(keyVersion)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &KeyConfigError{Version: keyVersion, Reason: err.Error()}
	}
	return cipher.NewGCM(block)
}

func (c *Cipher) resolveKey(keyVersion int) ([]byte, error) {
	if keyVersion < 1 {
		return nil, &KeyConfigError{Version: keyVersion, Reason: "version must be positive"}
	}
	encoded, ok := c.keys[keyVersion]
	if !ok || encoded == "" {
		return nil, &KeyConfigError{Version: keyVersion, Reason: "key not configured"}
	}
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &KeyConfigError{Version: keyVersion, Reason: "key is not valid base64"}
	}
	if len(key) != KeySize {
		return nil, &KeyConfigError{Version: keyVersion, Reason: fmt.Sprintf("key must decode to %d bytes, got %d", KeySize, len(key))}
	}
	return key, nil
}
