// Package cryptobox seals individual field values with AES-256-GCM.
//
// Every sealed value carries its own random salt and IV. The per-value key is
// derived from the master secret and the salt with HKDF-SHA256, so the same
// plaintext never seals to the same ciphertext twice. Equality search over
// sealed fields goes through LookupKey instead.
package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"lime_farm/internal/domain"

	"golang.org/x/crypto/hkdf"
	"lukechampine.com/blake3"
)

const (
	MinSecretLength = 32

	keySize  = 32
	saltSize = 16
	ivSize   = 12
	tagSize  = 16

	fieldInfo  = "lime-ledger/field"
	lookupInfo = "lime-ledger/lookup"
)

var ErrShortSecret = errors.New("cryptobox: master secret must be at least 32 bytes")

// Sealed is the at-rest form of one encrypted field.
type Sealed struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	Tag        string `json:"tag"`
	Salt       string `json:"salt,omitempty"`
}

func (s Sealed) IsZero() bool {
	return s.Ciphertext == "" && s.IV == "" && s.Tag == ""
}

// Box holds the master secret. It is safe for concurrent use.
type Box struct {
	master    []byte
	lookupKey []byte
	rand      io.Reader
}

func New(masterSecret []byte) (*Box, error) {
	if len(masterSecret) < MinSecretLength {
		return nil, ErrShortSecret
	}
	master := append([]byte(nil), masterSecret...)

	lookupKey, err := derive(master, nil, lookupInfo)
	if err != nil {
		return nil, err
	}

	return &Box{master: master, lookupKey: lookupKey, rand: rand.Reader}, nil
}

func derive(master, salt []byte, info string) ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, salt, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

func (b *Box) aead(salt []byte) (cipher.AEAD, error) {
	key, err := derive(b.master, salt, fieldInfo)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext under a fresh salt and IV.
func (b *Box) Seal(plaintext string) (Sealed, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(b.rand, salt); err != nil {
		return Sealed{}, fmt.Errorf("read salt: %w", err)
	}
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(b.rand, iv); err != nil {
		return Sealed{}, fmt.Errorf("read iv: %w", err)
	}

	gcm, err := b.aead(salt)
	if err != nil {
		return Sealed{}, err
	}

	out := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := out[:len(out)-tagSize], out[len(out)-tagSize:]

	return Sealed{
		Ciphertext: hex.EncodeToString(ct),
		IV:         hex.EncodeToString(iv),
		Tag:        hex.EncodeToString(tag),
		Salt:       hex.EncodeToString(salt),
	}, nil
}

// Open decrypts s. Any tampering or malformed encoding yields
// domain.ErrIntegrityCheckFailed and no plaintext.
func (b *Box) Open(s Sealed) (string, error) {
	ct, err1 := hex.DecodeString(s.Ciphertext)
	iv, err2 := hex.DecodeString(s.IV)
	tag, err3 := hex.DecodeString(s.Tag)
	salt, err4 := hex.DecodeString(s.Salt)
	if err := errors.Join(err1, err2, err3, err4); err != nil {
		return "", domain.ErrIntegrityCheckFailed
	}
	if len(iv) != ivSize || len(tag) != tagSize {
		return "", domain.ErrIntegrityCheckFailed
	}

	gcm, err := b.aead(salt)
	if err != nil {
		return "", domain.ErrIntegrityCheckFailed
	}

	plain, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", domain.ErrIntegrityCheckFailed
	}
	return string(plain), nil
}

// LookupKey returns a deterministic keyed hash of value for equality lookups.
// It reveals nothing about value without the master secret.
func (b *Box) LookupKey(value string) string {
	h := blake3.New(32, b.lookupKey)
	h.Write([]byte(value))
	return hex.EncodeToString(h.Sum(nil))
}
