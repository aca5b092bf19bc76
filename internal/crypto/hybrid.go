// Package crypto implements hybrid encryption on X25519 and AES-256-GCM.
//
// A fresh AES-256 key encrypts each payload. That key is wrapped for the
// recipient with a key derived (HKDF-SHA256) from an ephemeral X25519 exchange
// against the recipient's static public key. EncryptedKey carries
// ephemeral public key || wrap nonce || wrapped key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"Krypt/pkg/interfaces"
)

var (
	// ErrInvalidKey means a public or private key could not be parsed.
	ErrInvalidKey = errors.New("invalid key")
	// ErrDecrypt covers every failure to recover a plaintext: bad encoding,
	// wrong key, tampered data.
	ErrDecrypt = errors.New("decryption failed")
)

const (
	keySize  = 32
	wrapInfo = "krypt-key-wrap"
)

// Provider is the default interfaces.CryptoProvider.
type Provider struct {
	curve ecdh.Curve
	rand  io.Reader
}

// NewProvider returns a provider reading randomness from crypto/rand.
func NewProvider() *Provider {
	return &Provider{curve: ecdh.X25519(), rand: rand.Reader}
}

var _ interfaces.CryptoProvider = (*Provider)(nil)

// GenerateKeyPair returns base64 encoded raw X25519 keys.
func (p *Provider) GenerateKeyPair() (string, string, error) {
	priv, err := p.curve.GenerateKey(p.rand)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate key: %w", err)
	}
	return encode(priv.PublicKey().Bytes()), encode(priv.Bytes()), nil
}

// Encrypt encrypts plaintext for the owner of recipientPublicKey.
func (p *Provider) Encrypt(plaintext []byte, recipientPublicKey string) (interfaces.EncryptedPayload, error) {
	recipient, err := p.publicKey(recipientPublicKey)
	if err != nil {
		return interfaces.EncryptedPayload{}, err
	}

	contentKey := make([]byte, keySize)
	if _, err := io.ReadFull(p.rand, contentKey); err != nil {
		return interfaces.EncryptedPayload{}, fmt.Errorf("failed to generate content key: %w", err)
	}

	nonce, ciphertext, err := p.seal(contentKey, plaintext)
	if err != nil {
		return interfaces.EncryptedPayload{}, err
	}

	ephemeral, err := p.curve.GenerateKey(p.rand)
	if err != nil {
		return interfaces.EncryptedPayload{}, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	wrapKey, err := deriveWrapKey(ephemeral, recipient, ephemeral.PublicKey())
	if err != nil {
		return interfaces.EncryptedPayload{}, err
	}
	wrapNonce, wrapped, err := p.seal(wrapKey, contentKey)
	if err != nil {
		return interfaces.EncryptedPayload{}, err
	}

	header := make([]byte, 0, len(ephemeral.PublicKey().Bytes())+len(wrapNonce)+len(wrapped))
	header = append(header, ephemeral.PublicKey().Bytes()...)
	header = append(header, wrapNonce...)
	header = append(header, wrapped...)

	return interfaces.EncryptedPayload{
		EncryptedData: encode(ciphertext),
		IV:            encode(nonce),
		EncryptedKey:  encode(header),
	}, nil
}

// Decrypt recovers the plaintext with the recipient's private key.
func (p *Provider) Decrypt(payload interfaces.EncryptedPayload, privateKey string) ([]byte, error) {
	raw, err := decode(privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: private key: %v", ErrInvalidKey, err)
	}
	priv, err := p.curve.NewPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: private key: %v", ErrInvalidKey, err)
	}

	header, err := decode(payload.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: encryptedKey: %v", ErrDecrypt, err)
	}
	nonce, err := decode(payload.IV)
	if err != nil {
		return nil, fmt.Errorf("%w: iv: %v", ErrDecrypt, err)
	}
	ciphertext, err := decode(payload.EncryptedData)
	if err != nil {
		return nil, fmt.Errorf("%w: encryptedData: %v", ErrDecrypt, err)
	}

	const wrapNonceSize = 12
	if len(header) <= keySize+wrapNonceSize {
		return nil, fmt.Errorf("%w: short encryptedKey", ErrDecrypt)
	}
	ephemeral, err := p.curve.NewPublicKey(header[:keySize])
	if err != nil {
		return nil, fmt.Errorf("%w: ephemeral key: %v", ErrDecrypt, err)
	}
	wrapKey, err := deriveWrapKey(priv, ephemeral, ephemeral)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	contentKey, err := open(wrapKey, header[keySize:keySize+wrapNonceSize], header[keySize+wrapNonceSize:])
	if err != nil {
		return nil, err
	}
	return open(contentKey, nonce, ciphertext)
}

func (p *Provider) publicKey(s string) (*ecdh.PublicKey, error) {
	raw, err := decode(s)
	if err != nil {
		return nil, fmt.Errorf("%w: public key: %v", ErrInvalidKey, err)
	}
	pub, err := p.curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: public key: %v", ErrInvalidKey, err)
	}
	return pub, nil
}

func (p *Provider) seal(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(p.rand, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, aead.Seal(nil, nonce, plaintext, nil), nil
}

func open(key, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce length %d", ErrDecrypt, len(nonce))
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// deriveWrapKey binds the derived key to the ephemeral public key so a
// wrapped key cannot be replayed under a different exchange.
func deriveWrapKey(priv *ecdh.PrivateKey, peer, ephemeral *ecdh.PublicKey) ([]byte, error) {
	secret, err := priv.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	kdf := hkdf.New(sha256.New, secret, ephemeral.Bytes(), []byte(wrapInfo))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("kdf: %w", err)
	}
	return key, nil
}

func encode(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func decode(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }
