package interfaces

// EncryptedPayload is the hybrid-encryption envelope. EncryptedData is the
// symmetric ciphertext, IV its nonce, EncryptedKey the one-time symmetric key
// encrypted to the recipient's public key. All fields are base64 strings.
type EncryptedPayload struct {
	EncryptedData string `json:"encryptedData"`
	IV            string `json:"iv"`
	EncryptedKey  string `json:"encryptedKey"`
}

// Complete reports whether every field is present.
func (p EncryptedPayload) Complete() bool {
	return p.EncryptedData != "" && p.IV != "" && p.EncryptedKey != ""
}

// CryptoProvider generates keypairs and performs hybrid encryption.
// Keys are opaque encoded strings as they travel on the wire.
type CryptoProvider interface {
	GenerateKeyPair() (publicKey, privateKey string, err error)
	Encrypt(plaintext []byte, recipientPublicKey string) (EncryptedPayload, error)
	Decrypt(payload EncryptedPayload, privateKey string) ([]byte, error)
}
