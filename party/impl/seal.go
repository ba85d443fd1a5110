package impl

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/json"

	"github.com/privstack/pateagg/transport"
	"github.com/privstack/pateagg/types"
	"golang.org/x/xerrors"
)

const sealKeySize = 32

// seal encrypts a marshalled message for a single recipient. The payload is
// encrypted under a fresh AES-256-GCM key and only the key is wrapped with
// RSA-OAEP: OAEP alone caps the plaintext at a couple hundred bytes while
// tensor shares run to kilobytes.
func seal(pub *rsa.PublicKey, msg *transport.Message) (*types.SealedMessage, error) {
	plaintext, err := json.Marshal(msg)
	if err != nil {
		return nil, xerrors.Errorf("failed to marshal message: %v", err)
	}

	key := make([]byte, sealKeySize)
	_, err = rand.Read(key)
	if err != nil {
		return nil, xerrors.Errorf("failed to draw payload key: %v", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	_, err = rand.Read(nonce)
	if err != nil {
		return nil, xerrors.Errorf("failed to draw nonce: %v", err)
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return nil, xerrors.Errorf("failed to wrap payload key: %v", err)
	}

	return &types.SealedMessage{
		WrappedKey: wrapped,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// openSealed recovers the message inside a SealedMessage addressed to the
// holder of priv.
func openSealed(priv *rsa.PrivateKey, sealed *types.SealedMessage) (*transport.Message, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, sealed.WrappedKey, nil)
	if err != nil {
		return nil, xerrors.Errorf("failed to unwrap payload key: %v", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, sealed.Nonce, sealed.Ciphertext, nil)
	if err != nil {
		return nil, xerrors.Errorf("failed to decrypt payload: %v", err)
	}

	var msg transport.Message
	err = json.Unmarshal(plaintext, &msg)
	if err != nil {
		return nil, xerrors.Errorf("failed to unmarshal message: %v", err)
	}
	return &msg, nil
}
