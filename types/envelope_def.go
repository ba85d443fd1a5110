package types

import "github.com/privstack/pateagg/transport"

// SignedEnvelope wraps a marshalled message with the origin's ECDSA signature
// over its digest. Receivers verify the signature against the registry
// identity of the origin role before dispatching the inner message.
type SignedEnvelope struct {
	Origin    string
	Msg       *transport.Message
	Signature []byte
}

// SealedMessage is a hybrid-encrypted message: the marshalled inner message
// is encrypted with a fresh AES-256-GCM key and the key is wrapped with
// RSA-OAEP under the recipient's public key.
type SealedMessage struct {
	WrappedKey []byte
	Nonce      []byte
	Ciphertext []byte
}
