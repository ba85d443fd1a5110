package party

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/xerrors"
)

const sealKeyBits = 2048

// PrivateIdentity is the key material a party holds for itself: an ECDSA
// signing key and the RSA key shares sent to it are sealed under.
type PrivateIdentity struct {
	Role    Role
	SignKey *ecdsa.PrivateKey
	SealKey *rsa.PrivateKey
}

// NewPrivateIdentity generates fresh key material for a role.
func NewPrivateIdentity(role Role) (*PrivateIdentity, error) {
	signKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, xerrors.Errorf("failed to generate signing key: %v", err)
	}
	sealKey, err := rsa.GenerateKey(rand.Reader, sealKeyBits)
	if err != nil {
		return nil, xerrors.Errorf("failed to generate seal key: %v", err)
	}

	return &PrivateIdentity{
		Role:    role,
		SignKey: signKey,
		SealKey: sealKey,
	}, nil
}

// Public derives the registry identity bound to a transport address.
func (p *PrivateIdentity) Public(address string) *Identity {
	return &Identity{
		Role:    p.Role,
		Address: address,
		PubKey:  &p.SignKey.PublicKey,
		Account: crypto.PubkeyToAddress(p.SignKey.PublicKey).Hex(),
		SealKey: &p.SealKey.PublicKey,
	}
}

// SignDigest signs a 32-byte digest with the role's signing key.
func (p *PrivateIdentity) SignDigest(digest []byte) ([]byte, error) {
	return crypto.Sign(digest, p.SignKey)
}

// VerifyDigest checks a signature produced by SignDigest against the
// identity's account.
func (id *Identity) VerifyDigest(digest, signature []byte) error {
	if len(signature) != crypto.SignatureLength {
		return xerrors.Errorf("signature has %d bytes, want %d", len(signature), crypto.SignatureLength)
	}

	pubkey, err := crypto.SigToPub(digest, signature)
	if err != nil {
		return xerrors.Errorf("failed to recover public key: %v", err)
	}
	if crypto.PubkeyToAddress(*pubkey).Hex() != id.Account {
		return xerrors.Errorf("signature account mismatch for role %s", id.Role)
	}
	if !crypto.VerifySignature(crypto.FromECDSAPub(pubkey), digest, signature[:len(signature)-1]) {
		return xerrors.Errorf("invalid signature for role %s", id.Role)
	}
	return nil
}
