package types

import "fmt"

// -----------------------------------------------------------------------------
// SignedEnvelope

// NewEmpty implements types.Message.
func (m SignedEnvelope) NewEmpty() Message {
	return &SignedEnvelope{}
}

// Name implements types.Message.
func (SignedEnvelope) Name() string {
	return "signedenvelope"
}

// String implements types.Message.
func (m SignedEnvelope) String() string {
	inner := "<nil>"
	if m.Msg != nil {
		inner = m.Msg.Type
	}
	return fmt.Sprintf("{signedenvelope from %s carrying %s}", m.Origin, inner)
}

// -----------------------------------------------------------------------------
// SealedMessage

// NewEmpty implements types.Message.
func (m SealedMessage) NewEmpty() Message {
	return &SealedMessage{}
}

// Name implements types.Message.
func (SealedMessage) Name() string {
	return "sealed"
}

// String implements types.Message.
func (m SealedMessage) String() string {
	return fmt.Sprintf("{sealed %d bytes}", len(m.Ciphertext))
}
