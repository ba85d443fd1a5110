package types

import "fmt"

// -----------------------------------------------------------------------------
// TripleRequestMessage

// NewEmpty implements types.Message.
func (m TripleRequestMessage) NewEmpty() Message {
	return &TripleRequestMessage{}
}

// Name implements types.Message.
func (TripleRequestMessage) Name() string {
	return "triplerequest"
}

// String implements types.Message.
func (m TripleRequestMessage) String() string {
	return fmt.Sprintf("{triplerequest %s %s %vx%v from %s}", m.OpID, m.Kind, m.LShape, m.RShape, m.From)
}

// -----------------------------------------------------------------------------
// TripleShareMessage

// NewEmpty implements types.Message.
func (m TripleShareMessage) NewEmpty() Message {
	return &TripleShareMessage{}
}

// Name implements types.Message.
func (TripleShareMessage) Name() string {
	return "tripleshare"
}

// String implements types.Message.
func (m TripleShareMessage) String() string {
	return fmt.Sprintf("{tripleshare %s for %s}", m.OpID, m.A.Owner)
}

// -----------------------------------------------------------------------------
// OpenMessage

// NewEmpty implements types.Message.
func (m OpenMessage) NewEmpty() Message {
	return &OpenMessage{}
}

// Name implements types.Message.
func (OpenMessage) Name() string {
	return "open"
}

// String implements types.Message.
func (m OpenMessage) String() string {
	return fmt.Sprintf("{open %s from %s, %d elements}", m.OpID, m.From, len(m.D))
}

// -----------------------------------------------------------------------------
// MaskMessage

// NewEmpty implements types.Message.
func (m MaskMessage) NewEmpty() Message {
	return &MaskMessage{}
}

// Name implements types.Message.
func (MaskMessage) Name() string {
	return "mask"
}

// String implements types.Message.
func (m MaskMessage) String() string {
	return fmt.Sprintf("{mask %s, %d elements}", m.OpID, len(m.R))
}

// -----------------------------------------------------------------------------
// SignRequestMessage

// NewEmpty implements types.Message.
func (m SignRequestMessage) NewEmpty() Message {
	return &SignRequestMessage{}
}

// Name implements types.Message.
func (SignRequestMessage) Name() string {
	return "signrequest"
}

// String implements types.Message.
func (m SignRequestMessage) String() string {
	return fmt.Sprintf("{signrequest %s from %s}", m.OpID, m.From)
}

// -----------------------------------------------------------------------------
// SignBitMessage

// NewEmpty implements types.Message.
func (m SignBitMessage) NewEmpty() Message {
	return &SignBitMessage{}
}

// Name implements types.Message.
func (SignBitMessage) Name() string {
	return "signbit"
}

// String implements types.Message.
func (m SignBitMessage) String() string {
	return fmt.Sprintf("{signbit %s for %s}", m.OpID, m.Bits.Owner)
}
