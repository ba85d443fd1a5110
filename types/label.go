package types

import "fmt"

// -----------------------------------------------------------------------------
// LabelResultMessage

// NewEmpty implements types.Message.
func (m LabelResultMessage) NewEmpty() Message {
	return &LabelResultMessage{}
}

// Name implements types.Message.
func (LabelResultMessage) Name() string {
	return "labelresult"
}

// String implements types.Message.
func (m LabelResultMessage) String() string {
	return fmt.Sprintf("{labelresult batch %s (#%d), %d labels, eps %.3f}", m.BatchID, m.BatchIndex, len(m.Labels), m.Epsilon)
}
