package types

import "fmt"

// -----------------------------------------------------------------------------
// BatchInfoMessage

// NewEmpty implements types.Message.
func (m BatchInfoMessage) NewEmpty() Message {
	return &BatchInfoMessage{}
}

// Name implements types.Message.
func (BatchInfoMessage) Name() string {
	return "batchinfo"
}

// String implements types.Message.
func (m BatchInfoMessage) String() string {
	return fmt.Sprintf("{batchinfo %s #%d: %d rows, eps %v}", m.BatchID, m.BatchIndex, m.Rows, m.Epsilon)
}
