package types

import "fmt"

// -----------------------------------------------------------------------------
// TensorShareMessage

// NewEmpty implements types.Message.
func (m TensorShareMessage) NewEmpty() Message {
	return &TensorShareMessage{}
}

// Name implements types.Message.
func (TensorShareMessage) Name() string {
	return "tensorshare"
}

// String implements types.Message.
func (m TensorShareMessage) String() string {
	return fmt.Sprintf("{tensorshare %s for %s: %s-%s}", m.ReqID, m.Share.Owner, m.Share.SecretID, m.Share.Tag)
}

// -----------------------------------------------------------------------------
// VoteShareMessage

// NewEmpty implements types.Message.
func (m VoteShareMessage) NewEmpty() Message {
	return &VoteShareMessage{}
}

// Name implements types.Message.
func (VoteShareMessage) Name() string {
	return "voteshare"
}

// String implements types.Message.
func (m VoteShareMessage) String() string {
	return fmt.Sprintf("{voteshare batch %s teacher %d from %s}", m.BatchID, m.Teacher, m.Share.Owner)
}
