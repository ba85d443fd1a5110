package types

import "fmt"

// -----------------------------------------------------------------------------
// ModelDescriptorMessage

// NewEmpty implements types.Message.
func (m ModelDescriptorMessage) NewEmpty() Message {
	return &ModelDescriptorMessage{}
}

// Name implements types.Message.
func (ModelDescriptorMessage) Name() string {
	return "modeldesc"
}

// String implements types.Message.
func (m ModelDescriptorMessage) String() string {
	return fmt.Sprintf("{modeldesc %s from %s: %d layers, %d->%d}",
		m.ModelID, m.Teacher, m.Layers, m.Features, m.Classes)
}
