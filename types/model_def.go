package types

// ModelDescriptorMessage announces the shape of a teacher's shared model so
// the shareholders can drive the layered forward pass. It carries no
// parameter material and travels as a plain signed message.
//
// - implements types.Message
type ModelDescriptorMessage struct {
	ModelID  string
	Teacher  string
	Layers   int
	Features int
	Classes  int
}
