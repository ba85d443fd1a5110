package types

// Beaver triple kinds.
const (
	TripleMatMul   = "matmul"
	TripleHadamard = "hadamard"
)

// TripleRequestMessage asks the crypto provider for the Beaver triple of one
// multiplication. Both shareholders send it with the same OpID; the provider
// deals the triple once and serves each side its half.
type TripleRequestMessage struct {
	OpID    string
	From    string
	Kind    string // TripleMatMul or TripleHadamard
	LShape  []int
	RShape  []int
	Modulus string
}

// TripleShareMessage returns one shareholder's half of a Beaver triple.
type TripleShareMessage struct {
	OpID string
	A    WireShare
	B    WireShare
	C    WireShare
}

// OpenMessage exchanges the masked differences of a Beaver multiplication
// between the two shareholders. D and E are single share contributions; the
// masked differences exist only once both sides' contributions are summed.
// Never routed through the crypto provider, which knows the triple.
type OpenMessage struct {
	OpID    string
	From    string
	D       []string
	E       []string
	Modulus string
}

// MaskMessage ships comparison masks from shareholder-a to shareholder-b.
// Always sent sealed: the crypto provider must never learn the masks.
type MaskMessage struct {
	OpID    string
	R       []string
	Modulus string
}

// SignRequestMessage sends one shareholder's masked share to the crypto
// provider for sign extraction.
type SignRequestMessage struct {
	OpID   string
	From   string
	Masked WireShare
}

// SignBitMessage returns fresh additive shares of the sign bits, one value
// per element of the compared tensor, each bit 1 when the element is
// non-negative.
type SignBitMessage struct {
	OpID string
	Bits WireShare
}
