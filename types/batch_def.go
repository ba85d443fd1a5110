package types

// BatchInfoMessage announces a labeling batch to the aggregator: how many
// rows to expect votes for and the privacy parameter of the disclosure.
// Epsilon is a public protocol parameter, so the message travels plain.
type BatchInfoMessage struct {
	BatchID    string
	BatchIndex int
	Rows       int
	Epsilon    float64
}
