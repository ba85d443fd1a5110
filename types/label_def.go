package types

// LabelResultMessage delivers the aggregated labels of one batch to the
// student. Labels are the only values that ever leave the protocol in the
// clear.
type LabelResultMessage struct {
	BatchID    string
	BatchIndex int
	Labels     []int
	Epsilon    float64
}
