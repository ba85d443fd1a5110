package types

// WireShare is the serialized form of a tensor share. It carries everything
// needed to bind the share to its protocol context: the secret identifier
// linking sibling shares, the holder role, the modulus it was produced under
// and the residues in row-major order as decimal strings.
type WireShare struct {
	SecretID string
	Owner    string // role name of the holder
	Tag      string // what the secret is, e.g. "input" or "model/3/fc1.weight"
	Shape    []int
	Modulus  string
	Values   []string
}

// TensorShareMessage deals one share of a secret tensor to its holder.
type TensorShareMessage struct {
	ReqID string
	Share WireShare
}

// VoteShareMessage carries one shareholder's share of a teacher's vote vector
// to the aggregator.
type VoteShareMessage struct {
	BatchID string
	Teacher int
	Share   WireShare
}
