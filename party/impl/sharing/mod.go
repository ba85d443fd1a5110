package sharing

import (
	"math/big"

	"github.com/fentec-project/gofe/data"
	"github.com/fentec-project/gofe/sample"
	"github.com/privstack/pateagg/party"
	"github.com/rs/xid"
	"golang.org/x/xerrors"
)

// ErrIncompleteShares is returned when reconstruction is attempted without
// the exact holder set.
var ErrIncompleteShares = xerrors.New("reconstruction requires the full holder set")

// ErrIdentifierMismatch is returned when shares of different secrets, or
// shares produced under a different modulus, are combined. Callers may
// re-request the share once before giving up.
var ErrIdentifierMismatch = xerrors.New("share does not belong to this secret")

// TensorShare is one role's additive share of a secret tensor. Sibling
// shares carry the same secret identifier; summing their values element-wise
// mod Modulus yields the secret. Values are row-major over Shape and treated
// as immutable once constructed.
type TensorShare struct {
	SecretID string
	Owner    party.Role
	Tag      string
	Shape    []int
	Modulus  *big.Int
	Values   data.Vector
}

// Elements returns the number of elements described by the shape.
func (s *TensorShare) Elements() int {
	return elements(s.Shape)
}

// Copy returns a deep copy of the share.
func (s *TensorShare) Copy() *TensorShare {
	values := make(data.Vector, len(s.Values))
	for i, v := range s.Values {
		values[i] = new(big.Int).Set(v)
	}
	return &TensorShare{
		SecretID: s.SecretID,
		Owner:    s.Owner,
		Tag:      s.Tag,
		Shape:    append([]int(nil), s.Shape...),
		Modulus:  s.Modulus,
		Values:   values,
	}
}

// Split additively shares an encoded tensor between the holders under a fresh
// secret identifier. All shares but the last are sampled uniformly from the
// field with a crypto-secure sampler; the last absorbs the difference, so any
// strict subset of holders learns nothing about the secret.
func Split(vals data.Vector, shape []int, tag string, holders []party.Role, mod *big.Int) ([]*TensorShare, error) {
	if len(holders) < 2 {
		return nil, xerrors.Errorf("splitting requires at least two holders, got %d", len(holders))
	}
	if elements(shape) != len(vals) {
		return nil, xerrors.Errorf("shape %v describes %d elements, got %d values", shape, elements(shape), len(vals))
	}
	for i, v := range vals {
		if v.Sign() < 0 || v.Cmp(mod) >= 0 {
			return nil, xerrors.Errorf("element %d is not a field residue: %v", i, v)
		}
	}

	secretID := xid.New().String()
	sampler := sample.NewUniform(mod)

	shares := make([]*TensorShare, len(holders))
	last := make(data.Vector, len(vals))
	for i, v := range vals {
		last[i] = new(big.Int).Set(v)
	}

	for h := 0; h < len(holders)-1; h++ {
		rnd, err := data.NewRandomVector(len(vals), sampler)
		if err != nil {
			return nil, xerrors.Errorf("failed to sample share for %s: %v", holders[h], err)
		}
		for i := range last {
			last[i].Sub(last[i], rnd[i])
			last[i].Mod(last[i], mod)
		}
		shares[h] = &TensorShare{
			SecretID: secretID,
			Owner:    holders[h],
			Tag:      tag,
			Shape:    append([]int(nil), shape...),
			Modulus:  mod,
			Values:   rnd,
		}
	}
	shares[len(holders)-1] = &TensorShare{
		SecretID: secretID,
		Owner:    holders[len(holders)-1],
		Tag:      tag,
		Shape:    append([]int(nil), shape...),
		Modulus:  mod,
		Values:   last,
	}

	return shares, nil
}

// Reconstruct recombines sibling shares into the secret tensor. It demands
// exactly one share from every holder, all under the same secret identifier
// and modulus.
func Reconstruct(shares []*TensorShare, holders []party.Role) (data.Vector, error) {
	if len(shares) != len(holders) {
		return nil, xerrors.Errorf("have %d shares for %d holders: %w", len(shares), len(holders), ErrIncompleteShares)
	}

	seen := make(map[party.Role]bool, len(holders))
	for _, h := range holders {
		seen[h] = false
	}

	ref := shares[0]
	for _, s := range shares {
		done, ok := seen[s.Owner]
		if !ok {
			return nil, xerrors.Errorf("share owned by %s outside the holder set: %w", s.Owner, ErrIncompleteShares)
		}
		if done {
			return nil, xerrors.Errorf("duplicate share from %s: %w", s.Owner, ErrIncompleteShares)
		}
		seen[s.Owner] = true

		if s.SecretID != ref.SecretID {
			return nil, xerrors.Errorf("secret %s combined with %s: %w", s.SecretID, ref.SecretID, ErrIdentifierMismatch)
		}
		if s.Modulus.Cmp(ref.Modulus) != 0 {
			return nil, xerrors.Errorf("modulus mismatch for secret %s: %w", s.SecretID, ErrIdentifierMismatch)
		}
		if !sameShape(s.Shape, ref.Shape) {
			return nil, xerrors.Errorf("shape mismatch for secret %s: %v vs %v", s.SecretID, s.Shape, ref.Shape)
		}
		if len(s.Values) != elements(ref.Shape) {
			return nil, xerrors.Errorf("share of secret %s has %d values for shape %v", s.SecretID, len(s.Values), ref.Shape)
		}
	}

	out := make(data.Vector, len(ref.Values))
	for i := range out {
		acc := new(big.Int)
		for _, s := range shares {
			acc.Add(acc, s.Values[i])
		}
		out[i] = acc.Mod(acc, ref.Modulus)
	}
	return out, nil
}

func elements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
