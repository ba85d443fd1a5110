package sharing

import (
	"math/big"

	"github.com/fentec-project/gofe/data"
	"github.com/privstack/pateagg/party"
	"github.com/privstack/pateagg/types"
	"golang.org/x/xerrors"
)

// ToWire serializes a share for transport. The wire form binds the secret
// identifier, the owning role and the modulus the share was produced under.
func ToWire(s *TensorShare) types.WireShare {
	values := make([]string, len(s.Values))
	for i, v := range s.Values {
		values[i] = v.String()
	}
	return types.WireShare{
		SecretID: s.SecretID,
		Owner:    string(s.Owner),
		Tag:      s.Tag,
		Shape:    append([]int(nil), s.Shape...),
		Modulus:  s.Modulus.String(),
		Values:   values,
	}
}

// FromWire deserializes a share. A share produced under a different modulus
// than the run's is rejected before any value is touched.
func FromWire(w types.WireShare, mod *big.Int) (*TensorShare, error) {
	wireMod, ok := new(big.Int).SetString(w.Modulus, 10)
	if !ok {
		return nil, xerrors.Errorf("unparseable modulus %q on share %s", w.Modulus, w.SecretID)
	}
	if wireMod.Cmp(mod) != 0 {
		return nil, xerrors.Errorf("share %s produced under modulus %s, run uses %s: %w",
			w.SecretID, w.Modulus, mod, ErrIdentifierMismatch)
	}
	if len(w.Values) != elements(w.Shape) {
		return nil, xerrors.Errorf("share %s has %d values for shape %v", w.SecretID, len(w.Values), w.Shape)
	}

	values := make(data.Vector, len(w.Values))
	for i, str := range w.Values {
		v, ok := new(big.Int).SetString(str, 10)
		if !ok {
			return nil, xerrors.Errorf("unparseable value %q in share %s", str, w.SecretID)
		}
		if v.Sign() < 0 || v.Cmp(mod) >= 0 {
			return nil, xerrors.Errorf("value %s in share %s is not a field residue", str, w.SecretID)
		}
		values[i] = v
	}

	return &TensorShare{
		SecretID: w.SecretID,
		Owner:    party.Role(w.Owner),
		Tag:      w.Tag,
		Shape:    append([]int(nil), w.Shape...),
		Modulus:  mod,
		Values:   values,
	}, nil
}
