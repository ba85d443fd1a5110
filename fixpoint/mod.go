package fixpoint

import (
	"math"
	"math/big"

	"github.com/fentec-project/gofe/data"
	"golang.org/x/xerrors"
)

// ErrOverflow is returned when a value does not fit the representable
// fixed-point range of the modulus.
var ErrOverflow = xerrors.New("value exceeds the representable fixed-point range")

// Codec converts between real-valued tensors and field elements. A real x
// maps to round(x * 2^precision) as a residue mod M; residues above (M-1)/2
// represent negative values.
type Codec struct {
	mod   *big.Int
	prec  uint
	half  *big.Int // (M-1)/2, largest positive representative
	scale *big.Float
}

// NewCodec returns a codec over the given modulus and fractional precision.
func NewCodec(mod *big.Int, prec uint) (*Codec, error) {
	if mod == nil || mod.Sign() <= 0 || mod.Cmp(big.NewInt(3)) < 0 {
		return nil, xerrors.Errorf("invalid modulus %v", mod)
	}

	half := new(big.Int).Rsh(new(big.Int).Sub(mod, big.NewInt(1)), 1)
	scale := new(big.Float).SetMantExp(big.NewFloat(1), int(prec))

	return &Codec{
		mod:   mod,
		prec:  prec,
		half:  half,
		scale: scale,
	}, nil
}

// Modulus returns the codec modulus.
func (c *Codec) Modulus() *big.Int {
	return new(big.Int).Set(c.mod)
}

// Precision returns the number of fractional bits.
func (c *Codec) Precision() uint {
	return c.prec
}

// Encode maps a real value to its residue. The round trip loses at most
// 2^-precision of accuracy.
func (c *Codec) Encode(x float64) (*big.Int, error) {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return nil, xerrors.Errorf("cannot encode %v: %w", x, ErrOverflow)
	}

	f := new(big.Float).SetFloat64(x)
	f.Mul(f, c.scale)

	// round half away from zero, big.Float.Int truncates toward zero
	if f.Signbit() {
		f.Sub(f, big.NewFloat(0.5))
	} else {
		f.Add(f, big.NewFloat(0.5))
	}
	e, _ := f.Int(nil)

	if e.CmpAbs(c.half) > 0 {
		return nil, xerrors.Errorf("cannot encode %v at precision %d: %w", x, c.prec, ErrOverflow)
	}

	return e.Mod(e, c.mod), nil
}

// Decode maps a residue back to its real value.
func (c *Codec) Decode(v *big.Int) float64 {
	s := ToSigned(v, c.mod)
	f := new(big.Float).SetInt(s)
	f.Quo(f, c.scale)
	out, _ := f.Float64()
	return out
}

// EncodeVector encodes a flat tensor.
func (c *Codec) EncodeVector(xs []float64) (data.Vector, error) {
	vec := make(data.Vector, len(xs))
	for i, x := range xs {
		v, err := c.Encode(x)
		if err != nil {
			return nil, xerrors.Errorf("element %d: %w", i, err)
		}
		vec[i] = v
	}
	return vec, nil
}

// DecodeVector decodes a flat tensor.
func (c *Codec) DecodeVector(vec data.Vector) []float64 {
	xs := make([]float64, len(vec))
	for i, v := range vec {
		xs[i] = c.Decode(v)
	}
	return xs
}

// EncodeMatrix encodes a row-major matrix. All rows must have equal length.
func (c *Codec) EncodeMatrix(rows [][]float64) (data.Matrix, error) {
	m := make(data.Matrix, len(rows))
	for i, row := range rows {
		if i > 0 && len(row) != len(rows[0]) {
			return nil, xerrors.Errorf("ragged matrix: row %d has %d elements, want %d", i, len(row), len(rows[0]))
		}
		vec, err := c.EncodeVector(row)
		if err != nil {
			return nil, xerrors.Errorf("row %d: %w", i, err)
		}
		m[i] = vec
	}
	return m, nil
}

// ToSigned maps a residue to its signed representative in (-M/2, M/2].
func ToSigned(v, mod *big.Int) *big.Int {
	half := new(big.Int).Rsh(new(big.Int).Sub(mod, big.NewInt(1)), 1)
	if v.Cmp(half) > 0 {
		return new(big.Int).Sub(v, mod)
	}
	return new(big.Int).Set(v)
}
