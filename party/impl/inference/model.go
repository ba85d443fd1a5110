package inference

import (
	"fmt"
	"math"

	"github.com/privstack/pateagg/fixpoint"
	"github.com/privstack/pateagg/party"
	"github.com/privstack/pateagg/party/impl/sharing"
	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/mat"
)

// Param is one named model parameter, row-major over its shape.
type Param struct {
	Shape  []int
	Values []float64
}

// Model is a feed-forward classifier owned by one teacher. Layer k is read
// from fc<k>.weight of shape (out, in) and fc<k>.bias of shape (out,); every
// hidden layer is followed by ReLU and the last layer emits class scores.
//
// A model is either plaintext or secret-shared, never both: ShareOut consumes
// the parameters and plaintext evaluation refuses afterwards.
type Model struct {
	id       string
	depth    int
	features int
	classes  int
	layers   []layer
}

type layer struct {
	weight *mat.Dense // (out, in)
	bias   []float64
}

// NewModel assembles and validates a model from named parameters.
func NewModel(id string, params map[string]Param) (*Model, error) {
	if id == "" {
		return nil, xerrors.New("model needs an id")
	}

	var layers []layer
	consumed := 0
	for k := 1; ; k++ {
		w, ok := params[fmt.Sprintf("fc%d.weight", k)]
		if !ok {
			break
		}
		b, ok := params[fmt.Sprintf("fc%d.bias", k)]
		if !ok {
			return nil, xerrors.Errorf("model %s: fc%d.weight has no bias", id, k)
		}
		consumed += 2

		if len(w.Shape) != 2 || w.Shape[0] < 1 || w.Shape[1] < 1 {
			return nil, xerrors.Errorf("model %s: fc%d.weight has shape %v", id, k, w.Shape)
		}
		out, in := w.Shape[0], w.Shape[1]
		if len(w.Values) != out*in {
			return nil, xerrors.Errorf("model %s: fc%d.weight has %d values for shape %v", id, k, len(w.Values), w.Shape)
		}
		if len(b.Shape) != 1 || b.Shape[0] != out || len(b.Values) != out {
			return nil, xerrors.Errorf("model %s: fc%d.bias does not match %d outputs", id, k, out)
		}
		if err := finite(w.Values); err != nil {
			return nil, xerrors.Errorf("model %s: fc%d.weight: %v", id, k, err)
		}
		if err := finite(b.Values); err != nil {
			return nil, xerrors.Errorf("model %s: fc%d.bias: %v", id, k, err)
		}
		if len(layers) > 0 && in != len(layers[len(layers)-1].bias) {
			return nil, xerrors.Errorf("model %s: fc%d takes %d features but fc%d emits %d",
				id, k, in, k-1, len(layers[len(layers)-1].bias))
		}

		layers = append(layers, layer{
			weight: mat.NewDense(out, in, append([]float64(nil), w.Values...)),
			bias:   append([]float64(nil), b.Values...),
		})
	}

	if len(layers) == 0 {
		return nil, xerrors.Errorf("model %s has no fc1.weight", id)
	}
	if consumed != len(params) {
		return nil, xerrors.Errorf("model %s carries %d unknown parameters", id, len(params)-consumed)
	}
	if len(layers[len(layers)-1].bias) < 2 {
		return nil, xerrors.Errorf("model %s emits %d classes", id, len(layers[len(layers)-1].bias))
	}

	_, in := layers[0].weight.Dims()
	return &Model{
		id:       id,
		depth:    len(layers),
		features: in,
		classes:  len(layers[len(layers)-1].bias),
		layers:   layers,
	}, nil
}

func finite(vals []float64) error {
	for i, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return xerrors.Errorf("value %d is not finite", i)
		}
	}
	return nil
}

func (m *Model) ID() string { return m.id }

// Layers returns the number of linear layers.
func (m *Model) Layers() int { return m.depth }

// Features returns the input dimension.
func (m *Model) Features() int { return m.features }

// Classes returns the output dimension of the last layer.
func (m *Model) Classes() int { return m.classes }

// Descriptor returns the shape announcement for this model.
func (m *Model) Descriptor() Descriptor {
	return Descriptor{
		ModelID:  m.id,
		Layers:   m.Layers(),
		Features: m.Features(),
		Classes:  m.Classes(),
	}
}

// Scores runs the plaintext forward pass over a (batch, features) input and
// returns the class scores. Reference semantics for the secure path.
func (m *Model) Scores(inputs [][]float64) (*mat.Dense, error) {
	if m.layers == nil {
		return nil, xerrors.Errorf("model %s has been secret-shared", m.id)
	}
	if len(inputs) == 0 {
		return nil, xerrors.New("empty batch")
	}
	flat := make([]float64, 0, len(inputs)*m.Features())
	for i, row := range inputs {
		if len(row) != m.Features() {
			return nil, xerrors.Errorf("input %d has %d features, model %s takes %d", i, len(row), m.id, m.Features())
		}
		flat = append(flat, row...)
	}

	x := mat.NewDense(len(inputs), m.Features(), flat)
	for k, l := range m.layers {
		var h mat.Dense
		h.Mul(x, l.weight.T())
		rows, cols := h.Dims()
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				v := h.At(i, j) + l.bias[j]
				if k < len(m.layers)-1 && v < 0 {
					v = 0
				}
				h.Set(i, j, v)
			}
		}
		x = &h
	}
	return x, nil
}

// Predict returns the plaintext label votes for the batch, ties resolved to
// the lowest class index.
func (m *Model) Predict(inputs [][]float64) ([]int, error) {
	scores, err := m.Scores(inputs)
	if err != nil {
		return nil, err
	}
	rows, cols := scores.Dims()
	labels := make([]int, rows)
	for i := 0; i < rows; i++ {
		best := 0
		for j := 1; j < cols; j++ {
			if scores.At(i, j) > scores.At(i, best) {
				best = j
			}
		}
		labels[i] = best
	}
	return labels, nil
}

// ShareOut fixed-point encodes the parameters and splits every tensor between
// the holders. Weights are shared pre-transposed to (in, out), so the secure
// forward is one row-major matmul per layer. On success the plaintext
// parameters are released; the model cannot be evaluated or shared again.
func (m *Model) ShareOut(codec *fixpoint.Codec, holders []party.Role) (map[party.Role][]*sharing.TensorShare, error) {
	if m.layers == nil {
		return nil, xerrors.Errorf("model %s is already secret-shared", m.id)
	}
	out := make(map[party.Role][]*sharing.TensorShare, len(holders))

	deal := func(vals []float64, shape []int, tag string) error {
		enc, err := codec.EncodeVector(vals)
		if err != nil {
			return xerrors.Errorf("model %s: %s: %w", m.id, tag, err)
		}
		shares, err := sharing.Split(enc, shape, tag, holders, codec.Modulus())
		if err != nil {
			return xerrors.Errorf("model %s: %s: %v", m.id, tag, err)
		}
		for i, holder := range holders {
			out[holder] = append(out[holder], shares[i])
		}
		return nil
	}

	for k, l := range m.layers {
		rows, cols := l.weight.Dims() // (out, in)
		wt := make([]float64, rows*cols)
		for i := 0; i < cols; i++ {
			for j := 0; j < rows; j++ {
				wt[i*rows+j] = l.weight.At(j, i)
			}
		}
		if err := deal(wt, []int{cols, rows}, ParamTag(m.id, k+1, "weight")); err != nil {
			return nil, err
		}
		if err := deal(l.bias, []int{len(l.bias)}, ParamTag(m.id, k+1, "bias")); err != nil {
			return nil, err
		}
	}

	m.layers = nil
	return out, nil
}

// ParamTag is the share tag of one model parameter. The deal and the forward
// pass must agree on it.
func ParamTag(modelID string, layer int, kind string) string {
	return fmt.Sprintf("model/%s/fc%d.%s", modelID, layer, kind)
}
