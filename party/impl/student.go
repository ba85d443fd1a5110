package impl

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/fentec-project/gofe/data"
	"github.com/privstack/pateagg/fixpoint"
	"github.com/privstack/pateagg/party"
	"github.com/privstack/pateagg/party/impl/sharing"
	"github.com/privstack/pateagg/transport"
	"github.com/privstack/pateagg/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

// Student submits feature batches for labeling and collects the noisy labels
// the aggregator emits. It never sees a model and never holds more than its
// own inputs.
type Student struct {
	*base

	codec *fixpoint.Codec

	mu      sync.Mutex
	results map[string]chan types.LabelResultMessage
}

func NewStudent(conf party.Configuration) (*Student, error) {
	if conf.Role != party.Student {
		return nil, xerrors.Errorf("%w: %s cannot submit inputs", party.ErrUnauthorizedRole, conf.Role)
	}
	b, err := newBase(conf)
	if err != nil {
		return nil, err
	}
	codec, err := fixpoint.NewCodec(conf.Modulus, conf.Precision)
	if err != nil {
		return nil, err
	}

	st := &Student{
		base:    b,
		codec:   codec,
		results: make(map[string]chan types.LabelResultMessage),
	}
	conf.MessageRegistry.RegisterMessageCallback(types.LabelResultMessage{}, st.handleLabelResult)
	return st, nil
}

// PreparedBatch is an input batch lifted into the fixed-point domain, ready
// to be split.
type PreparedBatch struct {
	rows     int
	features int
	encoded  data.Vector
}

func (p *PreparedBatch) Rows() int { return p.rows }

// EncodeBatch validates a raw feature batch and encodes it. No share leaves
// the student yet.
func (st *Student) EncodeBatch(inputs [][]float64) (*PreparedBatch, error) {
	if len(inputs) == 0 {
		return nil, xerrors.New("batch has no rows")
	}
	if len(inputs) > st.conf.BatchSize {
		return nil, xerrors.Errorf("batch has %d rows, limit is %d", len(inputs), st.conf.BatchSize)
	}
	features := len(inputs[0])
	if features == 0 {
		return nil, xerrors.New("batch rows have no features")
	}

	flat := make([]float64, 0, len(inputs)*features)
	for i, row := range inputs {
		if len(row) != features {
			return nil, xerrors.Errorf("row %d has %d features, row 0 has %d", i, len(row), features)
		}
		flat = append(flat, row...)
	}
	encoded, err := st.codec.EncodeVector(flat)
	if err != nil {
		return nil, err
	}
	return &PreparedBatch{rows: len(inputs), features: features, encoded: encoded}, nil
}

// ShareBatch splits a prepared batch toward the shareholders and announces it
// to the aggregator. Labels arrive asynchronously; use AwaitResult to collect
// them.
func (st *Student) ShareBatch(batchID string, index int, prepared *PreparedBatch, epsilon float64) error {
	if batchID == "" {
		return xerrors.New("empty batch identifier")
	}
	if prepared == nil {
		return xerrors.New("nothing to share")
	}
	if epsilon <= 0 || math.IsNaN(epsilon) || math.IsInf(epsilon, 0) {
		return xerrors.Errorf("epsilon must be a positive finite value, got %v", epsilon)
	}

	holders := party.Shareholders()
	shares, err := sharing.Split(prepared.encoded, []int{prepared.rows, prepared.features},
		"input/"+batchID, holders, st.conf.Modulus)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if _, ok := st.results[batchID]; ok {
		st.mu.Unlock()
		return xerrors.Errorf("batch %s already submitted", batchID)
	}
	st.results[batchID] = make(chan types.LabelResultMessage, 1)
	st.mu.Unlock()

	err = st.Send(party.Aggregator, types.BatchInfoMessage{
		BatchID:    batchID,
		BatchIndex: index,
		Rows:       prepared.rows,
		Epsilon:    epsilon,
	})
	if err != nil {
		st.forget(batchID)
		return err
	}
	for i, holder := range holders {
		err = st.SendSealed(holder, types.TensorShareMessage{
			ReqID: batchID,
			Share: sharing.ToWire(shares[i]),
		})
		if err != nil {
			st.forget(batchID)
			return err
		}
	}

	log.Info().Msgf("%s: submitted batch %s with %d rows at epsilon %v",
		st.conf.Role, batchID, prepared.rows, epsilon)
	return nil
}

// SubmitBatch is EncodeBatch followed by ShareBatch.
func (st *Student) SubmitBatch(batchID string, index int, inputs [][]float64, epsilon float64) error {
	prepared, err := st.EncodeBatch(inputs)
	if err != nil {
		return err
	}
	return st.ShareBatch(batchID, index, prepared, epsilon)
}

// AwaitResult blocks until the labels for a submitted batch arrive.
func (st *Student) AwaitResult(ctx context.Context, batchID string, timeout time.Duration) (types.LabelResultMessage, error) {
	st.mu.Lock()
	ch, ok := st.results[batchID]
	st.mu.Unlock()
	if !ok {
		return types.LabelResultMessage{}, xerrors.Errorf("batch %s was never submitted", batchID)
	}

	select {
	case res := <-ch:
		st.forget(batchID)
		return res, nil
	case <-ctx.Done():
		return types.LabelResultMessage{}, ctx.Err()
	case <-time.After(timeout):
		return types.LabelResultMessage{}, xerrors.Errorf("no labels for batch %s within %v", batchID, timeout)
	}
}

func (st *Student) forget(batchID string) {
	st.mu.Lock()
	delete(st.results, batchID)
	st.mu.Unlock()
}

func (st *Student) handleLabelResult(msg types.Message, pkt transport.Packet) error {
	res, ok := msg.(*types.LabelResultMessage)
	if !ok {
		return xerrors.Errorf("wrong message type: %T", msg)
	}
	origin := party.Role(pkt.Header.Source)
	err := st.conf.Parties.Check(origin, party.ActionReconstructVotes)
	if err != nil {
		return xerrors.Errorf("label result from %s: %w", origin, err)
	}
	for _, label := range res.Labels {
		if label < 0 || label >= st.conf.NumClasses {
			return xerrors.Errorf("batch %s carries label %d outside [0, %d)",
				res.BatchID, label, st.conf.NumClasses)
		}
	}

	st.mu.Lock()
	ch, ok := st.results[res.BatchID]
	st.mu.Unlock()
	if !ok {
		return xerrors.Errorf("labels for unknown batch %s", res.BatchID)
	}

	select {
	case ch <- *res:
	default:
		// duplicate delivery, first result wins
	}
	return nil
}
