// Package engine assembles a complete aggregation run in one process: it
// spins up the student, the shareholders, the aggregator and one teacher per
// model, wires them over a transport, and drives labeling batches through the
// per-batch pipeline.
package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/privstack/pateagg/fixpoint"
	"github.com/privstack/pateagg/party"
	"github.com/privstack/pateagg/party/impl"
	"github.com/privstack/pateagg/party/impl/aggregate"
	"github.com/privstack/pateagg/party/impl/inference"
	"github.com/privstack/pateagg/party/impl/mpc"
	"github.com/privstack/pateagg/party/impl/sharing"
	"github.com/privstack/pateagg/transport"
	"github.com/privstack/pateagg/transport/channel"
	"github.com/privstack/pateagg/transport/udp"
	"github.com/privstack/pateagg/types"
	"golang.org/x/xerrors"
)

// ErrBadEpsilon rejects a labeling call whose privacy parameter is not a
// positive finite value. Raised before any computation starts.
var ErrBadEpsilon = xerrors.New("epsilon must be positive and finite")

// Gap marks a batch that produced no labels.
type Gap struct {
	Batch int
	Kind  string
	Err   error
}

// Engine owns one deployment and the batch counter. Batches are serialized at
// the emission boundary: labels come out in submission order even though the
// teachers' inference runs concurrently inside a batch.
type Engine struct {
	student *impl.Student
	agg     *impl.Aggregator
	nodes   []impl.Node
	wait    time.Duration
	limit   float64

	mu    sync.Mutex
	next  int
	pipes []*Pipeline
	gaps  []Gap
}

// New builds every party of a run. Call Start before labeling and Stop when
// done.
func New(params Params, models []*inference.Model) (*Engine, error) {
	if len(models) == 0 {
		return nil, xerrors.New("need at least one teacher model")
	}
	params = params.withDefaults()
	mod, timeout, wait, err := params.resolve()
	if err != nil {
		return nil, err
	}
	classes := params.NumClasses
	if classes == 0 {
		classes = models[0].Classes()
	}

	var traf transport.Transport
	var bind string
	switch params.Transport {
	case "channel":
		traf = channel.NewTransport()
	case "udp":
		traf = udp.NewUDP()
		bind = "127.0.0.1:0"
	default:
		return nil, xerrors.Errorf("unknown transport %q", params.Transport)
	}

	parties := party.NewRegistry()
	roles := []party.Role{party.Student, party.ShareholderA, party.ShareholderB, party.Aggregator}
	for i := range models {
		roles = append(roles, party.TeacherRole(i))
	}

	sockets := make(map[party.Role]transport.ClosableSocket, len(roles))
	privs := make(map[party.Role]*party.PrivateIdentity, len(roles))
	assembled := false
	defer func() {
		if !assembled {
			for _, sock := range sockets {
				sock.Close()
			}
		}
	}()
	for _, role := range roles {
		sock, err := traf.CreateSocket(bind)
		if err != nil {
			return nil, xerrors.Errorf("failed to open a socket for %s: %v", role, err)
		}
		sockets[role] = sock
		priv, err := party.NewPrivateIdentity(role)
		if err != nil {
			return nil, err
		}
		privs[role] = priv
		err = parties.Register(priv.Public(sock.GetAddress()))
		if err != nil {
			return nil, err
		}
	}

	conf := func(role party.Role) party.Configuration {
		c := party.Configuration{
			Role:            role,
			Socket:          sockets[role],
			MessageRegistry: types.NewMessageRegistry(),
			Parties:         parties,
			Identity:        privs[role],
			NumTeachers:     len(models),
			Modulus:         mod,
			Precision:       params.Precision,
			NumClasses:      classes,
			BatchSize:       params.BatchSize,
			MaskBits:        params.MaskBits,
			Timeout:         timeout,
			Retries:         params.Retries,
		}
		if role == party.Aggregator {
			c.NoiseSeed = params.NoiseSeed
			c.BudgetLimit = params.BudgetLimit
		}
		return c
	}

	e := &Engine{wait: wait, limit: params.BudgetLimit}
	e.student, err = impl.NewStudent(conf(party.Student))
	if err != nil {
		return nil, err
	}
	e.nodes = append(e.nodes, e.student)
	for _, role := range party.Shareholders() {
		holder, err := impl.NewShareholder(conf(role))
		if err != nil {
			return nil, err
		}
		e.nodes = append(e.nodes, holder)
	}
	e.agg, err = impl.NewAggregator(conf(party.Aggregator))
	if err != nil {
		return nil, err
	}
	e.nodes = append(e.nodes, e.agg)
	for i, model := range models {
		teacher, err := impl.NewTeacher(conf(party.TeacherRole(i)), model)
		if err != nil {
			return nil, err
		}
		e.nodes = append(e.nodes, teacher)
	}

	assembled = true
	return e, nil
}

// Start boots every party. Teachers deal their models on the way up.
func (e *Engine) Start() error {
	for _, n := range e.nodes {
		err := n.Start()
		if err != nil {
			return xerrors.Errorf("failed to start %s: %v", n.Role(), err)
		}
	}
	return nil
}

// Stop tears every party down, returning the first error seen.
func (e *Engine) Stop() error {
	var first error
	for _, n := range e.nodes {
		err := n.Stop()
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Budget exposes the aggregator's privacy ledger.
func (e *Engine) Budget() *aggregate.Budget {
	return e.agg.Budget()
}

// Gaps returns the batches that failed, in submission order.
func (e *Engine) Gaps() []Gap {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Gap, len(e.gaps))
	copy(out, e.gaps)
	return out
}

// Pipelines returns the per-batch traces recorded so far.
func (e *Engine) Pipelines() []*Pipeline {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Pipeline, len(e.pipes))
	copy(out, e.pipes)
	return out
}

// LabelBatch runs one batch end to end and returns its labels. The privacy
// parameter is checked before any computation starts; a failure in any later
// phase aborts the whole batch and no partial labels are ever emitted.
func (e *Engine) LabelBatch(ctx context.Context, inputs [][]float64, epsilon float64) ([]int, error) {
	e.mu.Lock()
	idx := e.next
	e.next++
	pipe := NewPipeline(idx)
	e.pipes = append(e.pipes, pipe)
	e.mu.Unlock()

	labels, err := e.drive(ctx, pipe, idx, inputs, epsilon)
	if err != nil {
		pipe.Fail(err)
		e.mu.Lock()
		e.gaps = append(e.gaps, Gap{Batch: idx, Kind: kindOf(err), Err: err})
		e.mu.Unlock()
		return nil, xerrors.Errorf("batch %d: %w", idx, err)
	}
	return labels, nil
}

func (e *Engine) drive(ctx context.Context, pipe *Pipeline, idx int, inputs [][]float64, epsilon float64) ([]int, error) {
	// privacy checks come first, before anything is encoded or sent
	if epsilon <= 0 || math.IsNaN(epsilon) || math.IsInf(epsilon, 0) {
		return nil, xerrors.Errorf("got epsilon %v: %w", epsilon, ErrBadEpsilon)
	}
	if e.limit > 0 {
		spent := e.agg.Budget().Spent()
		if spent+epsilon > e.limit {
			return nil, xerrors.Errorf("batch needs epsilon %v but only %v of %v remains: %w",
				epsilon, e.limit-spent, e.limit, aggregate.ErrBudgetExhausted)
		}
	}

	err := pipe.Advance(PhaseEncoding)
	if err != nil {
		return nil, err
	}
	prepared, err := e.student.EncodeBatch(inputs)
	if err != nil {
		return nil, err
	}

	err = pipe.Advance(PhaseSharing)
	if err != nil {
		return nil, err
	}
	batchID := fmt.Sprintf("batch-%06d", idx)
	err = e.student.ShareBatch(batchID, idx, prepared, epsilon)
	if err != nil {
		return nil, err
	}

	err = pipe.Advance(PhaseInferring)
	if err != nil {
		return nil, err
	}
	res, err := e.student.AwaitResult(ctx, batchID, e.wait)
	if err != nil {
		return nil, err
	}

	// reconstruction and aggregation run on the aggregator; the delivered
	// result is the evidence they completed, so the trace records them here
	for _, next := range []Phase{PhaseReconstructing, PhaseAggregating, PhaseEmitting, PhaseIdle} {
		err = pipe.Advance(next)
		if err != nil {
			return nil, err
		}
	}
	return res.Labels, nil
}

// LabelAll drives the batches in order. Output row i holds batch i's labels,
// or nil if that batch failed; failures are recorded as gaps rather than
// aborting the run. Only context cancellation stops the loop early.
func (e *Engine) LabelAll(ctx context.Context, batches [][][]float64, epsilon float64) ([][]int, error) {
	out := make([][]int, 0, len(batches))
	for _, inputs := range batches {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		labels, err := e.LabelBatch(ctx, inputs, epsilon)
		if err != nil {
			if xerrors.Is(err, context.Canceled) || xerrors.Is(err, context.DeadlineExceeded) {
				return out, err
			}
			out = append(out, nil)
			continue
		}
		out = append(out, labels)
	}
	return out, nil
}

// kindOf folds an error into the taxonomy a gap reports.
func kindOf(err error) string {
	switch {
	case xerrors.Is(err, ErrBadEpsilon):
		return "privacy"
	case xerrors.Is(err, fixpoint.ErrOverflow) || xerrors.Is(err, party.ErrModulusOverflow):
		return "overflow"
	case xerrors.Is(err, sharing.ErrIncompleteShares):
		return "incomplete-shares"
	case xerrors.Is(err, sharing.ErrIdentifierMismatch):
		return "identifier-mismatch"
	case xerrors.Is(err, party.ErrUnauthorizedRole):
		return "unauthorized-role"
	case xerrors.Is(err, mpc.ErrProtocolAbort):
		return "protocol-abort"
	case xerrors.Is(err, aggregate.ErrBudgetExhausted):
		return "budget-exhausted"
	case xerrors.Is(err, context.Canceled) || xerrors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}
