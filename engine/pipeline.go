package engine

import (
	"sync"
	"time"

	"golang.org/x/xerrors"
)

// Phase names one stage of a batch's life.
type Phase string

const (
	PhaseIdle           Phase = "IDLE"
	PhaseEncoding       Phase = "ENCODING"
	PhaseSharing        Phase = "SHARING"
	PhaseInferring      Phase = "INFERRING"
	PhaseReconstructing Phase = "RECONSTRUCTING"
	PhaseAggregating    Phase = "AGGREGATING"
	PhaseEmitting       Phase = "EMITTING"
	PhaseFailed         Phase = "FAILED"
)

// transitions lists the only legal phase successions. A batch cycles back to
// IDLE once its labels are out; FAILED is terminal and reachable from any
// live phase through Fail.
var transitions = map[Phase][]Phase{
	PhaseIdle:           {PhaseEncoding},
	PhaseEncoding:       {PhaseSharing},
	PhaseSharing:        {PhaseInferring},
	PhaseInferring:      {PhaseReconstructing},
	PhaseReconstructing: {PhaseAggregating},
	PhaseAggregating:    {PhaseEmitting},
	PhaseEmitting:       {PhaseIdle},
}

// Step is one recorded transition.
type Step struct {
	Phase Phase
	At    time.Time
}

// NewPipeline tracks one batch through its phases.
func NewPipeline(batch int) *Pipeline {
	return &Pipeline{
		batch: batch,
		phase: PhaseIdle,
		trace: []Step{{Phase: PhaseIdle, At: time.Now()}},
	}
}

// Pipeline is the per-batch state machine. Every transition is checked
// against the table above and recorded, so a trace reads as the batch's
// history.
type Pipeline struct {
	mu    sync.Mutex
	batch int
	phase Phase
	trace []Step
	err   error
}

func (p *Pipeline) Batch() int {
	return p.batch
}

func (p *Pipeline) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// Advance moves the batch to the next phase, refusing any transition the
// machine does not allow.
func (p *Pipeline) Advance(next Phase) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.phase == PhaseFailed {
		return xerrors.Errorf("batch %d already failed: %v", p.batch, p.err)
	}
	for _, allowed := range transitions[p.phase] {
		if allowed == next {
			p.phase = next
			p.trace = append(p.trace, Step{Phase: next, At: time.Now()})
			return nil
		}
	}
	return xerrors.Errorf("batch %d cannot move from %s to %s", p.batch, p.phase, next)
}

// Fail aborts the batch from whatever phase it is in. The first cause sticks.
func (p *Pipeline) Fail(cause error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.phase == PhaseFailed {
		return
	}
	p.phase = PhaseFailed
	p.err = cause
	p.trace = append(p.trace, Step{Phase: PhaseFailed, At: time.Now()})
}

// Err returns the failure cause, if any.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Done reports whether the batch completed a full cycle.
func (p *Pipeline) Done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase == PhaseIdle && len(p.trace) > 1
}

// Trace returns the recorded transitions in order.
func (p *Pipeline) Trace() []Step {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Step, len(p.trace))
	copy(out, p.trace)
	return out
}
