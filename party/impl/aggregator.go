package impl

import (
	"math"
	"sync"
	"time"

	"github.com/privstack/pateagg/fixpoint"
	"github.com/privstack/pateagg/party"
	"github.com/privstack/pateagg/party/impl/aggregate"
	"github.com/privstack/pateagg/party/impl/mpc"
	"github.com/privstack/pateagg/party/impl/sharing"
	"github.com/privstack/pateagg/transport"
	"github.com/privstack/pateagg/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/exp/rand"
	"golang.org/x/xerrors"
)

// staleFactor scales the party timeout into the age at which an incomplete
// batch slot is abandoned.
const staleFactor = 10

// Aggregator serves Beaver triples and sign reveals to the shareholders,
// reconstructs their vote shares, and turns the vote histogram into noisy
// labels for the student. It is the only party that ever sees votes in the
// clear, and it only ever sees them in aggregate.
type Aggregator struct {
	*base

	prov   *mpc.Provider
	budget *aggregate.Budget
	noise  rand.Source

	mu    sync.Mutex
	slots map[string]*batchSlot
}

type batchSlot struct {
	index   int
	rows    int
	eps     float64
	tally   *aggregate.Tally
	pending map[int]map[party.Role]*sharing.TensorShare
	created time.Time
}

func NewAggregator(conf party.Configuration) (*Aggregator, error) {
	if conf.Role != party.Aggregator {
		return nil, xerrors.Errorf("%w: %s cannot aggregate votes", party.ErrUnauthorizedRole, conf.Role)
	}
	b, err := newBase(conf)
	if err != nil {
		return nil, err
	}

	a := &Aggregator{
		base:   b,
		budget: aggregate.NewBudget(conf.BudgetLimit),
		slots:  make(map[string]*batchSlot),
	}
	a.prov, err = mpc.NewProvider(&a.conf, a)
	if err != nil {
		return nil, err
	}
	if conf.NoiseSeed != nil {
		a.noise = aggregate.NewSeededSource(*conf.NoiseSeed)
	} else {
		a.noise = aggregate.NewSecureSource()
	}

	reg := conf.MessageRegistry
	reg.RegisterMessageCallback(types.BatchInfoMessage{}, a.handleBatchInfo)
	reg.RegisterMessageCallback(types.VoteShareMessage{}, a.handleVoteShare)
	reg.RegisterMessageCallback(types.TripleRequestMessage{}, a.handleTripleRequest)
	reg.RegisterMessageCallback(types.SignRequestMessage{}, a.handleSignRequest)
	return a, nil
}

// Budget exposes the privacy ledger. The aggregator records every emission;
// whether a total is enforced is the caller's policy.
func (a *Aggregator) Budget() *aggregate.Budget {
	return a.budget
}

func (a *Aggregator) handleBatchInfo(msg types.Message, pkt transport.Packet) error {
	m, ok := msg.(*types.BatchInfoMessage)
	if !ok {
		return xerrors.Errorf("wrong message type: %T", msg)
	}
	origin := party.Role(pkt.Header.Source)
	err := a.conf.Parties.Check(origin, party.ActionOriginateInput)
	if err != nil {
		return xerrors.Errorf("batch announcement from %s: %w", origin, err)
	}
	if m.Rows < 1 || m.Rows > a.conf.BatchSize {
		return xerrors.Errorf("batch %s announces %d rows, limit is %d", m.BatchID, m.Rows, a.conf.BatchSize)
	}
	if m.Epsilon <= 0 || math.IsNaN(m.Epsilon) || math.IsInf(m.Epsilon, 0) {
		return xerrors.Errorf("batch %s announces epsilon %v", m.BatchID, m.Epsilon)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.sweepStale()

	if prev, ok := a.slots[m.BatchID]; ok {
		if prev.rows != m.Rows || prev.eps != m.Epsilon || prev.index != m.BatchIndex {
			return xerrors.Errorf("batch %s re-announced with different parameters", m.BatchID)
		}
		return nil
	}
	tally, err := aggregate.NewTally(m.Rows, a.conf.NumClasses)
	if err != nil {
		return err
	}
	a.slots[m.BatchID] = &batchSlot{
		index:   m.BatchIndex,
		rows:    m.Rows,
		eps:     m.Epsilon,
		tally:   tally,
		pending: make(map[int]map[party.Role]*sharing.TensorShare),
		created: time.Now(),
	}
	log.Debug().Msgf("%s: opened batch %s with %d rows at epsilon %v",
		a.conf.Role, m.BatchID, m.Rows, m.Epsilon)
	return nil
}

// handleVoteShare pairs the two shareholders' halves of a teacher's votes.
// Once both halves of every teacher have been reconstructed the batch is
// finished and labels go out.
func (a *Aggregator) handleVoteShare(msg types.Message, pkt transport.Packet) error {
	m, ok := msg.(*types.VoteShareMessage)
	if !ok {
		return xerrors.Errorf("wrong message type: %T", msg)
	}
	origin := party.Role(pkt.Header.Source)
	err := a.conf.Parties.Check(origin, party.ActionSubmitVote)
	if err != nil {
		return xerrors.Errorf("vote share from %s: %w", origin, err)
	}
	share, err := sharing.FromWire(m.Share, a.conf.Modulus)
	if err != nil {
		return err
	}
	if share.Owner != origin {
		return xerrors.Errorf("%s submitted a vote share owned by %s", origin, share.Owner)
	}
	if m.Teacher < 0 || m.Teacher >= a.conf.NumTeachers {
		return xerrors.Errorf("vote share names teacher %d of %d", m.Teacher, a.conf.NumTeachers)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	slot, ok := a.slots[m.BatchID]
	if !ok {
		return xerrors.Errorf("vote share for unknown batch %s", m.BatchID)
	}
	if share.Elements() != slot.rows {
		return xerrors.Errorf("batch %s vote share carries %d votes for %d rows",
			m.BatchID, share.Elements(), slot.rows)
	}

	halves := slot.pending[m.Teacher]
	if halves == nil {
		halves = make(map[party.Role]*sharing.TensorShare)
		slot.pending[m.Teacher] = halves
	}
	halves[origin] = share
	if len(halves) < len(party.Shareholders()) {
		return nil
	}

	holders := party.Shareholders()
	ordered := make([]*sharing.TensorShare, len(holders))
	for i, h := range holders {
		ordered[i] = halves[h]
	}
	votes, err := sharing.Reconstruct(ordered, holders)
	if err != nil {
		return xerrors.Errorf("batch %s teacher %d: %v", m.BatchID, m.Teacher, err)
	}
	delete(slot.pending, m.Teacher)

	labels := make([]int, len(votes))
	for i, v := range votes {
		labels[i] = int(fixpoint.ToSigned(v, a.conf.Modulus).Int64())
	}
	err = slot.tally.Add(string(party.TeacherRole(m.Teacher)), labels)
	if err != nil {
		a.abandon(m.BatchID, err)
		return err
	}

	if slot.tally.Count() == a.conf.NumTeachers {
		a.finish(m.BatchID, slot)
	}
	return nil
}

// finish draws the Laplace noise, charges the ledger and emits the labels.
// Called with the slot lock held.
func (a *Aggregator) finish(batchID string, slot *batchSlot) {
	// labels are the only plaintext that ever leaves the protocol, so the
	// destination is checked against the capability table before anything
	// is drawn or charged
	err := a.conf.Parties.Check(party.Student, party.ActionReceiveLabels)
	if err != nil {
		a.abandon(batchID, err)
		return
	}
	labels, err := aggregate.NoisyArgmax(slot.tally.Histogram(), slot.eps, a.noise)
	if err != nil {
		a.abandon(batchID, err)
		return
	}
	err = a.budget.Charge(batchID, slot.eps, len(labels))
	if err != nil {
		a.abandon(batchID, err)
		return
	}

	err = a.SendSealed(party.Student, types.LabelResultMessage{
		BatchID:    batchID,
		BatchIndex: slot.index,
		Labels:     labels,
		Epsilon:    slot.eps,
	})
	if err != nil {
		log.Error().Msgf("%s: batch %s: failed to deliver labels: %v", a.conf.Role, batchID, err)
	} else {
		log.Info().Msgf("%s: batch %s labeled, epsilon %v spent (total %v)",
			a.conf.Role, batchID, slot.eps, a.budget.Spent())
	}

	delete(a.slots, batchID)
	a.prov.DropScope(batchID + "/")
}

// abandon drops a batch that can no longer complete. The student sees the gap
// as a timeout. Called with the slot lock held.
func (a *Aggregator) abandon(batchID string, cause error) {
	log.Error().Msgf("%s: abandoning batch %s: %v", a.conf.Role, batchID, cause)
	delete(a.slots, batchID)
	a.prov.DropScope(batchID + "/")
}

// sweepStale drops incomplete slots old enough that their protocol run must
// have died. Called with the slot lock held.
func (a *Aggregator) sweepStale() {
	cutoff := time.Duration(staleFactor) * a.conf.Timeout
	for id, slot := range a.slots {
		if time.Since(slot.created) > cutoff {
			log.Warn().Msgf("%s: batch %s stale after %v, dropping", a.conf.Role, id, cutoff)
			delete(a.slots, id)
			a.prov.DropScope(id + "/")
		}
	}
}

func (a *Aggregator) handleTripleRequest(msg types.Message, pkt transport.Packet) error {
	m, ok := msg.(*types.TripleRequestMessage)
	if !ok {
		return xerrors.Errorf("wrong message type: %T", msg)
	}
	if m.From != pkt.Header.Source {
		return xerrors.Errorf("triple request claims origin %s but was sent by %s",
			m.From, pkt.Header.Source)
	}
	return a.prov.HandleTripleRequest(m)
}

func (a *Aggregator) handleSignRequest(msg types.Message, pkt transport.Packet) error {
	m, ok := msg.(*types.SignRequestMessage)
	if !ok {
		return xerrors.Errorf("wrong message type: %T", msg)
	}
	if m.From != pkt.Header.Source {
		return xerrors.Errorf("sign request claims origin %s but was sent by %s",
			m.From, pkt.Header.Source)
	}
	return a.prov.HandleSignRequest(m)
}
