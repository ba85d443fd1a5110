package impl

import (
	"strings"
	"sync"

	"github.com/privstack/pateagg/party"
	"github.com/privstack/pateagg/party/impl/inference"
	"github.com/privstack/pateagg/party/impl/mpc"
	"github.com/privstack/pateagg/party/impl/sharing"
	"github.com/privstack/pateagg/transport"
	"github.com/privstack/pateagg/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

// Shareholder holds one share of every secret in the system: model parameters,
// student inputs and all intermediate protocol state. When a batch arrives it
// runs the shared forward pass against every announced model, in lockstep with
// its peer, and sends its half of the vote shares to the aggregator.
type Shareholder struct {
	*base

	store   *sharing.Store
	catalog *inference.Catalog
	exch    *mpc.Exchange
	orch    *inference.Orchestrator
	peer    party.Role

	mu        sync.Mutex
	teacherOf map[string]int
	inflight  map[string]bool
}

func NewShareholder(conf party.Configuration) (*Shareholder, error) {
	if conf.Role != party.ShareholderA && conf.Role != party.ShareholderB {
		return nil, xerrors.Errorf("%w: %s cannot hold shares", party.ErrUnauthorizedRole, conf.Role)
	}
	b, err := newBase(conf)
	if err != nil {
		return nil, err
	}

	s := &Shareholder{
		base:      b,
		store:     sharing.NewStore(conf.Role),
		catalog:   inference.NewCatalog(),
		exch:      mpc.NewExchange(conf.Modulus),
		peer:      party.PeerShareholder(conf.Role),
		teacherOf: make(map[string]int),
		inflight:  make(map[string]bool),
	}
	s.orch, err = inference.NewOrchestrator(&s.conf, s, s.exch, s.store)
	if err != nil {
		return nil, err
	}

	reg := conf.MessageRegistry
	reg.RegisterMessageCallback(types.TensorShareMessage{}, s.handleTensorShare)
	reg.RegisterMessageCallback(types.ModelDescriptorMessage{}, s.handleDescriptor)
	reg.RegisterMessageCallback(types.TripleShareMessage{}, s.handleTriple)
	reg.RegisterMessageCallback(types.OpenMessage{}, s.handleOpen)
	reg.RegisterMessageCallback(types.MaskMessage{}, s.handleMask)
	reg.RegisterMessageCallback(types.SignBitMessage{}, s.handleSignBits)
	return s, nil
}

// handleTensorShare files an incoming share. Model shares come from teachers,
// input shares from the student; anything else is refused. An input share
// kicks off the forward pass for its batch.
func (s *Shareholder) handleTensorShare(msg types.Message, pkt transport.Packet) error {
	m, ok := msg.(*types.TensorShareMessage)
	if !ok {
		return xerrors.Errorf("wrong message type: %T", msg)
	}
	origin := party.Role(pkt.Header.Source)

	share, err := sharing.FromWire(m.Share, s.conf.Modulus)
	if err != nil {
		return err
	}
	if share.Owner != s.conf.Role {
		return xerrors.Errorf("share owned by %s delivered to %s", share.Owner, s.conf.Role)
	}

	switch {
	case strings.HasPrefix(share.Tag, "model/"):
		err = s.conf.Parties.Check(origin, party.ActionOriginateModel)
	case strings.HasPrefix(share.Tag, "input/"):
		err = s.conf.Parties.Check(origin, party.ActionOriginateInput)
	default:
		err = xerrors.Errorf("share with unexpected tag %s", share.Tag)
	}
	if err != nil {
		return xerrors.Errorf("tensor share from %s: %w", origin, err)
	}

	err = s.store.Put(share)
	if err != nil {
		return err
	}

	if m.ReqID != "" && strings.HasPrefix(share.Tag, "input/") {
		s.mu.Lock()
		started := s.inflight[m.ReqID]
		s.inflight[m.ReqID] = true
		s.mu.Unlock()
		if !started {
			go s.infer(m.ReqID, share)
		}
	}
	return nil
}

// infer runs the forward pass of every announced model over one input batch,
// one goroutine per model, and ships the resulting vote shares.
func (s *Shareholder) infer(batchID string, input *sharing.TensorShare) {
	ctx := s.ctx()

	descs, err := s.catalog.AwaitCount(ctx, s.conf.NumTeachers, s.conf.Timeout)
	if err != nil {
		log.Error().Msgf("%s: batch %s: %v", s.conf.Role, batchID, err)
		return
	}

	var wg sync.WaitGroup
	for _, desc := range descs {
		wg.Add(1)
		go func(desc inference.Descriptor) {
			defer wg.Done()

			votes, err := s.orch.Forward(ctx, batchID, desc, input)
			if err != nil {
				log.Error().Msgf("%s: batch %s model %s: %v",
					s.conf.Role, batchID, desc.ModelID, err)
				s.exch.DropScope(batchID + "/" + desc.ModelID)
				return
			}

			idx, ok := s.teacherIndex(desc.ModelID)
			if !ok {
				log.Error().Msgf("%s: model %s has no announcing teacher", s.conf.Role, desc.ModelID)
				return
			}
			err = s.SendSealed(party.Aggregator, types.VoteShareMessage{
				BatchID: batchID,
				Teacher: idx,
				Share:   sharing.ToWire(votes),
			})
			if err != nil {
				log.Error().Msgf("%s: batch %s model %s: failed to submit votes: %v",
					s.conf.Role, batchID, desc.ModelID, err)
			}
		}(desc)
	}
	wg.Wait()

	// the batch is over either way, reclaim its protocol state
	s.store.DropPrefix("input/" + batchID)
	s.exch.DropScope(batchID + "/")
	s.mu.Lock()
	delete(s.inflight, batchID)
	s.mu.Unlock()
}

func (s *Shareholder) teacherIndex(modelID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.teacherOf[modelID]
	return idx, ok
}

func (s *Shareholder) handleDescriptor(msg types.Message, pkt transport.Packet) error {
	m, ok := msg.(*types.ModelDescriptorMessage)
	if !ok {
		return xerrors.Errorf("wrong message type: %T", msg)
	}
	origin := party.Role(pkt.Header.Source)
	err := s.conf.Parties.Check(origin, party.ActionOriginateModel)
	if err != nil {
		return xerrors.Errorf("model descriptor from %s: %w", origin, err)
	}
	if m.Teacher != string(origin) {
		return xerrors.Errorf("%s announced a model on behalf of %s", origin, m.Teacher)
	}
	idx := origin.TeacherIndex()
	if idx < 0 {
		return xerrors.Errorf("announcing role %s is not a teacher", origin)
	}

	err = s.catalog.Put(inference.Descriptor{
		ModelID:  m.ModelID,
		Layers:   m.Layers,
		Features: m.Features,
		Classes:  m.Classes,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.teacherOf[m.ModelID] = idx
	s.mu.Unlock()
	return nil
}

func (s *Shareholder) handleTriple(msg types.Message, pkt transport.Packet) error {
	m, ok := msg.(*types.TripleShareMessage)
	if !ok {
		return xerrors.Errorf("wrong message type: %T", msg)
	}
	origin := party.Role(pkt.Header.Source)
	err := s.conf.Parties.Check(origin, party.ActionProvideTriples)
	if err != nil {
		return xerrors.Errorf("triple share from %s: %w", origin, err)
	}
	return s.exch.DepositTriple(m)
}

func (s *Shareholder) handleOpen(msg types.Message, pkt transport.Packet) error {
	m, ok := msg.(*types.OpenMessage)
	if !ok {
		return xerrors.Errorf("wrong message type: %T", msg)
	}
	origin := party.Role(pkt.Header.Source)
	if origin != s.peer {
		return xerrors.Errorf("opening from %s, only %s may open toward %s",
			origin, s.peer, s.conf.Role)
	}
	if m.From != string(origin) {
		return xerrors.Errorf("opening claims origin %s but was sent by %s", m.From, origin)
	}
	return s.exch.DepositOpen(m)
}

func (s *Shareholder) handleMask(msg types.Message, pkt transport.Packet) error {
	m, ok := msg.(*types.MaskMessage)
	if !ok {
		return xerrors.Errorf("wrong message type: %T", msg)
	}
	origin := party.Role(pkt.Header.Source)
	if origin != s.peer {
		return xerrors.Errorf("mask from %s, only %s masks toward %s",
			origin, s.peer, s.conf.Role)
	}
	return s.exch.DepositMask(m)
}

func (s *Shareholder) handleSignBits(msg types.Message, pkt transport.Packet) error {
	m, ok := msg.(*types.SignBitMessage)
	if !ok {
		return xerrors.Errorf("wrong message type: %T", msg)
	}
	origin := party.Role(pkt.Header.Source)
	err := s.conf.Parties.Check(origin, party.ActionRevealSign)
	if err != nil {
		return xerrors.Errorf("sign bits from %s: %w", origin, err)
	}
	return s.exch.DepositSignBits(m)
}
