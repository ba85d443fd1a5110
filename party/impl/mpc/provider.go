package mpc

import (
	"math/big"
	"strings"
	"sync"

	"github.com/fentec-project/gofe/data"
	"github.com/fentec-project/gofe/sample"
	"github.com/privstack/pateagg/fixpoint"
	"github.com/privstack/pateagg/party"
	"github.com/privstack/pateagg/party/impl/sharing"
	"github.com/privstack/pateagg/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

// NewProvider returns the correlated-randomness dealer of a run. Only the
// aggregator role carries the required grants.
func NewProvider(conf *party.Configuration, msgr Messenger) (*Provider, error) {
	if err := conf.Parties.Check(conf.Role, party.ActionProvideTriples); err != nil {
		return nil, err
	}
	if err := conf.Parties.Check(conf.Role, party.ActionRevealSign); err != nil {
		return nil, err
	}
	return &Provider{
		conf:  conf,
		msgr:  msgr,
		mod:   conf.Modulus,
		dealt: make(map[string]*dealtTriple),
		signs: make(map[string]*signOp),
	}, nil
}

// Provider deals Beaver triples and reveals blinded signs for the two
// shareholders. It never handles an unmasked share: triples are correlated
// randomness it made up itself, and sign requests arrive scaled by a mask
// only the shareholders know.
type Provider struct {
	sync.Mutex
	conf *party.Configuration
	msgr Messenger
	mod  *big.Int

	dealt map[string]*dealtTriple
	signs map[string]*signOp
}

// dealtTriple remembers one dealt triple so that retried requests are served
// the same shares. A triple is bound to the operation that first requested
// it; a request reusing the id for different operands is rejected.
type dealtTriple struct {
	kind   string
	lShape []int
	rShape []int
	halves map[party.Role]*types.TripleShareMessage
}

type signOp struct {
	masked  map[party.Role]*sharing.TensorShare
	replies map[party.Role]*types.SignBitMessage
}

// HandleTripleRequest deals (or re-serves) the requester's half of the Beaver
// triple for one operation.
func (p *Provider) HandleTripleRequest(msg *types.TripleRequestMessage) error {
	from := party.Role(msg.From)
	if err := p.conf.Parties.Check(from, party.ActionHoldShare); err != nil {
		return xerrors.Errorf("triple request %s: %w", msg.OpID, err)
	}
	if msg.Modulus != p.mod.String() {
		return xerrors.Errorf("triple request %s under modulus %s, run uses %s: %w",
			msg.OpID, msg.Modulus, p.mod, sharing.ErrIdentifierMismatch)
	}

	p.Lock()
	defer p.Unlock()

	trip, ok := p.dealt[msg.OpID]
	if !ok {
		var err error
		trip, err = p.dealTriple(msg)
		if err != nil {
			return err
		}
		p.dealt[msg.OpID] = trip
		log.Debug().Msgf("%s: dealt %s triple %s", p.conf.Role, msg.Kind, msg.OpID)
	} else if trip.kind != msg.Kind || !shapeEq(trip.lShape, msg.LShape) || !shapeEq(trip.rShape, msg.RShape) {
		return xerrors.Errorf("operation %s already consumed its triple for %s %vx%v",
			msg.OpID, trip.kind, trip.lShape, trip.rShape)
	}

	half, ok := trip.halves[from]
	if !ok {
		return xerrors.Errorf("no triple half for %s in %s", from, msg.OpID)
	}
	return p.msgr.SendSealed(from, *half)
}

func (p *Provider) dealTriple(msg *types.TripleRequestMessage) (*dealtTriple, error) {
	var an, bn int
	switch msg.Kind {
	case types.TripleHadamard:
		if !shapeEq(msg.LShape, msg.RShape) {
			return nil, xerrors.Errorf("hadamard triple %s with shapes %v vs %v", msg.OpID, msg.LShape, msg.RShape)
		}
		an = elementsOf(msg.LShape)
		bn = an
	case types.TripleMatMul:
		if len(msg.LShape) != 2 || len(msg.RShape) != 2 || msg.LShape[1] != msg.RShape[0] {
			return nil, xerrors.Errorf("matmul triple %s with shapes %v x %v", msg.OpID, msg.LShape, msg.RShape)
		}
		an = msg.LShape[0] * msg.LShape[1]
		bn = msg.RShape[0] * msg.RShape[1]
	default:
		return nil, xerrors.Errorf("unknown triple kind %s in %s", msg.Kind, msg.OpID)
	}

	sampler := sample.NewUniform(p.mod)
	a, err := data.NewRandomVector(an, sampler)
	if err != nil {
		return nil, xerrors.Errorf("failed to sample triple %s: %v", msg.OpID, err)
	}
	b, err := data.NewRandomVector(bn, sampler)
	if err != nil {
		return nil, xerrors.Errorf("failed to sample triple %s: %v", msg.OpID, err)
	}

	var c data.Vector
	var cShape []int
	if msg.Kind == types.TripleHadamard {
		c = hadamardVec(a, b, p.mod)
		cShape = msg.LShape
	} else {
		m, k, n := msg.LShape[0], msg.LShape[1], msg.RShape[1]
		c = matMulZp(a, b, m, k, n, p.mod)
		cShape = []int{m, n}
	}

	holders := party.Shareholders()
	aShares, err := sharing.Split(a, msg.LShape, "triple/"+msg.OpID+"/a", holders, p.mod)
	if err != nil {
		return nil, xerrors.Errorf("failed to split triple %s: %v", msg.OpID, err)
	}
	bShares, err := sharing.Split(b, msg.RShape, "triple/"+msg.OpID+"/b", holders, p.mod)
	if err != nil {
		return nil, xerrors.Errorf("failed to split triple %s: %v", msg.OpID, err)
	}
	cShares, err := sharing.Split(c, cShape, "triple/"+msg.OpID+"/c", holders, p.mod)
	if err != nil {
		return nil, xerrors.Errorf("failed to split triple %s: %v", msg.OpID, err)
	}

	halves := make(map[party.Role]*types.TripleShareMessage, len(holders))
	for i, holder := range holders {
		halves[holder] = &types.TripleShareMessage{
			OpID: msg.OpID,
			A:    sharing.ToWire(aShares[i]),
			B:    sharing.ToWire(bShares[i]),
			C:    sharing.ToWire(cShares[i]),
		}
	}
	return &dealtTriple{
		kind:   msg.Kind,
		lShape: append([]int(nil), msg.LShape...),
		rShape: append([]int(nil), msg.RShape...),
		halves: halves,
	}, nil
}

// HandleSignRequest collects the masked shares of one comparison. Once both
// shareholders contributed, the blinded value is reconstructed, its sign
// taken and fresh bit shares dealt back to both. Retried requests are served
// the cached reply.
func (p *Provider) HandleSignRequest(msg *types.SignRequestMessage) error {
	from := party.Role(msg.From)
	if err := p.conf.Parties.Check(from, party.ActionOpenMasked); err != nil {
		return xerrors.Errorf("sign request %s: %w", msg.OpID, err)
	}
	share, err := sharing.FromWire(msg.Masked, p.mod)
	if err != nil {
		return xerrors.Errorf("sign request %s: %w", msg.OpID, err)
	}
	if share.Owner != from {
		return xerrors.Errorf("sign request %s from %s carries a share owned by %s", msg.OpID, from, share.Owner)
	}

	p.Lock()
	defer p.Unlock()

	op, ok := p.signs[msg.OpID]
	if !ok {
		op = &signOp{masked: make(map[party.Role]*sharing.TensorShare)}
		p.signs[msg.OpID] = op
	}

	if op.replies != nil {
		reply, ok := op.replies[from]
		if !ok {
			return xerrors.Errorf("no sign bits for %s in %s", from, msg.OpID)
		}
		return p.msgr.SendSealed(from, *reply)
	}

	op.masked[from] = share

	holders := party.Shareholders()
	contributions := make([]*sharing.TensorShare, 0, len(holders))
	for _, holder := range holders {
		s, ok := op.masked[holder]
		if !ok {
			return nil // wait for the other shareholder
		}
		contributions = append(contributions, s)
	}

	blinded, err := sharing.Reconstruct(contributions, holders)
	if err != nil {
		return xerrors.Errorf("sign %s: %w", msg.OpID, err)
	}

	bits := make(data.Vector, len(blinded))
	for i, v := range blinded {
		if fixpoint.ToSigned(v, p.mod).Sign() >= 0 {
			bits[i] = big.NewInt(1)
		} else {
			bits[i] = big.NewInt(0)
		}
	}

	bitShares, err := sharing.Split(bits, share.Shape, "signbit/"+msg.OpID, holders, p.mod)
	if err != nil {
		return xerrors.Errorf("failed to split sign bits %s: %v", msg.OpID, err)
	}

	op.replies = make(map[party.Role]*types.SignBitMessage, len(holders))
	op.masked = nil
	for i, holder := range holders {
		op.replies[holder] = &types.SignBitMessage{OpID: msg.OpID, Bits: sharing.ToWire(bitShares[i])}
	}
	log.Debug().Msgf("%s: revealed sign %s (%d elements)", p.conf.Role, msg.OpID, len(bits))

	for holder, reply := range op.replies {
		if err := p.msgr.SendSealed(holder, *reply); err != nil {
			return xerrors.Errorf("failed to serve sign bits %s to %s: %v", msg.OpID, holder, err)
		}
	}
	return nil
}

// DropScope forgets dealt randomness whose operation id starts with the
// prefix. Called when a batch aborts so the ids cannot be replayed against
// stale triples.
func (p *Provider) DropScope(prefix string) {
	p.Lock()
	defer p.Unlock()
	for id := range p.dealt {
		if strings.HasPrefix(id, prefix) {
			delete(p.dealt, id)
		}
	}
	for id := range p.signs {
		if strings.HasPrefix(id, prefix) {
			delete(p.signs, id)
		}
	}
}

func elementsOf(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
