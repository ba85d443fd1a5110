package mpc

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/fentec-project/gofe/data"
	"github.com/fentec-project/gofe/sample"
	"github.com/privstack/pateagg/party"
	"github.com/privstack/pateagg/party/impl/sharing"
	"github.com/privstack/pateagg/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/xerrors"
)

// ErrProtocolAbort is returned when a protocol round trip fails after the
// configured retries. The batch owning the operation must be aborted.
var ErrProtocolAbort = xerrors.New("protocol round failed after retries")

// Messenger sends protocol messages to another role. Send carries signed
// payloads; SendSealed additionally encrypts to the recipient. Every payload
// containing share material goes sealed.
type Messenger interface {
	Send(to party.Role, msg types.Message) error
	SendSealed(to party.Role, msg types.Message) error
}

// NewExchange returns the mailbox set for protocol payloads of one party.
func NewExchange(mod *big.Int) *Exchange {
	return &Exchange{
		mod:     mod,
		triples: newMailbox(),
		opens:   newMailbox(),
		masks:   newMailbox(),
		bits:    newMailbox(),
	}
}

// Exchange holds the mailboxes protocol payloads arrive in. It is shared by
// all evaluators of a party and fed by its message handlers; operation ids
// scope payloads to the evaluator awaiting them.
type Exchange struct {
	mod     *big.Int
	triples *mailbox
	opens   *mailbox
	masks   *mailbox
	bits    *mailbox
}

// DepositTriple files a dealt Beaver triple half.
func (x *Exchange) DepositTriple(msg *types.TripleShareMessage) error {
	a, err := sharing.FromWire(msg.A, x.mod)
	if err != nil {
		return err
	}
	b, err := sharing.FromWire(msg.B, x.mod)
	if err != nil {
		return err
	}
	c, err := sharing.FromWire(msg.C, x.mod)
	if err != nil {
		return err
	}
	x.triples.deposit(msg.OpID, &tripleHalf{a: a, b: b, c: c})
	return nil
}

// DepositOpen files the peer's contribution to a Beaver opening.
func (x *Exchange) DepositOpen(msg *types.OpenMessage) error {
	if msg.Modulus != x.mod.String() {
		return xerrors.Errorf("opening %s under modulus %s, run uses %s: %w",
			msg.OpID, msg.Modulus, x.mod, sharing.ErrIdentifierMismatch)
	}
	d, err := parseResidues(msg.D, x.mod)
	if err != nil {
		return xerrors.Errorf("opening %s: %w", msg.OpID, err)
	}
	e, err := parseResidues(msg.E, x.mod)
	if err != nil {
		return xerrors.Errorf("opening %s: %w", msg.OpID, err)
	}
	x.opens.deposit(msg.OpID, &openContribution{from: party.Role(msg.From), d: d, e: e})
	return nil
}

// DepositMask files the comparison masks sent by shareholder-a.
func (x *Exchange) DepositMask(msg *types.MaskMessage) error {
	if msg.Modulus != x.mod.String() {
		return xerrors.Errorf("masks %s under modulus %s, run uses %s: %w",
			msg.OpID, msg.Modulus, x.mod, sharing.ErrIdentifierMismatch)
	}
	r, err := parseResidues(msg.R, x.mod)
	if err != nil {
		return xerrors.Errorf("masks %s: %w", msg.OpID, err)
	}
	x.masks.deposit(msg.OpID, r)
	return nil
}

// DepositSignBits files the sign bit shares returned by the crypto provider.
func (x *Exchange) DepositSignBits(msg *types.SignBitMessage) error {
	bits, err := sharing.FromWire(msg.Bits, x.mod)
	if err != nil {
		return err
	}
	x.bits.deposit(msg.OpID, bits)
	return nil
}

// DropScope purges every parked payload whose operation id starts with the
// prefix. Called when a batch aborts.
func (x *Exchange) DropScope(prefix string) {
	x.triples.dropPrefix(prefix)
	x.opens.dropPrefix(prefix)
	x.masks.dropPrefix(prefix)
	x.bits.dropPrefix(prefix)
}

type tripleHalf struct {
	a, b, c *sharing.TensorShare
}

type openContribution struct {
	from party.Role
	d, e data.Vector
}

// NewEvaluator returns the secure tensor evaluator of one shareholder. The
// scope prefixes every operation id; the two evaluators of a protocol
// instance must be created with the same scope and execute identical call
// sequences, which keeps their operation ids aligned without coordination.
// An evaluator is confined to its orchestration goroutine.
func NewEvaluator(conf *party.Configuration, msgr Messenger, exch *Exchange, scope string) (*Evaluator, error) {
	if conf.Role != party.ShareholderA && conf.Role != party.ShareholderB {
		return nil, xerrors.Errorf("evaluator requires a shareholder role, got %s: %w",
			conf.Role, party.ErrUnauthorizedRole)
	}
	if err := conf.Parties.Check(conf.Role, party.ActionHoldShare); err != nil {
		return nil, err
	}

	one := big.NewInt(1)
	return &Evaluator{
		conf:     conf,
		msgr:     msgr,
		exch:     exch,
		scope:    scope,
		role:     conf.Role,
		peer:     party.PeerShareholder(conf.Role),
		provider: party.Aggregator,
		mod:      conf.Modulus,
		half:     new(big.Int).Rsh(new(big.Int).Sub(conf.Modulus, one), 1),
		scale:    new(big.Int).Lsh(one, conf.Precision),
		maskTop:  new(big.Int).Sub(new(big.Int).Lsh(one, conf.MaskBits), one),
	}, nil
}

// Evaluator executes the secure tensor program of one shareholder over its
// shares, talking to the peer shareholder for openings and to the crypto
// provider for triples and sign bits.
type Evaluator struct {
	conf  *party.Configuration
	msgr  Messenger
	exch  *Exchange
	scope string
	ops   int

	role     party.Role
	peer     party.Role
	provider party.Role

	mod     *big.Int
	half    *big.Int
	scale   *big.Int // 2^precision
	maskTop *big.Int // 2^maskBits - 1
}

func (e *Evaluator) nextOp(kind string) string {
	e.ops++
	return fmt.Sprintf("%s/%03d-%s", e.scope, e.ops, kind)
}

// derived wraps an op result. Both evaluators assign the same deterministic
// secret id, so downstream reconstruction sees sibling shares.
func (e *Evaluator) derived(opID string, shape []int, values data.Vector) *sharing.TensorShare {
	return &sharing.TensorShare{
		SecretID: opID,
		Owner:    e.role,
		Tag:      opID,
		Shape:    append([]int(nil), shape...),
		Modulus:  e.mod,
		Values:   values,
	}
}

func (e *Evaluator) checkOperand(x *sharing.TensorShare) error {
	if x.Modulus.Cmp(e.mod) != 0 {
		return xerrors.Errorf("operand %s under modulus %s, run uses %s: %w",
			x.SecretID, x.Modulus, e.mod, sharing.ErrIdentifierMismatch)
	}
	if x.Owner != e.role {
		return xerrors.Errorf("operand %s owned by %s used at %s", x.SecretID, x.Owner, e.role)
	}
	return nil
}

func (e *Evaluator) checkPair(x, y *sharing.TensorShare) error {
	if err := e.checkOperand(x); err != nil {
		return err
	}
	if err := e.checkOperand(y); err != nil {
		return err
	}
	return nil
}

// plainResidues maps signed plaintext values into the field, rejecting any
// whose magnitude exceeds the representable half-range.
func (e *Evaluator) plainResidues(vals data.Vector) (data.Vector, error) {
	out := make(data.Vector, len(vals))
	for i, v := range vals {
		if new(big.Int).Abs(v).Cmp(e.half) > 0 {
			return nil, xerrors.Errorf("plain operand %v: %w", v, party.ErrModulusOverflow)
		}
		out[i] = new(big.Int).Mod(v, e.mod)
	}
	return out, nil
}

// Add returns element-wise x + y. Local, no communication.
func (e *Evaluator) Add(x, y *sharing.TensorShare) (*sharing.TensorShare, error) {
	if err := e.checkPair(x, y); err != nil {
		return nil, err
	}
	if !shapeEq(x.Shape, y.Shape) {
		return nil, xerrors.Errorf("add shape mismatch: %v vs %v", x.Shape, y.Shape)
	}
	opID := e.nextOp("add")
	return e.derived(opID, x.Shape, addVec(x.Values, y.Values, e.mod)), nil
}

// Sub returns element-wise x - y. Local.
func (e *Evaluator) Sub(x, y *sharing.TensorShare) (*sharing.TensorShare, error) {
	if err := e.checkPair(x, y); err != nil {
		return nil, err
	}
	if !shapeEq(x.Shape, y.Shape) {
		return nil, xerrors.Errorf("sub shape mismatch: %v vs %v", x.Shape, y.Shape)
	}
	opID := e.nextOp("sub")
	return e.derived(opID, x.Shape, subVec(x.Values, y.Values, e.mod)), nil
}

// AddRows adds a shared (n,) bias to every row of a shared (m,n) tensor.
// Local; both parties contribute their own bias share.
func (e *Evaluator) AddRows(x, bias *sharing.TensorShare) (*sharing.TensorShare, error) {
	if err := e.checkPair(x, bias); err != nil {
		return nil, err
	}
	if len(x.Shape) != 2 || len(bias.Shape) != 1 || bias.Shape[0] != x.Shape[1] {
		return nil, xerrors.Errorf("cannot add %v bias to %v tensor", bias.Shape, x.Shape)
	}
	opID := e.nextOp("addrows")
	m, n := x.Shape[0], x.Shape[1]
	out := make(data.Vector, m*n)
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			out[i*n+j] = addZp(x.Values[i*n+j], bias.Values[j], e.mod)
		}
	}
	return e.derived(opID, x.Shape, out), nil
}

// AddPlain adds signed plaintext values element-wise. Only shareholder-a
// contributes the constant, keeping the reconstructed sum correct.
func (e *Evaluator) AddPlain(x *sharing.TensorShare, plain data.Vector) (*sharing.TensorShare, error) {
	if err := e.checkOperand(x); err != nil {
		return nil, err
	}
	if len(plain) != len(x.Values) {
		return nil, xerrors.Errorf("addplain length mismatch: %d vs %d", len(plain), len(x.Values))
	}
	residues, err := e.plainResidues(plain)
	if err != nil {
		return nil, err
	}
	opID := e.nextOp("addplain")
	if e.role != party.ShareholderA {
		out := make(data.Vector, len(x.Values))
		for i, v := range x.Values {
			out[i] = new(big.Int).Set(v)
		}
		return e.derived(opID, x.Shape, out), nil
	}
	return e.derived(opID, x.Shape, addVec(x.Values, residues, e.mod)), nil
}

// MulPlain multiplies by signed plaintext values element-wise. Both parties
// scale their shares; the plaintext factors are public.
func (e *Evaluator) MulPlain(x *sharing.TensorShare, plain data.Vector) (*sharing.TensorShare, error) {
	if err := e.checkOperand(x); err != nil {
		return nil, err
	}
	if len(plain) != len(x.Values) {
		return nil, xerrors.Errorf("mulplain length mismatch: %d vs %d", len(plain), len(x.Values))
	}
	residues, err := e.plainResidues(plain)
	if err != nil {
		return nil, err
	}
	opID := e.nextOp("mulplain")
	return e.derived(opID, x.Shape, hadamardVec(x.Values, residues, e.mod)), nil
}

// ScalePlain multiplies every element by one signed plaintext scalar.
func (e *Evaluator) ScalePlain(x *sharing.TensorShare, k *big.Int) (*sharing.TensorShare, error) {
	if err := e.checkOperand(x); err != nil {
		return nil, err
	}
	if new(big.Int).Abs(k).Cmp(e.half) > 0 {
		return nil, xerrors.Errorf("plain scalar %v: %w", k, party.ErrModulusOverflow)
	}
	opID := e.nextOp("scale")
	residue := new(big.Int).Mod(k, e.mod)
	out := make(data.Vector, len(x.Values))
	for i, v := range x.Values {
		out[i] = mulZp(v, residue, e.mod)
	}
	return e.derived(opID, x.Shape, out), nil
}

// Constant introduces signed plaintext values as a shared tensor:
// shareholder-a holds the residues, shareholder-b holds zeros.
func (e *Evaluator) Constant(vals data.Vector, shape []int) (*sharing.TensorShare, error) {
	residues, err := e.plainResidues(vals)
	if err != nil {
		return nil, err
	}
	opID := e.nextOp("const")
	if e.role != party.ShareholderA {
		return e.derived(opID, shape, zeroVec(len(vals))), nil
	}
	return e.derived(opID, shape, residues), nil
}

// Column extracts column j of a (m,n) tensor as a (m,) tensor. Local view,
// does not consume an operation id.
func (e *Evaluator) Column(x *sharing.TensorShare, j int) (*sharing.TensorShare, error) {
	if len(x.Shape) != 2 || j < 0 || j >= x.Shape[1] {
		return nil, xerrors.Errorf("no column %d in tensor of shape %v", j, x.Shape)
	}
	m, n := x.Shape[0], x.Shape[1]
	out := make(data.Vector, m)
	for i := 0; i < m; i++ {
		out[i] = x.Values[i*n+j]
	}
	return &sharing.TensorShare{
		SecretID: fmt.Sprintf("%s/col%d", x.SecretID, j),
		Owner:    x.Owner,
		Tag:      fmt.Sprintf("%s/col%d", x.Tag, j),
		Shape:    []int{m},
		Modulus:  x.Modulus,
		Values:   out,
	}, nil
}

// Mul multiplies two secret tensors element-wise with a Beaver triple dealt
// by the crypto provider. One opening round trip with the peer; the masked
// differences never transit the provider, which knows the triple. Fixed-point
// operands need a Truncate afterwards.
func (e *Evaluator) Mul(ctx context.Context, x, y *sharing.TensorShare) (*sharing.TensorShare, error) {
	if !shapeEq(x.Shape, y.Shape) {
		return nil, xerrors.Errorf("mul shape mismatch: %v vs %v", x.Shape, y.Shape)
	}
	return e.beaver(ctx, x, y, types.TripleHadamard, x.Shape)
}

// MatMul multiplies a shared (m,k) tensor by a shared (k,n) tensor.
func (e *Evaluator) MatMul(ctx context.Context, x, y *sharing.TensorShare) (*sharing.TensorShare, error) {
	if len(x.Shape) != 2 || len(y.Shape) != 2 || x.Shape[1] != y.Shape[0] {
		return nil, xerrors.Errorf("matmul shape mismatch: %v x %v", x.Shape, y.Shape)
	}
	return e.beaver(ctx, x, y, types.TripleMatMul, []int{x.Shape[0], y.Shape[1]})
}

func (e *Evaluator) beaver(ctx context.Context, x, y *sharing.TensorShare, kind string, outShape []int) (*sharing.TensorShare, error) {
	if err := e.checkPair(x, y); err != nil {
		return nil, err
	}
	opID := e.nextOp("mul")

	req := types.TripleRequestMessage{
		OpID:    opID,
		From:    string(e.role),
		Kind:    kind,
		LShape:  append([]int(nil), x.Shape...),
		RShape:  append([]int(nil), y.Shape...),
		Modulus: e.mod.String(),
	}
	if err := e.msgr.Send(e.provider, req); err != nil {
		return nil, xerrors.Errorf("failed to request triple %s: %v", opID, err)
	}
	tv, err := e.await(ctx, e.exch.triples, opID, func() error {
		return e.msgr.Send(e.provider, req)
	})
	if err != nil {
		return nil, err
	}
	trip := tv.(*tripleHalf)
	if trip.a.Owner != e.role || len(trip.a.Values) != len(x.Values) || len(trip.b.Values) != len(y.Values) {
		return nil, xerrors.Errorf("triple %s does not fit the operands", opID)
	}

	dShare := subVec(x.Values, trip.a.Values, e.mod)
	eShare := subVec(y.Values, trip.b.Values, e.mod)
	open := types.OpenMessage{
		OpID:    opID,
		From:    string(e.role),
		D:       strVec(dShare),
		E:       strVec(eShare),
		Modulus: e.mod.String(),
	}
	if err := e.msgr.SendSealed(e.peer, open); err != nil {
		return nil, xerrors.Errorf("failed to open %s: %v", opID, err)
	}
	ov, err := e.await(ctx, e.exch.opens, opID, func() error {
		return e.msgr.SendSealed(e.peer, open)
	})
	if err != nil {
		return nil, err
	}
	contrib := ov.(*openContribution)
	if contrib.from != e.peer || len(contrib.d) != len(dShare) || len(contrib.e) != len(eShare) {
		return nil, xerrors.Errorf("opening %s does not fit the operands", opID)
	}

	dPub := addVec(dShare, contrib.d, e.mod)
	ePub := addVec(eShare, contrib.e, e.mod)

	// z = c + d*b + a*e, plus the public d*e at shareholder-a only
	var z data.Vector
	switch kind {
	case types.TripleHadamard:
		z = addVec(trip.c.Values, hadamardVec(dPub, trip.b.Values, e.mod), e.mod)
		z = addVec(z, hadamardVec(trip.a.Values, ePub, e.mod), e.mod)
		if e.role == party.ShareholderA {
			z = addVec(z, hadamardVec(dPub, ePub, e.mod), e.mod)
		}
	case types.TripleMatMul:
		m, k, n := x.Shape[0], x.Shape[1], y.Shape[1]
		z = addVec(trip.c.Values, matMulZp(dPub, trip.b.Values, m, k, n, e.mod), e.mod)
		z = addVec(z, matMulZp(trip.a.Values, ePub, m, k, n, e.mod), e.mod)
		if e.role == party.ShareholderA {
			z = addVec(z, matMulZp(dPub, ePub, m, k, n, e.mod), e.mod)
		}
	default:
		return nil, xerrors.Errorf("unknown triple kind %s", kind)
	}

	log.Debug().Msgf("%s: beaver %s done (%s %vx%v)", e.role, opID, kind, x.Shape, y.Shape)
	return e.derived(opID, outShape, z), nil
}

// Truncate rescales a share by 2^precision after a fixed-point product.
// Local: one party floors its share, the other floors the complement. The
// reconstructed value is off by at most one least-significant unit.
func (e *Evaluator) Truncate(x *sharing.TensorShare) (*sharing.TensorShare, error) {
	if err := e.checkOperand(x); err != nil {
		return nil, err
	}
	opID := e.nextOp("trunc")
	out := make(data.Vector, len(x.Values))
	if e.role == party.ShareholderA {
		for i, v := range x.Values {
			out[i] = new(big.Int).Rsh(v, e.conf.Precision)
		}
	} else {
		for i, v := range x.Values {
			t := new(big.Int).Sub(e.mod, v)
			t.Rsh(t, e.conf.Precision)
			t.Sub(e.mod, t)
			out[i] = t.Mod(t, e.mod)
		}
	}
	return e.derived(opID, x.Shape, out), nil
}

// Sign returns additive shares of the per-element sign bits: 1 when the
// signed value is non-negative, 0 otherwise. Shareholder-a samples positive
// masks and ships them sealed to shareholder-b; both send masked shares to
// the crypto provider, which sees only the blinded products and returns
// fresh bit shares. Fixed three rounds.
func (e *Evaluator) Sign(ctx context.Context, x *sharing.TensorShare) (*sharing.TensorShare, error) {
	if err := e.checkOperand(x); err != nil {
		return nil, err
	}
	opID := e.nextOp("sign")
	n := len(x.Values)

	var masks data.Vector
	if e.role == party.ShareholderA {
		drawn, err := data.NewRandomVector(n, sample.NewUniform(e.maskTop))
		if err != nil {
			return nil, xerrors.Errorf("failed to sample masks for %s: %v", opID, err)
		}
		masks = make(data.Vector, n)
		for i, v := range drawn {
			masks[i] = new(big.Int).Add(v, big.NewInt(1))
		}
		maskMsg := types.MaskMessage{OpID: opID, R: strVec(masks), Modulus: e.mod.String()}
		if err := e.msgr.SendSealed(e.peer, maskMsg); err != nil {
			return nil, xerrors.Errorf("failed to send masks for %s: %v", opID, err)
		}
	} else {
		mv, err := e.await(ctx, e.exch.masks, opID, nil)
		if err != nil {
			return nil, err
		}
		masks = mv.(data.Vector)
		if len(masks) != n {
			return nil, xerrors.Errorf("got %d masks for %d elements in %s", len(masks), n, opID)
		}
	}

	masked := &sharing.TensorShare{
		SecretID: opID + "/m",
		Owner:    e.role,
		Tag:      opID + "/m",
		Shape:    append([]int(nil), x.Shape...),
		Modulus:  e.mod,
		Values:   hadamardVec(x.Values, masks, e.mod),
	}
	req := types.SignRequestMessage{OpID: opID, From: string(e.role), Masked: sharing.ToWire(masked)}
	if err := e.msgr.SendSealed(e.provider, req); err != nil {
		return nil, xerrors.Errorf("failed to send sign request %s: %v", opID, err)
	}

	bv, err := e.await(ctx, e.exch.bits, opID, func() error {
		return e.msgr.SendSealed(e.provider, req)
	})
	if err != nil {
		return nil, err
	}
	bits := bv.(*sharing.TensorShare)
	if bits.Owner != e.role || len(bits.Values) != n {
		return nil, xerrors.Errorf("sign bits %s do not fit the operand", opID)
	}
	return bits, nil
}

// ReLU returns element-wise max(x, 0): the sign bits select x or zero. The
// bits carry no fractional scale, so no rescale follows the product.
func (e *Evaluator) ReLU(ctx context.Context, x *sharing.TensorShare) (*sharing.TensorShare, error) {
	bits, err := e.Sign(ctx, x)
	if err != nil {
		return nil, err
	}
	return e.Mul(ctx, bits, x)
}

// Select returns y + b*(x-y) element-wise: x where the bit is 1, y where it
// is 0.
func (e *Evaluator) Select(ctx context.Context, b, x, y *sharing.TensorShare) (*sharing.TensorShare, error) {
	d, err := e.Sub(x, y)
	if err != nil {
		return nil, err
	}
	bd, err := e.Mul(ctx, b, d)
	if err != nil {
		return nil, err
	}
	return e.Add(y, bd)
}

// Argmax returns integer-scale shares of the row-wise argmax of a
// (rows, classes) score tensor. The scan keeps the running maximum on ties,
// so the index revealed after reconstruction is the lowest maximising one.
func (e *Evaluator) Argmax(ctx context.Context, scores *sharing.TensorShare) (*sharing.TensorShare, error) {
	if err := e.checkOperand(scores); err != nil {
		return nil, err
	}
	if len(scores.Shape) != 2 || scores.Shape[1] < 1 {
		return nil, xerrors.Errorf("argmax needs a (rows, classes) tensor, got %v", scores.Shape)
	}
	rows, classes := scores.Shape[0], scores.Shape[1]

	maxVal, err := e.Column(scores, 0)
	if err != nil {
		return nil, err
	}
	maxIdx, err := e.Constant(zeroVec(rows), []int{rows})
	if err != nil {
		return nil, err
	}

	for j := 1; j < classes; j++ {
		col, err := e.Column(scores, j)
		if err != nil {
			return nil, err
		}
		d, err := e.Sub(maxVal, col)
		if err != nil {
			return nil, err
		}
		// b = 1 iff the running maximum is still at least this class
		b, err := e.Sign(ctx, d)
		if err != nil {
			return nil, err
		}
		bd, err := e.Mul(ctx, b, d)
		if err != nil {
			return nil, err
		}
		maxVal, err = e.Add(col, bd)
		if err != nil {
			return nil, err
		}

		// maxIdx = j + b*(maxIdx - j)
		shifted, err := e.AddPlain(maxIdx, constVec(int64(-j), rows))
		if err != nil {
			return nil, err
		}
		bIdx, err := e.Mul(ctx, b, shifted)
		if err != nil {
			return nil, err
		}
		maxIdx, err = e.AddPlain(bIdx, constVec(int64(j), rows))
		if err != nil {
			return nil, err
		}
	}

	return maxIdx, nil
}

// await blocks on a mailbox slot, re-driving the round with resend after a
// timeout until the configured retries are exhausted.
func (e *Evaluator) await(ctx context.Context, box *mailbox, key string, resend func() error) (interface{}, error) {
	var lastErr error
	for attempt := 0; attempt <= e.conf.Retries; attempt++ {
		if attempt > 0 {
			log.Info().Msgf("%s: retrying %s (attempt %d)", e.role, key, attempt+1)
			if resend != nil {
				if err := resend(); err != nil {
					return nil, xerrors.Errorf("failed to re-drive %s: %v", key, err)
				}
			}
		}
		v, err := box.await(ctx, key, e.timeout())
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	return nil, xerrors.Errorf("op %s: %v: %w", key, lastErr, ErrProtocolAbort)
}

func (e *Evaluator) timeout() time.Duration {
	if e.conf.Timeout > 0 {
		return e.conf.Timeout
	}
	return party.DefaultTimeout
}

func shapeEq(a, b []int) bool {
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

func strVec(v data.Vector) []string {
	out := make([]string, len(v))
	for i, x := range v {
		out[i] = x.String()
	}
	return out
}

func constVec(k int64, n int) data.Vector {
	out := make(data.Vector, n)
	for i := range out {
		out[i] = big.NewInt(k)
	}
	return out
}

func parseResidues(vals []string, mod *big.Int) (data.Vector, error) {
	out := make(data.Vector, len(vals))
	for i, s := range vals {
		v, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, xerrors.Errorf("unparseable residue %q", s)
		}
		if v.Sign() < 0 || v.Cmp(mod) >= 0 {
			return nil, xerrors.Errorf("residue %s out of field range", s)
		}
		out[i] = v
	}
	return out, nil
}
