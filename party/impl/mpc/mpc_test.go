package mpc

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/fentec-project/gofe/data"
	"github.com/privstack/pateagg/fixpoint"
	"github.com/privstack/pateagg/party"
	"github.com/privstack/pateagg/party/impl/sharing"
	"github.com/privstack/pateagg/types"
	"github.com/stretchr/testify/require"
)

var testModulus, _ = new(big.Int).SetString("2305843009213693951", 10) // 2^61 - 1

const testPrecision = 16

// testNet delivers protocol messages in-process, invoking the recipient's
// handlers from a fresh goroutine the way the receive daemon would. Handler
// errors surface as timeouts at the awaiting party.
type testNet struct {
	mu    sync.Mutex
	exchs map[party.Role]*Exchange
	prov  *Provider
	drops map[string]int
}

func newTestNet() *testNet {
	return &testNet{
		exchs: make(map[party.Role]*Exchange),
		drops: make(map[string]int),
	}
}

// dropOnce swallows the next delivery of the named message to the role.
func (n *testNet) dropOnce(to party.Role, name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drops[string(to)+"|"+name]++
}

func (n *testNet) dropped(to party.Role, name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	key := string(to) + "|" + name
	if n.drops[key] > 0 {
		n.drops[key]--
		return true
	}
	return false
}

func (n *testNet) deliver(to party.Role, msg types.Message) error {
	if n.dropped(to, msg.Name()) {
		return nil
	}
	go func() {
		switch m := msg.(type) {
		case types.TripleRequestMessage:
			_ = n.prov.HandleTripleRequest(&m)
		case types.SignRequestMessage:
			_ = n.prov.HandleSignRequest(&m)
		case types.TripleShareMessage:
			_ = n.exchs[to].DepositTriple(&m)
		case types.OpenMessage:
			_ = n.exchs[to].DepositOpen(&m)
		case types.MaskMessage:
			_ = n.exchs[to].DepositMask(&m)
		case types.SignBitMessage:
			_ = n.exchs[to].DepositSignBits(&m)
		}
	}()
	return nil
}

type testMessenger struct {
	net  *testNet
	from party.Role
}

func (m *testMessenger) Send(to party.Role, msg types.Message) error {
	return m.net.deliver(to, msg)
}

func (m *testMessenger) SendSealed(to party.Role, msg types.Message) error {
	return m.net.deliver(to, msg)
}

func testRegistry(t *testing.T) *party.Registry {
	reg := party.NewRegistry()
	for _, role := range []party.Role{party.ShareholderA, party.ShareholderB, party.Aggregator} {
		require.NoError(t, reg.Register(&party.Identity{Role: role, Address: string(role)}))
	}
	return reg
}

func testConf(t *testing.T, role party.Role, reg *party.Registry) *party.Configuration {
	conf := &party.Configuration{
		Role:        role,
		Parties:     reg,
		NumTeachers: 1,
		Modulus:     testModulus,
		Precision:   testPrecision,
		NumClasses:  4,
		BatchSize:   2,
		MaskBits:    20,
		Timeout:     500 * time.Millisecond,
		Retries:     1,
	}
	require.NoError(t, conf.Validate())
	return conf
}

func newTestSetup(t *testing.T) (*testNet, *party.Configuration, *party.Configuration) {
	reg := testRegistry(t)
	confA := testConf(t, party.ShareholderA, reg)
	confB := testConf(t, party.ShareholderB, reg)

	net := newTestNet()
	net.exchs[party.ShareholderA] = NewExchange(testModulus)
	net.exchs[party.ShareholderB] = NewExchange(testModulus)

	prov, err := NewProvider(testConf(t, party.Aggregator, reg), &testMessenger{net: net, from: party.Aggregator})
	require.NoError(t, err)
	net.prov = prov

	return net, confA, confB
}

func testCodec(t *testing.T) *fixpoint.Codec {
	c, err := fixpoint.NewCodec(testModulus, testPrecision)
	require.NoError(t, err)
	return c
}

// encodeSplit fixed-point encodes the values and shares them between the two
// shareholders, index 0 for shareholder-a.
func encodeSplit(t *testing.T, c *fixpoint.Codec, vals []float64, shape []int, tag string) []*sharing.TensorShare {
	enc, err := c.EncodeVector(vals)
	require.NoError(t, err)
	shares, err := sharing.Split(enc, shape, tag, party.Shareholders(), testModulus)
	require.NoError(t, err)
	return shares
}

// intSplit shares signed integers at unit scale.
func intSplit(t *testing.T, vals []int64, shape []int, tag string) []*sharing.TensorShare {
	vec := make(data.Vector, len(vals))
	for i, v := range vals {
		vec[i] = new(big.Int).Mod(big.NewInt(v), testModulus)
	}
	shares, err := sharing.Split(vec, shape, tag, party.Shareholders(), testModulus)
	require.NoError(t, err)
	return shares
}

func openFloat(t *testing.T, c *fixpoint.Codec, shares []*sharing.TensorShare) []float64 {
	vec, err := sharing.Reconstruct(shares, party.Shareholders())
	require.NoError(t, err)
	return c.DecodeVector(vec)
}

func openSigned(t *testing.T, shares []*sharing.TensorShare) []int64 {
	vec, err := sharing.Reconstruct(shares, party.Shareholders())
	require.NoError(t, err)
	out := make([]int64, len(vec))
	for i, v := range vec {
		out[i] = fixpoint.ToSigned(v, testModulus).Int64()
	}
	return out
}

type program func(ctx context.Context, ev *Evaluator, in map[string]*sharing.TensorShare) (*sharing.TensorShare, error)

// runProgram executes the same program on both evaluators concurrently and
// returns the result shares, index 0 for shareholder-a.
func runProgram(t *testing.T, net *testNet, confA, confB *party.Configuration, scope string,
	in map[string][]*sharing.TensorShare, prog program) []*sharing.TensorShare {

	evA, err := NewEvaluator(confA, &testMessenger{net: net, from: party.ShareholderA}, net.exchs[party.ShareholderA], scope)
	require.NoError(t, err)
	evB, err := NewEvaluator(confB, &testMessenger{net: net, from: party.ShareholderB}, net.exchs[party.ShareholderB], scope)
	require.NoError(t, err)

	type outcome struct {
		idx   int
		share *sharing.TensorShare
		err   error
	}
	done := make(chan outcome, 2)
	run := func(idx int, ev *Evaluator) {
		sel := make(map[string]*sharing.TensorShare, len(in))
		for name, shares := range in {
			sel[name] = shares[idx]
		}
		s, err := prog(context.Background(), ev, sel)
		done <- outcome{idx: idx, share: s, err: err}
	}
	go run(0, evA)
	go run(1, evB)

	out := make([]*sharing.TensorShare, 2)
	for i := 0; i < 2; i++ {
		o := <-done
		require.NoError(t, o.err)
		out[o.idx] = o.share
	}
	return out
}

func Test_MPC_Local_Linear(t *testing.T) {
	net, confA, confB := newTestSetup(t)

	in := map[string][]*sharing.TensorShare{
		"x": intSplit(t, []int64{10, -4, 0}, []int{3}, "x"),
		"y": intSplit(t, []int64{3, 5, -7}, []int{3}, "y"),
	}

	out := runProgram(t, net, confA, confB, "lin", in, func(ctx context.Context, ev *Evaluator, in map[string]*sharing.TensorShare) (*sharing.TensorShare, error) {
		s, err := ev.Add(in["x"], in["y"])
		if err != nil {
			return nil, err
		}
		s, err = ev.Sub(s, in["y"])
		if err != nil {
			return nil, err
		}
		// x + 2
		s, err = ev.AddPlain(s, data.Vector{big.NewInt(2), big.NewInt(2), big.NewInt(2)})
		if err != nil {
			return nil, err
		}
		// 3*(x + 2)
		return ev.ScalePlain(s, big.NewInt(3))
	})

	require.Equal(t, []int64{36, -6, 6}, openSigned(t, out))
}

func Test_MPC_AddRows(t *testing.T) {
	net, confA, confB := newTestSetup(t)

	in := map[string][]*sharing.TensorShare{
		"x": intSplit(t, []int64{1, 2, 3, 4, 5, 6}, []int{2, 3}, "x"),
		"b": intSplit(t, []int64{10, 20, 30}, []int{3}, "b"),
	}

	out := runProgram(t, net, confA, confB, "rows", in, func(ctx context.Context, ev *Evaluator, in map[string]*sharing.TensorShare) (*sharing.TensorShare, error) {
		return ev.AddRows(in["x"], in["b"])
	})

	require.Equal(t, []int64{11, 22, 33, 14, 25, 36}, openSigned(t, out))
	require.Equal(t, []int{2, 3}, out[0].Shape)
}

func Test_MPC_Mul(t *testing.T) {
	net, confA, confB := newTestSetup(t)

	in := map[string][]*sharing.TensorShare{
		"x": intSplit(t, []int64{3, -4, 0, 7}, []int{4}, "x"),
		"y": intSplit(t, []int64{5, 6, -2, -3}, []int{4}, "y"),
	}

	out := runProgram(t, net, confA, confB, "mul", in, func(ctx context.Context, ev *Evaluator, in map[string]*sharing.TensorShare) (*sharing.TensorShare, error) {
		return ev.Mul(ctx, in["x"], in["y"])
	})

	require.Equal(t, []int64{15, -24, 0, -21}, openSigned(t, out))
}

func Test_MPC_MatMul(t *testing.T) {
	net, confA, confB := newTestSetup(t)

	in := map[string][]*sharing.TensorShare{
		"x": intSplit(t, []int64{1, 2, 3, -4, 5, 0}, []int{2, 3}, "x"),
		"y": intSplit(t, []int64{7, -8, 9, 1, 0, 2}, []int{3, 2}, "y"),
	}

	out := runProgram(t, net, confA, confB, "matmul", in, func(ctx context.Context, ev *Evaluator, in map[string]*sharing.TensorShare) (*sharing.TensorShare, error) {
		return ev.MatMul(ctx, in["x"], in["y"])
	})

	require.Equal(t, []int64{25, 0, 17, 37}, openSigned(t, out))
	require.Equal(t, []int{2, 2}, out[0].Shape)
}

func Test_MPC_Fixpoint_Mul_Truncate(t *testing.T) {
	net, confA, confB := newTestSetup(t)
	codec := testCodec(t)

	xs := []float64{1.5, -2.25, 0.5, -1.0}
	ys := []float64{2.0, 3.0, -8.0, -1.0}
	in := map[string][]*sharing.TensorShare{
		"x": encodeSplit(t, codec, xs, []int{4}, "x"),
		"y": encodeSplit(t, codec, ys, []int{4}, "y"),
	}

	out := runProgram(t, net, confA, confB, "fpmul", in, func(ctx context.Context, ev *Evaluator, in map[string]*sharing.TensorShare) (*sharing.TensorShare, error) {
		z, err := ev.Mul(ctx, in["x"], in["y"])
		if err != nil {
			return nil, err
		}
		return ev.Truncate(z)
	})

	got := openFloat(t, codec, out)
	for i := range xs {
		require.InDelta(t, xs[i]*ys[i], got[i], 1e-3)
	}
}

func Test_MPC_Sign(t *testing.T) {
	net, confA, confB := newTestSetup(t)
	codec := testCodec(t)

	xs := []float64{-3.5, 0, 2.25, -0.001, 7}
	in := map[string][]*sharing.TensorShare{
		"x": encodeSplit(t, codec, xs, []int{5}, "x"),
	}

	out := runProgram(t, net, confA, confB, "sign", in, func(ctx context.Context, ev *Evaluator, in map[string]*sharing.TensorShare) (*sharing.TensorShare, error) {
		return ev.Sign(ctx, in["x"])
	})

	// zero counts as non-negative
	require.Equal(t, []int64{0, 1, 1, 0, 1}, openSigned(t, out))
}

func Test_MPC_ReLU(t *testing.T) {
	net, confA, confB := newTestSetup(t)
	codec := testCodec(t)

	xs := []float64{-3.5, 0, 2.25, -0.001, 7}
	in := map[string][]*sharing.TensorShare{
		"x": encodeSplit(t, codec, xs, []int{5}, "x"),
	}

	out := runProgram(t, net, confA, confB, "relu", in, func(ctx context.Context, ev *Evaluator, in map[string]*sharing.TensorShare) (*sharing.TensorShare, error) {
		return ev.ReLU(ctx, in["x"])
	})

	got := openFloat(t, codec, out)
	want := []float64{0, 0, 2.25, 0, 7}
	for i := range want {
		require.InDelta(t, want[i], got[i], 1e-6)
	}
}

func Test_MPC_Select_Max(t *testing.T) {
	net, confA, confB := newTestSetup(t)
	codec := testCodec(t)

	xs := []float64{5, -2, 1.25}
	ys := []float64{3, 4, 1.25}
	in := map[string][]*sharing.TensorShare{
		"x": encodeSplit(t, codec, xs, []int{3}, "x"),
		"y": encodeSplit(t, codec, ys, []int{3}, "y"),
	}

	out := runProgram(t, net, confA, confB, "max", in, func(ctx context.Context, ev *Evaluator, in map[string]*sharing.TensorShare) (*sharing.TensorShare, error) {
		d, err := ev.Sub(in["x"], in["y"])
		if err != nil {
			return nil, err
		}
		b, err := ev.Sign(ctx, d)
		if err != nil {
			return nil, err
		}
		return ev.Select(ctx, b, in["x"], in["y"])
	})

	got := openFloat(t, codec, out)
	want := []float64{5, 4, 1.25}
	for i := range want {
		require.InDelta(t, want[i], got[i], 1e-6)
	}
}

func Test_MPC_Argmax(t *testing.T) {
	net, confA, confB := newTestSetup(t)
	codec := testCodec(t)

	// row 0 ties classes 1 and 2, row 2 ties everything
	scores := []float64{
		0.5, 2.5, 2.5, 1.0,
		-1, -2, -3, -0.5,
		4, 4, 4, 4,
	}
	in := map[string][]*sharing.TensorShare{
		"s": encodeSplit(t, codec, scores, []int{3, 4}, "s"),
	}

	out := runProgram(t, net, confA, confB, "argmax", in, func(ctx context.Context, ev *Evaluator, in map[string]*sharing.TensorShare) (*sharing.TensorShare, error) {
		return ev.Argmax(ctx, in["s"])
	})

	require.Equal(t, []int64{1, 3, 0}, openSigned(t, out))
}

func Test_MPC_Retry_Redelivery(t *testing.T) {
	net, confA, confB := newTestSetup(t)
	confA.Timeout = 150 * time.Millisecond
	confB.Timeout = 150 * time.Millisecond
	confA.Retries = 2
	confB.Retries = 2

	// lose shareholder-a's first triple half; the re-request must be served
	// the same dealt triple
	net.dropOnce(party.ShareholderA, types.TripleShareMessage{}.Name())

	in := map[string][]*sharing.TensorShare{
		"x": intSplit(t, []int64{6, -3}, []int{2}, "x"),
		"y": intSplit(t, []int64{7, 11}, []int{2}, "y"),
	}

	out := runProgram(t, net, confA, confB, "retry", in, func(ctx context.Context, ev *Evaluator, in map[string]*sharing.TensorShare) (*sharing.TensorShare, error) {
		return ev.Mul(ctx, in["x"], in["y"])
	})

	require.Equal(t, []int64{42, -33}, openSigned(t, out))
}

func Test_MPC_Abort_After_Retries(t *testing.T) {
	net, confA, _ := newTestSetup(t)
	confA.Timeout = 100 * time.Millisecond
	confA.Retries = 1

	evA, err := NewEvaluator(confA, &testMessenger{net: net, from: party.ShareholderA}, net.exchs[party.ShareholderA], "dead")
	require.NoError(t, err)

	// shareholder-b never runs, so the opening cannot complete
	shares := intSplit(t, []int64{1, 2}, []int{2}, "x")
	_, err = evA.Mul(context.Background(), shares[0], shares[0].Copy())
	require.ErrorIs(t, err, ErrProtocolAbort)
}

func Test_MPC_Abort_On_Cancel(t *testing.T) {
	net, confA, _ := newTestSetup(t)
	confA.Timeout = 5 * time.Second

	evA, err := NewEvaluator(confA, &testMessenger{net: net, from: party.ShareholderA}, net.exchs[party.ShareholderA], "cancel")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	shares := intSplit(t, []int64{1}, []int{1}, "x")
	_, err = evA.Mul(ctx, shares[0], shares[0].Copy())
	require.ErrorIs(t, err, context.Canceled)
}

func Test_MPC_Triple_SingleUse(t *testing.T) {
	net, _, _ := newTestSetup(t)

	req := types.TripleRequestMessage{
		OpID:    "once/001-mul",
		From:    string(party.ShareholderA),
		Kind:    types.TripleHadamard,
		LShape:  []int{2},
		RShape:  []int{2},
		Modulus: testModulus.String(),
	}
	require.NoError(t, net.prov.HandleTripleRequest(&req))

	// an identical retry is re-served
	require.NoError(t, net.prov.HandleTripleRequest(&req))

	// reusing the id for different operands is not
	other := req
	other.LShape = []int{3}
	other.RShape = []int{3}
	err := net.prov.HandleTripleRequest(&other)
	require.Error(t, err)
	require.Contains(t, err.Error(), "already consumed")
}

func Test_MPC_Provider_Rejects_Outsiders(t *testing.T) {
	net, _, _ := newTestSetup(t)

	req := types.TripleRequestMessage{
		OpID:    "auth/001-mul",
		From:    string(party.Student),
		Kind:    types.TripleHadamard,
		LShape:  []int{1},
		RShape:  []int{1},
		Modulus: testModulus.String(),
	}
	err := net.prov.HandleTripleRequest(&req)
	require.ErrorIs(t, err, party.ErrUnauthorizedRole)
}

func Test_MPC_Deposit_Rejects_Alien_Modulus(t *testing.T) {
	exch := NewExchange(testModulus)

	err := exch.DepositOpen(&types.OpenMessage{
		OpID: "m/001-mul", From: string(party.ShareholderB),
		D: []string{"1"}, E: []string{"2"}, Modulus: "97",
	})
	require.ErrorIs(t, err, sharing.ErrIdentifierMismatch)

	err = exch.DepositMask(&types.MaskMessage{OpID: "m/002-sign", R: []string{"5"}, Modulus: "97"})
	require.ErrorIs(t, err, sharing.ErrIdentifierMismatch)

	err = exch.DepositTriple(&types.TripleShareMessage{
		OpID: "m/003-mul",
		A:    types.WireShare{SecretID: "s", Owner: string(party.ShareholderA), Tag: "t", Shape: []int{1}, Modulus: "97", Values: []string{"1"}},
	})
	require.ErrorIs(t, err, sharing.ErrIdentifierMismatch)
}

func Test_MPC_Role_Checks(t *testing.T) {
	reg := testRegistry(t)
	net := newTestNet()

	_, err := NewEvaluator(testConf(t, party.Aggregator, reg), &testMessenger{net: net}, NewExchange(testModulus), "x")
	require.ErrorIs(t, err, party.ErrUnauthorizedRole)

	_, err = NewProvider(testConf(t, party.ShareholderA, reg), &testMessenger{net: net})
	require.ErrorIs(t, err, party.ErrUnauthorizedRole)
}

func Test_MPC_Plain_Operand_Range(t *testing.T) {
	net, confA, _ := newTestSetup(t)

	evA, err := NewEvaluator(confA, &testMessenger{net: net, from: party.ShareholderA}, net.exchs[party.ShareholderA], "range")
	require.NoError(t, err)

	shares := intSplit(t, []int64{1}, []int{1}, "x")
	half := new(big.Int).Rsh(new(big.Int).Sub(testModulus, big.NewInt(1)), 1)
	tooBig := new(big.Int).Add(half, big.NewInt(1))

	_, err = evA.AddPlain(shares[0], data.Vector{tooBig})
	require.ErrorIs(t, err, party.ErrModulusOverflow)

	_, err = evA.ScalePlain(shares[0], new(big.Int).Neg(tooBig))
	require.ErrorIs(t, err, party.ErrModulusOverflow)
}
