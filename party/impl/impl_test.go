package impl

import (
	"context"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/privstack/pateagg/party"
	"github.com/privstack/pateagg/party/impl/inference"
	"github.com/privstack/pateagg/transport"
	"github.com/privstack/pateagg/transport/channel"
	"github.com/privstack/pateagg/types"
	"github.com/stretchr/testify/require"
)

// 2^61 - 1
var e2eModulus, _ = new(big.Int).SetString("2305843009213693951", 10)

const (
	e2ePrecision = 16
	e2eMaskBits  = 20
	e2eClasses   = 3
	e2eSeed      = uint64(42)
)

type run struct {
	parties  *party.Registry
	student  *Student
	agg      *Aggregator
	holders  []*Shareholder
	teachers []*Teacher
	nodes    []Node
}

// newRun wires a full in-process deployment: one student, two shareholders,
// one aggregator and one teacher per model, all over the channel transport.
func newRun(t *testing.T, models []*inference.Model, timeout time.Duration) *run {
	traf := channel.NewTransport()
	parties := party.NewRegistry()

	roles := []party.Role{party.Student, party.ShareholderA, party.ShareholderB, party.Aggregator}
	for i := range models {
		roles = append(roles, party.TeacherRole(i))
	}

	sockets := make(map[party.Role]transport.ClosableSocket)
	privs := make(map[party.Role]*party.PrivateIdentity)
	for _, role := range roles {
		sock, err := traf.CreateSocket("")
		require.NoError(t, err)
		priv, err := party.NewPrivateIdentity(role)
		require.NoError(t, err)
		require.NoError(t, parties.Register(priv.Public(sock.GetAddress())))
		sockets[role] = sock
		privs[role] = priv
	}

	conf := func(role party.Role) party.Configuration {
		c := party.Configuration{
			Role:            role,
			Socket:          sockets[role],
			MessageRegistry: types.NewMessageRegistry(),
			Parties:         parties,
			Identity:        privs[role],
			NumTeachers:     len(models),
			Modulus:         e2eModulus,
			Precision:       e2ePrecision,
			NumClasses:      e2eClasses,
			BatchSize:       8,
			MaskBits:        e2eMaskBits,
			Timeout:         timeout,
			Retries:         1,
		}
		if role == party.Aggregator {
			seed := e2eSeed
			c.NoiseSeed = &seed
		}
		return c
	}

	r := &run{parties: parties}

	var err error
	r.student, err = NewStudent(conf(party.Student))
	require.NoError(t, err)
	for _, role := range party.Shareholders() {
		holder, err := NewShareholder(conf(role))
		require.NoError(t, err)
		r.holders = append(r.holders, holder)
	}
	r.agg, err = NewAggregator(conf(party.Aggregator))
	require.NoError(t, err)
	for i, model := range models {
		teacher, err := NewTeacher(conf(party.TeacherRole(i)), model)
		require.NoError(t, err)
		r.teachers = append(r.teachers, teacher)
	}

	r.nodes = []Node{r.student, r.holders[0], r.holders[1], r.agg}
	for _, teacher := range r.teachers {
		r.nodes = append(r.nodes, teacher)
	}
	for _, n := range r.nodes {
		require.NoError(t, n.Start())
	}
	t.Cleanup(func() {
		for _, n := range r.nodes {
			require.NoError(t, n.Stop())
		}
	})
	return r
}

func e2eModel(t *testing.T, id string, params map[string]inference.Param) *inference.Model {
	m, err := inference.NewModel(id, params)
	require.NoError(t, err)
	return m
}

// e2eEnsemble builds three small distinct models over 3 features and 3
// classes. The first one has a hidden layer, so the run exercises the full
// truncation and comparison machinery.
func e2eEnsemble(t *testing.T) []*inference.Model {
	m0 := e2eModel(t, "m0", map[string]inference.Param{
		"fc1.weight": {Shape: []int{4, 3}, Values: []float64{
			1, 0, 0,
			0, 1, 0,
			0, 0, 1,
			0.5, 0.5, 0.5,
		}},
		"fc1.bias": {Shape: []int{4}, Values: []float64{0, 0, 0, 0.25}},
		"fc2.weight": {Shape: []int{3, 4}, Values: []float64{
			1, 0, 0, 0.25,
			0, 1, 0, 0.25,
			0, 0, 1, 0.25,
		}},
		"fc2.bias": {Shape: []int{3}, Values: []float64{0.125, 0, 0}},
	})
	m1 := e2eModel(t, "m1", map[string]inference.Param{
		"fc1.weight": {Shape: []int{3, 3}, Values: []float64{
			1, 0, 0,
			0, 1, 0,
			0, 0, 1,
		}},
		"fc1.bias": {Shape: []int{3}, Values: []float64{0, 0.25, 0}},
	})
	m2 := e2eModel(t, "m2", map[string]inference.Param{
		"fc1.weight": {Shape: []int{3, 3}, Values: []float64{
			0, 0, 1,
			0, 1, 0,
			1, 0, 0,
		}},
		"fc1.bias": {Shape: []int{3}, Values: []float64{0, 0, 0}},
	})
	return []*inference.Model{m0, m1, m2}
}

// ensembleLabels computes the noiseless majority vote of the plaintext
// models, ties going to the lowest class.
func ensembleLabels(t *testing.T, models []*inference.Model, inputs [][]float64) []int {
	counts := make([][]int, len(inputs))
	for i := range counts {
		counts[i] = make([]int, e2eClasses)
	}
	for _, m := range models {
		labels, err := m.Predict(inputs)
		require.NoError(t, err)
		for r, l := range labels {
			counts[r][l]++
		}
	}

	out := make([]int, len(inputs))
	for r, row := range counts {
		best := 0
		for c := 1; c < e2eClasses; c++ {
			if row[c] > row[best] {
				best = c
			}
		}
		out[r] = best
	}
	return out
}

// The whole pipeline over the wire: model dealing, batch submission, the
// shared forward pass, vote aggregation and label delivery. At epsilon 100
// the noise cannot flip a vote gap of one, so the result must equal the
// plaintext ensemble.
func Test_Impl_EndToEnd_Labeling(t *testing.T) {
	r := newRun(t, e2eEnsemble(t), time.Second*2)

	inputs := [][]float64{
		{2, -1, 0.5},
		{-0.5, 1.5, 1},
	}
	expected := ensembleLabels(t, e2eEnsemble(t), inputs)

	require.NoError(t, r.student.SubmitBatch("batch-1", 0, inputs, 100))

	ctx := context.Background()
	res, err := r.student.AwaitResult(ctx, "batch-1", time.Second*20)
	require.NoError(t, err)

	require.Equal(t, "batch-1", res.BatchID)
	require.Equal(t, 0, res.BatchIndex)
	require.Equal(t, float64(100), res.Epsilon)
	require.Equal(t, expected, res.Labels)

	require.Equal(t, float64(100), r.agg.Budget().Spent())
	require.Len(t, r.agg.Budget().Entries(), 1)
}

func Test_Impl_EndToEnd_TwoBatches(t *testing.T) {
	r := newRun(t, e2eEnsemble(t), time.Second*2)
	ref := e2eEnsemble(t)

	batches := [][][]float64{
		{{1, 0, 0}, {0, 0, 1}, {0.25, 0.75, -0.5}},
		{{-1, 2, 0.5}},
	}
	eps := []float64{50, 25}

	ctx := context.Background()
	for i, inputs := range batches {
		id := "batch-" + string(rune('a'+i))
		require.NoError(t, r.student.SubmitBatch(id, i, inputs, eps[i]))

		res, err := r.student.AwaitResult(ctx, id, time.Second*20)
		require.NoError(t, err)
		require.Equal(t, i, res.BatchIndex)
		require.Equal(t, ensembleLabels(t, ref, inputs), res.Labels)
	}

	require.Equal(t, float64(75), r.agg.Budget().Spent())
	require.Len(t, r.agg.Budget().Entries(), 2)
}

// A batch whose feature width no model accepts must die quietly: the student
// times out, nothing wedges, and the next well-formed batch still completes.
func Test_Impl_EndToEnd_GapThenRecovery(t *testing.T) {
	r := newRun(t, e2eEnsemble(t), time.Millisecond*300)

	bad := [][]float64{{1, 2, 3, 4}}
	require.NoError(t, r.student.SubmitBatch("bad", 0, bad, 10))

	ctx := context.Background()
	_, err := r.student.AwaitResult(ctx, "bad", time.Second*2)
	require.Error(t, err)
	require.Zero(t, r.agg.Budget().Spent())

	good := [][]float64{{1, 0, 0}}
	require.NoError(t, r.student.SubmitBatch("good", 1, good, 10))

	res, err := r.student.AwaitResult(ctx, "good", time.Second*20)
	require.NoError(t, err)
	require.Equal(t, ensembleLabels(t, e2eEnsemble(t), good), res.Labels)
	require.Equal(t, float64(10), r.agg.Budget().Spent())
}

func Test_Impl_Student_SubmitValidation(t *testing.T) {
	models := e2eEnsemble(t)
	r := newRun(t, models, time.Second)

	inputs := [][]float64{{1, 2, 3}}

	require.Error(t, r.student.SubmitBatch("", 0, inputs, 1))
	require.Error(t, r.student.SubmitBatch("b", 0, nil, 1))
	require.Error(t, r.student.SubmitBatch("b", 0, inputs, 0))
	require.Error(t, r.student.SubmitBatch("b", 0, inputs, -2))
	require.Error(t, r.student.SubmitBatch("b", 0, inputs, math.NaN()))
	require.Error(t, r.student.SubmitBatch("b", 0, inputs, math.Inf(1)))
	require.Error(t, r.student.SubmitBatch("b", 0, [][]float64{{1, 2}, {1}}, 1))

	oversize := make([][]float64, 9)
	for i := range oversize {
		oversize[i] = []float64{1, 2, 3}
	}
	require.Error(t, r.student.SubmitBatch("b", 0, oversize, 1))

	_, err := r.student.AwaitResult(context.Background(), "never-submitted", time.Millisecond*10)
	require.Error(t, err)

	require.NoError(t, r.student.SubmitBatch("dup", 0, inputs, 5))
	err = r.student.SubmitBatch("dup", 0, inputs, 5)
	require.Error(t, err)
	require.Contains(t, err.Error(), "already submitted")
}

func Test_Impl_Role_Constructors(t *testing.T) {
	traf := channel.NewTransport()
	parties := party.NewRegistry()

	conf := func(role party.Role) party.Configuration {
		sock, err := traf.CreateSocket("")
		require.NoError(t, err)
		priv, err := party.NewPrivateIdentity(role)
		require.NoError(t, err)
		if _, ok := parties.Identity(role); !ok {
			require.NoError(t, parties.Register(priv.Public(sock.GetAddress())))
		}
		return party.Configuration{
			Role:            role,
			Socket:          sock,
			MessageRegistry: types.NewMessageRegistry(),
			Parties:         parties,
			Identity:        priv,
			NumTeachers:     1,
			Modulus:         e2eModulus,
			Precision:       e2ePrecision,
			NumClasses:      e2eClasses,
			BatchSize:       4,
			MaskBits:        e2eMaskBits,
			Timeout:         time.Second,
			Retries:         0,
		}
	}

	_, err := NewStudent(conf(party.Aggregator))
	require.ErrorIs(t, err, party.ErrUnauthorizedRole)
	_, err = NewShareholder(conf(party.Student))
	require.ErrorIs(t, err, party.ErrUnauthorizedRole)
	_, err = NewAggregator(conf(party.TeacherRole(0)))
	require.ErrorIs(t, err, party.ErrUnauthorizedRole)
	_, err = NewTeacher(conf(party.ShareholderA), nil)
	require.ErrorIs(t, err, party.ErrUnauthorizedRole)

	binary := e2eModel(t, "binary", map[string]inference.Param{
		"fc1.weight": {Shape: []int{2, 3}, Values: []float64{1, 0, 0, 0, 1, 0}},
		"fc1.bias":   {Shape: []int{2}, Values: []float64{0, 0}},
	})
	_, err = NewTeacher(conf(party.TeacherRole(0)), binary)
	require.Error(t, err)
	require.Contains(t, err.Error(), "classes")
}

func Test_Impl_Seal_Roundtrip(t *testing.T) {
	alice, err := party.NewPrivateIdentity(party.ShareholderA)
	require.NoError(t, err)
	bob, err := party.NewPrivateIdentity(party.ShareholderB)
	require.NoError(t, err)

	msg := transport.Message{Type: "mask", Payload: []byte(`{"OpID":"x","R":["7"],"Modulus":"11"}`)}

	sealed, err := seal(&alice.SealKey.PublicKey, &msg)
	require.NoError(t, err)
	require.NotContains(t, string(sealed.Ciphertext), "OpID")

	opened, err := openSealed(alice.SealKey, sealed)
	require.NoError(t, err)
	require.Equal(t, msg, *opened)

	_, err = openSealed(bob.SealKey, sealed)
	require.Error(t, err)

	sealed.Ciphertext[0] ^= 0xff
	_, err = openSealed(alice.SealKey, sealed)
	require.Error(t, err)
}

// An envelope whose claimed origin does not match the signing key must be
// dropped before the inner message is dispatched.
func Test_Impl_Envelope_RejectsForgery(t *testing.T) {
	models := e2eEnsemble(t)[:1]
	r := newRun(t, models, time.Second)

	reg := types.NewMessageRegistry()
	inner, err := reg.MarshalMessage(types.BatchInfoMessage{BatchID: "forged", Rows: 1, Epsilon: 1})
	require.NoError(t, err)

	// signed by the shareholder, claiming to be the student
	forger, _ := party.NewPrivateIdentity(party.ShareholderA)
	sig, err := forger.SignDigest(envelopeDigest(string(party.Student), &inner))
	require.NoError(t, err)
	env := types.SignedEnvelope{Origin: string(party.Student), Msg: &inner, Signature: sig}

	header := transport.NewHeader("inproc:evil", r.agg.conf.Socket.GetAddress())
	err = r.agg.processEnvelope(&env, transport.Packet{Header: &header})
	require.Error(t, err)

	// a properly signed envelope from a role without the right grant is
	// also refused, at the handler
	holder := r.holders[0].conf.Identity
	sig, err = holder.SignDigest(envelopeDigest(string(party.ShareholderA), &inner))
	require.NoError(t, err)
	env = types.SignedEnvelope{Origin: string(party.ShareholderA), Msg: &inner, Signature: sig}
	err = r.agg.processEnvelope(&env, transport.Packet{Header: &header})
	require.ErrorIs(t, err, party.ErrUnauthorizedRole)
}
