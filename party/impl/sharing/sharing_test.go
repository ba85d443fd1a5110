package sharing

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/fentec-project/gofe/data"
	"github.com/fentec-project/gofe/sample"
	"github.com/montanaflynn/stats"
	"github.com/privstack/pateagg/party"
	"github.com/stretchr/testify/require"
)

var testModulus, _ = new(big.Int).SetString("2305843009213693951", 10) // 2^61 - 1

func randomVector(t *testing.T, n int) data.Vector {
	t.Helper()
	vec, err := data.NewRandomVector(n, sample.NewUniform(testModulus))
	require.NoError(t, err)
	return vec
}

func Test_Sharing_Split_Reconstruct(t *testing.T) {
	holders := party.Shareholders()
	secret := randomVector(t, 12)

	shares, err := Split(secret, []int{3, 4}, "input", holders, testModulus)
	require.NoError(t, err)
	require.Len(t, shares, 2)
	require.Equal(t, shares[0].SecretID, shares[1].SecretID)
	require.Equal(t, party.ShareholderA, shares[0].Owner)
	require.Equal(t, party.ShareholderB, shares[1].Owner)

	got, err := Reconstruct(shares, holders)
	require.NoError(t, err)
	for i := range secret {
		require.Zero(t, secret[i].Cmp(got[i]), "element %d", i)
	}
}

func Test_Sharing_Split_ThreeHolders(t *testing.T) {
	holders := []party.Role{party.ShareholderA, party.ShareholderB, party.Aggregator}
	secret := randomVector(t, 5)

	shares, err := Split(secret, []int{5}, "wide", holders, testModulus)
	require.NoError(t, err)
	require.Len(t, shares, 3)

	got, err := Reconstruct(shares, holders)
	require.NoError(t, err)
	for i := range secret {
		require.Zero(t, secret[i].Cmp(got[i]))
	}
}

func Test_Sharing_Split_Rejects_Bad_Input(t *testing.T) {
	holders := party.Shareholders()

	_, err := Split(randomVector(t, 4), []int{5}, "t", holders, testModulus)
	require.Error(t, err)

	_, err = Split(randomVector(t, 4), []int{4}, "t", holders[:1], testModulus)
	require.Error(t, err)

	_, err = Split(data.Vector{big.NewInt(-1)}, []int{1}, "t", holders, testModulus)
	require.Error(t, err)

	_, err = Split(data.Vector{new(big.Int).Set(testModulus)}, []int{1}, "t", holders, testModulus)
	require.Error(t, err)
}

// A single share of a constant secret must look uniform over the field.
func Test_Sharing_Share_Uniformity(t *testing.T) {
	holders := party.Shareholders()
	secret := data.Vector{big.NewInt(42)}
	modFloat := new(big.Float).SetInt(testModulus)

	const n = 2000
	ratiosA := make([]float64, 0, n)
	ratiosB := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		shares, err := Split(secret, []int{1}, "c", holders, testModulus)
		require.NoError(t, err)

		ra, _ := new(big.Float).Quo(new(big.Float).SetInt(shares[0].Values[0]), modFloat).Float64()
		rb, _ := new(big.Float).Quo(new(big.Float).SetInt(shares[1].Values[0]), modFloat).Float64()
		ratiosA = append(ratiosA, ra)
		ratiosB = append(ratiosB, rb)
	}

	for _, ratios := range [][]float64{ratiosA, ratiosB} {
		mean, err := stats.Mean(ratios)
		require.NoError(t, err)
		require.InDelta(t, 0.5, mean, 0.05)

		sd, err := stats.StandardDeviation(ratios)
		require.NoError(t, err)
		require.InDelta(t, 0.28867, sd, 0.03)
	}
}

// Adding shares locally and reconstructing must equal the sum of the secrets.
func Test_Sharing_Additive_Homomorphism(t *testing.T) {
	holders := party.Shareholders()
	x := randomVector(t, 6)
	y := randomVector(t, 6)

	xs, err := Split(x, []int{6}, "x", holders, testModulus)
	require.NoError(t, err)
	ys, err := Split(y, []int{6}, "y", holders, testModulus)
	require.NoError(t, err)

	sum := make([]*TensorShare, 2)
	for h := 0; h < 2; h++ {
		values := make(data.Vector, 6)
		for i := 0; i < 6; i++ {
			v := new(big.Int).Add(xs[h].Values[i], ys[h].Values[i])
			values[i] = v.Mod(v, testModulus)
		}
		sum[h] = &TensorShare{
			SecretID: xs[h].SecretID,
			Owner:    xs[h].Owner,
			Tag:      "x+y",
			Shape:    []int{6},
			Modulus:  testModulus,
			Values:   values,
		}
	}

	got, err := Reconstruct(sum, holders)
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		want := new(big.Int).Add(x[i], y[i])
		want.Mod(want, testModulus)
		require.Zero(t, want.Cmp(got[i]))
	}
}

func Test_Sharing_Reconstruct_Incomplete(t *testing.T) {
	holders := party.Shareholders()
	shares, err := Split(randomVector(t, 3), []int{3}, "t", holders, testModulus)
	require.NoError(t, err)

	_, err = Reconstruct(shares[:1], holders)
	require.True(t, errors.Is(err, ErrIncompleteShares))

	_, err = Reconstruct([]*TensorShare{shares[0], shares[0]}, holders)
	require.True(t, errors.Is(err, ErrIncompleteShares))

	stranger := shares[1].Copy()
	stranger.Owner = party.Student
	_, err = Reconstruct([]*TensorShare{shares[0], stranger}, holders)
	require.True(t, errors.Is(err, ErrIncompleteShares))
}

func Test_Sharing_Reconstruct_Identifier_Mismatch(t *testing.T) {
	holders := party.Shareholders()
	first, err := Split(randomVector(t, 3), []int{3}, "t", holders, testModulus)
	require.NoError(t, err)
	second, err := Split(randomVector(t, 3), []int{3}, "t", holders, testModulus)
	require.NoError(t, err)

	_, err = Reconstruct([]*TensorShare{first[0], second[1]}, holders)
	require.True(t, errors.Is(err, ErrIdentifierMismatch))

	alien := first[1].Copy()
	alien.Modulus = big.NewInt(1000003)
	_, err = Reconstruct([]*TensorShare{first[0], alien}, holders)
	require.True(t, errors.Is(err, ErrIdentifierMismatch))
}

func Test_Sharing_Wire_RoundTrip(t *testing.T) {
	holders := party.Shareholders()
	shares, err := Split(randomVector(t, 4), []int{2, 2}, "model/0/w", holders, testModulus)
	require.NoError(t, err)

	wire := ToWire(shares[0])
	require.Equal(t, shares[0].SecretID, wire.SecretID)
	require.Equal(t, string(party.ShareholderA), wire.Owner)
	require.Equal(t, testModulus.String(), wire.Modulus)

	back, err := FromWire(wire, testModulus)
	require.NoError(t, err)
	require.Equal(t, shares[0].SecretID, back.SecretID)
	require.Equal(t, shares[0].Owner, back.Owner)
	require.Equal(t, shares[0].Shape, back.Shape)
	for i := range shares[0].Values {
		require.Zero(t, shares[0].Values[i].Cmp(back.Values[i]))
	}
}

func Test_Sharing_Wire_Modulus_Mismatch(t *testing.T) {
	holders := party.Shareholders()
	shares, err := Split(randomVector(t, 2), []int{2}, "t", holders, testModulus)
	require.NoError(t, err)

	wire := ToWire(shares[0])
	_, err = FromWire(wire, big.NewInt(1000003))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrIdentifierMismatch))

	garbage := wire
	garbage.Modulus = "not-a-number"
	_, err = FromWire(garbage, testModulus)
	require.Error(t, err)

	outOfField := ToWire(shares[0])
	outOfField.Values[0] = testModulus.String()
	_, err = FromWire(outOfField, testModulus)
	require.Error(t, err)
}

func Test_Sharing_Store(t *testing.T) {
	store := NewStore(party.ShareholderA)
	shares, err := Split(randomVector(t, 2), []int{2}, "batch/b1/input", party.Shareholders(), testModulus)
	require.NoError(t, err)

	// wrong owner is rejected
	require.Error(t, store.Put(shares[1]))

	require.NoError(t, store.Put(shares[0]))
	got, ok := store.Get("batch/b1/input")
	require.True(t, ok)
	require.Equal(t, shares[0].SecretID, got.SecretID)

	_, ok = store.Get("batch/b1/other")
	require.False(t, ok)
}

func Test_Sharing_Store_Await(t *testing.T) {
	store := NewStore(party.ShareholderB)
	shares, err := Split(randomVector(t, 2), []int{2}, "batch/b2/input", party.Shareholders(), testModulus)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		store.Put(shares[1])
	}()

	got, err := store.Await(context.Background(), "batch/b2/input", time.Second)
	require.NoError(t, err)
	require.Equal(t, shares[1].SecretID, got.SecretID)

	// timeout surfaces as missing shares
	_, err = store.Await(context.Background(), "batch/never", 50*time.Millisecond)
	require.True(t, errors.Is(err, ErrIncompleteShares))

	// cancellation wins over the timeout
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.Await(ctx, "batch/never", time.Second)
	require.ErrorIs(t, err, context.Canceled)
}

func Test_Sharing_Store_DropPrefix(t *testing.T) {
	store := NewStore(party.ShareholderA)
	for _, tag := range []string{"batch/b1/input", "batch/b1/vote/0", "batch/b2/input"} {
		shares, err := Split(randomVector(t, 1), []int{1}, tag, party.Shareholders(), testModulus)
		require.NoError(t, err)
		require.NoError(t, store.Put(shares[0]))
	}

	require.Equal(t, 3, store.Len())
	require.Equal(t, 2, store.DropPrefix("batch/b1/"))
	require.Equal(t, 1, store.Len())

	_, ok := store.Get("batch/b2/input")
	require.True(t, ok)
}
