package aggregate

import (
	"sync"
	"time"

	"golang.org/x/xerrors"
)

// ErrBudgetExhausted is returned when a charge would push the ledger past its
// cap. The disclosure must not happen.
var ErrBudgetExhausted = xerrors.New("privacy budget exhausted")

// Spend is one recorded disclosure.
type Spend struct {
	BatchID string
	Epsilon float64
	Labels  int
	At      time.Time
}

// NewBudget returns a privacy ledger. A zero limit records without capping;
// the cap is the caller's policy, not the engine's.
func NewBudget(limit float64) *Budget {
	return &Budget{limit: limit}
}

// Budget accounts the epsilon consumed by label disclosures. The total only
// ever grows.
type Budget struct {
	sync.Mutex
	limit   float64
	spent   float64
	entries []Spend
}

// Charge records one batch disclosure, refusing it when a cap is set and
// would be exceeded.
func (b *Budget) Charge(batchID string, epsilon float64, labels int) error {
	if epsilon <= 0 {
		return xerrors.Errorf("epsilon must be positive, got %v", epsilon)
	}

	b.Lock()
	defer b.Unlock()
	if b.limit > 0 && b.spent+epsilon > b.limit {
		return xerrors.Errorf("batch %s needs %v on top of %v spent of %v: %w",
			batchID, epsilon, b.spent, b.limit, ErrBudgetExhausted)
	}
	b.spent += epsilon
	b.entries = append(b.entries, Spend{BatchID: batchID, Epsilon: epsilon, Labels: labels, At: time.Now()})
	return nil
}

// Spent returns the total epsilon consumed so far.
func (b *Budget) Spent() float64 {
	b.Lock()
	defer b.Unlock()
	return b.spent
}

// Entries returns a copy of the disclosure ledger in charge order.
func (b *Budget) Entries() []Spend {
	b.Lock()
	defer b.Unlock()
	return append([]Spend(nil), b.entries...)
}
