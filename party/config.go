package party

import (
	"math/big"
	"time"

	"github.com/privstack/pateagg/transport"
	"github.com/privstack/pateagg/types"
	"golang.org/x/xerrors"
)

// ErrModulusOverflow is returned when an intermediate value would exceed the
// modulus capacity. Predictable violations are rejected at configuration
// validation; the secure ops raise it when a runtime intermediate escapes the
// sized range.
var ErrModulusOverflow = xerrors.New("intermediate value exceeds modulus capacity")

// Defaults used by the run assembly when the caller leaves them zero.
const (
	DefaultTimeout  = 2 * time.Second
	DefaultRetries  = 1
	DefaultMaskBits = 20
)

// Configuration holds everything a party needs at construction time. The
// protocol parameters are fixed for the lifetime of a run and identical at
// every party.
type Configuration struct {
	Role Role

	Socket          transport.ClosableSocket
	MessageRegistry *types.MessageRegistry
	Parties         *Registry
	Identity        *PrivateIdentity

	// Protocol parameters.
	NumTeachers int
	Modulus     *big.Int
	Precision   uint
	NumClasses  int
	BatchSize   int

	// MaskBits bounds the comparison masks. See Validate for the sizing
	// rule tying it to Modulus and Precision.
	MaskBits uint

	// NoiseSeed makes the aggregation noise deterministic. Test runs only;
	// share randomness always comes from crypto/rand regardless.
	NoiseSeed *uint64

	// BudgetLimit caps the total epsilon the aggregator will spend. Zero
	// leaves the ledger uncapped.
	BudgetLimit float64

	// Timeout bounds each blocking protocol wait. Retries is the number of
	// re-requests after a timeout before the operation aborts.
	Timeout time.Duration
	Retries int
}

// Validate checks the protocol parameters. The sizing rule keeps every
// intermediate below half the modulus: a secret product carries 2*Precision
// fractional bits and comparison masking adds MaskBits on top.
func (c *Configuration) Validate() error {
	if c.NumTeachers < 1 {
		return xerrors.Errorf("need at least one teacher, got %d", c.NumTeachers)
	}
	if c.NumClasses < 2 {
		return xerrors.Errorf("need at least two classes, got %d", c.NumClasses)
	}
	if c.BatchSize < 1 {
		return xerrors.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.Precision == 0 {
		return xerrors.Errorf("precision must be positive")
	}
	if c.MaskBits < 8 {
		return xerrors.Errorf("mask bits must be at least 8, got %d", c.MaskBits)
	}
	if c.Modulus == nil || !c.Modulus.ProbablyPrime(64) {
		return xerrors.Errorf("modulus must be prime, got %v", c.Modulus)
	}
	if c.Modulus.BitLen() <= int(2*c.Precision+c.MaskBits)+4 {
		return xerrors.Errorf("%d-bit modulus cannot carry precision %d with %d mask bits: %w",
			c.Modulus.BitLen(), c.Precision, c.MaskBits, ErrModulusOverflow)
	}
	if c.Timeout <= 0 {
		return xerrors.Errorf("timeout must be positive, got %v", c.Timeout)
	}
	if c.Retries < 0 {
		return xerrors.Errorf("retries must be non-negative, got %d", c.Retries)
	}
	if c.BudgetLimit < 0 {
		return xerrors.Errorf("budget limit must be non-negative, got %v", c.BudgetLimit)
	}
	return nil
}
