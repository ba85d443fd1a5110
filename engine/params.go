package engine

import (
	"math/big"
	"time"

	"github.com/privstack/pateagg/party"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// Params is the run configuration, fixed before a run starts and never
// mutated during it. Empty strings and zero sizes fall back to
// DefaultParams. Zero keeps its meaning for Retries and BudgetLimit,
// and NumClasses defaults to what the first model emits.
type Params struct {
	// Transport picks the wire: "channel" keeps the whole run in-process,
	// "udp" binds every party to a loopback port.
	Transport string `yaml:"transport"`

	Modulus    string `yaml:"modulus"`
	Precision  uint   `yaml:"precision"`
	NumClasses int    `yaml:"num_classes"`
	BatchSize  int    `yaml:"batch_size"`
	MaskBits   uint   `yaml:"mask_bits"`

	// Epsilon is the per-batch privacy cost a front end spends when it does
	// not pick one itself.
	Epsilon float64 `yaml:"epsilon"`

	// BudgetLimit caps the total epsilon the aggregator may spend across a
	// run. Zero means uncapped; enforcing a cap is the operator's policy.
	BudgetLimit float64 `yaml:"budget_limit"`

	Timeout       string `yaml:"timeout"`
	ResultTimeout string `yaml:"result_timeout"`
	Retries       int    `yaml:"retries"`

	// NoiseSeed makes the Laplace noise deterministic. Only for tests and
	// demos; share randomness is never derived from it.
	NoiseSeed *uint64 `yaml:"noise_seed,omitempty"`
}

// DefaultParams returns the configuration a small run works well with:
// a 61-bit Mersenne prime modulus and 16 fractional bits.
func DefaultParams() Params {
	return Params{
		Transport:     "channel",
		Modulus:       "2305843009213693951",
		Precision:     16,
		BatchSize:     16,
		MaskBits:      party.DefaultMaskBits,
		Epsilon:       1,
		Timeout:       party.DefaultTimeout.String(),
		ResultTimeout: "30s",
		Retries:       party.DefaultRetries,
	}
}

// ParseParams decodes YAML over the defaults.
func ParseParams(data []byte) (Params, error) {
	p := DefaultParams()
	err := yaml.Unmarshal(data, &p)
	if err != nil {
		return Params{}, xerrors.Errorf("failed to parse parameters: %v", err)
	}
	return p, nil
}

// withDefaults overlays DefaultParams over the fields left empty.
func (p Params) withDefaults() Params {
	def := DefaultParams()
	if p.Transport == "" {
		p.Transport = def.Transport
	}
	if p.Modulus == "" {
		p.Modulus = def.Modulus
	}
	if p.Precision == 0 {
		p.Precision = def.Precision
	}
	if p.BatchSize == 0 {
		p.BatchSize = def.BatchSize
	}
	if p.MaskBits == 0 {
		p.MaskBits = def.MaskBits
	}
	if p.Epsilon == 0 {
		p.Epsilon = def.Epsilon
	}
	if p.Timeout == "" {
		p.Timeout = def.Timeout
	}
	if p.ResultTimeout == "" {
		p.ResultTimeout = def.ResultTimeout
	}
	return p
}

// resolve materializes the string-typed fields.
func (p Params) resolve() (*big.Int, time.Duration, time.Duration, error) {
	mod, ok := new(big.Int).SetString(p.Modulus, 10)
	if !ok {
		return nil, 0, 0, xerrors.Errorf("modulus %q is not a decimal integer", p.Modulus)
	}
	timeout, err := time.ParseDuration(p.Timeout)
	if err != nil {
		return nil, 0, 0, xerrors.Errorf("bad timeout: %v", err)
	}
	wait, err := time.ParseDuration(p.ResultTimeout)
	if err != nil {
		return nil, 0, 0, xerrors.Errorf("bad result timeout: %v", err)
	}
	return mod, timeout, wait, nil
}
