package aggregate

import (
	"math"
	"sync"

	"golang.org/x/exp/rand"
	"golang.org/x/xerrors"
	"gonum.org/v1/gonum/stat/distuv"
)

// NewTally returns an empty vote tally for one batch.
func NewTally(rows, classes int) (*Tally, error) {
	if rows < 1 || classes < 2 {
		return nil, xerrors.Errorf("tally needs positive rows and at least two classes, got %dx%d", rows, classes)
	}
	return &Tally{rows: rows, classes: classes, votes: make(map[string][]int)}, nil
}

// Tally collects the reconstructed label votes of one batch, one vector per
// teacher model.
type Tally struct {
	sync.Mutex
	rows    int
	classes int
	votes   map[string][]int
}

// Add files one teacher's votes. A teacher votes once per batch; every vote
// must name a known class.
func (t *Tally) Add(modelID string, labels []int) error {
	if len(labels) != t.rows {
		return xerrors.Errorf("model %s voted on %d rows, batch has %d", modelID, len(labels), t.rows)
	}
	for i, l := range labels {
		if l < 0 || l >= t.classes {
			return xerrors.Errorf("model %s voted class %d for row %d, batch has %d classes", modelID, l, i, t.classes)
		}
	}

	t.Lock()
	defer t.Unlock()
	if _, ok := t.votes[modelID]; ok {
		return xerrors.Errorf("model %s already voted in this batch", modelID)
	}
	t.votes[modelID] = append([]int(nil), labels...)
	return nil
}

// Count returns how many teachers voted so far.
func (t *Tally) Count() int {
	t.Lock()
	defer t.Unlock()
	return len(t.votes)
}

// Histogram folds the votes into per-row class counts.
func (t *Tally) Histogram() [][]float64 {
	t.Lock()
	defer t.Unlock()

	hist := make([][]float64, t.rows)
	for i := range hist {
		hist[i] = make([]float64, t.classes)
	}
	for _, labels := range t.votes {
		for i, l := range labels {
			hist[i][l]++
		}
	}
	return hist
}

// NoisyArgmax runs report-noisy-max over per-row class counts: independent
// Laplace noise with scale 1/epsilon lands on every bin before the maximum is
// taken. Ties after noise keep the lowest class index. An infinite epsilon
// degenerates to the plain majority vote.
func NoisyArgmax(hist [][]float64, epsilon float64, src rand.Source) ([]int, error) {
	if epsilon <= 0 || math.IsNaN(epsilon) {
		return nil, xerrors.Errorf("epsilon must be positive, got %v", epsilon)
	}
	if len(hist) == 0 {
		return nil, xerrors.New("empty histogram")
	}
	classes := len(hist[0])

	noiseless := math.IsInf(epsilon, 1)
	var lap distuv.Laplace
	if !noiseless {
		lap = distuv.Laplace{Mu: 0, Scale: 1 / epsilon, Src: src}
	}

	labels := make([]int, len(hist))
	for i, row := range hist {
		if len(row) != classes {
			return nil, xerrors.Errorf("row %d has %d bins, row 0 has %d", i, len(row), classes)
		}
		best, bestScore := 0, math.Inf(-1)
		for j, count := range row {
			score := count
			if !noiseless {
				score += lap.Rand()
			}
			if score > bestScore {
				best, bestScore = j, score
			}
		}
		labels[i] = best
	}
	return labels, nil
}
