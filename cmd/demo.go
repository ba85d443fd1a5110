package cmd

import (
	"fmt"
	"math/rand"

	"github.com/privstack/pateagg/party/impl/inference"
)

// demoEnsemble builds one small two-layer model per teacher so a run has
// something to vote with. Weights are deterministic per teacher index, so two
// runs with the same shape disagree on the same inputs.
func demoEnsemble(teachers, features, classes int) ([]*inference.Model, error) {
	models := make([]*inference.Model, teachers)
	hidden := features + 2

	for i := range models {
		rng := rand.New(rand.NewSource(int64(i) + 1))
		draw := func(n int) []float64 {
			out := make([]float64, n)
			for j := range out {
				out[j] = rng.Float64()*2 - 1
			}
			return out
		}

		m, err := inference.NewModel(fmt.Sprintf("demo-%d", i), map[string]inference.Param{
			"fc1.weight": {Shape: []int{hidden, features}, Values: draw(hidden * features)},
			"fc1.bias":   {Shape: []int{hidden}, Values: draw(hidden)},
			"fc2.weight": {Shape: []int{classes, hidden}, Values: draw(classes * hidden)},
			"fc2.bias":   {Shape: []int{classes}, Values: draw(classes)},
		})
		if err != nil {
			return nil, err
		}
		models[i] = m
	}
	return models, nil
}

// demoBatch draws random feature rows in [-1, 1).
func demoBatch(rng *rand.Rand, rows, features int) [][]float64 {
	out := make([][]float64, rows)
	for i := range out {
		row := make([]float64, features)
		for j := range row {
			row[j] = rng.Float64()*2 - 1
		}
		out[i] = row
	}
	return out
}
