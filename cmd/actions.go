package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"
)

var actionOpts = []string{
	"🎓 Label a fresh batch",
	"📒 Show the privacy ledger",
	"🧵 Show batch traces",
	"🍃 Exit",
}

var actions = map[string]func(*session) error{
	actionOpts[0]: askAndLabel,
	actionOpts[1]: showLedger,
	actionOpts[2]: showTraces,
	actionOpts[3]: exitRun,
}

// -----------------------------------------------------------------------------
// CMD Actions

func askAndLabel(s *session) error {
	rows := 0
	fmt.Println("How many rows ?")
	fmt.Scanln(&rows)
	if rows < 1 || rows > s.params.BatchSize {
		return fmt.Errorf("rows must be within [1, %d]", s.params.BatchSize)
	}

	eps := s.params.Epsilon
	fmt.Printf("Epsilon ? (enter for %v)\n", eps)
	var line string
	fmt.Scanln(&line)
	if line != "" {
		parsed, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return err
		}
		eps = parsed
	}

	return labelRandom(s, rows, eps)
}

func labelRandom(s *session, rows int, eps float64) error {
	inputs := demoBatch(s.rng, rows, s.features)

	start := time.Now()
	labels, err := s.eng.LabelBatch(context.Background(), inputs, eps)
	if err != nil {
		return err
	}

	for i, row := range inputs {
		fmt.Printf("row %d %6.3f -> label %d\n", i, row, labels[i])
	}
	fmt.Printf("labeled %d rows in %v, epsilon spent so far: %v\n",
		rows, time.Since(start).Round(time.Millisecond), s.eng.Budget().Spent())
	return nil
}

func showLedger(s *session) error {
	budget := s.eng.Budget()
	fmt.Printf("total epsilon spent: %v over %d batches\n", budget.Spent(), len(budget.Entries()))
	for _, spend := range budget.Entries() {
		fmt.Printf("  %s  epsilon %-8v labels %-4d at %s\n",
			spend.BatchID, spend.Epsilon, spend.Labels, spend.At.Format(time.RFC3339))
	}

	gaps := s.eng.Gaps()
	if len(gaps) > 0 {
		fmt.Println("gaps:")
		for _, g := range gaps {
			fmt.Printf("  batch %d  %s: %v\n", g.Batch, g.Kind, g.Err)
		}
	}
	return nil
}

func showTraces(s *session) error {
	for _, p := range s.eng.Pipelines() {
		fmt.Printf("batch %d:", p.Batch())
		for _, step := range p.Trace() {
			fmt.Printf(" %s", step.Phase)
		}
		if err := p.Err(); err != nil {
			fmt.Printf("  (%v)", err)
		}
		fmt.Println()
	}
	return nil
}

// -----------------------------------------------------------------------------
// Exit

func exitRun(s *session) error {
	err := s.eng.Stop()
	if err != nil {
		fmt.Println(err)
	}
	fmt.Println("bye 👋")
	os.Exit(0)
	return nil
}
