package cmd

import (
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/privstack/pateagg/engine"
	"github.com/privstack/pateagg/party/impl/inference"
)

// session is the running deployment the prompt drives.
type session struct {
	eng      *engine.Engine
	models   []*inference.Model
	params   engine.Params
	rng      *rand.Rand
	features int
}

// -----------------------------------------------------------------------------
// Node CMD Prompt

var prompt = &survey.Select{
	Message: "What do you want to do ?",
	Options: actionOpts,
}

// -----------------------------------------------------------------------------
// Start CMD

// StartCMD assembles an in-process aggregation run backed by generated demo
// teacher models, then either hands control to the interactive prompt or
// labels a fixed number of random batches and exits.
func StartCMD(params engine.Params, teachers, features, batches int, interactive bool) {
	if teachers < 1 {
		teachers = 3
	}
	if features < 1 {
		features = 4
	}
	if params.NumClasses == 0 {
		params.NumClasses = 3
	}

	models, err := demoEnsemble(teachers, features, params.NumClasses)
	if err != nil {
		fmt.Println(err)
		return
	}
	eng, err := engine.New(params, models)
	if err != nil {
		fmt.Println(err)
		return
	}
	err = eng.Start()
	if err != nil {
		fmt.Println(err)
		return
	}

	s := &session{
		eng:      eng,
		models:   models,
		params:   params,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		features: features,
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		exitRun(s)
	}()

	fmt.Println("##########################################")
	fmt.Println("######    Aggregation run is up     ######")
	fmt.Println("##########################################")
	fmt.Printf("teachers: %d, classes: %d, transport: %s\n",
		teachers, params.NumClasses, params.Transport)
	for _, m := range s.models {
		fmt.Printf("  model %s: %d layers, %d features\n", m.ID(), m.Layers(), m.Features())
	}
	fmt.Println()

	if !interactive {
		for i := 0; i < batches; i++ {
			err := labelRandom(s, 4, params.Epsilon)
			if err != nil {
				fmt.Println("err:", err)
			}
		}
		showLedger(s)
		eng.Stop()
		return
	}

	var action string
	for {
		err := survey.AskOne(prompt, &action)
		if err != nil {
			fmt.Println(err)
			return
		}

		method := actions[action]
		err = method(s)
		if err != nil {
			fmt.Println("err:", err)
		}
	}
}
