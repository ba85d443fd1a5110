package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	cli "github.com/privstack/pateagg/cmd"
	"github.com/privstack/pateagg/engine"
)

func main() {
	command := &cobra.Command{
		Use: "pateagg",
	}
	addRunCmd(command)
	addDemoCmd(command)

	err := command.Execute()
	if err != nil {
		panic(err)
	}
}

// addRunCmd starts a run with an interactive prompt
func addRunCmd(command *cobra.Command) {
	var configPath string
	var teachers, features int

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start an aggregation run with an interactive prompt",
		Long:  "Start an in-process aggregation run over demo teacher models and label batches interactively",
		Args:  cobra.MinimumNArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			zerolog.SetGlobalLevel(zerolog.ErrorLevel)
			params, err := loadParams(configPath)
			if err != nil {
				fmt.Println(err)
				os.Exit(1)
			}
			cli.StartCMD(params, teachers, features, 0, true)
		},
	}

	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML parameter file")
	runCmd.Flags().IntVarP(&teachers, "teachers", "t", 3, "number of teacher models")
	runCmd.Flags().IntVarP(&features, "features", "f", 4, "feature width of demo inputs")
	command.AddCommand(runCmd)
}

// addDemoCmd labels a few batches without prompts
func addDemoCmd(command *cobra.Command) {
	var configPath string
	var teachers, features, batches int

	demoCmd := &cobra.Command{
		Use:   "demo",
		Short: "Label a few random batches and print the ledger",
		Args:  cobra.MinimumNArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			zerolog.SetGlobalLevel(zerolog.ErrorLevel)
			params, err := loadParams(configPath)
			if err != nil {
				fmt.Println(err)
				os.Exit(1)
			}
			cli.StartCMD(params, teachers, features, batches, false)
		},
	}

	demoCmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML parameter file")
	demoCmd.Flags().IntVarP(&teachers, "teachers", "t", 3, "number of teacher models")
	demoCmd.Flags().IntVarP(&features, "features", "f", 4, "feature width of demo inputs")
	demoCmd.Flags().IntVarP(&batches, "batches", "b", 3, "number of batches to label")
	command.AddCommand(demoCmd)
}

func loadParams(path string) (engine.Params, error) {
	if path == "" {
		return engine.DefaultParams(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return engine.Params{}, err
	}
	return engine.ParseParams(data)
}
