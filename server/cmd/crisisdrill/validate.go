package main

import (
	"fmt"

	"crisis-drill/server/internal/scenario"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <scenario.yaml>...",
	Short: "Validate scenario files without starting the server",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	failed := 0
	for _, path := range args {
		def, err := scenario.LoadFile(path)
		if err != nil {
			failed++
			fmt.Fprintf(out, "FAIL %s\n  %v\n", path, err)
			continue
		}
		fmt.Fprintf(out, "ok   %s (%s: %d injects, %d objectives)\n", path, def.Scenario.ID, len(def.Injects), len(def.Objectives))
	}
	if failed > 0 {
		return fmt.Errorf("%d scenario file(s) invalid", failed)
	}
	return nil
}
