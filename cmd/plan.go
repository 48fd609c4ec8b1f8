package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/scanorc/scanorc/models"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Register a plan document for local testing",
}

var planRegisterCmd = &cobra.Command{
	Use:   "register <file.json>",
	Short: "Load a plan document (name + ordered workflow) into the repository",
	Long: `register is a thin loader for local testing only: it reads a JSON
plan document and stores it verbatim. Plan authoring, validation and import
from an external catalogue are out of scope here.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlanRegister,
}

func init() {
	planCmd.AddCommand(planRegisterCmd)
}

func runPlanRegister(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading plan file: %w", err)
	}
	var plan models.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return fmt.Errorf("parsing plan file: %w", err)
	}
	if plan.Name == "" {
		return fmt.Errorf("plan document has no name")
	}

	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	if err := a.repo.PutPlan(ctx, &plan); err != nil {
		return fmt.Errorf("storing plan: %w", err)
	}
	fmt.Printf("registered plan %q (revision %q, %d steps)\n", plan.Name, plan.Revision, len(plan.Workflow))
	return nil
}
