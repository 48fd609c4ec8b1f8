package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scanorc/scanorc/internal/workflow"
)

var (
	scanSubmitPlan   string
	scanSubmitTarget string
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Submit, stop, or inspect scans",
}

var scanSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Create and enqueue a new scan",
	RunE:  runScanSubmit,
}

var scanStopCmd = &cobra.Command{
	Use:   "stop <scan_id>",
	Short: "Request a running scan to stop",
	Args:  cobra.ExactArgs(1),
	RunE:  runScanStop,
}

var scanShowCmd = &cobra.Command{
	Use:   "show <scan_id>",
	Short: "Print a scan and its summary",
	Args:  cobra.ExactArgs(1),
	RunE:  runScanShow,
}

var scanRmCmd = &cobra.Command{
	Use:   "rm <scan_id>",
	Short: "Delete a scan and any issues it no longer shares with another scan",
	Args:  cobra.ExactArgs(1),
	RunE:  runScanRm,
}

func init() {
	scanSubmitCmd.Flags().StringVar(&scanSubmitPlan, "plan", "", "plan name (required)")
	scanSubmitCmd.Flags().StringVar(&scanSubmitTarget, "target", "", "scan target URL/host (required)")
	_ = scanSubmitCmd.MarkFlagRequired("plan")
	_ = scanSubmitCmd.MarkFlagRequired("target")

	scanCmd.AddCommand(scanSubmitCmd, scanStopCmd, scanShowCmd, scanRmCmd)
}

// runScanSubmit drives the submitted scan to completion in this same
// process: newApp builds a fresh, unstarted bus, and no other process can
// be listening on it (see app.startWorkers), so this command starts its
// own worker pools and waits for the scan job before returning — otherwise
// the scan would be created, flipped to QUEUED, and left that way forever.
func runScanSubmit(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	a.startWorkers(ctx)
	scanID, h, err := a.enqueueScan(ctx, scanSubmitTarget, scanSubmitPlan)
	if err != nil {
		return err
	}
	fmt.Println(scanID)
	if _, _, err := a.bus.Wait(ctx, h); err != nil {
		return fmt.Errorf("running scan: %w", err)
	}
	return nil
}

// runScanStop marks the scan STOPPING. Like runScanSubmit, this command's
// app owns a fresh bus with no workers running yet, so it starts them
// itself before the write — otherwise the state-queue job ScanStop
// enqueues would fail with "no workers started for queue". A running
// worker process's in-flight sessions notice the STOPPING state on their
// own next pre-flight check (the runner refuses to start a new plugin
// once the scan is STOPPING/STOPPED and records the session STOPPED,
// which the workflow then treats as a stop) — revoking an already-running plugin
// subprocess requires reaching the bus instance that owns its Handle,
// which only that worker process holds, not this one.
func runScanStop(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	a.startWorkers(ctx)
	if err := a.writer.ScanStop(ctx, args[0]); err != nil {
		return fmt.Errorf("requesting stop: %w", err)
	}
	return nil
}

func runScanShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	sc, err := a.repo.GetScan(ctx, args[0])
	if err != nil {
		return err
	}
	if sc == nil {
		return fmt.Errorf("scan %s not found", args[0])
	}
	summary, err := workflow.Summarize(ctx, a.repo, sc)
	if err != nil {
		return err
	}
	out := struct {
		Scan    any `json:"scan"`
		Summary any `json:"summary"`
	}{Scan: sc, Summary: summary}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func runScanRm(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	removed, err := a.repo.DeleteScan(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("removed scan %s (%d orphaned issues deleted)\n", args[0], removed)
	return nil
}
