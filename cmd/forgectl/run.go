package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	v1 "github.com/fyrsmithlabs/forged/pkg/api/v1"
	"github.com/fyrsmithlabs/forged/pkg/client"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start and follow generation runs",
}

var runStartPrompt string

var runStartCmd = &cobra.Command{
	Use:   "start <workspace-id>",
	Short: "Start a generation run against a workspace",
	Long: `Start a generation run.

Examples:
  forgectl run start ws-1 --prompt "add an ore block"
  forgectl run start ws-1 --prompt "add an ore block" --watch`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		r, err := c.StartRun(cmd.Context(), args[0], runStartPrompt)
		if err != nil {
			return err
		}
		fmt.Printf("run %s started\n", r.ID)

		if watch, _ := cmd.Flags().GetBool("watch"); watch {
			return watchRunFrom(c, r.ID, 1)
		}
		return nil
	},
}

var runStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a run's current state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		r, err := c.GetRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(r)
	},
}

var runCancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Request cooperative cancellation of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.CancelRun(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("cancel requested")
		return nil
	},
}

var runWatchFrom uint64

var runWatchCmd = &cobra.Command{
	Use:   "watch <run-id>",
	Short: "Stream a run's events until it reaches a terminal state",
	Long: `Stream a run's events. The stream resumes automatically after a
dropped connection, starting from the last event seen.

Examples:
  forgectl run watch run-1
  forgectl run watch run-1 --from 10`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if runWatchFrom == 0 {
			runWatchFrom = 1
		}
		return watchRunFrom(c, args[0], runWatchFrom)
	},
}

func watchRunFrom(c *client.Client, runID string, fromSeq uint64) error {
	ctx, stop := signalContext()
	defer stop()

	return c.Watch(ctx, runID, fromSeq, func(ev v1.Event) error {
		payload := string(ev.Payload)
		if payload == "" {
			payload = "{}"
		}
		fmt.Printf("%5d  %-28s %s\n", ev.Seq, ev.Type, payload)
		return nil
	})
}

var approveCmd = &cobra.Command{
	Use:   "approve <run-id> [ops-file]",
	Short: "Approve a run's pending spec delta",
	Long: `Approve the pending delta. An optional ops-file (or - for stdin)
substitutes a modified operation list before application.

Examples:
  forgectl approve run-1
  forgectl approve run-1 modified-ops.json`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var ops []v1.PatchOp
		if len(args) == 2 {
			data, err := readFileOrStdin(args[1])
			if err != nil {
				return err
			}
			if err := json.Unmarshal(data, &ops); err != nil {
				return fmt.Errorf("ops must be a JSON array of patch operations: %w", err)
			}
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		version, err := c.Approve(cmd.Context(), args[0], ops)
		if err != nil {
			return err
		}
		fmt.Printf("delta applied, spec at version %d\n", version)
		return nil
	},
}

var rejectReason string

var rejectCmd = &cobra.Command{
	Use:   "reject <run-id>",
	Short: "Reject a run's pending spec delta",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.Reject(cmd.Context(), args[0], rejectReason); err != nil {
			return err
		}
		fmt.Println("delta rejected, run resumes")
		return nil
	},
}

var inputCmd = &cobra.Command{
	Use:   "input <run-id> <answer>",
	Short: "Answer a run paused at an input gate",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.ProvideInput(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Println("input provided, run resumes")
		return nil
	},
}

var selectCmd = &cobra.Command{
	Use:   "select <run-id> [entity] [index]",
	Short: "Resolve texture selections",
	Long: `Without entity and index, lists the run's pending selections.
With both, resolves the entity's choice by candidate index.

Examples:
  forgectl select run-1
  forgectl select run-1 ore_block 2`,
	Args: cobra.RangeArgs(1, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		if len(args) == 1 {
			pending, err := c.PendingSelections(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Println("no pending selections")
				return nil
			}
			for _, p := range pending {
				fmt.Printf("%s  (%d candidates)\n", p.Entity, p.Candidates)
			}
			return nil
		}
		if len(args) != 3 {
			return fmt.Errorf("provide both entity and index, or neither")
		}

		index, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("index must be an integer: %w", err)
		}
		if err := c.Select(cmd.Context(), args[0], args[1], index); err != nil {
			return err
		}
		fmt.Printf("selected candidate %d for %s\n", index, args[1])
		return nil
	},
}

var regenerateCmd = &cobra.Command{
	Use:   "regenerate <run-id> <entity>",
	Short: "Request fresh texture candidates for an entity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		sel, err := c.RegenerateSelection(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("%s now has %d fresh candidates\n", sel.Entity, sel.Candidates)
		return nil
	},
}

var artifactsDownload string

var artifactsCmd = &cobra.Command{
	Use:   "artifacts <run-id> [artifact-id]",
	Short: "List or download a run's artifacts",
	Long: `List a run's artifacts, or stream one artifact's content.

Examples:
  forgectl artifacts run-1
  forgectl artifacts run-1 3f8a... --output mod.jar
  forgectl artifacts run-1 3f8a... > mod.jar`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		if len(args) == 1 {
			artifacts, err := c.ListArtifacts(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(artifacts) == 0 {
				fmt.Println("no artifacts")
				return nil
			}
			for _, a := range artifacts {
				fmt.Printf("%s  %s  %d bytes\n", a.ID, a.Name, a.Size)
			}
			return nil
		}

		rc, err := c.DownloadArtifact(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		defer func() { _ = rc.Close() }()

		out := os.Stdout
		if artifactsDownload != "" {
			f, err := os.Create(artifactsDownload)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()
			out = f
		}
		_, err = io.Copy(out, rc)
		return err
	},
}

func init() {
	runStartCmd.Flags().StringVar(&runStartPrompt, "prompt", "", "what the run should generate")
	runStartCmd.Flags().Bool("watch", false, "stream events until the run finishes")
	runWatchCmd.Flags().Uint64Var(&runWatchFrom, "from", 1, "first event sequence to stream")
	rejectCmd.Flags().StringVar(&rejectReason, "reason", "", "why the delta is rejected")
	artifactsCmd.Flags().StringVar(&artifactsDownload, "output", "", "write the artifact to this file instead of stdout")

	runCmd.AddCommand(runStartCmd)
	runCmd.AddCommand(runStatusCmd)
	runCmd.AddCommand(runCancelCmd)
	runCmd.AddCommand(runWatchCmd)
}
