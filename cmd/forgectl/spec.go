package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	v1 "github.com/fyrsmithlabs/forged/pkg/api/v1"
)

var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Manage workspaces",
}

var workspaceCreateCmd = &cobra.Command{
	Use:   "create <name> [spec-file]",
	Short: "Create a workspace with an optional initial spec",
	Long: `Create a workspace. The optional spec-file seeds the initial spec
document; use - to read it from stdin.

Examples:
  forgectl workspace create mymod
  forgectl workspace create mymod spec.json
  cat spec.json | forgectl workspace create mymod -`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var spec json.RawMessage
		if len(args) == 2 {
			data, err := readFileOrStdin(args[1])
			if err != nil {
				return err
			}
			spec = data
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		ws, err := c.CreateWorkspace(cmd.Context(), args[0], spec)
		if err != nil {
			return err
		}
		return printJSON(ws)
	},
}

var workspaceGetCmd = &cobra.Command{
	Use:   "get <workspace-id>",
	Short: "Show a workspace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ws, err := c.GetWorkspace(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(ws)
	},
}

var specCmd = &cobra.Command{
	Use:   "spec",
	Short: "Read and modify workspace specs",
}

var specGetCmd = &cobra.Command{
	Use:   "get <workspace-id>",
	Short: "Show the current spec document and version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		spec, err := c.GetSpec(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(spec)
	},
}

var (
	patchExpectedVersion int64
	patchNotes           string
)

var specPatchCmd = &cobra.Command{
	Use:   "patch <workspace-id> [ops-file]",
	Short: "Apply patch operations to the spec",
	Long: `Apply a JSON array of patch operations to the spec. Operations are
read from ops-file, or from stdin when omitted or -.

An operation looks like:
  {"op": "append", "path": "items", "value": {"id": "ore_block"}}
Supported ops: add, replace, remove, append.

Examples:
  forgectl spec patch ws-1 ops.json
  echo '[{"op":"remove","path":"items.0"}]' | forgectl spec patch ws-1
  forgectl spec patch ws-1 ops.json --expected-version 3`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		source := "-"
		if len(args) == 2 {
			source = args[1]
		}
		data, err := readFileOrStdin(source)
		if err != nil {
			return err
		}

		var ops []v1.PatchOp
		if err := json.Unmarshal(data, &ops); err != nil {
			return fmt.Errorf("ops must be a JSON array of patch operations: %w", err)
		}

		var expected *int64
		if cmd.Flags().Changed("expected-version") {
			expected = &patchExpectedVersion
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		version, err := c.PatchSpec(cmd.Context(), args[0], ops, expected, patchNotes)
		if err != nil {
			return err
		}
		fmt.Printf("spec at version %d\n", version)
		return nil
	},
}

var specHistoryCmd = &cobra.Command{
	Use:   "history <workspace-id>",
	Short: "List the spec's version history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		history, err := c.SpecHistory(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, entry := range history {
			fmt.Printf("v%d  %s  %s\n", entry.Version, entry.At.Format("2006-01-02 15:04:05"), entry.Notes)
		}
		return nil
	},
}

var specRollbackCmd = &cobra.Command{
	Use:   "rollback <workspace-id> <version>",
	Short: "Restore a historical spec version as a new head version",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		target, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("version must be an integer: %w", err)
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		version, err := c.RollbackSpec(cmd.Context(), args[0], target, "rollback via forgectl")
		if err != nil {
			return err
		}
		fmt.Printf("spec at version %d\n", version)
		return nil
	},
}

func init() {
	workspaceCmd.AddCommand(workspaceCreateCmd)
	workspaceCmd.AddCommand(workspaceGetCmd)

	specPatchCmd.Flags().Int64Var(&patchExpectedVersion, "expected-version", 0, "fail unless the spec is at this version")
	specPatchCmd.Flags().StringVar(&patchNotes, "notes", "", "history note for this change")

	specCmd.AddCommand(specGetCmd)
	specCmd.AddCommand(specPatchCmd)
	specCmd.AddCommand(specHistoryCmd)
	specCmd.AddCommand(specRollbackCmd)
}

// readFileOrStdin reads path, or stdin when path is "-".
func readFileOrStdin(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
