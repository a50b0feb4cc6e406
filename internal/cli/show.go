package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ppiankov/lineage/internal/model"
)

// showCmd represents the show command
var showCmd = &cobra.Command{
	Use:   "show <subject>",
	Short: "Show the research bundle of a person",
	Long: `Show assembles the current research bundle of a person from the evidence
store: family, assertions, evidence, sources, merges and audit trail.
Possibly living persons are redacted.

Example:
  lineage show 4b1e... --md report.md`,
	Args: cobra.ExactArgs(1),
	RunE: runShow,
}

// mergeCmd represents the merge command
var mergeCmd = &cobra.Command{
	Use:   "merge <cluster>",
	Short: "Execute a proposed merge after review",
	Long: `Merge executes a proposed merge cluster: the persons become one and their
claims are resolved together. Clusters decided as separate cannot be merged.`,
	Args: cobra.ExactArgs(1),
	RunE: runMerge,
}

// unmergeCmd represents the unmerge command
var unmergeCmd = &cobra.Command{
	Use:   "unmerge <cluster>",
	Short: "Revert an executed merge",
	Long: `Unmerge reverts an executed merge cluster. Every person keeps the claims
it had before the merge and its assertions are resolved again.`,
	Args: cobra.ExactArgs(1),
	RunE: runUnmerge,
}

func init() {
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(unmergeCmd)

	for _, c := range []*cobra.Command{showCmd, mergeCmd, unmergeCmd} {
		c.Flags().StringVar(&dbPath, "db", "", "evidence store path (default from config)")
	}
	addOutputFlags(showCmd)
}

func runShow(cmd *cobra.Command, args []string) error {
	a, err := reviewApp(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	b, err := a.orchestrator.Finalize(context.Background(), args[0])
	if err != nil {
		return err
	}
	return writeOutputs(b, outJSON, outMD)
}

func runMerge(cmd *cobra.Command, args []string) error {
	a, err := reviewApp(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	c, err := a.resolver.Execute(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("merge %s: %w", args[0], err)
	}
	printCluster(c)
	return nil
}

func runUnmerge(cmd *cobra.Command, args []string) error {
	a, err := reviewApp(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	c, err := a.resolver.Unmerge(context.Background(), args[0])
	if err != nil {
		return fmt.Errorf("unmerge %s: %w", args[0], err)
	}
	printCluster(c)
	return nil
}

func reviewApp(cmd *cobra.Command) (*app, error) {
	cfg, err := commandConfig(cmd)
	if err != nil {
		return nil, err
	}
	return storeOnlyApp(cfg)
}

func printCluster(c *model.MergeCluster) {
	mark := color.GreenString("✓")
	if c.Status == model.MergeReverted {
		mark = color.YellowString("↺")
	}
	fmt.Fprintf(os.Stderr, "%s %s %s: %s\n", mark, c.ID, c.Status, strings.Join(c.MemberIDs, ", "))
	if c.CanonicalID != "" {
		fmt.Fprintf(os.Stderr, "  canonical %s\n", c.CanonicalID)
	}
}
