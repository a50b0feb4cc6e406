package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/lineage/internal/model"
	"github.com/ppiankov/lineage/internal/orchestrator"
	"github.com/ppiankov/lineage/internal/report"
)

var (
	concurrency int
	outputDir   string
)

// batchCmd represents the batch command
var batchCmd = &cobra.Command{
	Use:   "batch <file>",
	Short: "Research several people from a seeds file in parallel",
	Long: `Batch runs one independent research session per seed line:
- Read seeds from the input file (one per line, # starts a comment)
- Run sessions in parallel with a bounded number of workers
- Write a JSON bundle and a Markdown report per seed

Seed lines look like: Thomas Vincent, b. Feb 1977, Leeds

Example:
  lineage batch seeds.txt --corpus ./corpus
  lineage batch seeds.txt --concurrency 4 --output-dir ./reports`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

func init() {
	rootCmd.AddCommand(batchCmd)

	batchCmd.Flags().IntVar(&concurrency, "concurrency", 0, "number of concurrent sessions (default from config)")
	batchCmd.Flags().StringVar(&outputDir, "output-dir", "./lineage-reports", "output directory for reports")
	batchCmd.Flags().IntVar(&maxTier, "max-tier", -1, "highest source tier to search (default from config)")
	batchCmd.Flags().IntVar(&maxWorkUnits, "max-work-units", 0, "work unit budget per session (default from config)")
	batchCmd.Flags().DurationVar(&timeout, "timeout", 0, "time budget per session (default from config)")
	addEngineFlags(batchCmd)
}

// batchResult is the outcome of one seed
type batchResult struct {
	seed   orchestrator.Seed
	bundle *model.ResearchBundle
	err    error
}

func runBatch(cmd *cobra.Command, args []string) error {
	file := args[0]
	cfg, err := commandConfig(cmd)
	if err != nil {
		return err
	}
	workers := cfg.Concurrency.Sessions
	if cmd.Flags().Changed("concurrency") {
		workers = concurrency
	}
	if workers <= 0 {
		workers = 1
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(os.Stderr, "  Lineage Batch Research\n")
	fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  Input file:   %s\n", file)
	fmt.Fprintf(os.Stderr, "  Workers:      %d\n", workers)
	fmt.Fprintf(os.Stderr, "  Output dir:   %s\n", outputDir)
	fmt.Fprintf(os.Stderr, "  Verifier:     %s\n", cfg.Verifier.Provider)
	fmt.Fprintf(os.Stderr, "\n")

	seeds, err := readSeeds(file)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "✓ Loaded %d seeds\n\n", len(seeds))

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	a, err := newApp(cfg, appOptions{corpus: corpusPath})
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	ctx, cancel := signalContext()
	defer cancel()

	results, err := researchAll(ctx, a, seeds, cfg.Session, workers)
	if err != nil {
		return err
	}

	successCount, failureCount := 0, 0
	for _, r := range results {
		if r.err != nil {
			failureCount++
			fmt.Fprintf(os.Stderr, "✗ %s: %v\n", r.seed.Name, r.err)
			continue
		}
		slug := sanitizeFilename(r.seed.Name + " " + r.bundle.SubjectID[:8])
		if err := report.RenderJSON(r.bundle, filepath.Join(outputDir, slug+".json")); err != nil {
			failureCount++
			fmt.Fprintf(os.Stderr, "✗ %s: failed to write JSON: %v\n", r.seed.Name, err)
			continue
		}
		if err := report.RenderMarkdown(r.bundle, filepath.Join(outputDir, slug+".md")); err != nil {
			failureCount++
			fmt.Fprintf(os.Stderr, "✗ %s: failed to write Markdown: %v\n", r.seed.Name, err)
			continue
		}
		successCount++
		fmt.Fprintf(os.Stderr, "✓ %s (%s, confidence %.2f)\n", r.seed.Name, r.bundle.StopReason, r.bundle.Subject.Confidence)
	}

	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(os.Stderr, "  Batch Complete\n")
	fmt.Fprintf(os.Stderr, "═══════════════════════════════════════════════════════════\n")
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "  Total:     %d seeds\n", len(results))
	fmt.Fprintf(os.Stderr, "  Success:   %d\n", successCount)
	fmt.Fprintf(os.Stderr, "  Failures:  %d\n", failureCount)
	fmt.Fprintf(os.Stderr, "  Output:    %s\n", outputDir)
	fmt.Fprintf(os.Stderr, "\n")
	return nil
}

// researchAll runs one session per seed, at most workers at a time. A
// failed session is reported in its result; only cancellation of ctx fails
// the batch.
func researchAll(ctx context.Context, a *app, seeds []orchestrator.Seed, cfg model.SessionConfig, workers int) ([]batchResult, error) {
	results := make([]batchResult, len(seeds))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, seed := range seeds {
		i, seed := i, seed
		g.Go(func() error {
			b, err := researchOne(gctx, a, seed, cfg)
			mu.Lock()
			results[i] = batchResult{seed: seed, bundle: b, err: err}
			mu.Unlock()
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func researchOne(ctx context.Context, a *app, seed orchestrator.Seed, cfg model.SessionConfig) (*model.ResearchBundle, error) {
	s, err := a.orchestrator.NewSession(ctx, seed, cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Run(ctx); err != nil {
		return nil, fmt.Errorf("session %s: %w", s.ID(), err)
	}
	return s.Finalize(ctx)
}

// readSeeds reads seed lines, skipping blanks, comments and duplicates
func readSeeds(filePath string) ([]orchestrator.Seed, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var seeds []orchestrator.Seed
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if seen[line] {
			continue
		}
		seen[line] = true
		seed, err := orchestrator.ParseSeed(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		seeds = append(seeds, seed)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan file: %w", err)
	}
	return seeds, nil
}

// sanitizeFilename turns a name into a safe file name
func sanitizeFilename(s string) string {
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
		",", "",
		".", "",
		" ", "-",
	)
	s = replacer.Replace(strings.ToLower(strings.TrimSpace(s)))
	if len(s) > 100 {
		s = s[:100]
	}
	if s == "" {
		s = "subject"
	}
	return s
}
