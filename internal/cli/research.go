package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ppiankov/lineage/internal/model"
	"github.com/ppiankov/lineage/internal/orchestrator"
	"github.com/ppiankov/lineage/internal/report"
)

var (
	seedName     string
	seedBorn     string
	seedDied     string
	seedPlace    string
	dbPath       string
	corpusPath   string
	verifierName string
	maxTier      int
	maxWorkUnits int
	timeout      time.Duration
	outJSON      string
	outMD        string
)

// researchCmd represents the research command
var researchCmd = &cobra.Command{
	Use:   "research",
	Short: "Research a person from a seed",
	Long: `Research starts a session for a seed person and runs it until a stop
condition holds: budget exhausted, target confidence reached, diminishing
returns or no work left.

The session is checkpointed after every step. An interrupted session can be
continued with 'lineage resume <session>'.

Example:
  lineage research --name "Thomas Vincent" --born "Feb 1977" --corpus ./corpus
  lineage research --name "Edith Brown" --born 1890 --max-tier 1 --md edith.md
  lineage research --name "Edith Brown" --verifier openai --json edith.json`,
	Args: cobra.NoArgs,
	RunE: runResearch,
}

// resumeCmd represents the resume command
var resumeCmd = &cobra.Command{
	Use:   "resume <session>",
	Short: "Continue an interrupted research session",
	Long: `Resume loads a checkpointed session and runs it to completion. The item
that was in progress is picked up where it stopped.

Example:
  lineage resume 0d6f4c8e-... --corpus ./corpus --md report.md`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	rootCmd.AddCommand(researchCmd)
	rootCmd.AddCommand(resumeCmd)

	researchCmd.Flags().StringVar(&seedName, "name", "", "name of the person to research (required)")
	researchCmd.Flags().StringVar(&seedBorn, "born", "", "birth date or year, e.g. \"Feb 1977\"")
	researchCmd.Flags().StringVar(&seedDied, "died", "", "death date or year")
	researchCmd.Flags().StringVar(&seedPlace, "place", "", "a place associated with the person")
	researchCmd.Flags().IntVar(&maxTier, "max-tier", -1, "highest source tier to search (default from config)")
	researchCmd.Flags().IntVar(&maxWorkUnits, "max-work-units", 0, "work unit budget (default from config)")
	researchCmd.Flags().DurationVar(&timeout, "timeout", 0, "session time budget (default from config)")
	_ = researchCmd.MarkFlagRequired("name")

	for _, c := range []*cobra.Command{researchCmd, resumeCmd} {
		addEngineFlags(c)
		addOutputFlags(c)
	}
}

// addEngineFlags adds the flags that select store, sources and verifier
func addEngineFlags(c *cobra.Command) {
	c.Flags().StringVar(&dbPath, "db", "", "evidence store path (default from config)")
	c.Flags().StringVar(&corpusPath, "corpus", "", "corpus YAML file or directory to search")
	c.Flags().StringVar(&verifierName, "verifier", "", "verifier: rules, openai, ollama (default from config)")
}

// addOutputFlags adds the report output flags
func addOutputFlags(c *cobra.Command) {
	c.Flags().StringVar(&outJSON, "json", "", "output JSON bundle path (optional)")
	c.Flags().StringVar(&outMD, "md", "", "output Markdown report path (optional)")
}

// commandConfig loads the configuration and applies the engine flags
func commandConfig(cmd *cobra.Command) (*model.Config, error) {
	cfg, err := loadConfig(viper.GetViper())
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.Store.Path = dbPath
	}
	if flags.Changed("verifier") {
		cfg.Verifier.Provider = verifierName
	}
	if flags.Changed("max-tier") {
		cfg.Session.MaxTier = maxTier
	}
	if flags.Changed("max-work-units") {
		cfg.Session.MaxWorkUnits = maxWorkUnits
	}
	if flags.Changed("timeout") {
		cfg.Session.Timeout = timeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM; the session stops at
// its last checkpoint
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runResearch(cmd *cobra.Command, args []string) error {
	cfg, err := commandConfig(cmd)
	if err != nil {
		return err
	}
	seed := orchestrator.Seed{Name: seedName, Born: seedBorn, Died: seedDied, Place: seedPlace}
	if _, err := orchestrator.ParseSeed(seedLine(seed)); err != nil {
		return err
	}

	a, err := newApp(cfg, appOptions{corpus: corpusPath})
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	ctx, cancel := signalContext()
	defer cancel()

	s, err := a.orchestrator.NewSession(ctx, seed, cfg.Session)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "⚙️  Session %s researching %s\n", s.ID(), seed.Name)
	return runSession(ctx, s)
}

func runResume(cmd *cobra.Command, args []string) error {
	cfg, err := commandConfig(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(cfg, appOptions{corpus: corpusPath})
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	ctx, cancel := signalContext()
	defer cancel()

	s, err := a.orchestrator.Resume(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "⚙️  Resuming session %s at %s (%d work units used)\n", s.ID(), s.State(), s.WorkUnits())
	return runSession(ctx, s)
}

// runSession steps s to completion, then finalizes and writes the outputs
func runSession(ctx context.Context, s *orchestrator.Session) error {
	tier := s.Tier()
	for !s.Done() {
		if err := s.Step(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				fmt.Fprintf(os.Stderr, "\n%s interrupted; continue with: lineage resume %s\n", color.YellowString("!"), s.ID())
			}
			return fmt.Errorf("session %s: %w", s.ID(), err)
		}
		if s.Tier() != tier {
			tier = s.Tier()
			fmt.Fprintf(os.Stderr, "⚙️  Escalated to tier %d\n", tier)
		}
		if verbose {
			fmt.Fprintf(os.Stderr, "   %s (work units %d)\n", s.State(), s.WorkUnits())
		}
	}
	fmt.Fprintf(os.Stderr, "✓ Stopped: %s after %d work units\n\n", s.StopReason(), s.WorkUnits())

	b, err := s.Finalize(ctx)
	if err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	return writeOutputs(b, outJSON, outMD)
}

// writeOutputs prints the summary and writes the requested report files
func writeOutputs(b *model.ResearchBundle, jsonPath, mdPath string) error {
	report.Summary(os.Stderr, b)
	if jsonPath != "" {
		if err := report.RenderJSON(b, jsonPath); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "✓ JSON bundle: %s\n", jsonPath)
	}
	if mdPath != "" {
		if err := report.RenderMarkdown(b, mdPath); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "✓ Markdown report: %s\n", mdPath)
	}
	return nil
}

// seedLine formats seed the way ParseSeed reads it
func seedLine(s orchestrator.Seed) string {
	line := s.Name
	if s.Born != "" {
		line += ", b. " + s.Born
	}
	if s.Died != "" {
		line += ", d. " + s.Died
	}
	if s.Place != "" {
		line += ", " + s.Place
	}
	return line
}
