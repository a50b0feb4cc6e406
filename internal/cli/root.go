package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is set at build time with -ldflags "-X .../internal/cli.version=..."
var version = "v0.1.0"

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "lineage",
	Short: "Lineage - autonomous genealogical research (evidence first)",
	Long: `Lineage researches a person's family history from a seed such as
"Thomas Vincent, b. Feb 1977".

It searches sources tier by tier, extracts only facts it can cite, weighs
conflicting evidence by source quality and keeps every decision in an
audit trail. Persons who may be living are redacted in every export.

Lineage reports evidence. It does not decide what is true.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Display the version number of Lineage.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("lineage %s\n", version)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.lineage/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	_ = viper.BindPFlag("output.verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	rootCmd.AddCommand(versionCmd)
}

// initConfig reads in config file and ENV variables
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			return
		}
		viper.AddConfigPath(home + "/.lineage")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// LINEAGE_SESSION_MAX_TIER overrides session.max_tier, and so on
	viper.SetEnvPrefix("LINEAGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Secrets never live in the YAML file
	_ = viper.BindEnv("store.seal_key", "LINEAGE_STORE_SEAL_KEY")
	_ = viper.BindEnv("verifier.api_key", "LINEAGE_VERIFIER_API_KEY", "OPENAI_API_KEY")
	_ = viper.BindEnv("verifier.base_url", "LINEAGE_VERIFIER_BASE_URL", "OLLAMA_BASE_URL")

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}
