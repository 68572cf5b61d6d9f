package commands

import (
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/crystalarchiver/crystal/internal/config"
)

var (
	cfgFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "crystal",
	Short: "Archive and browse websites offline",
	Long: `Crystal downloads web pages and their embedded resources into a
.crystalproj directory, following rules you define for which links to
follow, rewrite, or leave alone.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/crystal/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

// loadConfig reads the user's config file and environment overrides, the
// way every subcommand needs it before opening a project.
func loadConfig() *config.Config {
	cfg, err := config.LoadWithEnv(os.Getenv)
	if err != nil {
		log.Printf("[crystal] warning: using defaults, failed to load config: %v", err)
		cfg = config.DefaultConfig()
	}
	if cfgFile != "" {
		data, err := os.ReadFile(cfgFile)
		if err != nil {
			log.Printf("[crystal] warning: failed to read --config %s: %v", cfgFile, err)
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			log.Printf("[crystal] warning: failed to parse --config %s: %v", cfgFile, err)
		}
	}
	if debug {
		cfg.Log.Verbose = true
	}
	return cfg
}
