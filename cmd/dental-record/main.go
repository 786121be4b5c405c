package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/pranav-miglani/dental-record/pkg/config"
	"github.com/pranav-miglani/dental-record/pkg/logger"
	"github.com/spf13/cobra"
)

var (
	configFile string
	cfg        *config.Config

	Version   = "dev"     // Default version for development
	GitCommit = "unknown" // Git commit hash
	BuildTime = "unknown" // Build timestamp
)

func printVersionInfo() {
	fmt.Printf("dental-record %s\n", Version)
	fmt.Printf("Built: %s, from commit: %s\n", BuildTime, GitCommit)
	fmt.Printf("Go version: %s\n", runtime.Version())
	fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:           "dental-record",
	Short:         "Dental procedure and clinical image records",
	Long:          "Tracks dental procedures and their steps, versions clinical images and moves old records to cold storage.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		printVersionInfo()
	},
}

func newLogger() (*logger.Logger, func(), error) {
	log := logger.New("dental-record", Version)
	if cfg.Logging.File == "" {
		return log, func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Logging.File), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	log.SetOutput(f)
	return log, func() { f.Close() }, nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", os.ExpandEnv("$HOME/.dental-record/config.yaml"), "Path to config file")

	cobra.OnInitialize(func() {
		var err error
		cfg, err = config.Load(configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
	})

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(definitionsCmd)
}

func main() {
	Execute()
}
