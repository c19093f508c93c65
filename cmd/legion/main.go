package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"github.com/CZERTAINLY/Legion/internal/log"
	"github.com/CZERTAINLY/Legion/internal/model"
	"gopkg.in/yaml.v3"

	"github.com/spf13/cobra"
)

const configName = "legion.yaml"

var (
	userConfigPath string // /default/config/path/legion on given OS
	configPath     string // actual config file used (if loaded)
	config         *model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagLogFormat      string // value of --log-format flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "legion")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+configName+" in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", log.FormatJSON, "log format, json or text")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initLegion

	initRunFlags()
	initReapFlags()
	initWorkerFlags()

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(warmupCmd)
	rootCmd.AddCommand(reapCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(versionCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("legion failed", "err", err)
		os.Exit(exitCode(err))
	}
}

// exitCode separates configuration problems from failed executions.
func exitCode(err error) int {
	switch {
	case errors.Is(err, model.ErrConfiguration):
		return 2
	case errors.Is(err, context.Canceled):
		return 130
	default:
		return 1
	}
}

var rootCmd = &cobra.Command{
	Use:          "legion",
	Short:        "Dispatches workflow executions to a fleet of ComfyUI workers",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a legion",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("legion: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("legion: %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initLegion(cmd *cobra.Command, _ []string) error {
	// initialize logging first, config errors are logged in detail
	slog.SetDefault(log.New(flagVerbose, flagLogFormat))

	if envConfig, ok := os.LookupEnv("LEGIONCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, configName)
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		tree := model.DefaultConfig()
		configPath = filepath.Join(userConfigPath, configName)
		if err := storeConfig(configPath, tree); err != nil {
			return err
		}
		var err error
		config, err = model.NewConfig(tree)
		if err != nil {
			return fmt.Errorf("default config: %w", err)
		}
		slog.Info("default configuration created", "path", configPath)
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("%w: opening config file: %w", model.ErrConfiguration, err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error("invalid configuration", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config %s: %w", configPath, err)
		}
	}

	slog.Debug("legion run", "configPath", configPath)
	slog.Debug("legion run", "config", config.String())
	return nil
}

func storeConfig(path string, tree map[string]any) error {
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(tree); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
