package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openfield/fieldsync/internal/daemon"
	"github.com/openfield/fieldsync/internal/utils"
	"github.com/openfield/fieldsync/internal/version"
)

var (
	home, _        = os.UserHomeDir()
	configFileName = "config"
	logFilePath    = filepath.Join(home, ".fieldsync", "logs", "fieldsync.log")
)

var cyan = color.New(color.FgHiCyan, color.Bold).SprintFunc()

var rootCmd = &cobra.Command{
	Use:     "fieldsync",
	Short:   "FieldSync offline-first field data sync daemon",
	Version: version.Detailed(),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.PersistentFlags().StringP("config", "c", daemon.DefaultConfigPath, "FieldSync config file")
	rootCmd.PersistentFlags().StringP("datadir", "d", daemon.DefaultDataDir, "FieldSync data directory")
	rootCmd.PersistentFlags().StringP("server", "s", "", "FieldSync server URL")
	rootCmd.PersistentFlags().StringP("user", "u", "", "User id mutations are authored as")
}

func main() {
	logDir := filepath.Dir(logFilePath)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create log directory: %v\n", err)
		os.Exit(1)
	}

	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer file.Close()

	setupLogging(file)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func setupLogging(file *os.File) {
	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
	fileHandler := slog.NewTextHandler(file, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(stdoutHandler, fileHandler)))
}

func loadConfig(cmd *cobra.Command) error {
	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(configFilePath)
	} else {
		viper.AddConfigPath(filepath.Join(home, ".fieldsync"))
		viper.AddConfigPath(filepath.Join(home, ".config/fieldsync"))
		viper.SetConfigName(configFileName)
		viper.SetConfigType("json")
	}

	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !enoent && !notFound {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.BindPFlag("data_dir", cmd.Flags().Lookup("datadir"))
	viper.BindPFlag("server_url", cmd.Flags().Lookup("server"))
	viper.BindPFlag("user_id", cmd.Flags().Lookup("user"))

	viper.SetEnvPrefix("FIELDSYNC")
	viper.AutomaticEnv()

	return nil
}

func configFromViper() *daemon.Config {
	return &daemon.Config{
		DataDir:         viper.GetString("data_dir"),
		ServerURL:       viper.GetString("server_url"),
		UserID:          viper.GetString("user_id"),
		SurveyID:        viper.GetString("survey_id"),
		TileURLTemplate: viper.GetString("tile_url_template"),
		TileZoomLevels:  viper.GetIntSlice("tile_zoom_levels"),
		SyncSchedule:    viper.GetString("sync_schedule"),
		TileSchedule:    viper.GetString("tile_schedule"),
		MaxRetries:      viper.GetInt("max_retries"),
		PhotoWorkers:    viper.GetInt("photo_workers"),
	}
}
