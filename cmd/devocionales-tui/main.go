package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/AnibalFR/devocionales4.0-sub000/internal/apiclient"
	"github.com/AnibalFR/devocionales4.0-sub000/internal/config"
	"github.com/AnibalFR/devocionales4.0-sub000/internal/editing"
	"github.com/AnibalFR/devocionales4.0-sub000/internal/logging"
	"github.com/AnibalFR/devocionales4.0-sub000/internal/schema"
	"github.com/AnibalFR/devocionales4.0-sub000/internal/tui"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "devocionales-tui [kind]",
		Short: "Edit devocionales records from the terminal",
		Args:  cobra.MaximumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				viper.Set("client.kind", args[0])
			}
			return runClient(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyClientDefaults(viper.GetViper())
	defaults := config.NewClientViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("api-url", defaults.GetString("api.base_url"), "Base URL of the devocionales API")
	cmd.PersistentFlags().String("token", "", "Session token (overrides env)")
	cmd.PersistentFlags().Duration("timeout", defaults.GetDuration("api.timeout"), "Per-request timeout")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("log-file", defaults.GetString("log.file"), "File receiving client logs")

	bindFlag(cmd, "api.base_url", "api-url")
	bindFlag(cmd, "api.token", "token")
	bindFlag(cmd, "api.timeout", "timeout")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "log.file", "log-file")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runClient(ctx context.Context) error {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return err
	}
	kind, err := schema.ParseKind(clientConfig.Kind)
	if err != nil {
		return err
	}

	logger, err := logging.NewFileLogger(clientConfig.LogLevel, clientConfig.LogFormat, clientConfig.LogFile)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	client, err := apiclient.New(apiclient.Config{
		BaseURL: clientConfig.BaseURL,
		Token:   clientConfig.Token,
		Timeout: clientConfig.Timeout,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	entitySchema, err := client.Schema(ctx, kind)
	if err != nil {
		return fmt.Errorf("load %s schema: %w", kind, err)
	}

	table, err := editing.NewTable(editing.TableConfig{
		Kind:    kind,
		Fields:  entitySchema.Fields,
		Gateway: client,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	logger.Info("client starting", zap.String("kind", kind.String()), zap.String("api", clientConfig.BaseURL))
	program := tea.NewProgram(tui.NewModel(ctx, table, logger), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = program.Run()
	return err
}
