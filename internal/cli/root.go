// Package cli provides the command-line client of chatsync.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/MegaGrindStone/chatsync/internal/client"
	"github.com/MegaGrindStone/chatsync/internal/config"
	"github.com/MegaGrindStone/chatsync/internal/models"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "0.1.0"

type app struct {
	cfgPath  string
	server   string
	token    string
	logLevel string

	cfg      config.Config
	logger   *slog.Logger
	closeLog func() error
	session  *client.Session
	api      *client.Client

	out io.Writer
}

// NewRootCmd builds the command tree. Command output goes to out.
func NewRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}

	rootCmd := &cobra.Command{
		Use:   "chatsync",
		Short: "Chat client that keeps a local view in sync with the server",
		Long: `chatsync talks to a chat backend: it lists conversations, prints their
history, and sends messages whose replies are streamed and reconciled
with the server's history.

Settings are read from the config file, then CHATSYNC_* environment
variables (a .env file in the working directory is loaded first), then
flags.`,
		Version:           Version,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.closeLog != nil {
				_ = a.closeLog()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", "", "config file (default is $XDG_CONFIG_HOME/chatsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&a.server, "server", "", "server base URL")
	rootCmd.PersistentFlags().StringVar(&a.token, "token", "", "bearer token")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.SetOut(out)
	rootCmd.AddCommand(a.chatsCmd())
	rootCmd.AddCommand(a.historyCmd())
	rootCmd.AddCommand(a.newCmd())
	rootCmd.AddCommand(a.sendCmd())
	return rootCmd
}

// Execute runs the command line.
func Execute() error {
	return NewRootCmd(os.Stdout).Execute()
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}

	path, required := a.cfgPath, true
	if path == "" {
		required = false
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return err
		}
	}
	cfg, err := config.Load(path, required)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("server") {
		cfg.Server = a.server
	}
	if flags.Changed("token") {
		cfg.Token = a.token
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = a.logLevel
	}
	a.cfg = cfg

	a.logger, a.closeLog = config.SetupLogger(cfg.LogFile, config.ParseLogLevel(cfg.LogLevel))

	a.session = client.NewSession()
	if cfg.Token != "" {
		a.session.Login(models.User{ID: "cli", Token: cfg.Token})
	}
	a.api = client.New(cfg.Server, a.session, a.logger)
	return nil
}
