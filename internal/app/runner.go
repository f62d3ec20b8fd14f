package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ggonzalez94/defi-keeper/internal/config"
	clierr "github.com/ggonzalez94/defi-keeper/internal/errors"
	"github.com/ggonzalez94/defi-keeper/internal/logger"
	"github.com/ggonzalez94/defi-keeper/internal/model"
	"github.com/ggonzalez94/defi-keeper/internal/out"
	"github.com/ggonzalez94/defi-keeper/internal/policy"
	"github.com/ggonzalez94/defi-keeper/internal/schema"
	"github.com/ggonzalez94/defi-keeper/internal/version"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
	// deps replaces chain and store wiring in tests.
	deps *Dependencies
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
	}
}

type runtimeState struct {
	runner      *Runner
	flags       config.GlobalFlags
	settings    config.Settings
	root        *cobra.Command
	lastCommand string
	lastPartial bool
	logger      *zap.Logger
	services    *services
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r, logger: zap.NewNop()}
	root := state.newRootCommand()
	state.root = root
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := normalizeRunError(root.Execute())
	defer state.close()
	if err == nil {
		return 0
	}
	state.renderError("", err)
	return clierr.ExitCode(err)
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Delegated operation engine and rebalance keeper",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings

			path := trimRootPath(cmd.CommandPath())
			s.lastCommand = path
			if err := policy.CheckCommandAllowed(settings.EnableCommands, path); err != nil {
				return err
			}

			log, err := logger.New(settings.LogLevel, settings.LogFormat)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "configure logging", err)
			}
			s.logger = log.With(zap.String("command", path))
			s.services = newServices(settings, s.logger, s.runner.deps)
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	flags := cmd.PersistentFlags()
	flags.BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	flags.BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	flags.StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated)")
	flags.BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	flags.StringVar(&s.flags.EnableCommands, "enable-commands", "", "Allowlist command paths (comma-separated)")
	flags.StringVar(&s.flags.Timeout, "timeout", "", "Per-request network timeout")
	flags.IntVar(&s.flags.Retries, "retries", -1, "Retries per bundler request")
	flags.StringVar(&s.flags.LogLevel, "log-level", "", "Log level (debug|info|warn|error)")
	flags.Int64Var(&s.flags.ChainID, "chain-id", 0, "EVM chain id")
	flags.StringVar(&s.flags.RPCURL, "rpc-url", "", "RPC endpoint override")
	flags.StringVar(&s.flags.Channel, "channel", "", "Submission channel (direct|bundler)")
	flags.StringVar(&s.flags.BundlerURL, "bundler-url", "", "ERC-4337 bundler endpoint")
	flags.StringVar(&s.flags.KeySource, "key-source", "", "Delegate key source (auto|env|file|keystore)")
	flags.StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")

	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(s.newOpCommand())
	cmd.AddCommand(s.newAccountsCommand())
	cmd.AddCommand(s.newActivityCommand())
	cmd.AddCommand(s.newKeeperCommand())
	cmd.AddCommand(s.newServeCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command and operation schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := schema.Build(s.root, strings.Join(args, " "))
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(cmd, doc)
		},
	}
}

func (s *runtimeState) emitSuccess(cmd *cobra.Command, data any) error {
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: true,
		Data:    data,
		Meta:    s.meta(trimRootPath(cmd.CommandPath())),
	}
	return out.Render(s.runner.stdout, env, s.renderOptions())
}

func (s *runtimeState) renderError(commandPath string, err error) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	code := clierr.CodeInternal
	message := err.Error()
	if cErr, ok := clierr.As(err); ok {
		code = cErr.Code
	}

	opts := s.renderOptions()
	opts.ResultsOnly = false
	opts.SelectFields = nil
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Data:    []any{},
		Error: &model.ErrorBody{
			Code:    clierr.ExitCode(err),
			Type:    clierr.TypeName(code),
			Message: message,
		},
		Meta: s.meta(commandPath),
	}
	_ = out.Render(s.runner.stderr, env, opts)
}

func (s *runtimeState) meta(commandPath string) model.EnvelopeMeta {
	return model.EnvelopeMeta{
		RequestID: uuid.NewString(),
		Timestamp: s.runner.now().UTC(),
		Command:   commandPath,
		ChainID:   s.settings.ChainID,
		Channel:   s.settings.Channel,
		Partial:   s.lastPartial,
	}
}

func (s *runtimeState) renderOptions() out.Options {
	mode := s.settings.OutputMode
	if mode == "" {
		mode = "json"
	}
	return out.Options{Mode: mode, SelectFields: s.settings.SelectFields, ResultsOnly: s.settings.ResultsOnly}
}

// commandContext bounds one CLI command. Settlement polling has its own
// timeout, so the budget covers it plus network slack.
func (s *runtimeState) commandContext() (context.Context, context.CancelFunc) {
	budget := s.settings.SettlementTimeout*4 + s.settings.Timeout
	if budget <= 0 {
		budget = 10 * time.Minute
	}
	return context.WithTimeout(context.Background(), budget)
}

func (s *runtimeState) close() {
	if s.services != nil {
		s.services.close()
	}
	_ = s.logger.Sync()
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	for _, p := range []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
