// Command rendezvous joins, inspects and cleans up cross-process barriers.
//
//	rendezvous wait --session 29500 --rank 0 --size 4 --rounds 10
//	rendezvous inspect --comm-id 10.0.0.1:29500
//	rendezvous clean --session 29500
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// app carries what the root command resolves for its subcommands.
type app struct {
	cfg     Config
	session int
	logger  *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{logger: zap.NewNop()}

	root := &cobra.Command{
		Use:           "rendezvous",
		Short:         "Cross-process barrier over shared memory",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags(), os.Getenv)
			if err != nil {
				return err
			}
			session, err := cfg.ResolveSession()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.session = session
			a.logger = logger.With(zap.Int("session", session))
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			a.logger.Sync()
		},
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "YAML config file")
	pf.String("dir", "", "namespace directory holding the shared objects (default /dev/shm)")
	pf.Int("session", -1, "session id the object names are derived from")
	pf.String("comm-id", "", "host:port communicator address; the port is the session id")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(newWaitCmd(a), newCleanCmd(a), newInspectCmd(a))
	return root
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "rendezvous:", err)
		os.Exit(1)
	}
}
