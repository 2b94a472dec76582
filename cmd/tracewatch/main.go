package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agent-racer/tracewatch/internal/config"
	"github.com/agent-racer/tracewatch/internal/index"
	"github.com/agent-racer/tracewatch/internal/logging"
)

var Version = "dev"

// app carries what every subcommand needs once flags are parsed.
type app struct {
	configPath string
	logLevel   string

	cfg *config.Config
	log *zap.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "tracewatch",
		Short:         "Index and tail coding-agent session traces",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", config.DefaultPath(), "Path to config file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Override log level (debug, info, warn, error)")

	root.AddCommand(serveCmd(a))
	root.AddCommand(listCmd(a))
	root.AddCommand(showCmd(a))
	return root
}

func (a *app) load() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = log
	return nil
}

// openIndex builds an index and runs one full refresh. One-shot commands
// never start the watcher.
func (a *app) openIndex(ctx context.Context) (*index.Index, error) {
	cfg := *a.cfg
	cfg.Index.Watch = false
	ix, err := index.New(&cfg, index.Options{Logger: a.log})
	if err != nil {
		return nil, err
	}
	if err := ix.Refresh(ctx); err != nil {
		return nil, err
	}
	return ix, nil
}

// colorOutput reports whether w is a terminal that should get colors.
func colorOutput(w io.Writer) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
