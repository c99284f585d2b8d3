// Command nms-server runs the network monitoring system's server
// controller: it loads a tasks JSON file, opens a metrics database, and
// serves the reliable datagram transport and TCP alert stream until
// interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-envparse"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/pflag"

	"github.com/cc-nms/nms/internal/config"
	"github.com/cc-nms/nms/internal/metricsx"
	"github.com/cc-nms/nms/internal/server"
	"github.com/cc-nms/nms/internal/store"
	"github.com/cc-nms/nms/internal/taskfile"
)

var opt struct {
	Help bool
	Env  string
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
	pflag.StringVar(&opt.Env, "env", "", "Read config from this env file instead of the environment")
}

func main() {
	pflag.Parse()

	if pflag.NArg() != 2 || opt.Help {
		fmt.Printf("usage: %s [options] <tasks-json-file> <metrics-db-file>\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(1)
	}
	tasksPath, dbPath := pflag.Arg(0), pflag.Arg(1)

	e := os.Environ()
	if opt.Env != "" {
		x, err := readEnv(opt.Env)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
			os.Exit(1)
		}
		e = x
	}

	var cfg config.Config
	if err := cfg.UnmarshalEnv(e); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse config: %v\n", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger(os.Stderr)

	tasks, err := taskfile.Load(tasksPath)
	if err != nil {
		logger.Error().Err(err).Str("path", tasksPath).Msg("failed to load tasks file, proceeding with empty task list")
		tasks = nil
	}

	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: open metrics db: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ctrl, err := server.New(cfg, tasks, st, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: initialize server: %v\n", err)
		os.Exit(1)
	}
	defer ctrl.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		metricsErrc := make(chan error, 1)
		go metricsx.ServeHTTP(ctx, cfg.MetricsAddr, metricsErrc)
		go func() {
			if err := <-metricsErrc; err != nil {
				logger.Error().Err(err).Msg("metrics server exited with error")
			}
		}()
	}

	if err := ctrl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
}

func readEnv(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return nil, err
	}

	r := make([]string, 0, len(m))
	for k, v := range m {
		r = append(r, k+"="+v)
	}
	return r, nil
}
