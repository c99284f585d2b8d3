// Command nms-agent runs one network monitoring system agent: it registers
// with the server, waits for its task assignment, and runs the periodic
// probes and alert evaluation the server's tasks describe.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/hashicorp/go-envparse"
	"github.com/spf13/pflag"

	"github.com/cc-nms/nms/internal/agent"
	"github.com/cc-nms/nms/internal/config"
	"github.com/cc-nms/nms/internal/metricsx"
	"github.com/cc-nms/nms/internal/transport"
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
		fmt.Printf("usage: %s [options] <server_ip> <agent_id>\n\noptions:\n%s", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(1)
	}
	serverIP, agentID := pflag.Arg(0), pflag.Arg(1)

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

	serverAddr, err := netip.ParseAddrPort(net.JoinHostPort(serverIP, strconv.Itoa(int(cfg.DatagramAddr.Port()))))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: parse server_ip %q: %v\n", serverIP, err)
		os.Exit(1)
	}
	alertAddr := net.JoinHostPort(serverIP, strconv.Itoa(int(cfg.AlertAddr.Port())))

	sched, err := agent.New(agentID, serverAddr, alertAddr, transport.Options{
		RetransmissionTimeout: cfg.RetransmissionTimeout,
		MaxRetries:            cfg.MaxRetries,
		FlowControl:           cfg.FlowControl,
	}, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: initialize agent: %v\n", err)
		os.Exit(1)
	}
	defer sched.Close()

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

	go sched.Serve(ctx)

	if err := sched.Register(ctx); err != nil {
		if errors.Is(err, agent.ErrAlreadyRegistered) || errors.Is(err, agent.ErrInvalidID) {
			logger.Error().Err(err).Msg("registration rejected, exiting")
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "error: register: %v\n", err)
		os.Exit(1)
	}

	<-ctx.Done()
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
