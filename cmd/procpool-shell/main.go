// Command procpool-shell is a small demo embedding of procpool: it pools
// N copies of a user-specified program and lets an operator type
// newline-terminated instructions on stdin, each dispatched as a
// one-command submission to whichever executor is free next.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/viktorc/procpool"
	"github.com/viktorc/procpool/internal/metrics"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		program     string
		args        []string
		min, max    int
		reserve     int
		verbose     bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "procpool-shell",
		Short: "Pool copies of a program and pipe stdin lines to them as submissions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), program, args, min, max, reserve, verbose, metricsAddr)
		},
	}

	cmd.Flags().StringVar(&program, "program", "/bin/sh", "program to pool")
	cmd.Flags().StringSliceVar(&args, "arg", nil, "argument to pass to the program, repeatable")
	cmd.Flags().IntVar(&min, "min", 1, "minimum pool size")
	cmd.Flags().IntVar(&max, "max", 4, "maximum pool size")
	cmd.Flags().IntVar(&reserve, "reserve", 1, "idle reserve")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "log every lifecycle transition")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address")

	return cmd
}

func run(ctx context.Context, program string, args []string, min, max, reserve int, verbose bool, metricsAddr string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	collectors := metrics.New("procpool-shell")
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collectors.HTTPHandler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			fmt.Fprintf(os.Stderr, "metrics listening on %s\n", metricsAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintln(os.Stderr, "metrics server:", err)
			}
		}()
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
	}

	manager := func() (procpool.ProcessManager, error) {
		return &procpool.SimpleProcessManager{
			Launch: func() (procpool.ProcessLaunchSpec, error) {
				return procpool.ProcessLaunchSpec{Path: program, Args: args}, nil
			},
		}, nil
	}

	pool, err := procpool.New(ctx, procpool.Options{
		ManagerFactory:   manager,
		Min:              min,
		Max:              max,
		Reserve:          reserve,
		Verbose:          verbose,
		Metrics:          collectors,
		Name:             "procpool-shell",
	})
	if err != nil {
		return fmt.Errorf("starting pool: %w", err)
	}
	defer pool.Shutdown()

	fmt.Fprintln(os.Stderr, "enter instructions, one per line; each line is sent to the next free process")
	fmt.Fprintln(os.Stderr, "(demo only: a command is considered complete after its first output line)")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd := procpool.NewCommand(line, func(_ *procpool.Command, _ string, _ bool) bool {
			return true
		})
		sub := procpool.NewSimpleSubmission(cmd)
		handle, err := procpool.Submit(pool, sub)
		if err != nil {
			fmt.Fprintln(os.Stderr, "rejected:", err)
			continue
		}
		if _, err := handle.Wait(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "failed:", err)
			continue
		}
		for _, l := range cmd.StdoutLines() {
			fmt.Println(l)
		}
	}

	pool.Shutdown()
	pool.AwaitTermination(ctx)
	return nil
}
