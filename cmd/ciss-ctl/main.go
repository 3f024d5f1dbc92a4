package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	ciss "github.com/ehrlich-b/go-ciss"
	"github.com/ehrlich-b/go-ciss/internal/logging"
)

var (
	// Flag variables shared by all subcommands
	configPath string
	logLevel   string
	logFormat  string
	ctlrName   string
	transport  string

	// RootCmd is the ciss-ctl entry point
	RootCmd = &cobra.Command{
		Use:          "ciss-ctl",
		Short:        "CISS controller command-queue utility",
		Long:         `Drive a CISS (Smart Array) controller, or a simulated one, from user space`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := logging.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %v", logLevel, err)
			}
			cfg := logging.DefaultConfig()
			cfg.Level = lvl
			cfg.Format = logFormat
			logging.SetDefault(logging.NewLogger(cfg))
			return nil
		},
	}
)

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML controller parameters")
	RootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "Log level (debug, info, warn, error)")
	RootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text or json)")
	RootCmd.PersistentFlags().StringVarP(&ctlrName, "name", "n", "", "Controller name (overrides config)")
	RootCmd.PersistentFlags().StringVarP(&transport, "transport", "t", "", "Transport: simple or performant (default: best supported)")

	RootCmd.AddCommand(simCmd, attachCmd)
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadParams merges the config file and command-line overrides
func loadParams() (ciss.Params, error) {
	params := ciss.DefaultParams()
	if configPath != "" {
		p, err := ciss.LoadParams(configPath)
		if err != nil {
			return params, err
		}
		params = p
	}
	if ctlrName != "" {
		params.Name = ctlrName
	}
	if transport != "" {
		params.Transport = transport
	}
	return params, params.Validate()
}

// dumpStacksOnSignal writes all goroutine stacks to stderr on SIGUSR1
func dumpStacksOnSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	go func() {
		for range ch {
			buf := make([]byte, 1024*1024)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "\n=== FULL GOROUTINE STACK DUMP ===\n%s\n=== END STACK DUMP ===\n\n", buf[:n])
		}
	}()
}

// shutdown quiesces and detaches c, giving up after timeout
func shutdown(c *ciss.Controller, timeout time.Duration) {
	logger := logging.Default()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := c.Quiesce(); err != nil {
			logger.Error("quiesce failed", "error", err)
		}
		if err := c.Detach(); err != nil {
			logger.Error("detach failed", "error", err)
		} else {
			logger.Info("controller detached")
		}
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warn("shutdown timeout, forcing exit")
	}
}

// printMetrics writes a metrics snapshot in human-readable form
func printMetrics(s ciss.MetricsSnapshot) {
	fmt.Printf("Commands:   %d submitted, %d completed, %d failed (%.2f%%)\n",
		s.Submits, s.Completions, s.CommandErrors, s.ErrorRate)
	fmt.Printf("Throughput: %.0f commands/s\n", s.CommandsPerSec)
	fmt.Printf("Latency:    avg %s, p50 %s, p99 %s, p99.9 %s\n",
		formatNs(s.AvgLatencyNs), formatNs(s.LatencyP50Ns), formatNs(s.LatencyP99Ns), formatNs(s.LatencyP999Ns))
	fmt.Printf("Queue:      avg %.1f outstanding, max %d\n", s.AvgOutstanding, s.MaxOutstanding)
	fmt.Printf("Interrupts: %d claimed, %d unclaimed\n", s.Interrupts-s.InterruptsUnclaimed, s.InterruptsUnclaimed)
	fmt.Printf("Health:     %d spurious, %d sync timeouts, %d lockups, %d service impacts\n",
		s.Spurious, s.SyncTimeouts, s.Lockups, s.ServiceImpacts)
}

// formatNs formats a nanosecond count as a rounded duration
func formatNs(ns uint64) string {
	d := time.Duration(ns)
	switch {
	case d >= time.Second:
		return d.Round(time.Millisecond).String()
	case d >= time.Millisecond:
		return d.Round(time.Microsecond).String()
	default:
		return d.String()
	}
}
