package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	ciss "github.com/ehrlich-b/go-ciss"
	"github.com/ehrlich-b/go-ciss/internal/cmdpool"
	"github.com/ehrlich-b/go-ciss/internal/logging"
)

var (
	simCommands    int
	simDepth       int
	simDelay       time.Duration
	simFailEvery   int
	simMaxCommands uint32
	simJSON        bool

	simCmd = &cobra.Command{
		Use:   "sim",
		Short: "Run a command workload against a simulated controller",
		Long: `Attach to an in-process simulated controller, keep --depth commands in
flight until --commands have completed, then quiesce, detach and print metrics`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSim(cmd.Context())
		},
	}
)

func init() {
	simCmd.Flags().IntVar(&simCommands, "commands", 10000, "Number of commands to run")
	simCmd.Flags().IntVar(&simDepth, "depth", 8, "Commands kept in flight")
	simCmd.Flags().DurationVar(&simDelay, "delay", 0, "Simulated completion latency")
	simCmd.Flags().IntVar(&simFailEvery, "fail-every", 0, "Fail every Nth command (0 = never)")
	simCmd.Flags().Uint32Var(&simMaxCommands, "board-commands", 64, "Command limit the simulated board reports")
	simCmd.Flags().BoolVar(&simJSON, "json", false, "Print controller info as JSON")
}

func runSim(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := logging.Default()

	params, err := loadParams()
	if err != nil {
		return err
	}

	board := ciss.DefaultSimConfig()
	board.MaxCommands = simMaxCommands
	board.MaxPerfCommands = simMaxCommands
	board.AutoComplete = true
	board.AutoDelay = simDelay

	c, s, err := ciss.NewSimulated(ctx, params, board, nil)
	if err != nil {
		return err
	}
	dumpStacksOnSignal()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("running workload", "commands", simCommands, "depth", simDepth)
	res, werr := runWorkload(ctx, c, s, workload{Count: simCommands, Depth: simDepth, FailEvery: simFailEvery})
	if werr != nil {
		logger.Error("workload stopped", "error", werr)
	}
	logger.Info("workload finished",
		"completed", res.Completed,
		"failed", res.Failed,
		"elapsed", res.Elapsed.String())

	info := c.Info()
	shutdown(c, 10*time.Second)

	if simJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(info); err != nil {
			return err
		}
	} else {
		fmt.Printf("Controller: %s (%s, %s transport, %d commands)\n",
			info.Name, info.Server, info.Transport, info.MaxCommands)
	}
	printMetrics(c.MetricsSnapshot())
	return werr
}

// workload describes a closed-loop command stream
type workload struct {
	Count     int
	Depth     int
	FailEvery int
}

type workloadResult struct {
	Completed int
	Failed    int
	Elapsed   time.Duration
}

// runWorkload keeps w.Depth commands in flight until w.Count have completed.
// When w.FailEvery is set, the simulator fails every FailEvery-th command.
func runWorkload(ctx context.Context, c *ciss.Controller, s *ciss.Simulator, w workload) (workloadResult, error) {
	if w.Depth <= 0 || w.Depth >= c.Info().MaxCommands {
		return workloadResult{}, fmt.Errorf("depth %d out of range (1-%d)", w.Depth, c.Info().MaxCommands-1)
	}

	var (
		completed atomic.Int64
		failed    atomic.Int64
		wg        sync.WaitGroup
		slots     = make(chan struct{}, w.Depth)
		start     = time.Now()
	)

	done := func(b *ciss.Command, poolLocked bool) {
		if b.Failed {
			failed.Add(1)
		}
		completed.Add(1)
		c.Release(b, poolLocked)
		<-slots
		wg.Done()
	}

	var err error
loop:
	for i := 0; i < w.Count; i++ {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			err = ctx.Err()
			break loop
		}

		cmd, oerr := c.Occupy()
		if oerr != nil {
			<-slots
			err = oerr
			break
		}
		if w.FailEvery > 0 && i%w.FailEvery == w.FailEvery-1 {
			s.FailNext(cmd.Tag(), ciss.ErrorInfo{CommandStatus: cmdpool.StatusHardwareErr})
		}
		cmd.Callback = done

		wg.Add(1)
		if serr := c.Submit(cmd); serr != nil {
			wg.Done()
			c.Release(cmd, false)
			<-slots
			err = serr
			break
		}
	}

	waited := make(chan struct{})
	go func() {
		wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	return workloadResult{
		Completed: int(completed.Load()),
		Failed:    int(failed.Load()),
		Elapsed:   time.Since(start),
	}, err
}
