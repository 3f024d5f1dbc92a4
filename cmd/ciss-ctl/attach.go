package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	ciss "github.com/ehrlich-b/go-ciss"
	"github.com/ehrlich-b/go-ciss/internal/logging"
	"github.com/ehrlich-b/go-ciss/prom"
)

var (
	resourcePath string
	uioPath      string
	useUring     bool
	metricsAddr  string
	flushOnly    bool

	attachCmd = &cobra.Command{
		Use:   "attach",
		Short: "Attach to a controller through its PCI BAR and UIO device",
		Long: `Map the controller's register BAR, initialize it and serve completions
until interrupted; then quiesce, detach and print metrics. The device must be
bound to uio_pci_generic (or a similar UIO driver) with bus mastering enabled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAttach(cmd.Context())
		},
	}
)

func init() {
	attachCmd.Flags().StringVarP(&resourcePath, "resource", "r", "", "sysfs BAR resource file (e.g. /sys/bus/pci/devices/0000:03:00.0/resource0)")
	attachCmd.Flags().StringVarP(&uioPath, "uio", "u", "", "UIO device for interrupts (e.g. /dev/uio0); empty polls")
	attachCmd.Flags().BoolVar(&useUring, "uring", false, "Wait for interrupts with io_uring (needs a giouring build)")
	attachCmd.Flags().StringVarP(&metricsAddr, "metrics-addr", "m", "", "Serve Prometheus metrics on this address (e.g. :9420)")
	attachCmd.Flags().BoolVar(&flushOnly, "flush", false, "Flush the controller cache and exit")
	attachCmd.MarkFlagRequired("resource")
}

func runAttach(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := logging.Default()

	params, err := loadParams()
	if err != nil {
		return err
	}

	options := &ciss.Options{}
	var srv *http.Server
	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		obs, err := prom.NewObserver(reg, params.Name)
		if err != nil {
			return fmt.Errorf("metrics: %v", err)
		}
		options.Observer = obs

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
		logger.Info("serving metrics", "addr", metricsAddr)
	}

	hw := ciss.Hardware{ResourcePath: resourcePath, UIOPath: uioPath, UseUring: useUring}
	c, err := ciss.Open(ctx, params, hw, options)
	if err != nil {
		return err
	}
	dumpStacksOnSignal()

	info := c.Info()
	fmt.Printf("Controller attached: %s (%s)\n", info.Name, info.Server)
	fmt.Printf("Transport: %s, %d commands, block fetch %d\n", info.Transport, info.MaxCommands, info.BlockFetch)

	if flushOnly {
		fctx, cancel := context.WithTimeout(ctx, params.SyncTimeout)
		err := c.FlushCache(fctx)
		cancel()
		shutdown(c, params.SyncTimeout)
		if err != nil {
			return err
		}
		fmt.Println("Cache flushed")
		return nil
	}

	fmt.Printf("\nPress Ctrl+C to quiesce and detach...\n")
	sctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sctx.Done()
	logger.Info("received shutdown signal")

	// Quiesce may wait for every outstanding command and two polled
	// commands, each bounded by the poll timeout.
	limit := 3*time.Duration(params.PollTimeoutMs)*time.Millisecond + time.Second
	shutdown(c, limit)
	printMetrics(c.MetricsSnapshot())
	return nil
}
