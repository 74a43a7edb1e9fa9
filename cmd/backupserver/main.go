package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/dps_backup/cmd/internal/logcfg"
	"github.com/danmuck/dps_backup/src/server"
	"github.com/danmuck/dps_backup/src/store"
	logs "github.com/danmuck/smplog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	addr := flag.String("addr", ":1234", "TCP listen address")
	storageDir := flag.String("storage", "local/backups", "storage directory")
	metricsAddr := flag.String("metrics", "", "HTTP address for /metrics and the admin view (empty disables)")
	chunkSize := flag.Int("chunk-size", 4096, "streaming chunk size in bytes")
	idle := flag.Duration("idle-timeout", 0, "drop connections idle for this long (0 disables)")
	verbose := flag.Bool("verbose", false, "log every stored, restored and deleted file")
	logConfig := flag.String("log-config", "", "smplog TOML config")
	flag.Parse()

	logs.Configure(logcfg.Load(*logConfig))

	cfg := store.DefaultConfig(*storageDir)
	cfg.Verbose = *verbose
	st, err := store.InitStore(cfg)
	if err != nil {
		logs.Fatalf(err, "failed to init store")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv := server.New(st,
		server.WithMetrics(server.NewMetrics(reg)),
		server.WithChunkSize(*chunkSize),
		server.WithIdleTimeout(*idle),
	)
	if err := srv.ListenAndServe(*addr); err != nil {
		logs.Fatalf(err, "failed to listen")
	}

	var admin *http.Server
	if *metricsAddr != "" {
		admin = &http.Server{
			Addr:              *metricsAddr,
			Handler:           adminRouter(st, reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logs.Infof("metrics listening on %s", *metricsAddr)
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logs.Errorf(err, "metrics server exited")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logs.Infof("shutting down")

	if admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := admin.Shutdown(shutdownCtx); err != nil {
			logs.Errorf(err, "metrics shutdown error")
		}
		cancel()
	}
	if err := srv.Close(); err != nil {
		logs.Errorf(err, "shutdown error")
	}
}
