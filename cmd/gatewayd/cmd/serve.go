package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/defai-digital/mlx-serving-sub005/controller/admission"
	"github.com/defai-digital/mlx-serving-sub005/controller/cleanup"
	"github.com/defai-digital/mlx-serving-sub005/controller/engine"
	"github.com/defai-digital/mlx-serving-sub005/controller/router"
	"github.com/defai-digital/mlx-serving-sub005/controller/scheduler"
	"github.com/defai-digital/mlx-serving-sub005/controller/worker"
)

var adminAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "start the gateway and its supervised worker pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		if workerCommand == "" {
			if env := os.Getenv("GATEWAYD_WORKER_COMMAND"); env != "" {
				workerCommand = env
			} else {
				return fmt.Errorf("--worker-command (or $GATEWAYD_WORKER_COMMAND) is required")
			}
		}

		opts := engine.Options{
			Worker: worker.Options{
				Count:   workerCount,
				Spawner: &worker.ProcessSpawner{Command: workerCommand},
			},
			Scheduler: scheduler.Options{MaxConcurrent: workerCount * 4},
			Router:    router.Options{},
			Admission: admission.Options{},
			Cleanup:   cleanup.Options{},
		}
		e := engine.New(opts)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := e.Start(ctx); err != nil {
			fmt.Fprintf(stderr, "%s failed to start worker pool: %v\n", failStatus, err)
			return err
		}
		fmt.Fprintf(stdout, "%s gatewayd started with %d worker(s)\n", okStatus, workerCount)

		if adminAddr != "" {
			mux := http.NewServeMux()
			mux.HandleFunc("/stats", e.ServeHTTP)
			srv := &http.Server{Addr: adminAddr, Handler: mux}
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.WithError(err).Warn("admin server exited")
				}
			}()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			fmt.Fprintf(stdout, "%s admin stats endpoint on %s/stats\n", okStatus, adminAddr)
		}

		<-ctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Dispose(shutdownCtx)
	},
}
