package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-model-manager/index"
	"go-model-manager/internal/database"
	"go-model-manager/internal/events"
	"go-model-manager/internal/manager"
	"go-model-manager/internal/scanner"
	"go-model-manager/internal/server"
	"go-model-manager/internal/sidecar"
	"go-model-manager/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the model manager HTTP server",
	Long: `Starts the HTTP API: download task endpoints, folder scan endpoints,
model metadata endpoints and the Server-Sent Events push channel.
Interrupted downloads are recovered from the task store on startup.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "Listen address (overrides config)")
	viper.BindPFlag("serve.listen", serveCmd.Flags().Lookup("listen"))
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if listen := viper.GetString("serve.listen"); listen != "" {
		globalConfig.ListenAddr = listen
	}
	if len(globalConfig.ModelRoots) == 0 {
		return errors.New("no ModelRoots configured, nothing to serve")
	}

	db, err := database.Open(globalConfig.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	idx, err := index.OpenOrCreateIndex(globalConfig.BleveIndexPath)
	if err != nil {
		return err
	}
	defer idx.Close()

	bus := events.NewBus()
	locker := sidecar.NewLocker()
	tasks := store.NewTaskStore(db)
	cache := store.NewScanCacheStore(db, time.Duration(globalConfig.ScanCacheTTLSec)*time.Second)

	m := manager.New(&globalConfig, tasks, bus, locker, httpClient())
	engine := scanner.New(&globalConfig, cache, bus, locker, idx)
	m.SetScanNotifier(engine.PatchRecord)

	if err := m.Recover(); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              globalConfig.ListenAddr,
		Handler:           server.New(&globalConfig, m, engine, bus).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-done
		log.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("HTTP server shutdown error")
		}
		m.Shutdown()
	}()

	log.Infof("HTTP server listening on %s", globalConfig.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
