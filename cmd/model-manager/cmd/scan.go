package cmd

import (
	"fmt"
	"time"

	"github.com/gosuri/uilive"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-model-manager/index"
	"go-model-manager/internal/database"
	"go-model-manager/internal/events"
	"go-model-manager/internal/helpers"
	"go-model-manager/internal/models"
	"go-model-manager/internal/scanner"
	"go-model-manager/internal/sidecar"
	"go-model-manager/internal/store"
)

var scanCmd = &cobra.Command{
	Use:   "scan <model-type>",
	Short: "Scan a model folder and extract sidecar metadata",
	Args:  cobra.ExactArgs(1),
	RunE:  runScan,
}

func init() {
	scanCmd.Flags().String("mode", models.ScanModeDiff, "Scan mode: full re-parses everything, diff only files lacking metadata")
	viper.BindPFlag("scan.mode", scanCmd.Flags().Lookup("mode"))
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	modelType := args[0]

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
	cache := store.NewScanCacheStore(db, time.Duration(globalConfig.ScanCacheTTLSec)*time.Second)
	engine := scanner.New(&globalConfig, cache, bus, sidecar.NewLocker(), idx)

	ch, dispose := bus.Subscribe()
	defer dispose()

	taskID, err := engine.StartScan(modelType, viper.GetString("scan.mode"))
	if err != nil {
		return err
	}

	writer := uilive.New()
	writer.Start()
	defer writer.Stop()

	count := 0
	for ev := range ch {
		switch ev.Name {
		case events.UpdateScanTask:
			count++
			if detail, ok := ev.Payload.(map[string]string); ok {
				fmt.Fprintf(writer, "Scanning %s: %d entries (%s)\n", modelType, count, detail["file"])
			}
		case events.CompleteScanTask:
			task, results, gerr := engine.GetScanTask(taskID)
			if gerr != nil {
				return gerr
			}
			fmt.Fprintf(writer, "Scan of %s complete: %d record(s)\n", modelType, len(results))
			writer.Stop()

			var total int64
			for _, r := range results {
				total += r.SizeBytes
			}
			fmt.Printf("Folder %s: %d record(s), %s on disk (task %s)\n",
				modelType, len(results), helpers.BytesToSize(uint64(total)), task.TaskID)
			return nil
		case events.ErrorScanTask:
			if detail, ok := ev.Payload.(map[string]string); ok {
				return fmt.Errorf("scan failed: %s", detail["error"])
			}
			return fmt.Errorf("scan failed")
		}
	}
	return nil
}
