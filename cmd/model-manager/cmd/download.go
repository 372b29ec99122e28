package cmd

import (
	"errors"
	"fmt"

	"github.com/gosuri/uilive"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-model-manager/internal/database"
	"go-model-manager/internal/events"
	"go-model-manager/internal/helpers"
	"go-model-manager/internal/manager"
	"go-model-manager/internal/models"
	"go-model-manager/internal/sidecar"
	"go-model-manager/internal/store"
)

var downloadCmd = &cobra.Command{
	Use:   "download <url>",
	Short: "Download a model into a configured folder",
	Long: `Creates a download task for the given URL and waits for it to finish,
showing live progress. The model lands in the configured folder together
with its sidecar metadata file.`,
	Args: cobra.ExactArgs(1),
	RunE: runDownload,
}

func init() {
	downloadCmd.Flags().String("type", "checkpoints", "Model type folder to download into")
	downloadCmd.Flags().Int("path-index", 0, "Index of the configured root for the model type")
	downloadCmd.Flags().String("sub-folder", "", "Sub folder below the model root")
	downloadCmd.Flags().String("fullname", "", "Destination file name including extension (required)")
	downloadCmd.Flags().Int64("size", 0, "Expected size in bytes, 0 if unknown")
	downloadCmd.Flags().String("platform", "", "Source platform (civitai, huggingface)")
	downloadCmd.MarkFlagRequired("fullname")

	viper.BindPFlag("download.type", downloadCmd.Flags().Lookup("type"))
	viper.BindPFlag("download.path_index", downloadCmd.Flags().Lookup("path-index"))
	viper.BindPFlag("download.sub_folder", downloadCmd.Flags().Lookup("sub-folder"))
	viper.BindPFlag("download.fullname", downloadCmd.Flags().Lookup("fullname"))
	viper.BindPFlag("download.size", downloadCmd.Flags().Lookup("size"))
	viper.BindPFlag("download.platform", downloadCmd.Flags().Lookup("platform"))

	rootCmd.AddCommand(downloadCmd)
}

func runDownload(cmd *cobra.Command, args []string) error {
	db, err := database.Open(globalConfig.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	bus := events.NewBus()
	m := manager.New(&globalConfig, store.NewTaskStore(db), bus, sidecar.NewLocker(), httpClient())
	defer m.Shutdown()

	ch, dispose := bus.Subscribe()
	defer dispose()

	task, err := m.CreateTask(manager.CreateRequest{
		ModelType:      viper.GetString("download.type"),
		PathIndex:      viper.GetInt("download.path_index"),
		SubFolder:      viper.GetString("download.sub_folder"),
		Fullname:       viper.GetString("download.fullname"),
		SourceURL:      args[0],
		SourcePlatform: viper.GetString("download.platform"),
		TotalSizeBytes: viper.GetInt64("download.size"),
	})
	if err != nil {
		return err
	}
	log.Infof("Created download task %s", task.TaskID)

	writer := uilive.New()
	writer.Start()
	defer writer.Stop()

	for ev := range ch {
		switch ev.Name {
		case events.UpdateDownloadTask:
			t, ok := ev.Payload.(*models.DownloadTask)
			if !ok || t.TaskID != task.TaskID {
				continue
			}
			if t.TotalSizeBytes > 0 {
				fmt.Fprintf(writer, "Downloading %s: %s / %s (%s/s)\n",
					t.Fullname(),
					helpers.BytesToSize(uint64(t.DownloadedSizeBytes)),
					helpers.BytesToSize(uint64(t.TotalSizeBytes)),
					helpers.BytesToSize(uint64(t.BytesPerSecond)))
			} else {
				fmt.Fprintf(writer, "Downloading %s: %s (%s/s)\n",
					t.Fullname(),
					helpers.BytesToSize(uint64(t.DownloadedSizeBytes)),
					helpers.BytesToSize(uint64(t.BytesPerSecond)))
			}
		case events.CompleteDownloadTask:
			fmt.Fprintf(writer, "Downloaded %s\n", task.Fullname())
			return nil
		case events.ErrorDownloadTask:
			detail, ok := ev.Payload.(map[string]string)
			if ok && detail["taskId"] == task.TaskID {
				return fmt.Errorf("download failed: %s", detail["error"])
			}
		}
	}
	return errors.New("event stream closed before the download finished")
}
