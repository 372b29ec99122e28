package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"go-model-manager/internal/database"
	"go-model-manager/internal/helpers"
	"go-model-manager/internal/models"
	"go-model-manager/internal/store"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List persisted download tasks",
	RunE:  runTasks,
}

func init() {
	rootCmd.AddCommand(tasksCmd)
}

func runTasks(cmd *cobra.Command, args []string) error {
	db, err := database.Open(globalConfig.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	tasks, err := store.NewTaskStore(db).LoadAll()
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No download tasks.")
		return nil
	}

	for _, t := range tasks {
		progress := ""
		if t.TotalSizeBytes > 0 && t.Status != models.StatusCompleted {
			progress = fmt.Sprintf(" %s/%s",
				helpers.BytesToSize(uint64(t.DownloadedSizeBytes)),
				helpers.BytesToSize(uint64(t.TotalSizeBytes)))
		}
		errMsg := ""
		if t.ErrorMessage != "" {
			errMsg = " (" + t.ErrorMessage + ")"
		}
		fmt.Printf("%s  %-9s %s%s%s\n", t.TaskID, t.Status, t.RelPath(), progress, errMsg)
	}
	return nil
}
