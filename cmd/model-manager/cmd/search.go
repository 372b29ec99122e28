package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-model-manager/index"
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search scanned models in the local index",
	Long: `Runs a query-string search over the local model index. Fields are
searchable by name, e.g. '+type:loras detail' or '+baseModel:SDXL'.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().Int("limit", 20, "Maximum number of hits to print")
	viper.BindPFlag("search.limit", searchCmd.Flags().Lookup("limit"))
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	idx, err := index.OpenOrCreateIndex(globalConfig.BleveIndexPath)
	if err != nil {
		return err
	}
	defer idx.Close()

	query := strings.Join(args, " ")
	results, err := index.SearchIndex(idx, query)
	if err != nil {
		return err
	}

	fmt.Printf("%d match(es) for %q (%.2fms)\n", results.Total, query, float64(results.Took.Microseconds())/1000)
	limit := viper.GetInt("search.limit")
	for i, hit := range results.Hits {
		if i >= limit {
			fmt.Printf("... and %d more\n", int(results.Total)-limit)
			break
		}
		name, _ := hit.Fields["name"].(string)
		modelType, _ := hit.Fields["type"].(string)
		fmt.Printf("  %-12s %s (score %.3f)\n", modelType, name, hit.Score)
	}
	return nil
}
