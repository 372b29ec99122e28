package cmd

import (
	"fmt"
	"net/http"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-model-manager/internal/api"
	"go-model-manager/internal/config"
	"go-model-manager/internal/models"
)

// cfgFile holds the path to the config file specified by the user
var cfgFile string

// logLevel and logFormat control logrus setup for all commands
var logLevel string
var logFormat string

// logHttpFlag holds the value of the --log-http flag
var logHttpFlag bool

// globalConfig holds the loaded configuration
var globalConfig models.Config

// globalHttpTransport holds the globally configured HTTP transport (base or logging-wrapped)
var globalHttpTransport http.RoundTripper

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "model-manager",
	Short: "Manage model downloads and local model folders",
	Long: `Model Manager downloads models from Civitai and Hugging Face into
configured model folders, keeps sidecar metadata and previews next to each
model, and serves a scan/search API over the local collection.`,
	PersistentPreRunE: loadGlobalConfig,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	defer func() {
		if loggingTransport, ok := globalHttpTransport.(*api.LoggingTransport); ok && loggingTransport != nil {
			if err := loggingTransport.Close(); err != nil {
				log.WithError(err).Error("Error closing HTTP log file")
			}
		}
	}()

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing command: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.toml", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")
	rootCmd.PersistentFlags().BoolVar(&logHttpFlag, "log-http", false, "Log outbound HTTP requests to http.log (overrides config)")
}

// loadGlobalConfig loads the configuration, applies flag overrides and sets
// up logging and the shared HTTP transport.
func loadGlobalConfig(cmd *cobra.Command, args []string) error {
	initLogging()

	var err error
	globalConfig, err = config.LoadConfig(cfgFile)
	if err != nil {
		// Not fatal: commands check the fields they need and fail with a
		// clearer message if the config is genuinely required.
		log.WithError(err).Warnf("Failed to load configuration from %s", cfgFile)
		config.ApplyDefaults(&globalConfig)
	}

	if cmd.Flags().Changed("log-http") {
		globalConfig.LogHttpRequests = logHttpFlag
	}

	globalHttpTransport = http.DefaultTransport
	if globalConfig.LogHttpRequests {
		loggingTransport, terr := api.NewLoggingTransport(nil, "http.log")
		if terr != nil {
			log.WithError(terr).Warn("Could not set up HTTP request logging, continuing without")
		} else {
			globalHttpTransport = loggingTransport
		}
	}
	return nil
}

// initLogging configures logrus from the persistent flags.
func initLogging() {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.WithError(err).Warnf("Invalid log level '%s', using default 'info'", logLevel)
		level = log.InfoLevel
	}
	log.SetLevel(level)

	switch logFormat {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "text":
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		log.Warnf("Invalid log format '%s', using default 'text'", logFormat)
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

// httpClient returns the shared client used for model downloads and preview
// fetches.
func httpClient() *http.Client {
	return &http.Client{Transport: globalHttpTransport}
}
