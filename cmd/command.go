package cmd

import (
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var configDir string

var rootCmd = &cobra.Command{
	Use:   "coursemedia",
	Short: "Coursemedia - LMS video ingestion pipeline",
	Long: `Coursemedia ingests course videos for an LMS: resumable chunked
uploads into object storage, direct handoff to a managed video backend,
asynchronous transfer jobs, processing webhooks, and realtime status
fanout to the uploading user.`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config_dir", ".", "Directory for configuration files")
}

// loadConfiguration merges the named config file into viper, if one
// exists. Env vars (COURSEMEDIA_*) always participate.
func loadConfiguration(configFileName string) bool {
	viper.SetConfigName(configFileName)
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.coursemedia")
	viper.AddConfigPath("/etc/coursemedia/")
	viper.SetEnvPrefix("coursemedia")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.MergeInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Info().Msgf("Config file not found: %s", configFileName)
			return false
		}
		log.Fatal().Err(err).Msgf("Failed to load config file: %s", configFileName)
	}
	log.Info().Msgf("Loaded config file: %s", viper.ConfigFileUsed())
	return true
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
