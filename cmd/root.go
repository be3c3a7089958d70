// Package cmd holds the command line interface.
package cmd

import (
	"os"

	"github.com/chrisvdg/cssoptm/server"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "cssoptm",
	Short:        "Critical and unused css generation server",
	Long:         `Serves pre-computed critical css and unused css trimmed stylesheets per page and visitor variant, generating missing ones in the background.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if v, _ := cmd.Flags().GetBool("verbose"); v {
			log.SetLevel(log.DebugLevel)
		}
	},
}

// Execute runs the root command
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	f := rootCmd.PersistentFlags()
	f.String("config", "", "Config file (yaml, json or toml)")
	f.BoolP("verbose", "v", false, "Verbose output")
	f.Bool("debug", false, "Debug mode, plain fingerprints and no drain cooldown")
	f.String("site", "", "Site URL guest copies are rendered from")
	f.String("static", "", "Artifact root directory")
	f.String("summary", "", "Queue summary file path")
	f.String("tenant", "", "Site namespace in a shared artifact tree")
	f.String("endpoint", "", "Generation service URL")
	f.String("apikey", "", "Generation service API key")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(clearCmd)
}

// loadServer builds a server from the configuration of cmd
func loadServer(cmd *cobra.Command, skipSiteCheck bool) (*server.Server, error) {
	c, err := NewLoader().Load(cmd.Flags())
	if err != nil {
		return nil, err
	}
	c.SkipSiteCheck = skipSiteCheck
	return server.New(c)
}
