package cmd

import (
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:          "serve",
	Short:        "Run the http server",
	RunE:         runServe,
	SilenceUsage: true,
}

func init() {
	f := serveCmd.Flags()
	f.StringP("listenaddr", "l", ":8080", "http listen address")
	f.StringP("tlsaddr", "t", ":8443", "https listen address")
	f.StringP("tlskey", "k", "", "TLS private key file path")
	f.StringP("tlscert", "c", "", "TLS certificate file path")
	f.BoolP("tlsonly", "s", false, "Only serve TLS")
	f.String("admintoken", "", "Token operator requests must send in the X-Admin-Token header")
}

func runServe(cmd *cobra.Command, args []string) error {
	s, err := loadServer(cmd, false)
	if err != nil {
		return err
	}
	s.ListenAndServe()
	return nil
}
