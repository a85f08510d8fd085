package cmd

import (
	"github.com/spf13/cobra"

	"github.com/grimoire-rpg/grimoire/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve <path>",
	Short: "Serve a system package over HTTP",
	Long: `Serve loads the system package and exposes it over HTTP: browse
endpoints under /api plus non-interactive flow execution. A flow that
pauses for player input returns 409 with the prompt payload; resume it
through POST /api/executions/:id/resume.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sys, err := loadSystem(args[0])
		if err != nil {
			return err
		}
		eng, err := buildEngine(sys)
		if err != nil {
			return err
		}

		settings := settingsFor("server")
		if serveAddr != "" {
			if settings == nil {
				settings = map[string]any{}
			}
			settings["addr"] = serveAddr
		}
		srv, err := server.New(sys, eng, logger, settings)
		if err != nil {
			return err
		}
		return srv.Run()
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", "", "listen address (default :8789)")
	rootCmd.AddCommand(serveCmd)
}
