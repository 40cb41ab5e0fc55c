package main

import (
	"github.com/spf13/cobra"

	"github.com/darkostanimirovic/chatgraph/internal/server"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat UI and API over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			rt, err := a.newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			srv := server.New(server.Config{
				Controller:  rt.ctrl,
				Logger:      a.logger,
				CORSOrigins: a.cfg.Server.CORSOrigins,
				KeepAlive:   a.cfg.Server.KeepAlive,
			})
			return srv.ListenAndServe(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}
