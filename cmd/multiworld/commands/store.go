package commands

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/cisco-open/pymultiworld/logger"
	"github.com/cisco-open/pymultiworld/store"
)

// StoreServeCmd runs a standalone rendezvous store server (store.WSStore)
// that every rank's `join` dials into. Conventionally run once, outside any
// rank's process, at the (addr, port) every `join` call is given.
var StoreServeCmd = &cobra.Command{
	Use:   "store-serve",
	Short: "Run a standalone rendezvous store server",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		port, _ := cmd.Flags().GetInt("port")

		ws := store.NewWSStore()
		mux := http.NewServeMux()
		mux.HandleFunc("/rendezvous", ws.ServeHTTP)

		listenAddr := fmt.Sprintf("%s:%d", addr, port)
		logger.Infow("rendezvous store listening", "addr", listenAddr)
		return http.ListenAndServe(listenAddr, mux)
	},
}

func init() {
	StoreServeCmd.Flags().String("addr", "0.0.0.0", "address to bind")
	StoreServeCmd.Flags().Int("port", 29500, "port to bind")
}
