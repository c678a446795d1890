package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cisco-open/pymultiworld/communicator"
	"github.com/cisco-open/pymultiworld/config"
	"github.com/cisco-open/pymultiworld/logger"
	"github.com/cisco-open/pymultiworld/store"
	"github.com/cisco-open/pymultiworld/transport"
	"github.com/cisco-open/pymultiworld/transport/loopback"
	"github.com/cisco-open/pymultiworld/watchdog"
	"github.com/cisco-open/pymultiworld/workerpool"
	"github.com/cisco-open/pymultiworld/world"
	"github.com/cisco-open/pymultiworld/worldmanager"
)

// JoinCmd joins a named world and runs until interrupted, exercising the
// full Manager/Communicator/Watchdog wiring against a real rendezvous
// server (see store-serve). The loopback transport shipped in this module
// is an in-process fake (transport/loopback's doc comment), so multi-rank
// collectives here only exchange data between ranks joined from the same
// process; a real deployment swaps in a transport.Transport backed by an
// actual collective library.
var JoinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a world and run until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		worldName, _ := cmd.Flags().GetString("world")
		rank, _ := cmd.Flags().GetInt("rank")
		size, _ := cmd.Flags().GetInt("size")
		addr, _ := cmd.Flags().GetString("addr")
		port, _ := cmd.Flags().GetInt("port")
		backend, _ := cmd.Flags().GetString("backend")

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		tr := loopback.New()
		pool := workerpool.New(ctx, cfg.Worker.PoolSize)
		defer pool.Stop()
		dog := watchdog.New(cfg.Watchdog)
		defer dog.Close()
		comm := communicator.New(tr, pool, dog, cfg.Transport)

		newStore := func(ctx context.Context, addr string, port int) (transport.RendezvousStore, error) {
			url := fmt.Sprintf("ws://%s:%d/rendezvous", addr, port)
			return store.DialWSClient(ctx, url, cfg.Store.DialTimeout, cfg.Store.RPCTimeout)
		}
		mgr := worldmanager.New(tr, comm, dog, pool, newStore)
		defer mgr.Stop()

		logger.Infow("joining world", "world", worldName, "rank", rank, "size", size)
		w, err := mgr.InitializeWorld(ctx, worldName, rank, size, world.Backend(backend), addr, port)
		if err != nil {
			return fmt.Errorf("failed to initialize world %q: %w", worldName, err)
		}
		logger.Infow("world joined", "world", w.Name, "state", w.State().String())

		deadlock := dog.Suspected()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			logger.Infow("received interrupt, leaving world", "world", worldName)
		case <-deadlock:
			logger.Errorw("deadlock probe fired, forcing termination", "world", worldName)
			mgr.Cleanup()
			return nil
		}

		if err := mgr.RemoveWorld(worldName); err != nil {
			return fmt.Errorf("failed to remove world %q: %w", worldName, err)
		}
		return nil
	},
}

func init() {
	JoinCmd.Flags().String("world", "default", "world name to join")
	JoinCmd.Flags().Int("rank", 0, "local rank within the world")
	JoinCmd.Flags().Int("size", 1, "number of ranks in the world")
	JoinCmd.Flags().String("addr", "localhost", "rendezvous store host")
	JoinCmd.Flags().Int("port", 29500, "rendezvous store port")
	JoinCmd.Flags().String("backend", string(world.BackendCPUCollective), "transport backend tag")
}
