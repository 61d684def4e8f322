package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"swarmstore/pkg/config"
	"swarmstore/pkg/node"
)

func nodeCmd() *cobra.Command {
	var (
		address        string
		advertise      string
		dataDir        string
		capacity       string
		bootstrapPeers []string
	)

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a storage node",
		Long:  `Start a storage node that joins the network through its bootstrap peers and holds the records closest to it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			// Flags win over file and environment.
			if cmd.Flags().Changed("address") {
				cfg.Node.Address = address
			}
			if cmd.Flags().Changed("advertise") {
				cfg.Node.AdvertiseAddress = advertise
			}
			if cmd.Flags().Changed("data-dir") {
				cfg.Node.DataDir = dataDir
			}
			if cmd.Flags().Changed("capacity") {
				var size datasize.ByteSize
				if err := size.UnmarshalText([]byte(capacity)); err != nil {
					return fmt.Errorf("invalid capacity %q: %w", capacity, err)
				}
				cfg.Node.StorageCapacity = size
			}
			if cmd.Flags().Changed("bootstrap") {
				cfg.Node.BootstrapPeers = bootstrapPeers
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			n, err := node.New(node.Options{Config: cfg, Logger: logger})
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}
			if err := n.Start(); err != nil {
				return err
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			<-sigChan

			logger.Info("Shutting down storage node", zap.String("node_id", n.ID().String()))
			n.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "address", ":7100", "node listening address")
	cmd.Flags().StringVar(&advertise, "advertise", "", "address announced to peers (defaults to --address)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "directory for the record store")
	cmd.Flags().StringVar(&capacity, "capacity", "1GB", "storage capacity")
	cmd.Flags().StringSliceVar(&bootstrapPeers, "bootstrap", nil, "bootstrap peer addresses")

	return cmd
}
