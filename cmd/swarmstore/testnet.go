package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"swarmstore/pkg/config"
	"swarmstore/pkg/node"
)

func testnetCmd() *cobra.Command {
	var (
		count    int
		basePort int
		host     string
		dataDir  string
	)

	cmd := &cobra.Command{
		Use:   "testnet",
		Short: "Run a local network of nodes in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			if count < 1 {
				return fmt.Errorf("need at least one node")
			}

			var nodes []*node.Node
			defer func() {
				for i := len(nodes) - 1; i >= 0; i-- {
					nodes[i].Stop()
				}
			}()

			seed := fmt.Sprintf("%s:%d", host, basePort)
			for i := 0; i < count; i++ {
				cfg, err := config.Load(configFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				addr := fmt.Sprintf("%s:%d", host, basePort+i)
				cfg.Node.Address = addr
				cfg.Node.AdvertiseAddress = addr
				if dataDir == "" {
					cfg.Node.InMemory = true
				} else {
					cfg.Node.DataDir = filepath.Join(dataDir, fmt.Sprintf("node-%02d", i))
				}
				if i > 0 {
					cfg.Node.BootstrapPeers = []string{seed}
				}

				n, err := node.New(node.Options{Config: cfg, Logger: logger.With(zap.Int("index", i))})
				if err != nil {
					return fmt.Errorf("failed to create node %d: %w", i, err)
				}
				if err := n.Start(); err != nil {
					return fmt.Errorf("failed to start node %d: %w", i, err)
				}
				nodes = append(nodes, n)
			}

			t := table.New().
				Border(lipgloss.RoundedBorder()).
				BorderStyle(lipgloss.NewStyle().Foreground(primaryColor)).
				Headers("#", "NODE ID", "ADDRESS")
			for i, n := range nodes {
				t.Row(fmt.Sprint(i), n.ID().Short(), n.Info().Addr)
			}
			fmt.Println(t.Render())
			fmt.Println(mutedStyle.Render(fmt.Sprintf("Bootstrap peer %s. Press Ctrl+C to stop.", seed)))

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			<-sigChan
			logger.Info("Shutting down testnet", zap.Int("nodes", len(nodes)))
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "nodes", "n", 10, "number of nodes")
	cmd.Flags().IntVar(&basePort, "base-port", 7100, "port of the first node")
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "host to bind")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "keep node stores under this directory instead of in memory")

	return cmd
}
