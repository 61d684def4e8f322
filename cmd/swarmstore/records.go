package main

import (
	"fmt"

	"github.com/c2h5oh/datasize"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"swarmstore/pkg/config"
	"swarmstore/pkg/storage"
	"swarmstore/pkg/verifier"
)

var (
	primaryColor = lipgloss.Color("#7571f9")
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6c757d"))
)

func recordsCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "records",
		Short: "List the records in a stopped node's store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cmd.Flags().Changed("data-dir") {
				cfg.Node.DataDir = dataDir
			}

			store, err := storage.Open(storage.Options{Dir: cfg.Node.DataDir, Verifier: verifier.New()})
			if err != nil {
				return err
			}
			defer store.Close()

			t := table.New().
				Border(lipgloss.RoundedBorder()).
				BorderStyle(lipgloss.NewStyle().Foreground(primaryColor)).
				Headers("ADDRESS", "KIND", "SIZE", "VERSIONS")
			for _, addr := range store.Addresses() {
				versions, err := store.Inspect(addr)
				if err != nil || len(versions) == 0 {
					continue
				}
				t.Row(addr.String(), versions[0].Kind.String(),
					datasize.ByteSize(versions[0].Size()).HumanReadable(), fmt.Sprint(len(versions)))
			}
			fmt.Println(t.Render())
			fmt.Println(mutedStyle.Render(fmt.Sprintf("%d records, %s",
				store.Len(), datasize.ByteSize(store.UsedBytes()).HumanReadable())))
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "node data directory")

	return cmd
}
