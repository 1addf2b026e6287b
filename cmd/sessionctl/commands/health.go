package commands

import (
	"fmt"

	"github.com/opd-ai/mixsession"
	"github.com/opd-ai/mixsession/simulation"
	"github.com/spf13/cobra"
)

// health: one node-registration check against a simulated engine.
func healthCmd() *cobra.Command {
	var registered, total int
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Run the node-registration health check",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng := simulation.NewEngine(simulation.Config{
				Registered: registered,
				Total:      total,
				Logger:     log,
			})
			options := mixsession.NewOptions()
			options.Config = cfg
			options.Logger = log
			s, err := mixsession.New(eng, options)
			if err != nil {
				return err
			}
			if err := s.CheckNetwork(cmd.Context()); err != nil {
				return err
			}
			fmt.Printf("network healthy: %d/%d nodes registered\n", registered, total)
			return nil
		},
	}
	cmd.Flags().IntVar(&registered, "registered", 90, "registered nodes reported by the simulated engine")
	cmd.Flags().IntVar(&total, "total", 100, "total nodes reported by the simulated engine")
	return cmd
}
