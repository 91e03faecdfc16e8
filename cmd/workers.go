package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/delcom/broker/internal/logger"
	brokergrpc "github.com/delcom/broker/pkg/grpc"
	"github.com/delcom/broker/pkg/types"
)

var (
	workersAddr    string
	workersTimeout time.Duration
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "List workers available on a running broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), workersTimeout)
		defer cancel()

		c, err := brokergrpc.Dial(ctx, workersAddr, brokergrpc.ClientConfig{RPCTimeout: workersTimeout}, logger.NewNop())
		if err != nil {
			return err
		}
		defer c.Close()

		workers, err := c.ListWorkers(ctx)
		if err != nil {
			return err
		}
		renderWorkers(cmd.OutOrStdout(), workers)
		return nil
	},
}

func renderWorkers(w io.Writer, workers []types.WorkerInfo) {
	if len(workers) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("no workers available"))
		return
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers("ID", "ARCH", "CPUS", "CPU MODEL", "RAM").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	for _, wk := range workers {
		caps := wk.Capabilities
		model := "-"
		if len(caps.CPUs) > 0 {
			model = caps.CPUs[0].Model
		}
		t.Row(
			wk.ID.String(),
			caps.MachineArch,
			strconv.Itoa(len(caps.CPUs)),
			model,
			fmt.Sprintf("%d MiB", caps.RAM/(1024*1024)),
		)
	}
	fmt.Fprintln(w, t.Render())
}

func init() {
	workersCmd.Flags().StringVar(&workersAddr, "addr", "localhost:3000", "Broker address")
	workersCmd.Flags().DurationVar(&workersTimeout, "timeout", 10*time.Second, "Connect and list timeout")
}
