package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hgst/nvmemem/internal/nvmelog"
	"github.com/hgst/nvmemem/internal/topology"
	"github.com/hgst/nvmemem/pkg/nvmemem"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "nvmemem-dump",
		Short:   "Inspect the DMA memory subsystem's topology and pool usage",
		Long:    "nvmemem-dump initializes the DMA memory allocator and prints a snapshot of CPU topology and memory pool statistics, then exits.",
		Version: version,
	}

	rootCmd.AddCommand(
		newTopologyCommand(),
		newMemstatCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newTopologyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "topology",
		Short: "Print discovered CPU and socket topology",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := nvmemem.InitWithConfig(quietConfig())
			if err != nil {
				return fmt.Errorf("initialize allocator: %w", err)
			}
			defer a.Cleanup()

			topo := a.Topology()
			fmt.Printf("sockets: %d\n", topo.SocketCount())
			fmt.Printf("cores:   %d\n", topo.NumCores)
			fmt.Printf("cpus:    %d\n", topo.NumCPUs)
			for i := uint32(0); i < topology.MaxCPUs; i++ {
				cpu := topo.CPUs[i]
				if !cpu.Present {
					continue
				}
				fmt.Printf("  cpu %-3d socket %-2d core %-2d thread %d\n",
					cpu.ID, cpu.Socket, cpu.Core, cpu.Thread)
			}
			return nil
		},
	}
}

func newMemstatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "memstat",
		Short: "Print hugepage and memory pool usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := nvmemem.InitWithConfig(quietConfig())
			if err != nil {
				return fmt.Errorf("initialize allocator: %w", err)
			}
			defer a.Cleanup()

			stat := a.MemStat()
			fmt.Printf("hugepages:   %d\n", stat.NumHugepages)
			fmt.Printf("total bytes: %d\n", stat.TotalBytes)
			fmt.Printf("free bytes:  %d\n", stat.FreeBytes)
			return nil
		},
	}
}

func quietConfig() nvmemem.Config {
	cfg := nvmemem.DefaultConfig()
	cfg.LogLevel = nvmelog.LevelErr
	return cfg
}
