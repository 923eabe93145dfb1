// Command sv starts every node named in node_ips.csv in one process, useful
// for tests and local development where spinning up N separate processes
// is unnecessary ceremony.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vicdc21/aerolineas-rusticas/pkg/config"
	"github.com/vicdc21/aerolineas-rusticas/pkg/logging"
	"github.com/vicdc21/aerolineas-rusticas/pkg/node"
)

func main() {
	var configPath string
	rootCmd := &cobra.Command{
		Use:   "sv [echo]",
		Short: "Start the whole cluster in-process",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			echo := len(args) == 1 && args[0] == "echo"
			return run(configPath, echo)
		},
	}
	rootCmd.Flags().StringVar(&configPath, "config", "", "cluster config YAML path")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string, echo bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	addrs, err := config.LoadAddrTable(cfg.NodeIPsPath)
	if err != nil {
		return err
	}
	ids := addrs.IDs()
	if len(ids) == 0 {
		return fmt.Errorf("sv: no nodes registered in %s", cfg.NodeIPsPath)
	}

	log := logging.New("Cluster")
	nodes := make([]*node.Node, 0, len(ids))
	for _, id := range ids {
		n, err := node.Open(id, cfg, addrs, log.WithNode(strconv.Itoa(int(id))))
		if err != nil {
			return fmt.Errorf("sv: opening node %d: %w", id, err)
		}
		n.Echo = echo
		nodes = append(nodes, n)
	}

	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func(n *node.Node) {
			defer wg.Done()
			if err := n.Run(); err != nil {
				log.Printf("node %d exited: %v", n.SelfID, err)
			}
		}(n)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Printf("shutting down %d node(s)", len(nodes))
	for _, n := range nodes {
		n.Shutdown()
	}
	wg.Wait()
	return nil
}
