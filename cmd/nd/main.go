// Command nd starts a single cluster member: an existing node by id, or a
// brand-new one that registers itself and joins.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vicdc21/aerolineas-rusticas/pkg/config"
	"github.com/vicdc21/aerolineas-rusticas/pkg/logging"
	"github.com/vicdc21/aerolineas-rusticas/pkg/node"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "nd",
		Short: "Run one node of the cluster",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "cluster config YAML path")

	// `nd <id> [echo]` has no subcommand name of its own: it's the root
	// command's positional args, so a bare `nd 3` or `nd 3 echo` parses
	// straight through.
	rootCmd.Args = cobra.RangeArgs(1, 2)
	rootCmd.RunE = runStart

	newCmd := &cobra.Command{
		Use:   "new <id> <ip> [echo]",
		Short: "Register and start a brand-new node",
		Args:  cobra.RangeArgs(2, 3),
		RunE:  runNew,
	}
	rootCmd.AddCommand(newCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseID(arg string) (byte, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 0 || n > 255 {
		return 0, fmt.Errorf("invalid node id %q", arg)
	}
	return byte(n), nil
}

func runStart(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	echo := len(args) == 2 && args[1] == "echo"

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	addrs, err := config.LoadAddrTable(cfg.NodeIPsPath)
	if err != nil {
		return err
	}

	log := logging.New("Node").WithNode(strconv.Itoa(int(id)))
	n, err := node.Open(id, cfg, addrs, log)
	if err != nil {
		return err
	}
	n.Echo = echo

	return runAndWait(n, log)
}

func runNew(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	ip := args[1]
	echo := len(args) == 3 && args[2] == "echo"

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := config.Append(cfg.NodeIPsPath, id, ip); err != nil {
		return err
	}
	addrs, err := config.LoadAddrTable(cfg.NodeIPsPath)
	if err != nil {
		return err
	}

	log := logging.New("Node").WithNode(strconv.Itoa(int(id)))
	n, err := node.Open(id, cfg, addrs, log)
	if err != nil {
		return err
	}
	n.Echo = echo

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- n.Run() }()

	if err := n.Join(context.Background()); err != nil {
		log.Printf("join: %v", err)
	}

	return waitForShutdown(n, log, runErrCh)
}

func runAndWait(n *node.Node, log *logging.Logger) error {
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- n.Run() }()
	return waitForShutdown(n, log, runErrCh)
}

func waitForShutdown(n *node.Node, log *logging.Logger, runErrCh chan error) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-runErrCh:
		return err
	case <-sigCh:
		log.Printf("shutting down")
		n.Shutdown()
		return nil
	}
}
