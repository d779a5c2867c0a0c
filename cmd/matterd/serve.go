package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hearthlink/matter/pkg/node"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		passcode   uint32
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the node until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			// Flags override the file.
			if passcode != 0 {
				cfg.Passcode = passcode
			}
			if port != 0 {
				cfg.Port = port
			}

			n, err := node.New(node.Config{
				Passcode:      cfg.Passcode,
				Port:          cfg.Port,
				DisableUDP:    cfg.DisableUDP,
				DisableTCP:    cfg.DisableTCP,
				WindowTimeout: cfg.WindowTimeout,
				Params:        cfg.Params,
				LoggerFactory: cfg.LoggerFactory,
				OnStateChanged: func(s node.State) {
					fmt.Fprintln(cmd.OutOrStdout(), "state:", s)
				},
			})
			if err != nil {
				return err
			}
			if err := n.Start(); err != nil {
				return err
			}
			defer n.Stop()

			for _, addr := range n.LocalAddrs() {
				fmt.Fprintln(cmd.OutOrStdout(), "listening on", addr)
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "TOML config file")
	cmd.Flags().Uint32Var(&passcode, "passcode", 0, "setup passcode (overrides config)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides config)")
	return cmd
}
