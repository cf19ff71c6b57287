package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/wangjinchao-pacvue/switch-service/pkg/portkill"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "Inspect and free proxy ports",
}

var portsKillCmd = &cobra.Command{
	Use:   "kill PORT...",
	Short: "Terminate the processes listening on the given ports",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := loadConfig(cmd); err != nil {
			return err
		}
		tracker := portkill.NewTracker()
		for _, arg := range args {
			port, err := strconv.Atoi(arg)
			if err != nil || port < 1 || port > 65535 {
				return fmt.Errorf("invalid port %q", arg)
			}
			killed, err := tracker.Kill(context.Background(), port)
			if err != nil {
				return err
			}
			if len(killed) == 0 {
				fmt.Printf("Port %d: no listening process\n", port)
				continue
			}
			fmt.Printf("✓ Port %d: terminated %v\n", port, killed)
		}
		return nil
	},
}

func init() {
	portsCmd.AddCommand(portsKillCmd)
}
