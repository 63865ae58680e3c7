package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var plcCmd = &cobra.Command{
	Use:   "plc",
	Short: "Control the controller operating mode",
}

var plcStartCmd = &cobra.Command{
	Use:     "start",
	Short:   "Warm restart the user program",
	Example: `  s7cli plc start -H 192.168.0.10`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runControl("start")
	},
}

var plcStopCmd = &cobra.Command{
	Use:     "stop",
	Short:   "Put the controller into STOP",
	Example: `  s7cli plc stop -H 192.168.0.10`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runControl("stop")
	},
}

var plcStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the operating mode",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runControl("status")
	},
}

func init() {
	plcCmd.AddCommand(plcStartCmd)
	plcCmd.AddCommand(plcStopCmd)
	plcCmd.AddCommand(plcStatusCmd)
}

func runControl(action string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout*4)
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	switch action {
	case "start":
		err = sess.Conn.Start(ctx)
	case "stop":
		err = sess.Conn.Stop(ctx)
	}
	if err != nil {
		return fmt.Errorf("%s failed: %w", action, err)
	}

	mode, err := sess.Conn.OperatingMode(ctx)
	if err != nil {
		return fmt.Errorf("read operating mode failed: %w", err)
	}
	if ok, err := outputStructured(map[string]string{"mode": mode.String()}); ok {
		return err
	}
	outputSuccess("Controller is in %s", mode)
	return nil
}
