package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/s7"
)

var infoCmd = &cobra.Command{
	Use:     "info",
	Aliases: []string{"ping"},
	Short:   "Get controller information",
	Long: `Connect to a controller and report what it tells about itself.

This command:
  - Opens the link and negotiates the PDU size
  - Reads the module identification (SZL 0x0011)
  - Reads the operating mode (SZL 0x0424)
  - Measures the response latency`,
	Example: `  s7cli info -H 192.168.0.10
  s7cli info -H 10.0.0.50 --rack 0 --slot 1 -o yaml`,
	RunE: runInfo,
}

type DeviceInfo struct {
	Target      string        `json:"target" yaml:"target"`
	Protocol    string        `json:"protocol" yaml:"protocol"`
	Rack        int           `json:"rack" yaml:"rack"`
	Slot        int           `json:"slot" yaml:"slot"`
	Connected   bool          `json:"connected" yaml:"connected"`
	PDUSize     int           `json:"pdu_size,omitempty" yaml:"pdu_size,omitempty"`
	Latency     time.Duration `json:"latency_ms" yaml:"latency_ms"`
	OrderNumber string        `json:"order_number,omitempty" yaml:"order_number,omitempty"`
	Firmware    string        `json:"firmware,omitempty" yaml:"firmware,omitempty"`
	Mode        string        `json:"mode,omitempty" yaml:"mode,omitempty"`
	Error       string        `json:"error,omitempty" yaml:"error,omitempty"`
}

func runInfo(cmd *cobra.Command, args []string) error {
	cfg, err := deviceConfig()
	if err != nil {
		return err
	}
	info := DeviceInfo{
		Target:   cfg.Target(),
		Protocol: cfg.Protocol.String(),
		Rack:     cfg.Rack,
		Slot:     cfg.Slot,
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout*4)
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		info.Error = err.Error()
		return outputDeviceInfo(&info)
	}
	defer sess.Close()
	info.Connected = true
	info.PDUSize = sess.Conn.MaxPDULen()

	start := time.Now()
	cpu, err := sess.Conn.CPUInfo(ctx)
	info.Latency = time.Since(start)
	if err != nil {
		info.Error = err.Error()
		return outputDeviceInfo(&info)
	}
	info.OrderNumber = cpu.OrderNumber
	info.Firmware = cpu.Firmware
	info.Mode = cpu.Mode.String()

	return outputDeviceInfo(&info)
}

func outputDeviceInfo(info *DeviceInfo) error {
	if ok, err := outputStructured(info); ok {
		return err
	}

	fmt.Println()
	fmt.Println(color(colorBold, "Controller Information"))
	fmt.Println(strings.Repeat("=", 50))

	fmt.Printf("Target:       %s (%s)\n", info.Target, info.Protocol)
	fmt.Printf("Rack/Slot:    %d/%d\n", info.Rack, info.Slot)

	if !info.Connected {
		fmt.Printf("Connection:   %s\n", color(colorRed, "Failed"))
		if info.Error != "" {
			fmt.Printf("Error:        %s\n", color(colorRed, info.Error))
		}
		fmt.Println()
		return nil
	}
	fmt.Printf("Connection:   %s\n", color(colorGreen, "Connected"))
	fmt.Printf("PDU size:     %d\n", info.PDUSize)
	fmt.Printf("Latency:      %dms\n", info.Latency.Milliseconds())

	if info.OrderNumber != "" {
		fmt.Printf("Order number: %s\n", info.OrderNumber)
	}
	if info.Firmware != "" {
		fmt.Printf("Firmware:     %s\n", info.Firmware)
	}
	if info.Mode != "" {
		modeColor := colorGreen
		if info.Mode != s7.CPURun.String() {
			modeColor = colorYellow
		}
		fmt.Printf("Mode:         %s\n", color(modeColor, info.Mode))
	}

	if info.Error != "" {
		fmt.Println()
		fmt.Printf("Note: %s\n", color(colorYellow, info.Error))
	}

	fmt.Println()
	return nil
}
