package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/s7"
	"github.com/edgeo-scada/s7/internal/device"
)

const interactiveLong = `Start an interactive shell on one controller session.

Available commands:
  connect [host[:port]]         - Connect (default: the configured target)
  disconnect                    - Disconnect
  slot <rack> <slot>            - Set rack and slot for the next connect
  status                        - Show session status

  r <locator>...                - Read values in one batch
  w <locator> <value>           - Write a value
  rb <area> <start> <count> [db]- Read raw bytes
  szl <id> [index]              - Read a system status list
  info                          - CPU identification and mode
  start | stop                  - Change the operating mode

  output <format>               - Set output format (table/json/csv/hex/raw/yaml)

  help                          - Show help
  quit                          - Exit`

var interactiveCmd = &cobra.Command{
	Use:     "interactive",
	Aliases: []string{"i", "repl", "shell"},
	Short:   "Start interactive S7 shell",
	Long:    interactiveLong,
	Example: `  s7cli interactive -H 192.168.0.10
  s7cli i --host 10.0.0.50 --slot 1`,
	RunE: runInteractive,
}

var errQuit = errors.New("quit")

type InteractiveSession struct {
	sess *device.Session
	cfg  device.Config
}

func runInteractive(cmd *cobra.Command, args []string) error {
	cfg, err := deviceConfig()
	if err != nil {
		return err
	}
	session := &InteractiveSession{cfg: cfg}

	fmt.Println(color(colorBold, "S7 Interactive Shell"))
	fmt.Println("Type 'help' for available commands, 'quit' to exit")
	fmt.Println()

	if err := session.connect(); err != nil {
		outputWarning("Auto-connect failed: %v", err)
	}

	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print(session.getPrompt())

		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if err := session.execute(line); err != nil {
			if errors.Is(err, errQuit) {
				break
			}
			outputError("%v", err)
		}
	}

	session.sess.Close()

	fmt.Println("\nGoodbye!")
	return nil
}

func (s *InteractiveSession) connected() bool {
	return s.sess != nil && s.sess.Conn.IsConnected()
}

func (s *InteractiveSession) getPrompt() string {
	status := color(colorRed, "disconnected")
	if s.connected() {
		status = color(colorGreen, s.cfg.Target())
	}
	return fmt.Sprintf("s7[%s]@%d/%d> ", status, s.cfg.Rack, s.cfg.Slot)
}

func (s *InteractiveSession) execute(line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}

	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "quit", "exit", "q":
		return errQuit
	case "help", "h", "?":
		fmt.Println(interactiveLong)
		return nil
	case "connect", "conn", "c":
		if len(args) > 0 {
			addr := args[0]
			if _, _, err := net.SplitHostPort(addr); err != nil {
				addr = net.JoinHostPort(addr, strconv.Itoa(viper.GetInt("port")))
			}
			s.cfg.Address = addr
		}
		return s.connect()
	case "disconnect", "disc", "d":
		s.sess.Close()
		s.sess = nil
		outputInfo("Disconnected")
		return nil
	case "slot":
		if len(args) != 2 {
			return fmt.Errorf("usage: slot <rack> <slot>")
		}
		r, err1 := strconv.Atoi(args[0])
		sl, err2 := strconv.Atoi(args[1])
		if err1 != nil || err2 != nil {
			return fmt.Errorf("rack and slot must be numbers")
		}
		s.cfg.Rack, s.cfg.Slot = r, sl
		fmt.Printf("Rack/slot set to %d/%d (reconnect to apply)\n", r, sl)
		return nil
	case "status", "stat", "s":
		s.showStatus()
		return nil
	case "output", "out", "o":
		if len(args) < 1 {
			fmt.Printf("Current output format: %s\n", outputFmt)
			return nil
		}
		switch args[0] {
		case "table", "json", "csv", "hex", "raw", "yaml":
			outputFmt = args[0]
			fmt.Printf("Output format set to %s\n", outputFmt)
		default:
			return fmt.Errorf("invalid format: %s", args[0])
		}
		return nil
	}

	if !s.connected() {
		return fmt.Errorf("not connected (use 'connect' first)")
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout*4)
	defer cancel()
	conn := s.sess.Conn

	switch cmd {
	case "r", "read":
		if len(args) == 0 {
			return fmt.Errorf("usage: r <locator>...")
		}
		locs := make([]s7.Locator, len(args))
		for i, a := range args {
			loc, err := s7.ParseLocator(a)
			if err != nil {
				return err
			}
			locs[i] = loc
		}
		results, err := readLocators(ctx, conn, locs)
		if err != nil {
			return err
		}
		return outputValues("Values", results)
	case "w", "write":
		if len(args) != 2 {
			return fmt.Errorf("usage: w <locator> <value>")
		}
		loc, err := s7.ParseLocator(args[0])
		if err != nil {
			return err
		}
		item, err := loc.WriteItem(args[1])
		if err != nil {
			return err
		}
		if err := executeWrite(ctx, conn, item); err != nil {
			return err
		}
		outputSuccess("Wrote %s = %s", loc, args[1])
		return nil
	case "rb", "bytes":
		if len(args) < 3 {
			return fmt.Errorf("usage: rb <area> <start> <count> [db]")
		}
		area, err := s7.ParseArea(args[0])
		if err != nil {
			return err
		}
		start, err1 := strconv.Atoi(args[1])
		count, err2 := strconv.Atoi(args[2])
		if err1 != nil || err2 != nil {
			return fmt.Errorf("start and count must be numbers")
		}
		block := 0
		if len(args) > 3 {
			if block, err = strconv.Atoi(args[3]); err != nil {
				return fmt.Errorf("invalid block %q", args[3])
			}
		}
		data, err := conn.ReadArea(ctx, area, block, start, count)
		if err != nil {
			return err
		}
		return outputBytes("Memory", area, block, start, data)
	case "szl":
		if len(args) < 1 {
			return fmt.Errorf("usage: szl <id> [index]")
		}
		id, err := parseUint16(args[0])
		if err != nil {
			return err
		}
		var index uint16
		if len(args) > 1 {
			if index, err = parseUint16(args[1]); err != nil {
				return err
			}
		}
		rec, err := conn.ReadSZL(ctx, id, index)
		if err != nil {
			return err
		}
		return outputSZL([]*s7.SZLRecord{rec})
	case "info", "id":
		cpu, err := conn.CPUInfo(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Order number: %s\nFirmware:     %s\nMode:         %s\n", cpu.OrderNumber, cpu.Firmware, cpu.Mode)
		return nil
	case "start":
		if err := conn.Start(ctx); err != nil {
			return err
		}
		outputSuccess("Start requested")
		return nil
	case "stop":
		if err := conn.Stop(ctx); err != nil {
			return err
		}
		outputSuccess("Stop requested")
		return nil
	default:
		return fmt.Errorf("unknown command: %s (type 'help' for commands)", cmd)
	}
}

func (s *InteractiveSession) connect() error {
	s.sess.Close()
	s.sess = nil

	ctx, cancel := context.WithTimeout(context.Background(), timeout*4)
	defer cancel()

	sess, err := device.Open(ctx, s.cfg, logger)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	s.sess = sess
	outputSuccess("Connected to %s (PDU %d)", s.cfg.Target(), sess.Conn.MaxPDULen())
	return nil
}

func (s *InteractiveSession) showStatus() {
	fmt.Println()
	fmt.Println(color(colorBold, "Session Status"))
	fmt.Println(strings.Repeat("-", 30))
	if s.connected() {
		fmt.Printf("Status:        %s\n", color(colorGreen, "Connected"))
		fmt.Printf("Target:        %s\n", s.cfg.Target())
		fmt.Printf("PDU size:      %d\n", s.sess.Conn.MaxPDULen())
	} else {
		fmt.Printf("Status:        %s\n", color(colorRed, "Disconnected"))
	}
	fmt.Printf("Protocol:      %s\n", s.cfg.Protocol)
	fmt.Printf("Rack/Slot:     %d/%d\n", s.cfg.Rack, s.cfg.Slot)
	fmt.Printf("Output:        %s\n", outputFmt)
	fmt.Printf("Timeout:       %s\n", timeout)
	fmt.Println()
}
