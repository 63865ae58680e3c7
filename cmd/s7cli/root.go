package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/s7"
	"github.com/edgeo-scada/s7/internal/device"
)

var (
	cfgFile string

	// Link flags
	protocolName string
	host         string
	port         int
	serialDevice string
	baudRate     int
	parity       string
	localAddr    int
	speedName    string

	// Target flags
	station int
	rack    int
	slot    int
	pduSize int

	timeout   time.Duration
	debugCats string

	// Output flags
	outputFmt string
	verbose   bool
	noColor   bool

	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "s7cli",
	Short: "A command line client for S7 controllers",
	Long: `s7cli reads and writes the memory of Siemens S7 controllers over
ISO-on-TCP or a PPI serial line.

Features:
  - Read/write bytes, bits and typed values in any memory area
  - Several values in one exchange (batch)
  - System status lists (SZL) and CPU identification
  - PLC start/stop
  - Continuous monitoring (watch mode) and chunked data block dumps
  - Rack/slot and network scanning
  - A built-in controller simulator (serve)
  - Output as table, json, csv, hex, raw or yaml

Examples:
  # Read 16 bytes of DB1
  s7cli read db -n 1 -s 0 -c 16 -H 192.168.0.10

  # Read three typed values in one exchange
  s7cli batch DB1.DBW0 DB1.DBD2:float M10.3 -H 192.168.0.10

  # Write a value
  s7cli write value DB1.DBW0 1234 -H 192.168.0.10

  # Identify the CPU
  s7cli info -H 192.168.0.10

  # Talk to an S7-200 on a PPI cable
  s7cli read v -s 0 -c 8 --protocol ppi --device /dev/ttyUSB0 --station 2`,
	Version: version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.s7cli.yaml)")

	// Link flags
	rootCmd.PersistentFlags().StringVar(&protocolName, "protocol", "iso-tcp", "Link protocol: iso-tcp, iso-tcp-243, ppi, mpi, mpi2")
	rootCmd.PersistentFlags().StringVarP(&host, "host", "H", "localhost", "Controller host (ISO-on-TCP)")
	rootCmd.PersistentFlags().IntVarP(&port, "port", "p", s7.DefaultPort, "Controller port (ISO-on-TCP)")
	rootCmd.PersistentFlags().StringVar(&serialDevice, "device", "/dev/ttyUSB0", "Serial device (PPI/MPI)")
	rootCmd.PersistentFlags().IntVar(&baudRate, "baud", 9600, "Serial baud rate")
	rootCmd.PersistentFlags().StringVar(&parity, "parity", "E", "Serial parity: N, E, O")
	rootCmd.PersistentFlags().IntVar(&localAddr, "local", 0, "Local bus address (PPI/MPI)")
	rootCmd.PersistentFlags().StringVar(&speedName, "speed", "187k", "Bus speed: 9k, 19k, 45k, 93k, 187k, 500k, 1500k")

	// Target flags
	rootCmd.PersistentFlags().IntVar(&station, "station", s7.DefaultStation, "Controller bus address")
	rootCmd.PersistentFlags().IntVar(&rack, "rack", s7.DefaultRack, "Controller rack")
	rootCmd.PersistentFlags().IntVar(&slot, "slot", s7.DefaultSlot, "Controller slot")
	rootCmd.PersistentFlags().IntVar(&pduSize, "pdu", s7.DefaultPDUSize, "Requested PDU size")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", s7.DefaultTimeout, "Response timeout")
	rootCmd.PersistentFlags().StringVar(&debugCats, "debug", "", "Protocol debug categories, e.g. pdu,connect or 0x420")

	// Output flags
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format: table, json, csv, hex, raw, yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable color output")

	for _, name := range []string{"protocol", "host", "port", "device", "baud", "parity", "local",
		"speed", "station", "rack", "slot", "pdu", "timeout", "debug", "output"} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}

	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(szlCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(partnersCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(plcCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(diagCmd)
	rootCmd.AddCommand(interactiveCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return
		}

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigName(".s7cli")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("S7")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

func getAddress() string {
	return net.JoinHostPort(viper.GetString("host"), strconv.Itoa(viper.GetInt("port")))
}

// deviceConfig assembles the link description from flags, config file
// and environment.
func deviceConfig() (device.Config, error) {
	proto, err := s7.ParseProtocol(viper.GetString("protocol"))
	if err != nil {
		return device.Config{}, err
	}
	speed, err := s7.ParseSpeed(viper.GetString("speed"))
	if err != nil {
		return device.Config{}, err
	}
	dbg, err := s7.ParseDebug(viper.GetString("debug"))
	if err != nil {
		return device.Config{}, err
	}

	return device.Config{
		Name:     "s7cli",
		Protocol: proto,
		Address:  getAddress(),
		Serial: s7.SerialConfig{
			Address:  viper.GetString("device"),
			BaudRate: viper.GetInt("baud"),
			DataBits: 8,
			StopBits: 1,
			Parity:   viper.GetString("parity"),
		},
		LocalAddress: viper.GetInt("local"),
		Speed:        speed,
		Station:      viper.GetInt("station"),
		Rack:         viper.GetInt("rack"),
		Slot:         viper.GetInt("slot"),
		PDUSize:      viper.GetInt("pdu"),
		Timeout:      viper.GetDuration("timeout"),
		Debug:        dbg,
	}, nil
}

// openSession connects to the configured controller.
func openSession(ctx context.Context) (*device.Session, error) {
	cfg, err := deviceConfig()
	if err != nil {
		return nil, err
	}
	sess, err := device.Open(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connection to %s failed: %w", cfg.Target(), err)
	}
	return sess, nil
}
