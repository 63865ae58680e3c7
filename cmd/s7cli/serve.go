package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/s7"
)

var (
	serveListen   string
	serveSerial   bool
	serveSize     int
	serveDBs      []string
	serveMaxConns int
	serveOrder    string
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"sim", "simulate"},
	Short:   "Run an in-memory controller simulator",
	Long: `Serve simulated controller memory over ISO-on-TCP, or over a PPI serial
line with --serial.

The simulator answers reads, writes, SZL requests and start/stop. It
accepts the rack/slot given with --rack/--slot.`,
	Example: `  # ISO-on-TCP on port 1102 with DB1 (256 bytes) and DB2 (64 bytes)
  s7cli serve --listen :1102 --db 1:256 --db 2:64

  # PPI station 2 on a serial line
  s7cli serve --serial --device /dev/ttyUSB1 --station 2`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", ":102", "TCP listen address")
	serveCmd.Flags().BoolVar(&serveSerial, "serial", false, "Serve PPI on the serial device instead of TCP")
	serveCmd.Flags().IntVar(&serveSize, "size", 1024, "Bytes of I, Q, M, P and V memory")
	serveCmd.Flags().StringSliceVar(&serveDBs, "db", []string{"1:1024"}, "Data blocks as number:size")
	serveCmd.Flags().IntVar(&serveMaxConns, "max-conns", 8, "Maximum concurrent TCP sessions")
	serveCmd.Flags().StringVar(&serveOrder, "order-number", "", "Order number reported in SZL 0x0011")
}

func parseDBSpec(spec string) (int, int, error) {
	num, size, ok := strings.Cut(spec, ":")
	if !ok {
		return 0, 0, fmt.Errorf("data block %q: expected number:size", spec)
	}
	n, err := strconv.Atoi(num)
	if err != nil || n < 1 || n > 65535 {
		return 0, 0, fmt.Errorf("data block %q: invalid number", spec)
	}
	sz, err := strconv.Atoi(size)
	if err != nil || sz < 1 {
		return 0, 0, fmt.Errorf("data block %q: invalid size", spec)
	}
	return n, sz, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	h := s7.NewMemoryHandler(serveSize)
	for _, spec := range serveDBs {
		n, size, err := parseDBSpec(spec)
		if err != nil {
			return err
		}
		h.AddDB(n, size)
	}
	if serveOrder != "" {
		h.SetIdentity(serveOrder, 1, 0, 0)
	}

	srv := s7.NewServer(h,
		s7.WithServerLogger(logger),
		s7.WithMaxConnections(serveMaxConns),
		s7.WithServerPDUSize(viper.GetInt("pdu")),
		s7.WithServerStation(viper.GetInt("station")),
		s7.WithServerRackSlot(viper.GetInt("rack"), viper.GetInt("slot")),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go reportServerMetrics(ctx, srv)

	if serveSerial {
		port, err := s7.OpenSerialStream(s7.SerialConfig{
			Address:  viper.GetString("device"),
			BaudRate: viper.GetInt("baud"),
			DataBits: 8,
			StopBits: 1,
			Parity:   viper.GetString("parity"),
		})
		if err != nil {
			return err
		}
		defer port.Close()
		outputInfo("Serving PPI station %d on %s", viper.GetInt("station"), viper.GetString("device"))
		return srv.ServePPI(ctx, port)
	}

	outputInfo("Serving ISO-on-TCP on %s (rack %d, slot %d)", serveListen, viper.GetInt("rack"), viper.GetInt("slot"))
	err := srv.ListenAndServeContext(ctx, serveListen)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func reportServerMetrics(ctx context.Context, srv *s7.Server) {
	if !verbose {
		return
	}
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := srv.Metrics()
			logger.Debug("simulator metrics",
				"requests", m.RequestsTotal.Value(),
				"errors", m.RequestsErrors.Value(),
				"active_conns", m.ActiveConns.Value())
		}
	}
}
