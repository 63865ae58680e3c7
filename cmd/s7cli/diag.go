package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/s7"
)

var (
	diagCount   int
	diagLocator string
)

var diagCmd = &cobra.Command{
	Use:   "diag",
	Short: "Link diagnostics",
	Long:  `Measure exchange latency and report the limits negotiated with a controller.`,
}

var diagLatencyCmd = &cobra.Command{
	Use:     "latency",
	Aliases: []string{"lat", "bench"},
	Short:   "Repeat a read and report latency statistics",
	Example: `  s7cli diag latency -n 100 -l DB1.DBW0 -H 192.168.0.10
  s7cli diag latency -n 20 -l MB0 -o json`,
	RunE: runDiagLatency,
}

var diagPDUCmd = &cobra.Command{
	Use:   "pdu",
	Short: "Show the negotiated PDU and what fits into it",
	Long: `Show the negotiated PDU length, the largest single read and write,
and how many copies of a locator one batch can carry.`,
	Example: `  s7cli diag pdu -l DB1.DBD0:float -H 192.168.0.10`,
	RunE:    runDiagPDU,
}

func init() {
	diagCmd.AddCommand(diagLatencyCmd)
	diagCmd.AddCommand(diagPDUCmd)

	diagLatencyCmd.Flags().IntVarP(&diagCount, "count", "n", 50, "Number of reads")
	for _, cmd := range []*cobra.Command{diagLatencyCmd, diagPDUCmd} {
		cmd.Flags().StringVarP(&diagLocator, "locator", "l", "MB0", "Locator to read")
	}
}

func runDiagLatency(cmd *cobra.Command, args []string) error {
	loc, err := s7.ParseLocator(diagLocator)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout*time.Duration(diagCount+4))
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	metrics := sess.Interface.Metrics()
	metrics.Reset()

	failures := 0
	for i := 0; i < diagCount; i++ {
		if _, err := readLocators(ctx, sess.Conn, []s7.Locator{loc}); err != nil {
			failures++
			if !sess.Conn.IsConnected() {
				return fmt.Errorf("read %d: %w", i+1, err)
			}
		}
	}

	stats := metrics.ForService(s7.ServiceRead).Latency.Stats()
	if ok, err := outputStructured(metrics.Collect()); ok {
		return err
	}

	fmt.Printf("\n%s (%s, %d reads)\n", color(colorBold, "Latency"), loc, diagCount)
	fmt.Println(strings.Repeat("-", 40))
	fmt.Printf("Failures:  %d\n", failures)
	fmt.Printf("Min:       %v\n", stats.Min)
	fmt.Printf("Avg:       %v\n", stats.Avg())
	fmt.Printf("Max:       %v\n", stats.Max)
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BUCKET\tCOUNT")
	for _, b := range stats.Buckets {
		if b.Count > 0 {
			fmt.Fprintf(w, "<= %v\t%d\n", b.Le, b.Count)
		}
	}
	if stats.Overflow > 0 {
		fmt.Fprintf(w, "> %v\t%d\n", stats.Buckets[len(stats.Buckets)-1].Le, stats.Overflow)
	}
	w.Flush()
	fmt.Println()
	return nil
}

type PDUInfo struct {
	PDUSize      int    `json:"pdu_size" yaml:"pdu_size"`
	ReadChunk    int    `json:"read_chunk" yaml:"read_chunk"`
	WriteChunk   int    `json:"write_chunk" yaml:"write_chunk"`
	Locator      string `json:"locator" yaml:"locator"`
	ItemsInBatch int    `json:"items_per_batch" yaml:"items_per_batch"`
	RequestSize  int    `json:"request_size" yaml:"request_size"`
	ResponseSize int    `json:"response_size" yaml:"response_size"`
}

func runDiagPDU(cmd *cobra.Command, args []string) error {
	loc, err := s7.ParseLocator(diagLocator)
	if err != nil {
		return err
	}
	item, err := loc.ReadItem()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout*4)
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	b, err := sess.Conn.NewBatch(s7.ModeRead)
	if err != nil {
		return err
	}
	for {
		if err := b.AddItem(item); err != nil {
			if errors.Is(err, s7.ErrBatchTooLarge) {
				break
			}
			return err
		}
	}
	req, resp := b.Sizes()

	info := PDUInfo{
		PDUSize:      sess.Conn.MaxPDULen(),
		ReadChunk:    sess.Conn.ReadChunk(),
		WriteChunk:   sess.Conn.WriteChunk(),
		Locator:      loc.String(),
		ItemsInBatch: b.Len(),
		RequestSize:  req,
		ResponseSize: resp,
	}
	if ok, err := outputStructured(info); ok {
		return err
	}

	fmt.Println()
	fmt.Println(color(colorBold, "PDU Limits"))
	fmt.Println(strings.Repeat("=", 40))
	fmt.Printf("PDU size:      %d\n", info.PDUSize)
	fmt.Printf("Largest read:  %d bytes\n", info.ReadChunk)
	fmt.Printf("Largest write: %d bytes\n", info.WriteChunk)
	fmt.Printf("Batch of %s: %d items (request %d, response %d bytes)\n",
		info.Locator, info.ItemsInBatch, info.RequestSize, info.ResponseSize)
	fmt.Println()
	return nil
}
