package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/edgeo-scada/s7"
)

var (
	dumpBlock     int
	dumpStart     int
	dumpEnd       int
	dumpChunk     int
	dumpOutFile   string
	dumpShowEmpty bool
)

// defaultDumpChunk is the largest piece read per exchange unless the PDU
// is smaller.
const defaultDumpChunk = 460

var dumpCmd = &cobra.Command{
	Use:   "dump <area>",
	Short: "Dump a memory range",
	Long: `Dump a byte range of a memory area, typically a whole data block.

The range is read in chunks; a chunk the controller rejects is shown as
?? (or listed with its error using --show-empty) and the dump goes on.`,
	Example: `  s7cli dump db -n 1 -s 0 -e 1023 -H 192.168.0.10
  s7cli dump db -n 10 -e 255 -o csv -f db10.csv
  s7cli dump m -e 127 -o hex`,
	Args: cobra.ExactArgs(1),
	RunE: runDump,
}

func init() {
	dumpCmd.Flags().IntVarP(&dumpBlock, "block", "n", 0, "Data block number (DB/DI)")
	dumpCmd.Flags().IntVarP(&dumpStart, "start", "s", 0, "Start byte")
	dumpCmd.Flags().IntVarP(&dumpEnd, "end", "e", 255, "End byte (inclusive)")
	dumpCmd.Flags().IntVarP(&dumpChunk, "chunk", "b", defaultDumpChunk, "Bytes per exchange (capped by the PDU)")
	dumpCmd.Flags().StringVarP(&dumpOutFile, "file", "f", "", "Output file (default: stdout)")
	dumpCmd.Flags().BoolVar(&dumpShowEmpty, "show-empty", false, "List chunks that returned errors")
}

type DumpChunk struct {
	Offset int    `json:"offset" yaml:"offset"`
	Length int    `json:"length" yaml:"length"`
	Data   []byte `json:"-" yaml:"-"`
	Hex    string `json:"hex,omitempty" yaml:"hex,omitempty"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`
}

func runDump(cmd *cobra.Command, args []string) error {
	area, err := s7.ParseArea(args[0])
	if err != nil {
		return err
	}
	if dumpEnd < dumpStart {
		dumpStart, dumpEnd = dumpEnd, dumpStart
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout*10)
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	chunk := sess.Conn.ReadChunk()
	if area.IsTimerCounter() {
		chunk /= 2
	}
	if dumpChunk > 0 && dumpChunk < chunk {
		chunk = dumpChunk
	}

	total := dumpEnd - dumpStart + 1
	outputInfo("Dumping %s from %d to %d (%d bytes, %d per exchange)...",
		areaName(area, dumpBlock), dumpStart, dumpEnd, total, chunk)
	startTime := time.Now()

	var chunks []DumpChunk
	read := 0
	for off := dumpStart; off <= dumpEnd; off += chunk {
		n := min(chunk, dumpEnd-off+1)
		data, err := sess.Conn.ReadBytes(ctx, area, dumpBlock, off, n)
		c := DumpChunk{Offset: off, Length: n}
		if err != nil {
			if !isItemFailure(err) {
				return fmt.Errorf("dump aborted at offset %d: %w", off, err)
			}
			c.Error = err.Error()
		} else {
			c.Data = data
			c.Hex = fmt.Sprintf("%X", data)
			read += len(data)
		}
		chunks = append(chunks, c)

		if verbose {
			fmt.Fprintf(os.Stderr, "\rProgress: %.1f%%", float64(off+n-dumpStart)/float64(total)*100)
		}
	}
	if verbose {
		fmt.Fprintln(os.Stderr)
	}

	duration := time.Since(startTime)
	outputInfo("Read %d bytes in %s", read, duration.Round(time.Millisecond))

	return outputDump(area, chunks)
}

func isItemFailure(err error) bool {
	var ie *s7.ItemError
	return errors.As(err, &ie)
}

func outputDump(area s7.Area, chunks []DumpChunk) error {
	var out io.Writer = os.Stdout
	if dumpOutFile != "" {
		f, err := os.Create(dumpOutFile)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	visible := chunks
	if !dumpShowEmpty {
		visible = visible[:0:0]
		for _, c := range chunks {
			if c.Error == "" {
				visible = append(visible, c)
			}
		}
	}

	switch outputFmt {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(visible); err != nil {
			return err
		}

	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(visible); err != nil {
			return err
		}
		enc.Close()

	case "csv":
		w := csv.NewWriter(out)
		w.Write([]string{"offset", "value", "hex", "error"})
		for _, c := range visible {
			if c.Error != "" {
				w.Write([]string{fmt.Sprint(c.Offset), "", "", c.Error})
				continue
			}
			for i, b := range c.Data {
				w.Write([]string{fmt.Sprint(c.Offset + i), fmt.Sprint(b), fmt.Sprintf("0x%02X", b), ""})
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return err
		}

	case "raw":
		for _, c := range chunks {
			if c.Error != "" {
				c.Data = make([]byte, c.Length)
			}
			if _, err := out.Write(c.Data); err != nil {
				return err
			}
		}

	default:
		if outputFmt != "hex" {
			fmt.Fprintf(out, "\n%s Dump\n", areaName(area, dumpBlock))
			fmt.Fprintln(out, strings.Repeat("=", 76))
		}
		for _, c := range chunks {
			if c.Error != "" {
				fmt.Fprintf(out, "%06d  %s\n", c.Offset, strings.TrimSpace(strings.Repeat("?? ", min(c.Length, 16))))
				if dumpShowEmpty {
					fmt.Fprintf(out, "        %s\n", color(colorRed, c.Error))
				}
				continue
			}
			writeHexRows(out, c.Offset, c.Data)
		}
		fmt.Fprintln(out)
	}

	if dumpOutFile != "" {
		outputSuccess("Output written to %s", dumpOutFile)
	}
	return nil
}

func writeHexRows(out io.Writer, start int, data []byte) {
	for row := 0; row < len(data); row += 16 {
		end := min(row+16, len(data))
		fmt.Fprintf(out, "%06d  % X", start+row, data[row:end])
		fmt.Fprint(out, strings.Repeat("   ", 16-(end-row)))
		fmt.Fprint(out, "  |")
		for _, b := range data[row:end] {
			if b >= 32 && b < 127 {
				fmt.Fprintf(out, "%c", b)
			} else {
				fmt.Fprint(out, ".")
			}
		}
		fmt.Fprintln(out, "|")
	}
}
