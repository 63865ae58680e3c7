package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/s7"
)

var (
	readBlock  int
	readStart  int
	readBit    int
	readCount  int
	readBits   bool
	readFormat string
)

var readCmd = &cobra.Command{
	Use:     "read <area>",
	Aliases: []string{"r"},
	Short:   "Read controller memory",
	Long: `Read bytes, bits or typed values from a memory area.

Areas: DB, DI, I (E), Q (A), M, V, P, L, C (Z), T, C200, T200

Long reads are split into PDU sized requests automatically.

Supported formats for -f/--format:
  bytes   - Hex dump (default)
  int8, uint8, int16, uint16, int32, uint32, int64, uint64
  float, double
  counter - BCD counter values (C/T areas hold 2 bytes per element)
  timer   - BCD timer values in seconds`,
	Example: `  s7cli read db -n 1 -s 0 -c 64 -H 192.168.0.10
  s7cli read m -s 10 -c 4 -f int16
  s7cli read q -s 1 --bit 0 -c 8 --bits
  s7cli read db -n 5 -s 0 -c 8 -f float -o json`,
	Args: cobra.ExactArgs(1),
	RunE: runRead,
}

func init() {
	readCmd.Flags().IntVarP(&readBlock, "block", "n", 0, "Data block number (DB/DI)")
	readCmd.Flags().IntVarP(&readStart, "start", "s", 0, "Start byte (element index for C/T)")
	readCmd.Flags().IntVar(&readBit, "bit", 0, "Start bit within the start byte (with --bits)")
	readCmd.Flags().IntVarP(&readCount, "count", "c", 1, "Number of values (bytes, bits or elements)")
	readCmd.Flags().BoolVar(&readBits, "bits", false, "Read single bits")
	readCmd.Flags().StringVarP(&readFormat, "format", "f", "bytes", "Value format")
}

func runRead(cmd *cobra.Command, args []string) error {
	area, err := s7.ParseArea(args[0])
	if err != nil {
		return err
	}
	if readCount < 1 {
		return fmt.Errorf("count must be at least 1")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout*4)
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	if readBits {
		bitStart, err := s7.BitAddress(readStart, readBit)
		if err != nil {
			return err
		}
		values, err := sess.Conn.ReadBits(ctx, area, readBlock, bitStart, readCount)
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}
		return outputBits("Bits", area, readBlock, bitStart, values)
	}

	if readFormat == "bytes" || readFormat == "" {
		data, err := sess.Conn.ReadArea(ctx, area, readBlock, readStart, readCount)
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}
		return outputBytes("Memory", area, readBlock, readStart, data)
	}

	typ, err := s7.ParseDataType(readFormat)
	if err != nil {
		return err
	}
	results, err := readTyped(ctx, sess.Conn, area, readBlock, readStart, readCount, typ)
	if err != nil {
		return err
	}
	return outputValues(fmt.Sprintf("%s values", typ), results)
}

// readTyped reads count consecutive values of typ with one area read.
func readTyped(ctx context.Context, conn *s7.Connection, area s7.Area, block, start, count int, typ s7.DataType) ([]ValueResult, error) {
	size := typ.Size()
	if typ == s7.TypeBit || size == 0 {
		return nil, fmt.Errorf("format %s needs --bits", typ)
	}

	length, step := count*size, size
	if area.IsTimerCounter() {
		if size != 2 {
			return nil, fmt.Errorf("%s elements hold 2 bytes, not %s", area, typ)
		}
		// addressed by element, one value per element
		length, step = count, 1
	}
	data, err := conn.ReadArea(ctx, area, block, start, length)
	if err != nil {
		return nil, fmt.Errorf("read failed: %w", err)
	}

	results := make([]ValueResult, 0, count)
	for i := 0; i < count; i++ {
		loc := s7.Locator{Area: area, Block: block, Offset: start + i*step, Type: typ}
		raw := data[i*size : (i+1)*size]
		r := ValueResult{Locator: loc.String(), Type: typ.String(), Hex: fmt.Sprintf("%X", raw), Status: s7.StatusOK.String()}
		v, err := loc.Decode(raw)
		if err != nil {
			r.Error = err.Error()
		} else {
			r.Value = v
		}
		results = append(results, r)
	}
	return results, nil
}
