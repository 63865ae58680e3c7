package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/s7"
)

var (
	writeBlock  int
	writeStart  int
	writeData   string
	writeVerify bool
)

var writeCmd = &cobra.Command{
	Use:     "write",
	Aliases: []string{"w"},
	Short:   "Write controller memory",
	Long:    `Write raw bytes, typed values or single bits to a controller.`,
}

var writeBytesCmd = &cobra.Command{
	Use:   "bytes <area>",
	Short: "Write raw bytes",
	Long: `Write raw bytes given as hex. Long payloads are split into PDU sized
requests automatically.`,
	Example: `  s7cli write bytes db -n 1 -s 0 -d "01 02 0A FF" -H 192.168.0.10
  s7cli write bytes m -s 10 -d 00FF`,
	Args: cobra.ExactArgs(1),
	RunE: runWriteBytes,
}

var writeValueCmd = &cobra.Command{
	Use:   "value <locator> <value>",
	Short: "Write a typed value",
	Long: `Write one typed value addressed by a locator.

Locators:
  DB1.DBW0  DB1.DBD4:float  DB20.2:int16  DB1.0:bit(3)
  MW10  MD4:real  QB0  V10:uint8  I0.1  T5  C3`,
	Example: `  s7cli write value DB1.DBW0 1234 -H 192.168.0.10
  s7cli write value DB1.DBD4:float 21.5
  s7cli write value M10.3 true
  s7cli write value C3 42 --verify`,
	Args: cobra.ExactArgs(2),
	RunE: runWriteValue,
}

var writeBitCmd = &cobra.Command{
	Use:   "bit <locator> <on|off>",
	Short: "Set or clear a single bit",
	Example: `  s7cli write bit Q0.3 on -H 192.168.0.10
  s7cli write bit DB1.DBX2.0 off`,
	Args: cobra.ExactArgs(2),
	RunE: runWriteBit,
}

func init() {
	writeCmd.AddCommand(writeBytesCmd)
	writeCmd.AddCommand(writeValueCmd)
	writeCmd.AddCommand(writeBitCmd)

	writeBytesCmd.Flags().IntVarP(&writeBlock, "block", "n", 0, "Data block number (DB/DI)")
	writeBytesCmd.Flags().IntVarP(&writeStart, "start", "s", 0, "Start byte")
	writeBytesCmd.Flags().StringVarP(&writeData, "data", "d", "", "Bytes as hex, spaces allowed")
	writeBytesCmd.MarkFlagRequired("data")

	for _, cmd := range []*cobra.Command{writeBytesCmd, writeValueCmd, writeBitCmd} {
		cmd.Flags().BoolVar(&writeVerify, "verify", false, "Read the value back after writing")
	}
}

func parseHexBytes(s string) ([]byte, error) {
	clean := strings.NewReplacer(" ", "", ":", "", "0x", "", "0X", "", ",", "").Replace(s)
	data, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("no data to write")
	}
	return data, nil
}

func runWriteBytes(cmd *cobra.Command, args []string) error {
	area, err := s7.ParseArea(args[0])
	if err != nil {
		return err
	}
	data, err := parseHexBytes(writeData)
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

	if err := sess.Conn.WriteArea(ctx, area, writeBlock, writeStart, data); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	outputSuccess("Wrote %d bytes to %s offset %d", len(data), areaName(area, writeBlock), writeStart)

	if writeVerify {
		back, err := sess.Conn.ReadArea(ctx, area, writeBlock, writeStart, len(data))
		if err != nil {
			return fmt.Errorf("verify failed: %w", err)
		}
		if hex.EncodeToString(back) != hex.EncodeToString(data) {
			outputWarning("Verify mismatch: wrote % X, read % X", data, back)
			return nil
		}
		outputSuccess("Verified")
	}
	return nil
}

func runWriteValue(cmd *cobra.Command, args []string) error {
	loc, err := s7.ParseLocator(args[0])
	if err != nil {
		return err
	}
	item, err := loc.WriteItem(args[1])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout*2)
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := executeWrite(ctx, sess.Conn, item); err != nil {
		return fmt.Errorf("write %s failed: %w", loc, err)
	}
	outputSuccess("Wrote %s = %s", loc, args[1])

	if writeVerify {
		return verifyLocator(ctx, sess.Conn, loc)
	}
	return nil
}

func runWriteBit(cmd *cobra.Command, args []string) error {
	loc, err := s7.ParseLocator(args[0])
	if err != nil {
		return err
	}
	if loc.Type != s7.TypeBit {
		return fmt.Errorf("%s is not a bit locator", args[0])
	}

	var set bool
	switch strings.ToLower(args[1]) {
	case "on", "1", "true", "set":
		set = true
	case "off", "0", "false", "clear":
	default:
		return fmt.Errorf("bit value must be on or off, got %q", args[1])
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout*2)
	defer cancel()

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	if set {
		err = sess.Conn.SetBit(ctx, loc.Area, loc.Block, loc.Offset, loc.Bit)
	} else {
		err = sess.Conn.ClearBit(ctx, loc.Area, loc.Block, loc.Offset, loc.Bit)
	}
	if err != nil {
		return fmt.Errorf("write %s failed: %w", loc, err)
	}
	outputSuccess("%s = %s", loc, boolDigit(set))

	if writeVerify {
		return verifyLocator(ctx, sess.Conn, loc)
	}
	return nil
}

// executeWrite runs a single item write batch.
func executeWrite(ctx context.Context, conn *s7.Connection, item s7.RequestItem) error {
	b, err := conn.NewBatch(s7.ModeWrite)
	if err != nil {
		return err
	}
	if err := b.AddItem(item); err != nil {
		return err
	}
	rs, err := conn.Execute(ctx, b)
	if err != nil {
		return err
	}
	return rs.Err(0)
}

func verifyLocator(ctx context.Context, conn *s7.Connection, loc s7.Locator) error {
	results, err := readLocators(ctx, conn, []s7.Locator{loc})
	if err != nil {
		return fmt.Errorf("verify failed: %w", err)
	}
	return outputValues("Read back", results)
}
