package main

import (
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"

	"github.com/edgeo-scada/s7"
)

// Color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func color(c, s string) string {
	if noColor {
		return s
	}
	return c + s + colorReset
}

func outputSuccess(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Println(color(colorGreen, "OK") + " " + msg)
}

func outputError(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, color(colorRed, "ERROR")+" "+msg)
}

func outputWarning(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, color(colorYellow, "WARN")+" "+msg)
}

func outputInfo(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, color(colorCyan, "INFO")+" "+msg)
}

// outputStructured prints v as json or yaml. It reports false for the
// other formats so the caller can render its own table.
func outputStructured(v interface{}) (bool, error) {
	switch outputFmt {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return true, enc.Encode(v)
	}
	return false, nil
}

// areaName renders an area with its block number.
func areaName(area s7.Area, block int) string {
	if area.IsBlock() {
		return fmt.Sprintf("%s%d", area, block)
	}
	return area.String()
}

type BytesResult struct {
	Area   string `json:"area" yaml:"area"`
	Start  int    `json:"start" yaml:"start"`
	Length int    `json:"length" yaml:"length"`
	Hex    string `json:"hex" yaml:"hex"`
}

func outputBytes(title string, area s7.Area, block, start int, data []byte) error {
	if ok, err := outputStructured(BytesResult{
		Area:   areaName(area, block),
		Start:  start,
		Length: len(data),
		Hex:    hex.EncodeToString(data),
	}); ok {
		return err
	}

	switch outputFmt {
	case "csv":
		w := csv.NewWriter(os.Stdout)
		w.Write([]string{"offset", "value", "hex"})
		for i, b := range data {
			w.Write([]string{strconv.Itoa(start + i), strconv.Itoa(int(b)), fmt.Sprintf("0x%02X", b)})
		}
		w.Flush()
		return w.Error()
	case "raw":
		_, err := os.Stdout.Write(data)
		return err
	case "hex":
		fmt.Println(strings.ToUpper(hex.EncodeToString(data)))
		return nil
	default:
		fmt.Printf("\n%s (%s, offset %d-%d, %d bytes)\n",
			color(colorBold, title), areaName(area, block), start, start+len(data)-1, len(data))
		fmt.Println(strings.Repeat("-", 76))
		writeHexRows(os.Stdout, start, data)
		fmt.Println()
		return nil
	}
}

type BitResult struct {
	Address string `json:"address" yaml:"address"`
	Value   bool   `json:"value" yaml:"value"`
}

func outputBits(title string, area s7.Area, block, bitStart int, values []bool) error {
	results := make([]BitResult, len(values))
	for i, v := range values {
		bit := bitStart + i
		results[i] = BitResult{
			Address: fmt.Sprintf("%s.%d.%d", areaName(area, block), bit/8, bit%8),
			Value:   v,
		}
	}
	if ok, err := outputStructured(results); ok {
		return err
	}

	switch outputFmt {
	case "csv":
		w := csv.NewWriter(os.Stdout)
		w.Write([]string{"address", "value"})
		for _, r := range results {
			w.Write([]string{r.Address, boolDigit(r.Value)})
		}
		w.Flush()
		return w.Error()
	case "raw", "hex":
		for _, v := range values {
			fmt.Print(boolDigit(v))
		}
		fmt.Println()
		return nil
	default:
		fmt.Printf("\n%s (%d bits)\n", color(colorBold, title), len(values))
		fmt.Println(strings.Repeat("-", 40))
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ADDRESS\tVALUE\tSTATUS")
		fmt.Fprintln(w, "-------\t-----\t------")
		for _, r := range results {
			status := color(colorRed, "OFF")
			if r.Value {
				status = color(colorGreen, "ON")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", r.Address, boolDigit(r.Value), status)
		}
		w.Flush()
		fmt.Println()
		return nil
	}
}

func boolDigit(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// ValueResult is one decoded locator.
type ValueResult struct {
	Locator string      `json:"locator" yaml:"locator"`
	Type    string      `json:"type" yaml:"type"`
	Value   interface{} `json:"value,omitempty" yaml:"value,omitempty"`
	Hex     string      `json:"hex,omitempty" yaml:"hex,omitempty"`
	Status  string      `json:"status" yaml:"status"`
	Error   string      `json:"error,omitempty" yaml:"error,omitempty"`
}

func outputValues(title string, results []ValueResult) error {
	if ok, err := outputStructured(results); ok {
		return err
	}

	switch outputFmt {
	case "csv":
		w := csv.NewWriter(os.Stdout)
		w.Write([]string{"locator", "type", "value", "hex", "status"})
		for _, r := range results {
			w.Write([]string{r.Locator, r.Type, formatValue(r.Value), r.Hex, r.Status})
		}
		w.Flush()
		return w.Error()
	case "raw":
		for _, r := range results {
			fmt.Println(formatValue(r.Value))
		}
		return nil
	case "hex":
		for _, r := range results {
			fmt.Println(r.Hex)
		}
		return nil
	default:
		fmt.Printf("\n%s (%d values)\n", color(colorBold, title), len(results))
		fmt.Println(strings.Repeat("-", 60))
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "LOCATOR\tTYPE\tVALUE\tHEX\tSTATUS")
		fmt.Fprintln(w, "-------\t----\t-----\t---\t------")
		for _, r := range results {
			status := color(colorGreen, r.Status)
			if r.Error != "" {
				status = color(colorRed, r.Status)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Locator, r.Type, formatValue(r.Value), r.Hex, status)
		}
		w.Flush()
		fmt.Println()
		return nil
	}
}

func formatValue(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return "-"
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return boolDigit(x)
	default:
		return fmt.Sprint(x)
	}
}

// decodeResult turns one batch result into a ValueResult.
func decodeResult(loc s7.Locator, rs *s7.ResultSet, i int) ValueResult {
	r := ValueResult{Locator: loc.String(), Type: loc.Type.String()}
	status, _ := rs.Status(i)
	r.Status = status.String()
	if err := rs.Err(i); err != nil {
		r.Error = err.Error()
		return r
	}
	data, _ := rs.Bytes(i)
	r.Hex = strings.ToUpper(hex.EncodeToString(data))
	v, err := loc.Decode(data)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.Value = v
	return r
}
