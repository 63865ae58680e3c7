// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/s7"
	"github.com/edgeo-scada/s7/internal/device"
)

type watchOptions struct {
	interval   time.Duration
	iterations int
	diff       bool
	clear      bool
	timestamps bool
	csvPath    string
	alert      bool
	high, low  float64
}

var watchOpts watchOptions

var watchCmd = &cobra.Command{
	Use:   "watch <locator>...",
	Short: "Poll locators and show changes",
	Long: `Poll one or more locators at a fixed interval. Each round reads all
locators in as few exchanges as the negotiated PDU allows, and a lost link
is reopened on the next round.`,
	Example: `  s7cli watch DB1.DBW0 DB1.DBD2:float -i 1s -H 192.168.0.10
  s7cli watch MW10:int16 -i 500ms --alert --alert-high 1000
  s7cli watch DB1.DBW0 DB1.DBW2 -i 2s --csv data.csv
  s7cli watch M0.0 M0.1 M0.2 --diff`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWatch,
}

func init() {
	f := watchCmd.Flags()
	f.DurationVarP(&watchOpts.interval, "interval", "i", time.Second, "Poll interval")
	f.IntVarP(&watchOpts.iterations, "iterations", "n", 0, "Stop after n rounds (0 runs until interrupted)")
	f.BoolVar(&watchOpts.diff, "diff", false, "Show the change since the previous round")
	f.BoolVar(&watchOpts.clear, "clear", true, "Redraw in place")
	f.BoolVar(&watchOpts.timestamps, "timestamp", true, "Print the round time")
	f.StringVar(&watchOpts.csvPath, "csv", "", "Append every round to a CSV file")
	f.BoolVar(&watchOpts.alert, "alert", false, "Flag numeric values outside --alert-low/--alert-high")
	f.Float64Var(&watchOpts.high, "alert-high", 0, "Upper alert threshold")
	f.Float64Var(&watchOpts.low, "alert-low", 0, "Lower alert threshold")
}

// watcher owns the session and the per-round state of a watch.
type watcher struct {
	opts  watchOptions
	locs  []s7.Locator
	sess  *device.Session
	csv   *csv.Writer
	file  *os.File
	last  []ValueResult
	start time.Time

	rounds, failures int
}

func runWatch(cmd *cobra.Command, args []string) error {
	locs, err := parseLocators(args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := &watcher{opts: watchOpts, locs: locs, start: time.Now()}
	if err := w.open(ctx); err != nil {
		return err
	}
	defer w.close()

	ticker := time.NewTicker(w.opts.interval)
	defer ticker.Stop()

	for {
		w.round(ctx)
		if w.opts.iterations > 0 && w.rounds+w.failures >= w.opts.iterations {
			break
		}
		select {
		case <-ctx.Done():
			fmt.Println()
			w.summary()
			return nil
		case <-ticker.C:
		}
	}
	w.summary()
	return nil
}

func parseLocators(args []string) ([]s7.Locator, error) {
	locs := make([]s7.Locator, 0, len(args))
	for _, arg := range args {
		loc, err := s7.ParseLocator(arg)
		if err != nil {
			return nil, err
		}
		locs = append(locs, loc)
	}
	return locs, nil
}

func (w *watcher) open(ctx context.Context) error {
	if w.opts.csvPath != "" {
		f, err := os.Create(w.opts.csvPath)
		if err != nil {
			return fmt.Errorf("create %s: %w", w.opts.csvPath, err)
		}
		w.file = f
		w.csv = csv.NewWriter(f)
		header := []string{"timestamp"}
		for _, loc := range w.locs {
			header = append(header, loc.String())
		}
		w.csv.Write(header)
	}
	return w.dial(ctx)
}

func (w *watcher) dial(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, timeout*4)
	defer cancel()
	sess, err := openSession(dctx)
	if err != nil {
		return err
	}
	w.sess = sess
	return nil
}

func (w *watcher) close() {
	w.sess.Close()
	if w.csv != nil {
		w.csv.Flush()
		w.file.Close()
	}
}

// round reads every locator once. A failed round is counted and, when the
// link went down with it, the session is reopened.
func (w *watcher) round(ctx context.Context) {
	if w.sess == nil {
		if err := w.dial(ctx); err != nil {
			w.failures++
			outputWarning("reconnect: %v", err)
			return
		}
	}

	rctx, cancel := context.WithTimeout(ctx, timeout)
	values, err := readLocators(rctx, w.sess.Conn, w.locs)
	cancel()
	if err != nil {
		w.failures++
		if verbose {
			outputWarning("read: %v", err)
		}
		if !w.sess.Conn.IsConnected() {
			w.sess.Close()
			w.sess = nil
		}
		return
	}

	w.rounds++
	now := time.Now()
	if w.csv != nil {
		row := []string{now.Format(time.RFC3339)}
		for _, v := range values {
			row = append(row, formatValue(v.Value))
		}
		w.csv.Write(row)
		w.csv.Flush()
	}

	if outputFmt == "json" {
		json.NewEncoder(os.Stdout).Encode(struct {
			Timestamp time.Time     `json:"timestamp"`
			Round     int           `json:"round"`
			Values    []ValueResult `json:"values"`
		}{now, w.rounds, values})
	} else {
		w.render(now, values)
	}
	w.last = values
}

func (w *watcher) render(now time.Time, values []ValueResult) {
	if w.opts.clear && w.rounds > 1 {
		fmt.Print("\033[H\033[2J")
	}
	fmt.Printf("%s %s, every %s\n", color(colorBold, "watch"), w.sess.Interface.Name(), w.opts.interval)
	if w.opts.timestamps {
		fmt.Printf("%s  round %d", now.Format("15:04:05.000"), w.rounds)
		if w.opts.iterations > 0 {
			fmt.Printf(" of %d", w.opts.iterations)
		}
		fmt.Println()
	}
	fmt.Println(strings.Repeat("-", 60))

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "LOCATOR\tVALUE\tHEX\tNOTE")
	for i, v := range values {
		var notes []string
		if v.Error != "" {
			notes = append(notes, color(colorRed, v.Status))
		}
		if w.opts.diff && i < len(w.last) {
			if d := describeChange(w.last[i].Value, v.Value); d != "" {
				notes = append(notes, d)
			}
		}
		if w.opts.alert {
			notes = append(notes, w.alarm(v.Value)...)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.Locator, formatValue(v.Value), v.Hex, strings.Join(notes, " "))
	}
	tw.Flush()
}

func (w *watcher) alarm(v interface{}) []string {
	x, ok := numeric(v)
	if !ok {
		return nil
	}
	switch {
	case w.opts.high != 0 && x > w.opts.high:
		return []string{color(colorRed+colorBold, "HIGH")}
	case w.opts.low != 0 && x < w.opts.low:
		return []string{color(colorYellow+colorBold, "LOW")}
	}
	return nil
}

// describeChange renders the difference between two decoded values.
func describeChange(prev, cur interface{}) string {
	if formatValue(prev) == formatValue(cur) {
		return ""
	}
	if b, ok := cur.(bool); ok {
		if b {
			return color(colorGreen, "->ON")
		}
		return color(colorRed, "->OFF")
	}
	p, ok1 := numeric(prev)
	c, ok2 := numeric(cur)
	if !ok1 || !ok2 {
		return color(colorYellow, "changed")
	}
	if d := c - p; d < 0 {
		return color(colorRed, fmt.Sprintf("%g", d))
	}
	return color(colorGreen, fmt.Sprintf("+%g", c-p))
}

func numeric(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case int8:
		return float64(x), true
	case uint8:
		return float64(x), true
	case int16:
		return float64(x), true
	case uint16:
		return float64(x), true
	case int32:
		return float64(x), true
	case uint32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case int:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

func (w *watcher) summary() {
	elapsed := time.Since(w.start)
	fmt.Println(color(colorBold, "Summary"))
	fmt.Printf("  elapsed   %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  rounds    %d ok, %d failed\n", w.rounds, w.failures)
	if w.rounds > 0 && elapsed > 0 {
		fmt.Printf("  rate      %.2f rounds/s\n", float64(w.rounds)/elapsed.Seconds())
	}
}
