package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/s7"
)

var batchWrite bool

var batchCmd = &cobra.Command{
	Use:     "batch <locator>...",
	Aliases: []string{"b", "multi"},
	Short:   "Read or write several values in one exchange",
	Long: `Read several locators with as few exchanges as the PDU size allows.
Results come back in the order given; a failing item does not affect
the others.

With --write every argument is locator=value and all values are written
together.`,
	Example: `  s7cli batch DB1.DBW0 DB1.DBD2:float M10.3 I0.0 -H 192.168.0.10
  s7cli batch --write DB1.DBW0=12 DB1.DBD2:float=1.5 M10.3=1`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBatch,
}

func init() {
	batchCmd.Flags().BoolVar(&batchWrite, "write", false, "Write locator=value pairs")
}

func runBatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout*4)
	defer cancel()

	if batchWrite {
		return runBatchWrite(ctx, args)
	}

	locs := make([]s7.Locator, len(args))
	for i, arg := range args {
		loc, err := s7.ParseLocator(arg)
		if err != nil {
			return err
		}
		locs[i] = loc
	}

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	results, err := readLocators(ctx, sess.Conn, locs)
	if err != nil {
		return err
	}
	return outputValues("Batch read", results)
}

func runBatchWrite(ctx context.Context, args []string) error {
	locs := make([]s7.Locator, len(args))
	items := make([]s7.RequestItem, len(args))
	for i, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok {
			return fmt.Errorf("%q: expected locator=value", arg)
		}
		loc, err := s7.ParseLocator(name)
		if err != nil {
			return err
		}
		item, err := loc.WriteItem(value)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		locs[i], items[i] = loc, item
	}

	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	results := make([]ValueResult, 0, len(items))
	err = runBatches(ctx, sess.Conn, s7.ModeWrite, items, func(first int, rs *s7.ResultSet) {
		for i := 0; i < rs.Len(); i++ {
			loc := locs[first+i]
			r := ValueResult{Locator: loc.String(), Type: loc.Type.String()}
			status, _ := rs.Status(i)
			r.Status = status.String()
			if err := rs.Err(i); err != nil {
				r.Error = err.Error()
			}
			results = append(results, r)
		}
	})
	if err != nil {
		return err
	}
	return outputValues("Batch write", results)
}

// readLocators reads locs and decodes each result.
func readLocators(ctx context.Context, conn *s7.Connection, locs []s7.Locator) ([]ValueResult, error) {
	items := make([]s7.RequestItem, len(locs))
	for i, loc := range locs {
		item, err := loc.ReadItem()
		if err != nil {
			return nil, err
		}
		items[i] = item
	}

	results := make([]ValueResult, 0, len(locs))
	err := runBatches(ctx, conn, s7.ModeRead, items, func(first int, rs *s7.ResultSet) {
		for i := 0; i < rs.Len(); i++ {
			results = append(results, decodeResult(locs[first+i], rs, i))
		}
	})
	return results, err
}

// runBatches executes items in as few batches as the PDU allows. Each
// result set is handed to fn with the index of its first item.
func runBatches(ctx context.Context, conn *s7.Connection, mode s7.Mode, items []s7.RequestItem, fn func(first int, rs *s7.ResultSet)) error {
	for first := 0; first < len(items); {
		b, err := conn.NewBatch(mode)
		if err != nil {
			return err
		}
		n := 0
		for first+n < len(items) {
			err := b.AddItem(items[first+n])
			if errors.Is(err, s7.ErrBatchTooLarge) && n > 0 {
				break
			}
			if err != nil {
				return fmt.Errorf("item %d: %w", first+n, err)
			}
			n++
		}

		rs, err := conn.Execute(ctx, b)
		if err != nil {
			return err
		}
		if verbose {
			req, resp := b.Sizes()
			logger.Debug("batch executed", "items", n, "request", req, "response", resp)
		}
		fn(first, rs)
		first += n
	}
	return nil
}
