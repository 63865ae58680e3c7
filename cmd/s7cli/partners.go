package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/s7/internal/device"
)

var partnersCmd = &cobra.Command{
	Use:     "partners",
	Aliases: []string{"list-reachable", "lr"},
	Short:   "List stations reachable on the bus",
	Long: `Initialize the adapter and list the bus addresses that answer.

Only bus links (PPI) have partners; ISO-on-TCP links report none.`,
	Example: `  s7cli partners --protocol ppi --device /dev/ttyUSB0`,
	RunE:    runPartners,
}

type PartnersResult struct {
	Target   string `json:"target" yaml:"target"`
	Partners []int  `json:"partners" yaml:"partners"`
}

func runPartners(cmd *cobra.Command, args []string) error {
	cfg, err := deviceConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout*8)
	defer cancel()

	ifc, err := device.OpenInterface(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("adapter on %s: %w", cfg.Target(), err)
	}
	defer ifc.Close()

	partners, err := ifc.ListReachablePartners(ctx)
	if err != nil {
		return fmt.Errorf("list reachable partners failed: %w", err)
	}

	result := PartnersResult{Target: cfg.Target(), Partners: partners}
	if result.Partners == nil {
		result.Partners = []int{}
	}
	if ok, err := outputStructured(result); ok {
		return err
	}

	if len(partners) == 0 {
		outputInfo("No reachable partners on %s", cfg.Target())
		return nil
	}
	names := make([]string, len(partners))
	for i, p := range partners {
		names[i] = fmt.Sprint(p)
	}
	fmt.Printf("\n%s on %s: %s\n\n", color(colorBold, "Reachable partners"), cfg.Target(), strings.Join(names, ", "))
	return nil
}
