package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/s7"
	"github.com/edgeo-scada/s7/internal/device"
)

var (
	scanRackMax int
	scanSlotMax int
	scanWorkers int
	scanTimeout time.Duration
	scanType    string
	scanNetwork string
	scanIdent   bool
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for S7 controllers",
	Long: `Find controllers on a host or a network.

Scan types:
  slots   - Try rack/slot combinations on a single host (default)
  network - Try every host of a CIDR range at the configured rack/slot`,
	Example: `  # Find the CPU slot on a host
  s7cli scan -H 192.168.0.10

  # Try racks 0-1, slots 0-8
  s7cli scan --rack-max 1 --slot-max 8 -H 192.168.0.10

  # Scan a network
  s7cli scan --type network --network 192.168.0.0/24 --slot 1`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().IntVar(&scanRackMax, "rack-max", 0, "Highest rack to try")
	scanCmd.Flags().IntVar(&scanSlotMax, "slot-max", 5, "Highest slot to try")
	scanCmd.Flags().IntVar(&scanWorkers, "workers", 8, "Number of concurrent workers")
	scanCmd.Flags().DurationVar(&scanTimeout, "scan-timeout", 1*time.Second, "Timeout for each attempt")
	scanCmd.Flags().StringVar(&scanType, "type", "slots", "Scan type: slots, network")
	scanCmd.Flags().StringVar(&scanNetwork, "network", "", "Network CIDR for network scan (e.g., 192.168.0.0/24)")
	scanCmd.Flags().BoolVar(&scanIdent, "identify", true, "Read the order number of each controller found")
}

type ScanResult struct {
	Address     string        `json:"address" yaml:"address"`
	Rack        int           `json:"rack" yaml:"rack"`
	Slot        int           `json:"slot" yaml:"slot"`
	Responsive  bool          `json:"responsive" yaml:"responsive"`
	PDUSize     int           `json:"pdu_size,omitempty" yaml:"pdu_size,omitempty"`
	OrderNumber string        `json:"order_number,omitempty" yaml:"order_number,omitempty"`
	Mode        string        `json:"mode,omitempty" yaml:"mode,omitempty"`
	Latency     time.Duration `json:"latency_ms,omitempty" yaml:"latency_ms,omitempty"`
	Error       string        `json:"error,omitempty" yaml:"error,omitempty"`
}

type scanTarget struct {
	address    string
	rack, slot int
}

func runScan(cmd *cobra.Command, args []string) error {
	base, err := deviceConfig()
	if err != nil {
		return err
	}
	if !base.IsNetwork() {
		return fmt.Errorf("scan needs an ISO-on-TCP protocol, got %s", base.Protocol)
	}

	var targets []scanTarget
	var title string
	switch scanType {
	case "slots":
		for r := 0; r <= scanRackMax; r++ {
			for sl := 0; sl <= scanSlotMax; sl++ {
				targets = append(targets, scanTarget{address: base.Address, rack: r, slot: sl})
			}
		}
		title = "Slot Scan Results"
		outputInfo("Probing %d rack/slot combinations on %s...", len(targets), base.Address)
	case "network":
		if scanNetwork == "" {
			return fmt.Errorf("--network flag is required for network scan")
		}
		hosts, err := expandCIDR(scanNetwork)
		if err != nil {
			return fmt.Errorf("invalid network CIDR: %w", err)
		}
		for _, h := range hosts {
			targets = append(targets, scanTarget{
				address: net.JoinHostPort(h, strconv.Itoa(viper.GetInt("port"))),
				rack:    base.Rack,
				slot:    base.Slot,
			})
		}
		title = "Network Scan Results"
		outputInfo("Scanning %d hosts on network %s...", len(targets), scanNetwork)
	default:
		return fmt.Errorf("unknown scan type: %s", scanType)
	}

	results := make([]ScanResult, 0)
	var mu sync.Mutex
	var wg sync.WaitGroup

	semaphore := make(chan struct{}, scanWorkers)

	for _, target := range targets {
		wg.Add(1)
		go func(t scanTarget) {
			defer wg.Done()
			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			result := tryTarget(base, t)
			mu.Lock()
			if result.Responsive {
				results = append(results, result)
			}
			mu.Unlock()
		}(target)
	}

	wg.Wait()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Address != results[j].Address {
			return results[i].Address < results[j].Address
		}
		if results[i].Rack != results[j].Rack {
			return results[i].Rack < results[j].Rack
		}
		return results[i].Slot < results[j].Slot
	})

	return outputScanResults(title, results)
}

func tryTarget(base device.Config, t scanTarget) ScanResult {
	result := ScanResult{Address: t.address, Rack: t.rack, Slot: t.slot}

	cfg := base
	cfg.Address = t.address
	cfg.Rack = t.rack
	cfg.Slot = t.slot
	cfg.Timeout = scanTimeout
	cfg.Debug = s7.DebugNone

	ctx, cancel := context.WithTimeout(context.Background(), scanTimeout*4)
	defer cancel()

	start := time.Now()
	sess, err := device.Open(ctx, cfg, logger)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	defer sess.Close()

	result.Responsive = true
	result.Latency = time.Since(start)
	result.PDUSize = sess.Conn.MaxPDULen()

	if scanIdent {
		if cpu, err := sess.Conn.CPUInfo(ctx); err == nil {
			result.OrderNumber = cpu.OrderNumber
			result.Mode = cpu.Mode.String()
		} else {
			result.Error = err.Error()
		}
	}
	return result
}

func expandCIDR(cidr string) ([]string, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		// Try as single IP
		if parsedIP := net.ParseIP(cidr); parsedIP != nil {
			return []string{parsedIP.String()}, nil
		}
		return nil, err
	}

	var hosts []string
	for ip := ip.Mask(ipnet.Mask); ipnet.Contains(ip); incIP(ip) {
		hosts = append(hosts, ip.String())
	}

	// Remove network and broadcast addresses
	if len(hosts) > 2 {
		hosts = hosts[1 : len(hosts)-1]
	}

	return hosts, nil
}

func incIP(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] > 0 {
			break
		}
	}
}

func outputScanResults(title string, results []ScanResult) error {
	if ok, err := outputStructured(results); ok {
		return err
	}

	fmt.Printf("\n%s\n", color(colorBold, title))
	fmt.Println(strings.Repeat("-", 78))

	if len(results) == 0 {
		fmt.Println("No responsive controllers found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tRACK\tSLOT\tPDU\tLATENCY\tORDER NUMBER\tMODE")
	fmt.Fprintln(w, "-------\t----\t----\t---\t-------\t------------\t----")

	for _, r := range results {
		order := r.OrderNumber
		if order == "" {
			order = "-"
		}
		mode := r.Mode
		if mode == "" {
			mode = "-"
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%dms\t%s\t%s\n",
			r.Address, r.Rack, r.Slot, r.PDUSize, r.Latency.Milliseconds(), order, mode)
	}
	w.Flush()

	fmt.Printf("\nFound %d responsive controller(s)\n\n", len(results))
	return nil
}
