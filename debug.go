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

package s7

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// Debug is a set of diagnostic categories. Each enabled category makes the
// Interface log the matching events at debug level.
type Debug uint32

// Diagnostic categories.
const (
	DebugRawRead        Debug = 0x01
	DebugSpecialChars   Debug = 0x02
	DebugRawWrite       Debug = 0x04
	DebugListReachables Debug = 0x08
	DebugInitAdapter    Debug = 0x10
	DebugConnect        Debug = 0x20
	DebugPacket         Debug = 0x40
	DebugByte           Debug = 0x80
	DebugCompare        Debug = 0x100
	DebugExchange       Debug = 0x200
	DebugPDU            Debug = 0x400
	DebugUpload         Debug = 0x800
	DebugBusTiming      Debug = 0x1000
	DebugPrintErrors    Debug = 0x2000
	DebugPassive        Debug = 0x4000
	DebugErrorReporting Debug = 0x8000

	DebugNone Debug = 0
	DebugAll  Debug = 0xffff
)

var debugNames = []struct {
	flag Debug
	name string
}{
	{DebugRawRead, "raw-read"},
	{DebugSpecialChars, "special-chars"},
	{DebugRawWrite, "raw-write"},
	{DebugListReachables, "list-reachables"},
	{DebugInitAdapter, "init-adapter"},
	{DebugConnect, "connect"},
	{DebugPacket, "packet"},
	{DebugByte, "byte"},
	{DebugCompare, "compare"},
	{DebugExchange, "exchange"},
	{DebugPDU, "pdu"},
	{DebugUpload, "upload"},
	{DebugBusTiming, "bus-timing"},
	{DebugPrintErrors, "print-errors"},
	{DebugPassive, "passive"},
	{DebugErrorReporting, "error-reporting"},
}

// Has reports whether every category in c is enabled in d.
func (d Debug) Has(c Debug) bool {
	return c != 0 && d&c == c
}

// String returns the enabled category names joined by commas.
func (d Debug) String() string {
	if d == DebugNone {
		return "none"
	}
	if d&DebugAll == DebugAll {
		return "all"
	}
	var names []string
	for _, n := range debugNames {
		if d&n.flag != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, ",")
}

// ParseDebug parses a comma separated list of category names, "all", "none",
// or a numeric mask such as "0x420".
func ParseDebug(s string) (Debug, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return DebugNone, nil
	}
	if v, err := strconv.ParseUint(s, 0, 32); err == nil {
		return Debug(v) & DebugAll, nil
	}

	var d Debug
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		switch part {
		case "":
			continue
		case "all":
			d |= DebugAll
			continue
		case "none":
			continue
		}
		found := false
		for _, n := range debugNames {
			if n.name == part {
				d |= n.flag
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("s7: unknown debug category %q", part)
		}
	}
	return d, nil
}

// diag gates structured log output by category.
type diag struct {
	logger *slog.Logger
	mask   Debug
}

func (g diag) enabled(c Debug) bool {
	return g.mask.Has(c)
}

func (g diag) log(c Debug, msg string, attrs ...slog.Attr) {
	if !g.mask.Has(c) {
		return
	}
	attrs = append(attrs, slog.String("category", c.String()))
	g.logger.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
}

func (g diag) dump(c Debug, msg string, data []byte) {
	if !g.mask.Has(c) {
		return
	}
	g.log(c, msg, slog.Int("len", len(data)), slog.String("data", fmt.Sprintf("% x", data)))
}

// reportError logs protocol level failures when DebugPrintErrors is set.
func (g diag) reportError(msg string, err error, attrs ...slog.Attr) {
	if !g.mask.Has(DebugPrintErrors) {
		return
	}
	attrs = append(attrs, slog.String("error", err.Error()))
	g.logger.LogAttrs(context.Background(), slog.LevelWarn, msg, attrs...)
}
