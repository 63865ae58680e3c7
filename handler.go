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
	"fmt"
	"sort"
	"sync"
)

// Handler serves the memory and status list requests of a Server.
// Implementations must be safe for concurrent use.
type Handler interface {
	// ReadItem returns the data of a read item. Bit items return one byte,
	// 0 or 1, per bit; timer and counter items two bytes per element.
	ReadItem(it RequestItem) ([]byte, ItemStatus)

	// WriteItem stores the payload of a write item.
	WriteItem(it RequestItem) ItemStatus

	// SZL returns the raw status list payload, header included.
	SZL(id, index uint16) ([]byte, ItemStatus)

	// SetMode switches the simulated CPU between RUN and STOP.
	SetMode(mode CPUMode)
}

type blockKey struct {
	area  Area
	block int
}

// MemoryHandler is an in-memory Handler.
type MemoryHandler struct {
	mu     sync.RWMutex
	areas  map[Area][]byte
	blocks map[blockKey][]byte
	szl    map[uint32][]byte
	mode   CPUMode

	orderNumber string
	firmware    [3]byte
}

// NewMemoryHandler creates a handler with size bytes of inputs, outputs,
// flags, peripheral and V memory, and size elements of timers and counters.
func NewMemoryHandler(size int) *MemoryHandler {
	h := &MemoryHandler{
		areas:       make(map[Area][]byte),
		blocks:      make(map[blockKey][]byte),
		szl:         make(map[uint32][]byte),
		mode:        CPURun,
		orderNumber: "6ES7 315-2EH14-0AB0",
		firmware:    [3]byte{3, 2, 6},
	}
	for _, a := range []Area{AreaInputs, AreaOutputs, AreaFlags, AreaPeripheral, AreaV} {
		h.areas[a] = make([]byte, size)
	}
	for _, a := range []Area{AreaCounter, AreaTimer, AreaCounter200, AreaTimer200} {
		h.areas[a] = make([]byte, 2*size)
	}
	return h
}

// AddDB creates data block n with size zeroed bytes.
func (h *MemoryHandler) AddDB(n, size int) {
	h.AddBlock(AreaDB, n, size)
}

// AddBlock creates block n of a DB or DI area.
func (h *MemoryHandler) AddBlock(area Area, n, size int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.blocks[blockKey{area, n}] = make([]byte, size)
}

// SetIdentity sets the order number and firmware version reported in
// SZL 0x0011.
func (h *MemoryHandler) SetIdentity(orderNumber string, major, minor, patch byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.orderNumber = orderNumber
	h.firmware = [3]byte{major, minor, patch}
}

// SetSZL installs a status list, overriding the built-in ones.
func (h *MemoryHandler) SetSZL(id, index uint16, elementLength int, elements []byte) {
	payload := make([]byte, 8, 8+len(elements))
	PutU16(payload[0:2], id)
	PutU16(payload[2:4], index)
	count := 0
	if elementLength > 0 {
		count = len(elements) / elementLength
	}
	PutU16(payload[4:6], uint16(elementLength))
	PutU16(payload[6:8], uint16(count))
	payload = append(payload, elements...)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.szl[uint32(id)<<16|uint32(index)] = payload
}

// SetSZLRaw installs a status list payload as is, header or not.
func (h *MemoryHandler) SetSZLRaw(id, index uint16, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.szl[uint32(id)<<16|uint32(index)] = append([]byte(nil), payload...)
}

// Mode returns the simulated CPU mode.
func (h *MemoryHandler) Mode() CPUMode {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.mode
}

// SetMode implements Handler.
func (h *MemoryHandler) SetMode(mode CPUMode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mode = mode
}

// memLocked returns the backing slice of an area or block.
func (h *MemoryHandler) memLocked(area Area, block int) ([]byte, bool) {
	if area.IsBlock() {
		mem, ok := h.blocks[blockKey{area, block}]
		return mem, ok
	}
	mem, ok := h.areas[area]
	return mem, ok
}

// span returns the byte range an item covers.
func span(it RequestItem) (off, n int) {
	switch {
	case it.Granularity == Bit:
		return it.Start / 8, 1
	case it.Area.IsTimerCounter():
		return it.Start * 2, it.Length * 2
	default:
		return it.Start, it.Length
	}
}

// ReadItem implements Handler.
func (h *MemoryHandler) ReadItem(it RequestItem) ([]byte, ItemStatus) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	mem, ok := h.memLocked(it.Area, it.Block)
	if !ok {
		return nil, StatusObjectNotFound
	}
	off, n := span(it)
	if off+n > len(mem) {
		return nil, StatusAddressOutOfRange
	}
	if it.Granularity == Bit {
		out := make([]byte, it.Length)
		for i := range out {
			out[i] = mem[off] >> uint(it.Start%8+i) & 1
		}
		return out, StatusOK
	}
	return append([]byte(nil), mem[off:off+n]...), StatusOK
}

// WriteItem implements Handler.
func (h *MemoryHandler) WriteItem(it RequestItem) ItemStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	mem, ok := h.memLocked(it.Area, it.Block)
	if !ok {
		return StatusObjectNotFound
	}
	off, n := span(it)
	if off+n > len(mem) {
		return StatusAddressOutOfRange
	}
	if it.Granularity == Bit {
		for i, v := range it.Payload {
			mask := byte(1) << uint(it.Start%8+i)
			if v != 0 {
				mem[off] |= mask
			} else {
				mem[off] &^= mask
			}
		}
		return StatusOK
	}
	if len(it.Payload) != n {
		return StatusTypeInconsistent
	}
	copy(mem[off:], it.Payload)
	return StatusOK
}

// SetBytes writes directly into simulated memory.
func (h *MemoryHandler) SetBytes(area Area, block, start int, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	mem, ok := h.memLocked(area, block)
	if !ok || start < 0 || start+len(data) > len(mem) {
		return fmt.Errorf("%w: %s%d.%d+%d", ErrInvalidAddress, area, block, start, len(data))
	}
	copy(mem[start:], data)
	return nil
}

// Bytes reads directly from simulated memory.
func (h *MemoryHandler) Bytes(area Area, block, start, n int) ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	mem, ok := h.memLocked(area, block)
	if !ok || start < 0 || start+n > len(mem) {
		return nil, fmt.Errorf("%w: %s%d.%d+%d", ErrInvalidAddress, area, block, start, n)
	}
	return append([]byte(nil), mem[start:start+n]...), nil
}

// SZL implements Handler. Installed lists take precedence over the
// built-in directory (0x0000), module identification (0x0011) and
// operating state (0x0424).
func (h *MemoryHandler) SZL(id, index uint16) ([]byte, ItemStatus) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if p, ok := h.szl[uint32(id)<<16|uint32(index)]; ok {
		return append([]byte(nil), p...), StatusOK
	}
	switch id {
	case SZLDirectory:
		return h.directoryLocked(), StatusOK
	case SZLModuleID:
		return h.moduleIDLocked(), StatusOK
	case SZLOperatingState:
		return h.operatingStateLocked(), StatusOK
	}
	return nil, StatusObjectNotFound
}

func szlPayload(id, index uint16, elementLength int, elements [][]byte) []byte {
	p := make([]byte, 8)
	PutU16(p[0:2], id)
	PutU16(p[2:4], index)
	PutU16(p[4:6], uint16(elementLength))
	PutU16(p[6:8], uint16(len(elements)))
	for _, el := range elements {
		p = append(p, el...)
	}
	return p
}

func (h *MemoryHandler) directoryLocked() []byte {
	ids := map[uint16]bool{SZLModuleID: true, SZLOperatingState: true}
	for key := range h.szl {
		if id := uint16(key >> 16); id != SZLDirectory {
			ids[id] = true
		}
	}
	sorted := make([]int, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, int(id))
	}
	sort.Ints(sorted)

	elements := make([][]byte, len(sorted))
	for i, id := range sorted {
		elements[i] = []byte{byte(id >> 8), byte(id)}
	}
	return szlPayload(SZLDirectory, 0, 2, elements)
}

func (h *MemoryHandler) moduleIDLocked() []byte {
	el := func(index uint16, order string, tail []byte) []byte {
		b := make([]byte, 28)
		PutU16(b[0:2], index)
		copy(b[2:22], fmt.Sprintf("%-20s", order))
		copy(b[22:], tail)
		return b
	}
	fw := []byte{0x00, 0x00, 'V', h.firmware[0], h.firmware[1], h.firmware[2]}
	return szlPayload(SZLModuleID, 0, 28, [][]byte{
		el(0x0001, h.orderNumber, []byte{0x00, 0xC0, 0x00, 0x01, 0x00, 0x01}),
		el(0x0006, h.orderNumber, []byte{0x00, 0xC0, 0x00, 0x01, 0x00, 0x01}),
		el(0x0007, "", fw),
	})
}

func (h *MemoryHandler) operatingStateLocked() []byte {
	el := make([]byte, 20)
	el[0], el[1], el[2] = 0x51, 0x44, 0xFF
	el[3] = byte(h.mode)
	return szlPayload(SZLOperatingState, 0, 20, [][]byte{el})
}
