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
	"errors"
	"fmt"
	"log/slog"
)

const (
	szlHeaderIDSize = 4
	szlHeaderSize   = 8
	maxSZLFragments = 255
)

// Well known status list ids.
const (
	SZLDirectory      uint16 = 0x0000
	SZLModuleID       uint16 = 0x0011
	SZLOperatingState uint16 = 0x0424
)

// SZLRecord is a system status list as returned by the controller.
//
// Payload is the raw response. The id/index echo is only present when the
// payload holds at least 4 bytes, and the element length and count only
// when it holds at least 8; the records follow at offset 8.
type SZLRecord struct {
	RequestedID    uint16
	RequestedIndex uint16

	ID            uint16
	Index         uint16
	ElementLength int
	ElementCount  int

	Payload []byte
}

// HasID reports whether the id/index echo is present.
func (r *SZLRecord) HasID() bool {
	return len(r.Payload) >= szlHeaderIDSize
}

// HasHeader reports whether element length and count are present.
func (r *SZLRecord) HasHeader() bool {
	return len(r.Payload) >= szlHeaderSize
}

// Records returns the element data following the header.
func (r *SZLRecord) Records() []byte {
	if !r.HasHeader() {
		return nil
	}
	return r.Payload[szlHeaderSize:]
}

// Element returns element i, or nil if it is not present.
func (r *SZLRecord) Element(i int) []byte {
	recs := r.Records()
	if i < 0 || r.ElementLength <= 0 || (i+1)*r.ElementLength > len(recs) {
		return nil
	}
	return recs[i*r.ElementLength : (i+1)*r.ElementLength]
}

// ParseSZL decodes the header of a raw status list payload.
func ParseSZL(id, index uint16, payload []byte) *SZLRecord {
	r := &SZLRecord{
		RequestedID:    id,
		RequestedIndex: index,
		Payload:        payload,
	}
	if r.HasID() {
		r.ID = U16(payload[0:2])
		r.Index = U16(payload[2:4])
	}
	if r.HasHeader() {
		r.ElementLength = int(U16(payload[4:6]))
		r.ElementCount = int(U16(payload[6:8]))
	}
	return r
}

// ReadSZL reads one system status list. Segmented responses are followed
// until the controller reports the last data unit.
func (c *Connection) ReadSZL(ctx context.Context, id, index uint16) (*SZLRecord, error) {
	var payload []byte
	err := c.session(ctx, "read szl", func() error {
		var err error
		payload, err = c.readSZLLocked(ctx, id, index)
		return err
	})
	if err != nil {
		return nil, err
	}

	rec := ParseSZL(id, index, payload)
	c.ifc.diag.log(DebugExchange, "szl read",
		slog.String("id", fmt.Sprintf("%04X", id)),
		slog.String("index", fmt.Sprintf("%04X", index)),
		slog.Int("len", len(payload)),
		slog.Int("elements", rec.ElementCount))
	return rec, nil
}

func (c *Connection) readSZLLocked(ctx context.Context, id, index uint16) ([]byte, error) {
	param, data := buildSZLRequest(id, index)
	req := &PDU{Header: Header{ROSCTR: rosctrUserData}, Param: param, Data: data}

	var payload []byte
	for n := 0; n < maxSZLFragments; n++ {
		resp, err := c.roundTrip(ctx, ServiceSZL, req)
		if err != nil {
			return nil, err
		}
		frag, err := parseSZLResponse(resp)
		if err != nil {
			return nil, err
		}
		payload = append(payload, frag.payload...)
		if !frag.more {
			return payload, nil
		}

		c.ifc.diag.log(DebugUpload, "szl continues", slog.Int("seq", int(frag.seq)), slog.Int("len", len(payload)))
		param, data = buildSZLContinuation(frag.seq, frag.ref)
		req = &PDU{Header: Header{ROSCTR: rosctrUserData}, Param: param, Data: data}
	}
	return nil, fmt.Errorf("%w: SZL %04X:%04X exceeds %d fragments", ErrInvalidResponse, id, index, maxSZLFragments)
}

// ReadAllSZL reads the directory list (0, 0) and then every list it names.
// A directory without a header or with short entries ends the walk early.
// A list the controller refuses is skipped and its error joined into the
// returned error. A transport or connection failure stops the walk; the
// records gathered so far are returned together with the errors.
func (c *Connection) ReadAllSZL(ctx context.Context) ([]*SZLRecord, error) {
	dir, err := c.ReadSZL(ctx, SZLDirectory, 0)
	if err != nil {
		return nil, err
	}
	records := []*SZLRecord{dir}
	if !dir.HasHeader() || dir.ElementLength < 2 {
		return records, nil
	}

	var errs []error
	for i := 0; i < dir.ElementCount; i++ {
		entry := dir.Element(i)
		if entry == nil {
			break
		}
		rec, err := c.ReadSZL(ctx, U16(entry), 0)
		if err != nil {
			errs = append(errs, fmt.Errorf("SZL %04X: %w", U16(entry), err))
			if !skippableSZLError(err) {
				break
			}
			continue
		}
		records = append(records, rec)
	}
	return records, errors.Join(errs...)
}

// skippableSZLError reports whether a failed list read leaves the session
// usable for the next list.
func skippableSZLError(err error) bool {
	var itemErr *ItemError
	var protoErr *ProtocolError
	return errors.As(err, &itemErr) || errors.As(err, &protoErr)
}
