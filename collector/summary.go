// Copyright The Cycletrace Authors
// SPDX-License-Identifier: Apache-2.0

package collector // import "github.com/cycletrace/cycletrace/collector"

import (
	"io"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/cycletrace/cycletrace/libct"
	"github.com/cycletrace/cycletrace/wire"
)

// invocationKey identifies a call site within one thread.
type invocationKey struct {
	threadID uint32
	caller   libct.Address
	callee   libct.Address
}

// InvocationStats is the merged statistic for one call site on one
// thread.
type InvocationStats struct {
	ThreadID  uint32
	Caller    libct.Address
	Callee    libct.Address
	NumCalls  uint64
	CyclesSum uint64
	CyclesMin uint64
	CyclesMax uint64
}

// Summary accumulates the decoded trace stream: module definitions
// and per-call-site statistics merged across all received batches.
// Aggregation stays per-thread, matching the producer's attribution.
type Summary struct {
	mu          sync.Mutex
	invocations map[invocationKey]*InvocationStats
	modules     []wire.ModuleRecord
	segments    int
}

// NewSummary returns an empty Summary.
func NewSummary() *Summary {
	return &Summary{
		invocations: make(map[invocationKey]*InvocationStats),
	}
}

// HandleSegment decodes one received segment into the summary. It has
// the server handler signature.
func (s *Summary) HandleSegment(seg ReceivedSegment) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.segments++

	r := wire.NewReader(seg.Payload)
	for {
		kind, payload, err := r.Next()
		if err == io.EOF {
			return
		}
		if err != nil {
			log.Errorf("malformed segment %d from session %s: %v",
				seg.Header.SequenceNumber, seg.Session, err)
			return
		}

		switch kind {
		case wire.KindModuleAttached, wire.KindThreadAttached:
			module, err := wire.DecodeModuleRecord(payload)
			if err != nil {
				log.Errorf("bad module record: %v", err)
				continue
			}
			s.modules = append(s.modules, module)
		case wire.KindInvocationBatch:
			records, err := wire.DecodeInvocationBatch(payload)
			if err != nil {
				log.Errorf("bad invocation batch: %v", err)
				continue
			}
			for _, record := range records {
				s.merge(seg.Header.ThreadID, record)
			}
		default:
			log.Warnf("ignoring unknown record kind %#x", uint16(kind))
		}
	}
}

func (s *Summary) merge(threadID uint32, record wire.InvocationRecord) {
	key := invocationKey{
		threadID: threadID,
		caller:   record.Caller,
		callee:   record.Callee,
	}
	stats, ok := s.invocations[key]
	if !ok {
		s.invocations[key] = &InvocationStats{
			ThreadID:  threadID,
			Caller:    record.Caller,
			Callee:    record.Callee,
			NumCalls:  record.NumCalls,
			CyclesSum: record.CyclesSum,
			CyclesMin: record.CyclesMin,
			CyclesMax: record.CyclesMax,
		}
		return
	}
	stats.NumCalls += record.NumCalls
	stats.CyclesSum += record.CyclesSum
	if record.CyclesMin < stats.CyclesMin {
		stats.CyclesMin = record.CyclesMin
	}
	if record.CyclesMax > stats.CyclesMax {
		stats.CyclesMax = record.CyclesMax
	}
}

// Invocations returns all merged statistics, hottest call sites
// first.
func (s *Summary) Invocations() []InvocationStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]InvocationStats, 0, len(s.invocations))
	for _, stats := range s.invocations {
		out = append(out, *stats)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CyclesSum > out[j].CyclesSum
	})
	return out
}

// Modules returns all module records in arrival order.
func (s *Summary) Modules() []wire.ModuleRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wire.ModuleRecord(nil), s.modules...)
}

// Segments returns the number of segments consumed.
func (s *Summary) Segments() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segments
}
