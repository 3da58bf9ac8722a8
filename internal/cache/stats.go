package cache

import (
	"math"
	"sync/atomic"
)

type statsCollector struct {
	memoryHits atomic.Uint64
	diskHits   atomic.Uint64
	joined     atomic.Uint64
	fetches    atomic.Uint64
	failures   atomic.Uint64

	payloads     atomic.Uint64
	payloadBytes atomic.Uint64
	minPayload   atomic.Uint64
	maxPayload   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minPayload.Store(math.MaxUint64)
	return s
}

// observe records the size of a fetched payload.
func (s *statsCollector) observe(payloadBytes int) {
	if payloadBytes < 0 {
		payloadBytes = 0
	}
	n := uint64(payloadBytes)

	s.payloads.Add(1)
	s.payloadBytes.Add(n)

	for {
		cur := s.minPayload.Load()
		if n >= cur {
			break
		}
		if s.minPayload.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxPayload.Load()
		if n <= cur {
			break
		}
		if s.maxPayload.CompareAndSwap(cur, n) {
			break
		}
	}
}

// Stats is a point-in-time view of a Cache.
type Stats struct {
	MemoryEntries int   `json:"memoryEntries"`
	MemoryBytes   int64 `json:"memoryBytes"`
	MemoryMax     int64 `json:"memoryMax"`
	DiskEntries   int   `json:"diskEntries"`
	DiskBytes     int64 `json:"diskBytes"`
	DiskMax       int64 `json:"diskMax"`
	InFlight      int   `json:"inFlight"`

	MemoryHits uint64 `json:"memoryHits"`
	DiskHits   uint64 `json:"diskHits"`
	Joined     uint64 `json:"joined"`
	Fetches    uint64 `json:"fetches"`
	Failures   uint64 `json:"failures"`

	Payloads        uint64 `json:"payloads"`
	MinPayloadBytes uint64 `json:"minPayloadBytes"`
	MaxPayloadBytes uint64 `json:"maxPayloadBytes"`
	AvgPayloadBytes uint64 `json:"avgPayloadBytes"`
}

func (s *statsCollector) fill(out *Stats) {
	out.MemoryHits = s.memoryHits.Load()
	out.DiskHits = s.diskHits.Load()
	out.Joined = s.joined.Load()
	out.Fetches = s.fetches.Load()
	out.Failures = s.failures.Load()

	count := s.payloads.Load()
	if count == 0 {
		return
	}
	minv := s.minPayload.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	out.Payloads = count
	out.MinPayloadBytes = minv
	out.MaxPayloadBytes = s.maxPayload.Load()
	out.AvgPayloadBytes = s.payloadBytes.Load() / count
}
