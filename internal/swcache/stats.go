package swcache

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

// statsCollector feeds the periodic stats log line. It only counts
// responses the worker answered itself.
type statsCollector struct {
	fromCache   atomic.Uint64
	fromNetwork atomic.Uint64
	offline     atomic.Uint64
	failed      atomic.Uint64

	respBytes atomic.Uint64
	minBytes  atomic.Uint64
	maxBytes  atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(source string, respBytes int) {
	switch source {
	case SourceCache:
		s.fromCache.Add(1)
	case SourceNetwork:
		s.fromNetwork.Add(1)
	case SourceOffline:
		s.offline.Add(1)
	case SourceBadGateway:
		s.failed.Add(1)
		return
	default:
		return
	}
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)
	s.respBytes.Add(n)

	for {
		cur := s.minBytes.Load()
		if n >= cur || s.minBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxBytes.Load()
		if n <= cur || s.maxBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	FromCache    uint64
	FromNetwork  uint64
	Offline      uint64
	Failed       uint64
	MinRespBytes uint64
	MaxRespBytes uint64
	AvgRespBytes uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		FromCache:   s.fromCache.Load(),
		FromNetwork: s.fromNetwork.Load(),
		Offline:     s.offline.Load(),
		Failed:      s.failed.Load(),
	}
	served := out.FromCache + out.FromNetwork + out.Offline
	if served == 0 {
		return out
	}
	out.MinRespBytes = s.minBytes.Load()
	if out.MinRespBytes == math.MaxUint64 {
		out.MinRespBytes = 0
	}
	out.MaxRespBytes = s.maxBytes.Load()
	out.AvgRespBytes = s.respBytes.Load() / served
	return out
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	if b < kb {
		return fmt.Sprintf("%db", b)
	}
	if b < mb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	}
	if b < gb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
