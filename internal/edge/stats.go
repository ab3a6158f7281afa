package edge

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

// statsCollector keeps the numbers behind the periodic stats log line.
type statsCollector struct {
	previews  atomic.Uint64
	proxied   atomic.Uint64
	redirects atomic.Uint64

	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

// Observe records one response. redirected marks a preview request that
// ended in the landing redirect instead of a document.
func (s *statsCollector) Observe(decision string, redirected bool, respBytes int) {
	switch {
	case redirected:
		s.redirects.Add(1)
	case decision == decisionPreviewPost, decision == decisionPreviewProfile:
		s.previews.Add(1)
	case decision == decisionProxy:
		s.proxied.Add(1)
	}

	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)
	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur {
			break
		}
		if s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur {
			break
		}
		if s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Previews       uint64
	Proxied        uint64
	Redirects      uint64
	TotalResponses uint64
	TotalRespBytes uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	ss := statsSnapshot{
		Previews:  s.previews.Load(),
		Proxied:   s.proxied.Load(),
		Redirects: s.redirects.Load(),
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return ss
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	ss.TotalResponses = count
	ss.TotalRespBytes = s.totalRespBytes.Load()
	ss.MinRespBytes = minv
	ss.MaxRespBytes = s.maxRespBytes.Load()
	ss.AvgRespBytes = ss.TotalRespBytes / count
	return ss
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
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ".0")
	return s
}
