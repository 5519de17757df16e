package agent

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"go.uber.org/zap"

	"yqhp/ot2-agent/pkg/types"
)

const (
	// 延迟以毫秒记录，上限一小时
	latencyMin     = 1
	latencyMax     = int64(time.Hour / time.Millisecond)
	latencySigFigs = 3
)

// Stats 记录每个接口的执行耗时分布以及各类终止事件的数量。
type Stats struct {
	latencies map[string]*hdrhistogram.Histogram
	terminals map[types.EventKind]int64
	logger    *zap.Logger
	mu        sync.Mutex
}

// NewStats 创建统计器。
func NewStats(logger *zap.Logger) *Stats {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stats{
		logger:    logger,
		latencies: make(map[string]*hdrhistogram.Histogram),
		terminals: make(map[types.EventKind]int64),
	}
}

// Record 记录一次任务结束。
func (s *Stats) Record(iface string, kind types.EventKind, elapsed time.Duration) {
	ms := elapsed.Milliseconds()
	if ms > latencyMax {
		ms = latencyMax
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.terminals[kind]++
	if iface == "" {
		return
	}
	h, ok := s.latencies[iface]
	if !ok {
		h = hdrhistogram.New(latencyMin, latencyMax, latencySigFigs)
		s.latencies[iface] = h
	}
	if err := h.RecordValue(ms); err != nil {
		s.logger.Debug("latency not recorded",
			zap.String("interface", iface), zap.Int64("ms", ms), zap.Error(err))
	}
}

// Terminals 返回终止事件计数的副本。
func (s *Stats) Terminals() map[types.EventKind]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[types.EventKind]int64, len(s.terminals))
	for k, v := range s.terminals {
		out[k] = v
	}
	return out
}

// Interfaces 返回每个接口的耗时摘要。
func (s *Stats) Interfaces() map[string]*types.InterfaceStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]*types.InterfaceStats, len(s.latencies))
	for name, h := range s.latencies {
		out[name] = &types.InterfaceStats{
			Count: h.TotalCount(),
			Mean:  h.Mean(),
			P50:   h.ValueAtQuantile(50),
			P95:   h.ValueAtQuantile(95),
			P99:   h.ValueAtQuantile(99),
			Max:   h.Max(),
		}
	}
	return out
}
