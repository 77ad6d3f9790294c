package agent

import (
	"fmt"
	"sync/atomic"
)

type runtimeMetrics struct {
	turnsTotal     atomic.Int64
	toolCalls      atomic.Int64
	toolDenials    atomic.Int64
	toolErrors     atomic.Int64
	providerErrors atomic.Int64
}

type metricsSnapshot struct {
	TurnsTotal     int64
	ToolCalls      int64
	DenialRate     float64
	WrongCallRate  float64
	ProviderErrors int64
}

func newRuntimeMetrics() *runtimeMetrics {
	return &runtimeMetrics{}
}

func (m *runtimeMetrics) snapshot() metricsSnapshot {
	if m == nil {
		return metricsSnapshot{}
	}
	toolCalls := m.toolCalls.Load()
	return metricsSnapshot{
		TurnsTotal:     m.turnsTotal.Load(),
		ToolCalls:      toolCalls,
		DenialRate:     safeRate(m.toolDenials.Load(), toolCalls),
		WrongCallRate:  safeRate(m.toolErrors.Load(), toolCalls),
		ProviderErrors: m.providerErrors.Load(),
	}
}

func (m metricsSnapshot) String() string {
	return fmt.Sprintf(
		"metrics: turns=%d tool_calls=%d denial=%.1f%% wrong_call=%.1f%% provider_errors=%d",
		m.TurnsTotal,
		m.ToolCalls,
		m.DenialRate*100,
		m.WrongCallRate*100,
		m.ProviderErrors,
	)
}

func safeRate(num, den int64) float64 {
	if den <= 0 {
		return 0
	}
	return float64(num) / float64(den)
}
