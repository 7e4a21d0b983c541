package llm

import (
	"sync"
	"time"
)

// Metrics accumulates per-client request statistics. Counters grow
// monotonically until Reset is called; they never expire on their own.
// All methods are safe for concurrent use — multiple conversation turns
// share one client instance.
type Metrics struct {
	mu sync.Mutex

	totalRequests      int64
	successfulRequests int64
	failedRequests     int64
	totalRetries       int64
	emptyResponses     int64
	streamTimeouts     int64

	promptTokens     int64
	completionTokens int64
	cachedTokens     int64
	cacheHits        int64
	cacheMisses      int64

	totalResponseTime time.Duration

	last LastRequest
}

// LastRequest is the most recent call's breakdown, kept separately from
// the cumulative counters for dashboard consumption.
type LastRequest struct {
	PromptTokens     int
	CompletionTokens int
	CachedTokens     int
	Duration         time.Duration
	CacheHit         bool
}

// Snapshot is a point-in-time copy of the metrics, including derived values.
type Snapshot struct {
	TotalRequests      int64         `json:"total_requests"`
	SuccessfulRequests int64         `json:"successful_requests"`
	FailedRequests     int64         `json:"failed_requests"`
	TotalRetries       int64         `json:"total_retries"`
	EmptyResponses     int64         `json:"empty_responses"`
	StreamTimeouts     int64         `json:"stream_timeouts"`
	PromptTokens       int64         `json:"prompt_tokens"`
	CompletionTokens   int64         `json:"completion_tokens"`
	CachedTokens       int64         `json:"cached_tokens"`
	CacheHits          int64         `json:"cache_hits"`
	CacheMisses        int64         `json:"cache_misses"`
	TotalResponseTime  time.Duration `json:"total_response_time"`

	AverageResponseTime time.Duration `json:"average_response_time"`
	SuccessRate         float64       `json:"success_rate_pct"`
	CacheHitRate        float64       `json:"cache_hit_rate_pct"`

	Last LastRequest `json:"last_request"`
}

func (m *Metrics) recordRetry() {
	m.mu.Lock()
	m.totalRetries++
	m.mu.Unlock()
}

func (m *Metrics) recordEmptyResponse() {
	m.mu.Lock()
	m.emptyResponses++
	m.mu.Unlock()
}

func (m *Metrics) recordStreamTimeout() {
	m.mu.Lock()
	m.streamTimeouts++
	m.mu.Unlock()
}

func (m *Metrics) recordFailure() {
	m.mu.Lock()
	m.totalRequests++
	m.failedRequests++
	m.mu.Unlock()
}

// recordSuccess folds one completed call into the cumulative counters.
// Cache hit iff the usage block reported cached tokens > 0.
func (m *Metrics) recordSuccess(resp *ChatResponse, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalRequests++
	m.successfulRequests++
	m.promptTokens += int64(resp.PromptTokens)
	m.completionTokens += int64(resp.CompletionTokens)
	m.cachedTokens += int64(resp.CachedTokens)
	m.totalResponseTime += elapsed

	hit := resp.CachedTokens > 0
	if hit {
		m.cacheHits++
	} else {
		m.cacheMisses++
	}

	m.last = LastRequest{
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		CachedTokens:     resp.CachedTokens,
		Duration:         elapsed,
		CacheHit:         hit,
	}
}

// Snapshot returns a copy of all counters plus derived rates.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		TotalRequests:      m.totalRequests,
		SuccessfulRequests: m.successfulRequests,
		FailedRequests:     m.failedRequests,
		TotalRetries:       m.totalRetries,
		EmptyResponses:     m.emptyResponses,
		StreamTimeouts:     m.streamTimeouts,
		PromptTokens:       m.promptTokens,
		CompletionTokens:   m.completionTokens,
		CachedTokens:       m.cachedTokens,
		CacheHits:          m.cacheHits,
		CacheMisses:        m.cacheMisses,
		TotalResponseTime:  m.totalResponseTime,
		Last:               m.last,
	}

	if m.successfulRequests > 0 {
		s.AverageResponseTime = m.totalResponseTime / time.Duration(m.successfulRequests)
	}
	if m.totalRequests > 0 {
		s.SuccessRate = 100 * float64(m.successfulRequests) / float64(m.totalRequests)
	}
	if lookups := m.cacheHits + m.cacheMisses; lookups > 0 {
		s.CacheHitRate = 100 * float64(m.cacheHits) / float64(lookups)
	}
	return s
}

// Reset zeroes all counters. Metrics never reset on their own.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalRequests = 0
	m.successfulRequests = 0
	m.failedRequests = 0
	m.totalRetries = 0
	m.emptyResponses = 0
	m.streamTimeouts = 0
	m.promptTokens = 0
	m.completionTokens = 0
	m.cachedTokens = 0
	m.cacheHits = 0
	m.cacheMisses = 0
	m.totalResponseTime = 0
	m.last = LastRequest{}
}
