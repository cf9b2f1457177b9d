package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ragline/ragline/internal/llm"
	"github.com/ragline/ragline/internal/metrics"
)

// Span is one named, timed interval; nested spans carry their parent's id.
type Span struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ParentID   string `json:"parent_id,omitempty"`
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms"`

	start time.Time
}

// MetricsManager tracks nested spans and token usage for one request. Safe
// for concurrent use so a fan-out inside a stage can record child spans.
type MetricsManager struct {
	mu    sync.Mutex
	open  map[string]*Span
	done  []*Span
	usage llm.Usage
}

func NewMetricsManager() *MetricsManager {
	return &MetricsManager{open: make(map[string]*Span)}
}

// StartSpan opens a span and returns its id. parentID may be "".
func (m *MetricsManager) StartSpan(name, parentID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	sp := &Span{
		ID:       uuid.New().String(),
		Name:     name,
		ParentID: parentID,
		start:    time.Now(),
	}
	m.open[sp.ID] = sp
	return sp.ID
}

// EndSpan closes a span and returns its duration. Unknown ids are ignored.
func (m *MetricsManager) EndSpan(id, status string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	sp, ok := m.open[id]
	if !ok {
		return 0
	}
	delete(m.open, id)
	d := time.Since(sp.start)
	sp.DurationMS = d.Milliseconds()
	sp.Status = status
	m.done = append(m.done, sp)
	metrics.RecordStage(sp.Name, status, float64(sp.DurationMS))
	return d
}

// AddUsage accumulates completion token counts.
func (m *MetricsManager) AddUsage(u llm.Usage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage.InputTokens += u.InputTokens
	m.usage.OutputTokens += u.OutputTokens
}

// Usage returns the accumulated token counts.
func (m *MetricsManager) Usage() llm.Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}

// Summary is the serialized form attached to the terminal progress event.
type Summary struct {
	Spans        []*Span `json:"spans"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
}

// Summarize returns all closed spans in completion order plus token totals.
func (m *MetricsManager) Summarize() Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	spans := make([]*Span, len(m.done))
	copy(spans, m.done)
	return Summary{
		Spans:        spans,
		InputTokens:  m.usage.InputTokens,
		OutputTokens: m.usage.OutputTokens,
	}
}
