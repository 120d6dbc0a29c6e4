// Package audit emits one append-only JSONL record per terminal state
// transition. The format is a stable external contract: one JSON object
// per line, ingestible by any file/stream pipeline without the core
// depending on a storage engine.
package audit

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/mcpflow/types"
)

// Record is one terminal transition. ErrorKind is empty for COMPLETED.
type Record struct {
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id"`
	Sender        string          `json:"sender"`
	Recipient     string          `json:"recipient"`
	TaskType      string          `json:"task_type"`
	Status        string          `json:"status"`
	DurationMS    int64           `json:"duration_ms"`
	CostUnits     float64         `json:"cost_units"`
	RetryCount    int             `json:"retry_count"`
	ErrorKind     types.ErrorCode `json:"error_kind,omitempty"`
}

// Sink serializes records to an append-only writer.
type Sink struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	logger *zap.Logger
}

// NewSink writes records to w.
func NewSink(w io.Writer, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{w: w, logger: logger.With(zap.String("component", "audit"))}
}

// NewFileSink opens (or creates) path in append mode.
func NewFileSink(path string, logger *zap.Logger) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	s := NewSink(f, logger)
	s.closer = f
	return s, nil
}

// Emit appends one record. Audit failures are logged, never propagated:
// a broken audit pipe must not fail the request it describes.
func (s *Sink) Emit(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		s.logger.Error("marshal audit record", zap.Error(err))
		return
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(line); err != nil {
		s.logger.Error("write audit record", zap.Error(err))
	}
}

// Close closes the underlying file when the sink owns one.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
