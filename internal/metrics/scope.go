package metrics

import (
	"fmt"
	"sync"
	"time"
)

// Scope measures wall-clock duration between StartScope and End and records
// exactly one OperationMetric on release, whatever the exit path.
type Scope struct {
	recorder *Recorder
	metric   OperationMetric
	start    time.Time
	once     sync.Once
}

// StartScope begins a timing scope tagged with the given correlation.
func (r *Recorder) StartScope(operationType, operationName string, corr Correlation) *Scope {
	return &Scope{
		recorder: r,
		start:    time.Now(),
		metric: OperationMetric{
			OperationType: operationType,
			OperationName: operationName,
			RequestID:     corr.RequestID,
			JobID:         corr.JobID,
			DocumentURL:   corr.DocumentURL,
		},
	}
}

// SetJobID attaches a job ID resolved after the scope started.
func (s *Scope) SetJobID(jobID string) {
	s.metric.JobID = jobID
}

// SetDocumentURL attaches a document URL resolved after the scope started.
func (s *Scope) SetDocumentURL(url string) {
	s.metric.DocumentURL = url
}

// End records the scope once. err == nil marks the guarded work successful;
// subsequent calls are no-ops, so End is safe in defer alongside explicit
// early-exit calls.
func (s *Scope) End(err error) {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.metric.DurationMs = time.Since(s.start).Milliseconds()
		s.metric.Success = err == nil
		if err != nil {
			s.metric.ErrorMessage = err.Error()
		}
		s.metric.RecordedAt = time.Now().UTC()
		s.recorder.Record(s.metric)
	})
}

// Track runs fn inside a timing scope and guarantees exactly one record on
// every exit path: normal return, error return, or panic (which is recorded
// as a failure and re-raised).
func (r *Recorder) Track(operationType, operationName string, corr Correlation, fn func(*Scope) error) (err error) {
	scope := r.StartScope(operationType, operationName, corr)
	defer func() {
		if rec := recover(); rec != nil {
			scope.End(fmt.Errorf("panic: %v", rec))
			panic(rec)
		}
		scope.End(err)
	}()
	err = fn(scope)
	return err
}
