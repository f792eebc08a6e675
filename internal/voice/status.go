package voice

import (
	"context"
	"errors"
	"sync"
	"time"
)

type Status string

const (
	StatusUploaded   Status = "uploaded"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

var ErrStatusNotFound = errors.New("audio status not found")

// ProcessingStatus reports how far an upload has moved through transcription.
type ProcessingStatus struct {
	AudioID        string     `json:"audio_id"`
	Status         Status     `json:"status"`
	Progress       float64    `json:"progress"`
	Message        string     `json:"message,omitempty"`
	Error          string     `json:"error,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ProcessingTime float64    `json:"processing_time,omitempty"`

	updatedAt time.Time
}

// StatusTracker keeps per-upload status in memory. Entries expire ttl after
// their last update.
type StatusTracker struct {
	mu      sync.RWMutex
	entries map[string]*ProcessingStatus
	ttl     time.Duration
	now     func() time.Time
}

func NewStatusTracker(ttl time.Duration) *StatusTracker {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &StatusTracker{
		entries: make(map[string]*ProcessingStatus),
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Update records a transition. progress is clamped to 0..100. The start time
// is set on the first processing update and the completion time on a
// terminal status.
func (t *StatusTracker) Update(audioID string, status Status, progress float64, message, errMsg string) ProcessingStatus {
	now := t.now()
	progress = max(0, min(100, progress))

	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.entries[audioID]
	if !ok {
		s = &ProcessingStatus{AudioID: audioID}
		t.entries[audioID] = s
	}
	s.Status = status
	s.Progress = progress
	s.Message = message
	s.Error = errMsg
	s.updatedAt = now
	if status == StatusProcessing && s.StartedAt == nil {
		started := now
		s.StartedAt = &started
	}
	if status == StatusCompleted || status == StatusFailed {
		done := now
		s.CompletedAt = &done
		if s.StartedAt != nil {
			s.ProcessingTime = done.Sub(*s.StartedAt).Seconds()
		}
	}
	return clone(s)
}

func (t *StatusTracker) Get(audioID string) (ProcessingStatus, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.entries[audioID]
	if !ok || t.now().Sub(s.updatedAt) >= t.ttl {
		return ProcessingStatus{}, ErrStatusNotFound
	}
	return clone(s), nil
}

func (t *StatusTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// StartJanitor evicts expired entries every interval until ctx is done.
func (t *StatusTracker) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.expire()
			}
		}
	}()
}

func (t *StatusTracker) expire() int {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, s := range t.entries {
		if now.Sub(s.updatedAt) >= t.ttl {
			delete(t.entries, id)
			n++
		}
	}
	return n
}

func clone(s *ProcessingStatus) ProcessingStatus {
	return *s
}
