package conversation

import (
	"context"
	"errors"

	"github.com/ent0n29/confab/internal/chat"
)

// HistoryPage is one page of a session's log, newest page first.
type HistoryPage struct {
	SessionID     string         `json:"session_id"`
	Messages      []chat.Message `json:"messages"`
	TotalMessages int            `json:"total_messages"`
	Page          int            `json:"page"`
	PageSize      int            `json:"page_size"`
	HasMore       bool           `json:"has_more"`
}

// Service adds paging and export on top of a Store.
type Service struct {
	Store
}

func NewService(store Store) *Service {
	return &Service{Store: store}
}

// Page returns page (1-based) of pageSize messages counted from the newest
// end. Pages concatenated in order cover the log without gaps or repeats.
func (s *Service) Page(ctx context.Context, sessionID string, page, pageSize int) (HistoryPage, error) {
	if page < 1 {
		page = 1
	}
	offset := (page - 1) * pageSize
	// One extra message tells whether an older page exists.
	msgs, err := s.History(ctx, sessionID, pageSize+1, offset)
	if err != nil {
		return HistoryPage{}, err
	}
	hasMore := len(msgs) > pageSize
	if hasMore {
		msgs = msgs[1:]
	}
	total, err := s.messageCount(ctx, sessionID)
	if err != nil {
		return HistoryPage{}, err
	}
	return HistoryPage{
		SessionID:     sessionID,
		Messages:      msgs,
		TotalMessages: total,
		Page:          page,
		PageSize:      pageSize,
		HasMore:       hasMore,
	}, nil
}

// messageCount is the number of retained messages; a missing session has none.
func (s *Service) messageCount(ctx context.Context, sessionID string) (int, error) {
	conv, err := s.Load(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return conv.MessageCount(), nil
}

// Export loads a session and renders it. Missing sessions yield ErrNotFound.
func (s *Service) Export(ctx context.Context, sessionID, format string) ([]byte, ExportFormat, error) {
	if _, err := LookupFormat(format); err != nil {
		return nil, ExportFormat{}, err
	}
	conv, err := s.Load(ctx, sessionID)
	if err != nil {
		return nil, ExportFormat{}, err
	}
	return Export(conv, format)
}
