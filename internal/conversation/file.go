package conversation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/confab/internal/chat"
)

var safeSessionID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// FileStore keeps one JSON document per session. Each append is a
// read-modify-write under a per-session lock, written through a temp file and
// rename so readers never observe a partial document.
type FileStore struct {
	dir       string
	retention int
	logger    *zap.Logger
	locks     *keyedMutex
	index     *summaryIndex
}

func NewFileStore(dir string, retention int, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversation dir: %w", err)
	}
	s := &FileStore{
		dir:       dir,
		retention: normalizeRetention(retention),
		logger:    logger,
		locks:     newKeyedMutex(),
		index:     newSummaryIndex(),
	}
	if err := s.rebuildIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) rebuildIndex() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read conversation dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		conv, err := readConversation(filepath.Join(s.dir, e.Name()))
		if err != nil {
			s.logger.Warn("skipping unreadable conversation file", zap.String("file", e.Name()), zap.Error(err))
			continue
		}
		s.index.put(conv.Summary())
	}
	return nil
}

func (s *FileStore) path(sessionID string) string {
	if safeSessionID.MatchString(sessionID) {
		return filepath.Join(s.dir, sessionID+".json")
	}
	sum := sha256.Sum256([]byte(sessionID))
	return filepath.Join(s.dir, "h-"+hex.EncodeToString(sum[:16])+".json")
}

func readConversation(path string) (*chat.Conversation, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var conv chat.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if conv.Messages == nil {
		conv.Messages = []chat.Message{}
	}
	return &conv, nil
}

func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".conv-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (s *FileStore) Append(ctx context.Context, sessionID string, msg chat.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.locks.Lock(sessionID)
	defer unlock()

	path := s.path(sessionID)
	conv, err := readConversation(path)
	if errors.Is(err, ErrNotFound) {
		conv = chat.NewConversation(sessionID, msgTime(msg))
	} else if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	msg.SessionID = sessionID
	conv.Append(msg, s.retention)
	if err := writeAtomic(path, conv); err != nil {
		return fmt.Errorf("write conversation: %w", err)
	}
	s.index.put(conv.Summary())
	return nil
}

func (s *FileStore) Load(ctx context.Context, sessionID string) (*chat.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return readConversation(s.path(sessionID))
}

func (s *FileStore) History(ctx context.Context, sessionID string, limit, offset int) ([]chat.Message, error) {
	conv, err := s.Load(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return []chat.Message{}, nil
	}
	if err != nil {
		return nil, err
	}
	return chat.Page(conv.Messages, limit, offset), nil
}

func (s *FileStore) ListSummaries(_ context.Context, limit, offset int) ([]chat.ConversationSummary, error) {
	return s.index.list(limit, offset), nil
}

func (s *FileStore) Delete(_ context.Context, sessionID string) (bool, error) {
	unlock := s.locks.Lock(sessionID)
	defer unlock()
	err := os.Remove(s.path(sessionID))
	s.index.remove(sessionID)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete conversation: %w", err)
	}
	return true, nil
}

func (s *FileStore) ClearAll(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read conversation dir: %w", err)
	}
	deleted := 0
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return deleted, fmt.Errorf("delete %s: %w", e.Name(), err)
		}
		deleted++
	}
	s.index.reset()
	return deleted, nil
}

func (s *FileStore) CleanupOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	deleted := 0
	for _, sum := range s.index.all() {
		if !sum.UpdatedAt.Before(cutoff) {
			continue
		}
		ok, err := s.Delete(ctx, sum.SessionID)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}

func (s *FileStore) Health(context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", s.dir)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
