package conversation

import (
	"sort"
	"sync"

	"github.com/ent0n29/confab/internal/chat"
)

// summaryIndex keeps summaries ordered by UpdatedAt descending so listing is
// a slice window instead of a scan over every session.
type summaryIndex struct {
	mu      sync.RWMutex
	ordered []chat.ConversationSummary
	pos     map[string]struct{}
}

func newSummaryIndex() *summaryIndex {
	return &summaryIndex{pos: make(map[string]struct{})}
}

func (x *summaryIndex) less(a, b chat.ConversationSummary) bool {
	if a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.SessionID < b.SessionID
	}
	return a.UpdatedAt.After(b.UpdatedAt)
}

func (x *summaryIndex) put(s chat.ConversationSummary) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(s.SessionID)
	i := sort.Search(len(x.ordered), func(i int) bool { return !x.less(x.ordered[i], s) })
	x.ordered = append(x.ordered, chat.ConversationSummary{})
	copy(x.ordered[i+1:], x.ordered[i:])
	x.ordered[i] = s
	x.pos[s.SessionID] = struct{}{}
}

func (x *summaryIndex) remove(sessionID string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.removeLocked(sessionID)
}

func (x *summaryIndex) removeLocked(sessionID string) bool {
	if _, ok := x.pos[sessionID]; !ok {
		return false
	}
	delete(x.pos, sessionID)
	for i, s := range x.ordered {
		if s.SessionID == sessionID {
			x.ordered = append(x.ordered[:i], x.ordered[i+1:]...)
			break
		}
	}
	return true
}

func (x *summaryIndex) list(limit, offset int) []chat.ConversationSummary {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if offset < 0 {
		offset = 0
	}
	if offset >= len(x.ordered) {
		return []chat.ConversationSummary{}
	}
	end := len(x.ordered)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]chat.ConversationSummary, end-offset)
	copy(out, x.ordered[offset:end])
	return out
}

func (x *summaryIndex) all() []chat.ConversationSummary {
	return x.list(0, 0)
}

func (x *summaryIndex) reset() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	n := len(x.ordered)
	x.ordered = nil
	x.pos = make(map[string]struct{})
	return n
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
