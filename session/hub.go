package session

import (
	"context"
	"sort"
	"sync"

	"github.com/burntcarrot/otpad/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Hub is the registry of open sessions. Sessions are independent; the hub only guards the map.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	// opening deduplicates concurrent restores of the same document.
	opening singleflight.Group

	store store.HistoryStore
	cfg   Config
}

// NewHub creates a hub that restores and persists sessions through st. cfg is the template for every session.
func NewHub(st store.HistoryStore, cfg Config) *Hub {
	if st == nil {
		st = store.NewMemoryStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	cfg.Store = st

	return &Hub{
		sessions: make(map[string]*Session),
		store:    st,
		cfg:      cfg,
	}
}

// Get returns an open session.
func (h *Hub) Get(documentID string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[documentID]
	return s, ok
}

// Open returns the session for documentID, restoring it from the store on first use.
// Restoring one document doesn't block access to the others.
func (h *Hub) Open(ctx context.Context, documentID string) (*Session, error) {
	if s, ok := h.Get(documentID); ok {
		return s, nil
	}

	// The restore outlives a caller that gives up, since others may be waiting on it.
	loadCtx := context.WithoutCancel(ctx)
	ch := h.opening.DoChan(documentID, func() (interface{}, error) {
		if s, ok := h.Get(documentID); ok {
			return s, nil
		}

		history, err := h.store.Load(loadCtx, documentID)
		if err != nil {
			return nil, err
		}
		s, err := Restore(documentID, history, h.cfg)
		if err != nil {
			return nil, err
		}

		h.mu.Lock()
		h.sessions[documentID] = s
		h.mu.Unlock()

		h.cfg.Logger.WithFields(logrus.Fields{"document": documentID, "revision": s.Revision()}).Info("document opened")
		return s, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	}
}

// Documents returns the IDs of the open sessions, sorted.
func (h *Hub) Documents() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close closes the underlying store.
func (h *Hub) Close() error {
	return h.store.Close()
}
