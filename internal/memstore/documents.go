// Package memstore holds in-memory implementations of the document store
// and the change request repository. It backs tests, the offline CLI and
// the API when no external storage is configured.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chronicle/changerequest/internal/changerequest"
	"chronicle/changerequest/internal/document"
	"chronicle/changerequest/internal/version"
)

type revision struct {
	version version.Token
	date    time.Time
	doc     *document.Document
	author  string
}

// DocumentStore keeps the full revision history of every document. A
// deletion is recorded as a revision with a nil document.
type DocumentStore struct {
	mu      sync.RWMutex
	history map[document.Reference][]revision
	now     func() time.Time
}

func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		history: make(map[document.Reference][]revision),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *DocumentStore) head(target document.Reference) (revision, bool) {
	revs := s.history[target]
	if len(revs) == 0 {
		return revision{}, false
	}
	return revs[len(revs)-1], true
}

func (s *DocumentStore) PublishedVersion(_ context.Context, target document.Reference) (document.Published, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	head, ok := s.head(target)
	if !ok {
		return document.Published{}, fmt.Errorf("%s: %w", target, document.ErrNotFound)
	}
	return document.Published{Version: head.version, Date: head.date, Removed: head.doc == nil}, nil
}

func (s *DocumentStore) Revision(_ context.Context, target document.Reference, v version.Token) (*document.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rev := range s.history[target] {
		if rev.version == v {
			if rev.doc == nil {
				break
			}
			return rev.doc, nil
		}
	}
	return nil, fmt.Errorf("%s at %s: %w", target, v, document.ErrNotFound)
}

func (s *DocumentStore) Commit(_ context.Context, req document.CommitRequest) (version.Token, error) {
	if req.Document == nil {
		return version.Zero, fmt.Errorf("commit %s: nil document", req.Target)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(req.Target, req.Expected, req.Document, req.Author, req.MinorEdit)
}

func (s *DocumentStore) Delete(_ context.Context, target document.Reference, expected version.Token, author string) (version.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	head, ok := s.head(target)
	if !ok || head.doc == nil {
		return version.Zero, fmt.Errorf("delete %s: %w", target, document.ErrNotFound)
	}
	return s.appendLocked(target, expected, nil, author, false)
}

func (s *DocumentStore) appendLocked(target document.Reference, expected version.Token, doc *document.Document, author string, minor bool) (version.Token, error) {
	head, _ := s.head(target)
	if head.version != expected {
		return version.Zero, &changerequest.ConcurrentModificationError{Target: target, Expected: expected, Actual: head.version}
	}
	next := head.version.NextPublished(minor)
	s.history[target] = append(s.history[target], revision{version: next, date: s.now(), doc: doc, author: author})
	return next, nil
}

// Seed publishes doc without a compare-and-set check and returns the new
// version.
func (s *DocumentStore) Seed(target document.Reference, doc *document.Document) version.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	head, _ := s.head(target)
	v, _ := s.appendLocked(target, head.version, doc, "seed", false)
	return v
}

// Versions lists the published versions of target, oldest first.
func (s *DocumentStore) Versions(target document.Reference) []version.Token {
	s.mu.RLock()
	defer s.mu.RUnlock()
	revs := s.history[target]
	out := make([]version.Token, len(revs))
	for i, rev := range revs {
		out[i] = rev.version
	}
	return out
}
