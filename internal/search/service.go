package search

import (
	"context"

	"github.com/rs/zerolog"

	"chronicle/changerequest/internal/changerequest"
)

// Service is the facade that tries Meilisearch first and falls back to the
// configured Searcher.
type Service struct {
	meili    *Meili
	fallback Searcher
	log      zerolog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, fallback Searcher, log zerolog.Logger) *Service {
	return &Service{meili: meili, fallback: fallback, log: log}
}

// Search tries Meilisearch if healthy, otherwise falls back.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn().Err(err).Msg("meilisearch error, falling back")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error().Err(err).Msg("fallback search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexChangeRequest indexes a change request (fire-and-forget to Meilisearch).
func (s *Service) IndexChangeRequest(cr *changerequest.ChangeRequest) {
	if s.meili == nil || !s.meili.Healthy() || cr == nil {
		return
	}
	record := RecordFor(cr)
	go func() {
		if err := s.meili.IndexChangeRequest(record); err != nil {
			s.log.Warn().Err(err).Str("change_request", record.ID).Msg("index change request")
		}
	}()
}

// ReindexAll pushes every listed change request to Meilisearch. Called at
// startup when Meilisearch is healthy.
func (s *Service) ReindexAll(ctx context.Context, lister Lister) {
	if s.meili == nil || !s.meili.Healthy() || lister == nil {
		return
	}
	items, err := lister.List(ctx, "")
	if err != nil {
		s.log.Error().Err(err).Msg("reindex load failed")
		return
	}
	records := make([]Record, 0, len(items))
	for _, cr := range items {
		records = append(records, RecordFor(cr))
	}
	if err := s.meili.IndexChangeRequests(records); err != nil {
		s.log.Error().Err(err).Int("records", len(records)).Msg("reindex change requests")
		return
	}
	s.log.Info().Int("records", len(records)).Msg("reindexed change requests")
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
