package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"chronicle/changerequest/internal/changerequest"
	"chronicle/changerequest/internal/engine"
	"chronicle/changerequest/internal/export"
	"chronicle/changerequest/internal/merge"
	"chronicle/changerequest/internal/render"
	"chronicle/changerequest/internal/search"
	"chronicle/changerequest/internal/version"
)

// Pinger is a dependency the readiness probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Indexer receives every change request after it was modified.
type Indexer interface {
	IndexChangeRequest(cr *changerequest.ChangeRequest)
}

type Options struct {
	Engine *engine.Engine
	// Lister backs the change request listing and the fallback search.
	Lister search.Lister
	Search *search.Service
	// Indexer defaults to Search.
	Indexer Indexer
	Export  *export.Service
	Checks  map[string]Pinger
	Logger  zerolog.Logger
}

// Service is the application layer between HTTP and the engine. It keeps
// the search index in step with change request mutations.
type Service struct {
	engine *engine.Engine
	lister search.Lister
	search  *search.Service
	indexer Indexer
	export  *export.Service
	checks  map[string]Pinger
	log     zerolog.Logger
}

func New(opts Options) *Service {
	s := &Service{
		engine:  opts.Engine,
		lister:  opts.Lister,
		search:  opts.Search,
		indexer: opts.Indexer,
		export:  opts.Export,
		checks:  opts.Checks,
		log:     opts.Logger,
	}
	if s.search == nil {
		var fallback search.Searcher
		if s.lister != nil {
			fallback = search.NewScan(s.lister)
		}
		s.search = search.NewService(nil, fallback, opts.Logger)
	}
	if s.indexer == nil {
		s.indexer = s.search
	}
	if s.export == nil {
		s.export = export.NewService(opts.Engine)
	}
	return s
}

// Bootstrap pushes every stored change request into the search index.
func (s *Service) Bootstrap(ctx context.Context) {
	s.search.ReindexAll(ctx, s.lister)
}

// Ping returns the error of every failing check by name.
func (s *Service) Ping(ctx context.Context) map[string]error {
	results := make(map[string]error, len(s.checks))
	for name, check := range s.checks {
		results[name] = check.Ping(ctx)
	}
	return results
}

func (s *Service) index(ctx context.Context, id string) {
	cr, err := s.engine.Get(ctx, id)
	if err != nil {
		s.log.Warn().Err(err).Str("change_request", id).Msg("reload for search index")
		return
	}
	s.indexer.IndexChangeRequest(cr)
}

func (s *Service) CreateChangeRequest(ctx context.Context, in engine.NewChangeRequest) (*changerequest.ChangeRequest, error) {
	cr, err := s.engine.CreateChangeRequest(ctx, in)
	if err != nil {
		return nil, err
	}
	s.indexer.IndexChangeRequest(cr)
	return cr, nil
}

func (s *Service) Get(ctx context.Context, id string) (*changerequest.ChangeRequest, error) {
	return s.engine.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, status string) ([]*changerequest.ChangeRequest, error) {
	if s.lister == nil {
		return nil, domainError(http.StatusNotImplemented, "LIST_UNAVAILABLE", "Listing is not configured", nil)
	}
	st := changerequest.Status(strings.TrimSpace(status))
	if st != "" && !st.Valid() {
		return nil, domainError(http.StatusBadRequest, "INVALID_STATUS", fmt.Sprintf("unknown status %q", status), nil)
	}
	return s.lister.List(ctx, st)
}

// Refresh recomputes the stale date of a change request before returning it.
func (s *Service) Refresh(ctx context.Context, id string) (*changerequest.ChangeRequest, error) {
	return s.engine.RefreshStaleness(ctx, id)
}

func (s *Service) SetStatus(ctx context.Context, id, status string) (*changerequest.ChangeRequest, error) {
	next := changerequest.Status(strings.TrimSpace(status))
	if !next.Valid() {
		return nil, domainError(http.StatusBadRequest, "INVALID_STATUS", fmt.Sprintf("unknown status %q", status), nil)
	}
	cr, err := s.engine.SetStatus(ctx, id, next)
	if err != nil {
		return nil, err
	}
	s.indexer.IndexChangeRequest(cr)
	return cr, nil
}

func (s *Service) AddReview(ctx context.Context, id string, in engine.NewReview) (*changerequest.ChangeRequest, error) {
	return s.engine.AddReview(ctx, id, in)
}

func (s *Service) AddFileChange(ctx context.Context, id string, in engine.Edit) (changerequest.FileChange, error) {
	fc, err := s.engine.AddFileChange(ctx, id, in)
	if err != nil {
		return changerequest.FileChange{}, err
	}
	s.index(ctx, id)
	return fc, nil
}

func (s *Service) FileChange(ctx context.Context, id, fileChangeID string) (changerequest.FileChange, error) {
	return s.engine.FileChange(ctx, id, fileChangeID)
}

// MergeView is a merge outcome together with the state of the file change.
type MergeView struct {
	FileChangeID string        `json:"fileChangeId"`
	State        engine.State  `json:"state"`
	Outcome      merge.Outcome `json:"outcome"`
}

func (s *Service) MergeOutcome(ctx context.Context, id, fileChangeID string) (MergeView, error) {
	fc, err := s.engine.FileChange(ctx, id, fileChangeID)
	if err != nil {
		return MergeView{}, err
	}
	state, err := s.engine.State(ctx, fc)
	if err != nil {
		return MergeView{}, err
	}
	outcome, err := s.engine.ComputeMergeOutcome(ctx, fc)
	if err != nil {
		return MergeView{}, err
	}
	return MergeView{FileChangeID: fc.ID, State: state, Outcome: outcome}, nil
}

func (s *Service) Rebase(ctx context.Context, id, fileChangeID string) (changerequest.FileChange, error) {
	fc, err := s.engine.FileChange(ctx, id, fileChangeID)
	if err != nil {
		return changerequest.FileChange{}, err
	}
	rebased, err := s.engine.Rebase(ctx, fc)
	if err != nil {
		return changerequest.FileChange{}, err
	}
	s.index(ctx, id)
	return rebased, nil
}

// DecisionInput is a decision as submitted by a client.
type DecisionInput struct {
	Reference string `json:"reference"`
	Type      string `json:"type"`
	Custom    string `json:"custom"`
}

func (s *Service) ResolveConflicts(ctx context.Context, id, fileChangeID string, inputs []DecisionInput) (engine.Resolution, error) {
	if len(inputs) == 0 {
		return engine.Resolution{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "at least one decision is required", nil)
	}
	fc, err := s.engine.FileChange(ctx, id, fileChangeID)
	if err != nil {
		return engine.Resolution{}, err
	}
	outcome, err := s.engine.ComputeMergeOutcome(ctx, fc)
	if err != nil {
		return engine.Resolution{}, err
	}

	decisions := make([]merge.Decision, 0, len(inputs))
	for _, in := range inputs {
		t, err := merge.ParseDecisionType(in.Type)
		if err != nil {
			return engine.Resolution{}, domainError(http.StatusBadRequest, "INVALID_DECISION", err.Error(), map[string]any{"reference": in.Reference})
		}
		d, ok := merge.CreateDecision(outcome, in.Reference, t, in.Custom)
		if !ok {
			// Possibly a decision applied earlier; ApplyDecisions drops it otherwise.
			d = merge.Decision{Reference: in.Reference, Type: t, Custom: in.Custom}
		}
		decisions = append(decisions, d)
	}
	res, err := s.engine.ResolveConflicts(ctx, fc, decisions)
	if err != nil {
		return engine.Resolution{}, err
	}
	s.index(ctx, id)
	return res, nil
}

func (s *Service) Commit(ctx context.Context, id, fileChangeID string) (version.Token, error) {
	fc, err := s.engine.FileChange(ctx, id, fileChangeID)
	if err != nil {
		return version.Token{}, err
	}
	token, err := s.engine.Commit(ctx, fc)
	if err != nil {
		return version.Token{}, err
	}
	s.index(ctx, id)
	return token, nil
}

func (s *Service) MergeChangeRequest(ctx context.Context, id string) ([]engine.CommittedFileChange, error) {
	committed, err := s.engine.MergeChangeRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	s.index(ctx, id)
	return committed, nil
}

// Export renders one file change, or the whole change request when
// fileChangeID is empty.
func (s *Service) Export(ctx context.Context, id, fileChangeID, mode, format string) (*export.Result, error) {
	m, err := render.ParseMode(mode)
	if err != nil {
		return nil, domainError(http.StatusBadRequest, "INVALID_MODE", err.Error(), nil)
	}
	f, err := export.ParseFormat(strings.ToLower(strings.TrimSpace(format)))
	if err != nil {
		return nil, domainError(http.StatusBadRequest, "INVALID_FORMAT", fmt.Sprintf("unsupported format %q", format), nil)
	}
	return s.export.Export(ctx, export.Request{
		ChangeRequestID: id,
		FileChangeID:    fileChangeID,
		Mode:            m,
		Format:          f,
	})
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	return s.search.Search(ctx, q)
}
