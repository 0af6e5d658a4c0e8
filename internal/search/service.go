package search

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Service is the facade that tries the primary index first and falls back to
// PG FTS.
type Service struct {
	primary  Index
	fallback Searcher
	pgfts    *PgFTS
	log      logrus.FieldLogger
}

// NewService creates a search service. meili may be nil when Meilisearch is
// not configured.
func NewService(meili *Meili, pgfts *PgFTS, log logrus.FieldLogger) *Service {
	s := &Service{pgfts: pgfts, log: log.WithField("component", "search")}
	if meili != nil {
		s.primary = meili
	}
	if pgfts != nil {
		s.fallback = pgfts
	}
	return s
}

func (s *Service) Search(q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.WithError(err).Warn("primary index failed, falling back to pgfts")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	results, total, err := s.fallback.Search(q)
	if err != nil {
		s.log.WithError(err).Error("pgfts search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexIssue pushes one issue to the primary index (fire-and-forget).
func (s *Service) IndexIssue(issue IssueRecord) {
	if s.primary == nil || !s.primary.Healthy() {
		return
	}
	go func() {
		if err := s.primary.IndexIssues([]IssueRecord{issue}); err != nil {
			s.log.WithError(err).WithField("issue", issue.DisplayID).Warn("index issue")
		}
	}()
}

// ReindexAllFromPG pushes every issue in PostgreSQL to the primary index.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.primary == nil || !s.primary.Healthy() || s.pgfts == nil {
		return
	}
	issues, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		s.log.WithError(err).Warn("reindex load failed")
		return
	}
	if err := s.primary.IndexIssues(issues); err != nil {
		s.log.WithError(err).Warn("reindex issues")
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
