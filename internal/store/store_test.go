package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"newscrawl/internal/model"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestUpsertCandidateIdempotent(t *testing.T) {
	s, mock := newTestStore(t)
	sourceID := uuid.New()
	candidateID := uuid.New()

	mock.ExpectQuery("INSERT INTO candidate_links").
		WillReturnRows(sqlmock.NewRows([]string{"id", "inserted"}).AddRow(candidateID, true))
	mock.ExpectQuery("INSERT INTO candidate_links").
		WillReturnRows(sqlmock.NewRows([]string{"id", "inserted"}).AddRow(candidateID, false))

	id1, inserted1, err := s.UpsertCandidate(context.Background(), "https://example.com/a", sourceID, model.MethodRSSFeed)
	require.NoError(t, err)
	require.True(t, inserted1)

	id2, inserted2, err := s.UpsertCandidate(context.Background(), "https://example.com/a", sourceID, model.MethodRSSFeed)
	require.NoError(t, err)
	require.False(t, inserted2)
	require.Equal(t, id1, id2)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPromoteStatusRejectsInvalidTransition(t *testing.T) {
	s, _ := newTestStore(t)
	ok, err := s.PromoteStatus(context.Background(), uuid.New(), model.CandidateNotArticle, model.CandidateArticle)
	require.Error(t, err)
	require.False(t, ok)
}

func TestPromoteStatusCASMiss(t *testing.T) {
	s, mock := newTestStore(t)
	id := uuid.New()
	mock.ExpectExec("UPDATE candidate_links SET status").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := s.PromoteStatus(context.Background(), id, model.CandidateDiscovered, model.CandidateArticle)
	require.NoError(t, err)
	require.False(t, ok, "a concurrent promoter should make this CAS a no-op, not an error")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPromoteArticleStatusSuccess(t *testing.T) {
	s, mock := newTestStore(t)
	id := uuid.New()
	mock.ExpectExec("UPDATE articles SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := s.PromoteArticleStatus(context.Background(), id, model.ArticleExtracted, model.ArticleCleaned)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExpireStuckCandidatesDryRunMakesNoWrite(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectQuery("SELECT count").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	n, err := s.ExpireStuckCandidates(context.Background(), 7*24*time.Hour, true)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPauseNullTextArticlesWrites(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec("UPDATE articles SET status").
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := s.PauseNullTextArticles(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
