package worker

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"newscrawl/internal/model"
	"newscrawl/internal/queue"
)

type fakeCoordinator struct {
	batches  [][]model.CandidateLink
	i        int
	failures []string
}

func (f *fakeCoordinator) RequestWork(context.Context, string, int, int) (queue.RequestWorkResult, error) {
	if f.i >= len(f.batches) {
		return queue.RequestWorkResult{}, nil
	}
	items := f.batches[f.i]
	f.i++
	return queue.RequestWorkResult{Items: items}, nil
}

func (f *fakeCoordinator) ReportFailure(_, domain string) {
	f.failures = append(f.failures, domain)
}

type fakeStore struct {
	promoted      []uuid.UUID
	insertedIDs   map[string]uuid.UUID
	readBackFails map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{insertedIDs: make(map[string]uuid.UUID), readBackFails: make(map[string]bool)}
}

func (f *fakeStore) PromoteStatus(_ context.Context, id uuid.UUID, from, to model.CandidateStatus) (bool, error) {
	f.promoted = append(f.promoted, id)
	return true, nil
}

func (f *fakeStore) InsertArticleIfAbsent(_ context.Context, a model.Article) (uuid.UUID, bool, error) {
	id := uuid.New()
	f.insertedIDs[a.URL] = id
	return id, true, nil
}

func (f *fakeStore) GetArticleByID(_ context.Context, id uuid.UUID) (*model.Article, error) {
	for url, gotID := range f.insertedIDs {
		if gotID == id {
			if f.readBackFails[url] {
				return nil, nil
			}
			return &model.Article{ID: id, URL: url}, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) InsertHTTPStatus(context.Context, model.HTTPStatusTracking) error { return nil }

func (f *fakeStore) BatchClaimForExtraction(context.Context, []string, int, int, time.Duration, string) ([]model.CandidateLink, error) {
	return nil, nil
}

type fakeExtractor struct {
	err error
}

func (f fakeExtractor) Extract(context.Context, ExtractionMethod, string) (ExtractedContent, error) {
	if f.err != nil {
		return ExtractedContent{}, f.err
	}
	return ExtractedContent{Title: "t", Text: "body"}, nil
}

func TestProcessItemPromotesOnSuccess(t *testing.T) {
	store := newFakeStore()
	p := New(&fakeCoordinator{}, store, fakeExtractor{}, nil, nil, nil, Config{WorkerID: "w1"})

	item := model.CandidateLink{ID: uuid.New(), URL: "https://example.com/a"}
	outcome := p.processItem(context.Background(), item)

	require.Equal(t, outcomeExtracted, outcome)
	require.Len(t, store.promoted, 1)
}

func TestProcessItemSilentCommitLeavesCandidateUnpromoted(t *testing.T) {
	store := newFakeStore()
	store.readBackFails["https://example.com/a"] = true
	p := New(&fakeCoordinator{}, store, fakeExtractor{}, nil, nil, nil, Config{WorkerID: "w1"})

	item := model.CandidateLink{ID: uuid.New(), URL: "https://example.com/a"}
	outcome := p.processItem(context.Background(), item)

	require.Equal(t, outcomeSilentCommit, outcome)
	require.Empty(t, store.promoted)
}

func TestProcessItemAllMethodsUnavailableFails(t *testing.T) {
	store := newFakeStore()
	p := New(&fakeCoordinator{}, store, fakeExtractor{err: ErrMethodUnavailable}, nil, nil, nil, Config{WorkerID: "w1"})

	item := model.CandidateLink{ID: uuid.New(), URL: "https://example.com/a"}
	outcome := p.processItem(context.Background(), item)

	require.Equal(t, outcomeFailed, outcome)
}

func TestProcessDomainAbortsOnBotProtection(t *testing.T) {
	store := newFakeStore()
	coord := &fakeCoordinator{}
	p := New(coord, store, fakeExtractor{err: &httpStatusError{code: 429}}, nil, nil, nil, Config{WorkerID: "w1"})

	items := []model.CandidateLink{
		{ID: uuid.New(), URL: "https://example.com/a"},
		{ID: uuid.New(), URL: "https://example.com/b"},
	}
	p.processDomain(context.Background(), "example.com", items, 0, 0)

	require.Equal(t, []string{"example.com"}, coord.failures)
	require.Empty(t, store.promoted)
}

func TestSingleDomainDataset(t *testing.T) {
	one := []model.CandidateLink{{URL: "https://a.com/1"}, {URL: "https://a.com/2"}}
	two := []model.CandidateLink{{URL: "https://a.com/1"}, {URL: "https://b.com/2"}}
	require.True(t, singleDomainDataset(one))
	require.False(t, singleDomainDataset(two))
}
