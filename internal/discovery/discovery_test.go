package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"newscrawl/internal/model"
)

type fakeStore struct {
	metaPatches []func(*model.SourceMetadata)
	candidates  []string
}

func (f *fakeStore) UpsertCandidate(_ context.Context, rawURL string, _ uuid.UUID, _ model.DiscoveryMethod) (uuid.UUID, bool, error) {
	f.candidates = append(f.candidates, rawURL)
	return uuid.New(), true, nil
}

func (f *fakeStore) UpdateSourceMeta(_ context.Context, _ uuid.UUID, patch func(*model.SourceMetadata)) error {
	f.metaPatches = append(f.metaPatches, patch)
	return nil
}

func (f *fakeStore) UpsertDiscoveryEffectiveness(context.Context, uuid.UUID, model.DiscoveryMethod, model.DiscoveryOutcomeStatus, int, time.Duration, int, string) error {
	return nil
}

func (f *fakeStore) InsertDiscoveryOutcome(context.Context, model.DiscoveryOutcome) error { return nil }

func TestNormalizeStripsTrackingParamsAndFragment(t *testing.T) {
	got := Normalize("HTTPS://Example.COM/Story/2026/01/headline/?utm_source=x&fbclid=abc&ref=1#top")
	require.Equal(t, "https://example.com/Story/2026/01/headline?ref=1", got)
}

func TestNormalizeStripsTrailingSlash(t *testing.T) {
	got := Normalize("https://example.com/a/b/")
	require.Equal(t, "https://example.com/a/b", got)
}

func TestLooksLikeArticle(t *testing.T) {
	cases := []struct {
		url  string
		want bool
	}{
		{"https://example.com/2026/01/a-long-slug-here", true},
		{"https://example.com/news/123456", true},
		{"https://example.com/tag/politics", false},
		{"https://example.com/about", false},
		{"https://example.com/", false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, looksLikeArticle(tc.url), tc.url)
	}
}

func TestApplyRSSBookkeepingConsecutiveFailureIncrementsCounter(t *testing.T) {
	e := &Engine{store: &fakeStore{}, cfg: Config{RSSMissingThreshold: 3}}
	fs := e.store.(*fakeStore)
	src := model.Source{ID: uuid.New()}

	e.applyRSSBookkeeping(context.Background(), src, model.OutcomeNoFeed, 404)
	require.Len(t, fs.metaPatches, 1)

	var meta model.SourceMetadata
	fs.metaPatches[0](&meta)
	require.Equal(t, 1, meta.RSSConsecutiveFailures)
	require.Nil(t, meta.RSSMissing)
}

func TestApplyRSSBookkeepingThirdConsecutiveFailureSetsRSSMissing(t *testing.T) {
	e := &Engine{store: &fakeStore{}, cfg: Config{RSSMissingThreshold: 3}}
	var meta model.SourceMetadata
	meta.RSSConsecutiveFailures = 2
	fs := e.store.(*fakeStore)
	src := model.Source{ID: uuid.New()}

	e.applyRSSBookkeeping(context.Background(), src, model.OutcomeNoFeed, 404)
	fs.metaPatches[0](&meta)
	require.Equal(t, 3, meta.RSSConsecutiveFailures)
	require.NotNil(t, meta.RSSMissing)
}

func TestApplyRSSBookkeepingSuccessResetsAllFields(t *testing.T) {
	e := &Engine{store: &fakeStore{}}
	missing := time.Now()
	meta := model.SourceMetadata{
		RSSMissing:             &missing,
		RSSConsecutiveFailures: 3,
		RSSTransientFailures:   []model.TransientFailure{{Timestamp: time.Now(), Code: 503}},
		RSSLastFailed:          &missing,
	}
	fs := e.store.(*fakeStore)
	src := model.Source{ID: uuid.New()}

	e.applyRSSBookkeeping(context.Background(), src, model.OutcomeSuccess, 200)
	fs.metaPatches[0](&meta)

	require.Nil(t, meta.RSSMissing)
	require.Equal(t, 0, meta.RSSConsecutiveFailures)
	require.Empty(t, meta.RSSTransientFailures)
	require.Nil(t, meta.RSSLastFailed)
	require.Equal(t, model.MethodRSSFeed, meta.LastSuccessfulMethod)
}

func TestApplyRSSBookkeepingPureNetworkFailureTouchesOnlyLastFailed(t *testing.T) {
	e := &Engine{store: &fakeStore{}}
	var meta model.SourceMetadata
	fs := e.store.(*fakeStore)
	src := model.Source{ID: uuid.New()}

	e.applyRSSBookkeeping(context.Background(), src, model.OutcomeTimeout, 0)
	fs.metaPatches[0](&meta)

	require.NotNil(t, meta.RSSLastFailed)
	require.Equal(t, 0, meta.RSSConsecutiveFailures)
	require.Empty(t, meta.RSSTransientFailures)
}

func TestAppendTransientDropsEntriesOutsideWindow(t *testing.T) {
	now := time.Now()
	old := now.Add(-10 * 24 * time.Hour)
	existing := []model.TransientFailure{{Timestamp: old, Code: 503}}
	got := appendTransient(existing, now, 429, 7*24*time.Hour)
	require.Len(t, got, 1)
	require.Equal(t, 429, got[0].Code)
}
