package housekeeper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	expireCalls    int
	pauseCalls     int
	dryRunObserved bool
	expireReturn   int
	pauseReturn    int
	articlesStuck  int
	candidatesStuck int
}

func (f *fakeStore) ExpireStuckCandidates(_ context.Context, _ time.Duration, dryRun bool) (int, error) {
	f.expireCalls++
	f.dryRunObserved = dryRun
	return f.expireReturn, nil
}

func (f *fakeStore) PauseNullTextArticles(_ context.Context, dryRun bool) (int, error) {
	f.pauseCalls++
	return f.pauseReturn, nil
}

func (f *fakeStore) WarnStuckRows(context.Context, time.Duration) (int, int, error) {
	return f.articlesStuck, f.candidatesStuck, nil
}

func TestSweepAggregatesCounts(t *testing.T) {
	store := &fakeStore{expireReturn: 4, pauseReturn: 2, articlesStuck: 1, candidatesStuck: 3}
	h := New(store, nil, Config{})

	res, err := h.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, res.CandidatesExpired)
	require.Equal(t, 2, res.ArticlesNullTextPaused)
	require.Equal(t, 1, res.ArticlesStuckWarned)
	require.Equal(t, 3, res.CandidatesStuckWarned)
}

func TestSweepDryRunPassesThroughToStore(t *testing.T) {
	store := &fakeStore{}
	h := New(store, nil, Config{DryRun: true})

	res, err := h.Sweep(context.Background())
	require.NoError(t, err)
	require.True(t, res.DryRun)
	require.True(t, store.dryRunObserved)
}
