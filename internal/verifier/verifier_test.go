package verifier

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"newscrawl/internal/model"
)

type fakeStore struct {
	promotions []promotion
}

type promotion struct {
	id       uuid.UUID
	from, to model.CandidateStatus
}

func (f *fakeStore) PromoteStatus(_ context.Context, id uuid.UUID, from, to model.CandidateStatus) (bool, error) {
	f.promotions = append(f.promotions, promotion{id, from, to})
	return true, nil
}

func (f *fakeStore) InsertHTTPStatus(context.Context, model.HTTPStatusTracking) error { return nil }

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func clientReturning(codes ...int) *http.Client {
	i := 0
	return &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		code := codes[i]
		if i < len(codes)-1 {
			i++
		}
		return &http.Response{StatusCode: code, Body: http.NoBody, Header: make(http.Header)}, nil
	})}
}

func TestVerifySuccessPromotesToArticle(t *testing.T) {
	fs := &fakeStore{}
	v := New(clientReturning(200), fs, nil, Config{BaseBackoff: time.Millisecond})

	outcome, err := v.Verify(context.Background(), model.CandidateLink{ID: uuid.New(), URL: "https://example.com/a"})
	require.NoError(t, err)
	require.Equal(t, OutcomeArticle, outcome)
	require.Len(t, fs.promotions, 1)
	require.Equal(t, model.CandidateArticle, fs.promotions[0].to)
}

func TestVerify404PromotesToNotArticle(t *testing.T) {
	fs := &fakeStore{}
	v := New(clientReturning(404), fs, nil, Config{BaseBackoff: time.Millisecond})

	outcome, err := v.Verify(context.Background(), model.CandidateLink{ID: uuid.New(), URL: "https://example.com/gone"})
	require.NoError(t, err)
	require.Equal(t, OutcomeNotArticle, outcome)
	require.Equal(t, model.CandidateNotArticle, fs.promotions[0].to)
}

func TestVerifyHeadForbiddenFallsBackToGet(t *testing.T) {
	fs := &fakeStore{}
	v := New(clientReturning(403, 200), fs, nil, Config{BaseBackoff: time.Millisecond})

	outcome, err := v.Verify(context.Background(), model.CandidateLink{ID: uuid.New(), URL: "https://example.com/a"})
	require.NoError(t, err)
	require.Equal(t, OutcomeArticle, outcome)
}

func TestVerifyExhaustsRetriesAndFails(t *testing.T) {
	fs := &fakeStore{}
	v := New(clientReturning(503), fs, nil, Config{MaxAttempts: 3, BaseBackoff: time.Millisecond})

	outcome, err := v.Verify(context.Background(), model.CandidateLink{ID: uuid.New(), URL: "https://example.com/flaky"})
	require.NoError(t, err)
	require.Equal(t, OutcomeVerifyFailed, outcome)
	require.Equal(t, model.CandidateVerifyFailed, fs.promotions[0].to)
}
