package statemachine

import (
	"errors"
	"testing"

	"newscrawl/internal/model"
)

func TestValidateCandidateTransition(t *testing.T) {
	cases := []struct {
		name    string
		from    model.CandidateStatus
		to      model.CandidateStatus
		wantErr bool
	}{
		{"discovered to article", model.CandidateDiscovered, model.CandidateArticle, false},
		{"discovered to not_article", model.CandidateDiscovered, model.CandidateNotArticle, false},
		{"discovered to verify_failed", model.CandidateDiscovered, model.CandidateVerifyFailed, false},
		{"article to extracted", model.CandidateArticle, model.CandidateExtracted, false},
		{"article to paused", model.CandidateArticle, model.CandidatePaused, false},
		{"terminal not_article cannot move", model.CandidateNotArticle, model.CandidateArticle, true},
		{"cannot skip discovered to extracted", model.CandidateDiscovered, model.CandidateExtracted, true},
		{"extracted is terminal-ish, no outgoing edges defined", model.CandidateExtracted, model.CandidateArticle, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateCandidateTransition(tc.from, tc.to)
			if tc.wantErr && err == nil {
				t.Errorf("expected error for %s -> %s, got nil", tc.from, tc.to)
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error for %s -> %s: %v", tc.from, tc.to, err)
			}
			if tc.wantErr && err != nil && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("expected ErrInvalidTransition, got %v", err)
			}
		})
	}
}

func TestValidateArticleTransition(t *testing.T) {
	cases := []struct {
		name    string
		from    model.ArticleStatus
		to      model.ArticleStatus
		wantErr bool
	}{
		{"extracted to cleaned", model.ArticleExtracted, model.ArticleCleaned, false},
		{"cleaned to local", model.ArticleCleaned, model.ArticleLocal, false},
		{"cleaned to wire", model.ArticleCleaned, model.ArticleWire, false},
		{"local to labeled", model.ArticleLocal, model.ArticleLabeled, false},
		{"wire to labeled", model.ArticleWire, model.ArticleLabeled, false},
		{"labeled is terminal", model.ArticleLabeled, model.ArticleCleaned, true},
		{"extracted cannot skip to labeled", model.ArticleExtracted, model.ArticleLabeled, true},
		{"paused is terminal", model.ArticlePaused, model.ArticleCleaned, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateArticleTransition(tc.from, tc.to)
			if tc.wantErr && err == nil {
				t.Errorf("expected error for %s -> %s, got nil", tc.from, tc.to)
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error for %s -> %s: %v", tc.from, tc.to, err)
			}
		})
	}
}
