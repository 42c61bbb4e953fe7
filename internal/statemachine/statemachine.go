// Package statemachine holds the pure transition tables for the pipeline's
// two status enums (CandidateLink, Article). Every write Store performs is
// a compare-and-swap on one of these transitions; this package is the one
// place that knows which moves are legal, so Store and the coordinator
// never have to duplicate the transition diagram.
package statemachine

import (
	"fmt"

	"newscrawl/internal/model"
)

// ErrInvalidTransition is returned when a caller asks for a move this
// package's tables don't allow.
var ErrInvalidTransition = fmt.Errorf("invalid status transition")

var candidateTransitions = map[model.CandidateStatus]map[model.CandidateStatus]bool{
	model.CandidateDiscovered: {
		model.CandidateArticle:      true,
		model.CandidateNotArticle:   true,
		model.CandidateVerifyFailed: true,
	},
	model.CandidateArticle: {
		model.CandidateExtracted: true,
		model.CandidatePaused:    true,
	},
}

var articleTransitions = map[model.ArticleStatus]map[model.ArticleStatus]bool{
	model.ArticleExtracted: {
		model.ArticleCleaned: true,
		model.ArticlePaused:  true,
	},
	model.ArticleCleaned: {
		model.ArticleLocal: true,
		model.ArticleWire:  true,
		model.ArticlePaused: true,
	},
	model.ArticleLocal: {
		model.ArticleLabeled: true,
		model.ArticlePaused:  true,
	},
	model.ArticleWire: {
		model.ArticleLabeled: true,
		model.ArticlePaused:  true,
	},
}

// ValidateCandidateTransition reports whether moving a candidate link from
// "from" to "to" is a legal edge in the diagram.
func ValidateCandidateTransition(from, to model.CandidateStatus) error {
	if from.IsTerminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	}
	allowed, ok := candidateTransitions[from]
	if !ok || !allowed[to] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// ValidateArticleTransition reports whether moving an article from "from"
// to "to" is a legal edge in the diagram.
func ValidateArticleTransition(from, to model.ArticleStatus) error {
	if from.IsTerminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	}
	allowed, ok := articleTransitions[from]
	if !ok || !allowed[to] {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
