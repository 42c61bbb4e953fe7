package scheduler

import (
	"testing"
	"time"

	"newscrawl/internal/model"
)

func TestDueSelectsOnlyOverdueSources(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	overdue := now.Add(-7 * time.Hour)
	fresh := now.Add(-1 * time.Hour)

	sources := []model.Source{
		{Host: "overdue.example", Metadata: model.SourceMetadata{LastDiscoveredAt: &overdue}},
		{Host: "fresh.example", Metadata: model.SourceMetadata{LastDiscoveredAt: &fresh}},
	}

	decisions := Due(now, sources, Options{DefaultCadence: 6 * time.Hour})
	if len(decisions) != 1 || decisions[0].Source.Host != "overdue.example" {
		t.Fatalf("expected only overdue.example due, got %+v", decisions)
	}
}

func TestDueSortsByNextDueThenAttemptCount(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tenHoursAgo := now.Add(-10 * time.Hour)
	eightHoursAgo := now.Add(-8 * time.Hour)

	sources := []model.Source{
		{Host: "b.example", Metadata: model.SourceMetadata{LastDiscoveredAt: &eightHoursAgo, AttemptCount: 1}},
		{Host: "a.example", Metadata: model.SourceMetadata{LastDiscoveredAt: &tenHoursAgo, AttemptCount: 5}},
	}

	decisions := Due(now, sources, Options{DefaultCadence: 6 * time.Hour})
	if len(decisions) != 2 || decisions[0].Source.Host != "a.example" {
		t.Fatalf("expected a.example (earlier next_due) first, got %+v", decisions)
	}
}

func TestDueForceAllIgnoresCadence(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-1 * time.Minute)
	sources := []model.Source{{Host: "fresh.example", Metadata: model.SourceMetadata{LastDiscoveredAt: &recent}}}

	decisions := Due(now, sources, Options{DefaultCadence: 6 * time.Hour, ForceAll: true})
	if len(decisions) != 1 {
		t.Fatalf("force-all should return all sources regardless of next_due, got %+v", decisions)
	}
}

func TestSingleDomainDatasetUsesLongerCadence(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tenHoursAgo := now.Add(-10 * time.Hour)
	sources := []model.Source{
		{Host: "single.example", Metadata: model.SourceMetadata{LastDiscoveredAt: &tenHoursAgo, SingleDomainDataset: true}},
	}

	decisions := Due(now, sources, Options{DefaultCadence: 6 * time.Hour, SingleDomainCadence: 24 * time.Hour})
	if len(decisions) != 0 {
		t.Fatalf("single-domain source due at -10h with a 24h cadence should not yet be due, got %+v", decisions)
	}
}

func TestSingleDomainDatasetCadenceOverrideCannotDropBelowFloor(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	twoHoursAgo := now.Add(-2 * time.Hour)
	sources := []model.Source{
		{Host: "single.example", Metadata: model.SourceMetadata{
			LastDiscoveredAt:    &twoHoursAgo,
			SingleDomainDataset: true,
			CadenceHours:        1,
		}},
	}

	decisions := Due(now, sources, Options{DefaultCadence: 6 * time.Hour, SingleDomainCadence: 24 * time.Hour})
	if len(decisions) != 0 {
		t.Fatalf("a 1h CadenceHours override on a single-domain source should not beat the 24h floor, got %+v", decisions)
	}
}

func TestSkipRSSWithinRetryWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	missingSince := now.Add(-5 * 24 * time.Hour)
	src := model.Source{Host: "broken.example", Metadata: model.SourceMetadata{RSSMissing: &missingSince, LastDiscoveredAt: &missingSince}}

	decisions := Due(now, []model.Source{src}, Options{DefaultCadence: time.Hour, RSSRetryWindow: 30 * 24 * time.Hour})
	if len(decisions) != 1 || !decisions[0].SkipRSS {
		t.Fatalf("expected RSS to be skipped within the retry window, got %+v", decisions)
	}
}

func TestSkipRSSAfterRetryWindowElapses(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	missingSince := now.Add(-31 * 24 * time.Hour)
	src := model.Source{Host: "recovered.example", Metadata: model.SourceMetadata{RSSMissing: &missingSince, LastDiscoveredAt: &missingSince}}

	decisions := Due(now, []model.Source{src}, Options{DefaultCadence: time.Hour, RSSRetryWindow: 30 * 24 * time.Hour})
	if len(decisions) != 1 || decisions[0].SkipRSS {
		t.Fatalf("expected RSS eligible again after the retry window (S5), got %+v", decisions)
	}
}
