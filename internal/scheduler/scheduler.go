// Package scheduler implements the due-decision rule as a pure function
// over (now, sources) — no clock, no I/O — so it is unit-testable without
// mocking time, then wired to a robfig/cron outer loop by cmd/newscrawl
// the way Tsuchiya2-catchup-feed-backend wires its cron jobs.
package scheduler

import (
	"sort"
	"time"

	"newscrawl/internal/model"
)

// Decision is one source's due/skip verdict plus whether RSS should be
// skipped for it this round (the RSS failure gating rule below).
type Decision struct {
	Source     model.Source
	NextDue    time.Time
	SkipRSS    bool
}

// Options configures a single Due call.
type Options struct {
	DefaultCadence      time.Duration
	SingleDomainCadence time.Duration
	RSSRetryWindow      time.Duration
	ForceAll            bool
}

// Due returns sources that are due for discovery at "now", sorted by
// next_due ascending with ties broken by lower attempt_count. ForceAll
// ignores next_due and returns every source, still sorted the same way,
// for manual re-crawls.
func Due(now time.Time, sources []model.Source, opts Options) []Decision {
	decisions := make([]Decision, 0, len(sources))
	for _, src := range sources {
		cadence := cadenceFor(src, opts)
		nextDue := src.CreatedAt.Add(cadence)
		if src.Metadata.LastDiscoveredAt != nil {
			nextDue = src.Metadata.LastDiscoveredAt.Add(cadence)
		}
		due := opts.ForceAll || !nextDue.After(now)
		if !due {
			continue
		}
		decisions = append(decisions, Decision{
			Source:  src,
			NextDue: nextDue,
			SkipRSS: skipRSS(src, now, opts.RSSRetryWindow),
		})
	}
	sort.Slice(decisions, func(i, j int) bool {
		if !decisions[i].NextDue.Equal(decisions[j].NextDue) {
			return decisions[i].NextDue.Before(decisions[j].NextDue)
		}
		return decisions[i].Source.Metadata.AttemptCount < decisions[j].Source.Metadata.AttemptCount
	})
	return decisions
}

func cadenceFor(src model.Source, opts Options) time.Duration {
	if src.Metadata.SingleDomainDataset {
		floor := opts.SingleDomainCadence
		if floor <= 0 {
			floor = 24 * time.Hour
		}
		if src.Metadata.CadenceHours > 0 {
			if override := time.Duration(src.Metadata.CadenceHours * float64(time.Hour)); override > floor {
				return override
			}
		}
		return floor
	}
	if src.Metadata.CadenceHours > 0 {
		return time.Duration(src.Metadata.CadenceHours * float64(time.Hour))
	}
	if opts.DefaultCadence > 0 {
		return opts.DefaultCadence
	}
	return 6 * time.Hour
}

// skipRSS implements the RSS failure gating rule: if rss_missing is set
// and the retry window hasn't elapsed, RSS is skipped; all other methods
// stay eligible.
func skipRSS(src model.Source, now time.Time, retryWindow time.Duration) bool {
	if src.Metadata.RSSMissing == nil {
		return false
	}
	if retryWindow <= 0 {
		retryWindow = 30 * 24 * time.Hour
	}
	return now.Before(src.Metadata.RSSMissing.Add(retryWindow))
}
