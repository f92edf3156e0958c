package rules

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/ignite/conversion-monitor/internal/config"
	"github.com/ignite/conversion-monitor/internal/domain"
	"github.com/ignite/conversion-monitor/internal/store"
)

// VersionEventsRule detects conversion events that disappear between app
// versions. Per OS, the two most recent distinct app versions observed in
// analytics data become "previous" and "current"; any event seen while the
// previous version was active but never under the current one is a
// candidate. Apps with fewer than two observed versions produce no
// candidates (not an error).
//
// The store collectors supply an independent check: if the released store
// version has been out past the grace period and analytics has not caught
// up, first_open itself is considered missing.
type VersionEventsRule struct {
	window time.Duration
	lag    time.Duration
}

// NewVersionEventsRule builds the rule from config.
func NewVersionEventsRule(cfg config.RulesConfig) *VersionEventsRule {
	return &VersionEventsRule{
		window: time.Duration(cfg.VersionWindowDays) * 24 * time.Hour,
		lag:    time.Duration(cfg.VersionLagHours) * time.Hour,
	}
}

// Name implements Rule.
func (r *VersionEventsRule) Name() string { return "VersionEventsRule" }

// Evaluate implements Rule.
func (r *VersionEventsRule) Evaluate(ctx context.Context, app config.AppConfig, now time.Time, raw store.RawStore) ([]domain.Candidate, error) {
	events, err := raw.Query(ctx, app.AppID, "", domain.WindowEndingAt(now, r.window))
	if err != nil {
		return nil, fmt.Errorf("querying version window: %w", err)
	}

	byOS := map[string][]domain.RawEvent{}
	var storeVersions []domain.RawEvent
	for _, e := range events {
		switch {
		case e.EventType == domain.EventTypeStoreVersion:
			storeVersions = append(storeVersions, e)
		case e.EventType == domain.EventTypeConversion && e.AppVersion != "":
			byOS[e.OS] = append(byOS[e.OS], e)
		}
	}

	var candidates []domain.Candidate
	for _, osName := range sortedKeys(byOS) {
		osEvents := byOS[osName]
		ordered := orderedVersions(osEvents)
		switch {
		case len(app.RuleParams.VersionPairs) > 0:
			// Pinned comparisons; skip pairs the window has no data for.
			seen := map[string]bool{}
			for _, v := range ordered {
				seen[v] = true
			}
			for _, pair := range app.RuleParams.VersionPairs {
				prev, cur := pair[0], pair[1]
				if !seen[prev] || !seen[cur] {
					continue
				}
				candidates = append(candidates, r.missingBetween(app, osEvents, prev, cur)...)
			}
		case len(ordered) >= 2:
			cur := ordered[len(ordered)-1]
			prev := ordered[len(ordered)-2]
			candidates = append(candidates, r.missingBetween(app, osEvents, prev, cur)...)
		}
		if c := r.storeMismatch(app, osName, osEvents, ordered, storeVersions, now); c != nil {
			candidates = append(candidates, *c)
		}
	}
	return candidates, nil
}

// missingBetween emits one candidate per event observed under prev but
// never under cur. A superset release produces nothing.
func (r *VersionEventsRule) missingBetween(app config.AppConfig, events []domain.RawEvent, prev, cur string) []domain.Candidate {
	curSet := eventsForVersion(events, cur)
	prevSet := eventsForVersion(events, prev)

	var missing []string
	for name := range prevSet {
		if !curSet[name] {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)

	candidates := make([]domain.Candidate, 0, len(missing))
	for _, name := range missing {
		candidates = append(candidates, domain.Candidate{
			AppID:        app.AppID,
			RuleName:     r.Name(),
			Trigger:      name,
			TriggerValue: fmt.Sprintf("%s → %s", prev, cur),
		})
	}
	return candidates
}

// storeMismatch checks the released store version against the newest
// version analytics has reported.
func (r *VersionEventsRule) storeMismatch(app config.AppConfig, osName string, osEvents []domain.RawEvent, ordered []string, storeVersions []domain.RawEvent, now time.Time) *domain.Candidate {
	latest := latestStoreVersion(storeVersions, osName)
	if latest == nil || len(ordered) == 0 {
		return nil
	}
	cur := ordered[len(ordered)-1]

	// Give users time to update before treating the gap as a regression.
	if now.Sub(latest.ObservedAt) < r.lag {
		return nil
	}

	behind := false
	if storeVer, err := semver.StrictNewVersion(latest.AppVersion); err == nil {
		if curVer, err := semver.StrictNewVersion(cur); err == nil {
			behind = storeVer.GreaterThan(curVer)
		}
	} else {
		// Play Store reports an opaque version code, so compare by time:
		// the release predates any sighting of the current analytics
		// version, yet analytics never moved past it.
		firstSeen := firstObservedAt(osEvents, cur)
		behind = !firstSeen.IsZero() && latest.ObservedAt.Add(-r.lag).After(firstSeen)
	}
	if !behind {
		return nil
	}

	return &domain.Candidate{
		AppID:        app.AppID,
		RuleName:     r.Name(),
		Trigger:      "first_open",
		TriggerValue: fmt.Sprintf("%s → %s", cur, latest.AppVersion),
	}
}

// orderedVersions returns the distinct app versions sorted oldest to
// newest. Valid semantic versions order by precedence; anything else falls
// back to first-observed time.
func orderedVersions(events []domain.RawEvent) []string {
	firstSeen := map[string]time.Time{}
	for _, e := range events {
		if t, ok := firstSeen[e.AppVersion]; !ok || e.ObservedAt.Before(t) {
			firstSeen[e.AppVersion] = e.ObservedAt
		}
	}

	versions := make([]string, 0, len(firstSeen))
	for v := range firstSeen {
		versions = append(versions, v)
	}

	sort.Slice(versions, func(i, j int) bool {
		vi, errI := semver.StrictNewVersion(versions[i])
		vj, errJ := semver.StrictNewVersion(versions[j])
		if errI == nil && errJ == nil {
			return vi.LessThan(vj)
		}
		if errI == nil {
			return true
		}
		if errJ == nil {
			return false
		}
		return firstSeen[versions[i]].Before(firstSeen[versions[j]])
	})
	return versions
}

func eventsForVersion(events []domain.RawEvent, version string) map[string]bool {
	set := map[string]bool{}
	for _, e := range events {
		if e.AppVersion == version {
			set[e.EventName] = true
		}
	}
	return set
}

func latestStoreVersion(events []domain.RawEvent, osName string) *domain.RawEvent {
	var latest *domain.RawEvent
	for i := range events {
		e := &events[i]
		if e.OS != osName {
			continue
		}
		if latest == nil || e.ObservedAt.After(latest.ObservedAt) {
			latest = e
		}
	}
	return latest
}

func firstObservedAt(events []domain.RawEvent, version string) time.Time {
	var first time.Time
	for _, e := range events {
		if e.AppVersion != version {
			continue
		}
		if first.IsZero() || e.ObservedAt.Before(first) {
			first = e.ObservedAt
		}
	}
	return first
}

func sortedKeys(m map[string][]domain.RawEvent) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
