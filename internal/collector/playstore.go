package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ignite/conversion-monitor/internal/config"
	"github.com/ignite/conversion-monitor/internal/domain"
	"github.com/ignite/conversion-monitor/internal/pkg/httpretry"
)

// PlayStore collects the latest production release from the publishing API.
// The API reports a numeric version code rather than the semantic version,
// so the version rule compares release times, not version strings.
type PlayStore struct {
	baseURL    string
	httpClient httpretry.HTTPDoer
}

// NewPlayStore creates the Play Store collector (OAuth2-authenticated).
func NewPlayStore(cc config.CollectorConfig) (*PlayStore, error) {
	if cc.BaseURL == "" {
		return nil, fmt.Errorf("play_store: base_url is required: %w", ErrPermanent)
	}
	return &PlayStore{
		baseURL:    cc.BaseURL,
		httpClient: newHTTPClient(cc),
	}, nil
}

// SetHTTPClient sets a custom HTTP client (useful for testing).
func (p *PlayStore) SetHTTPClient(client httpretry.HTTPDoer) {
	p.httpClient = client
}

// Name implements Collector.
func (p *PlayStore) Name() domain.Source { return domain.SourcePlayStore }

type playStoreRelease struct {
	Name         string    `json:"name"`
	VersionCodes []int64   `json:"versionCodes"`
	Status       string    `json:"status"`
	ReleaseTime  time.Time `json:"releaseTime"`
}

type playStoreTrack struct {
	Track    string             `json:"track"`
	Releases []playStoreRelease `json:"releases"`
}

// Collect implements Collector.
func (p *PlayStore) Collect(ctx context.Context, app config.AppConfig, _ domain.Window) ([]domain.RawEvent, error) {
	endpoint := fmt.Sprintf("%s/applications/%s/tracks/production", p.baseURL, url.PathEscape(app.AppID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("play_store: building request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("play_store: fetching production track: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(domain.SourcePlayStore, resp)
	}

	var parsed playStoreTrack
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("play_store: decoding response: %w", err)
	}

	var events []domain.RawEvent
	for _, release := range parsed.Releases {
		if release.Status != "completed" && release.Status != "inProgress" {
			continue
		}
		version := release.Name
		if version == "" && len(release.VersionCodes) > 0 {
			version = fmt.Sprintf("%d", release.VersionCodes[0])
		}
		events = append(events, domain.RawEvent{
			AppID:      app.AppID,
			Source:     domain.SourcePlayStore,
			EventName:  "store_version",
			EventType:  domain.EventTypeStoreVersion,
			OS:         "android",
			AppVersion: version,
			UID:        fmt.Sprintf("%s_%s", app.AppID, version),
			ObservedAt: release.ReleaseTime.UTC(),
		})
	}
	return events, nil
}
