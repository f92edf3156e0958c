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

// AppStore collects the currently released iOS version from the store
// lookup API. One store_version RawEvent per run; the version rule uses it
// to spot releases the analytics side has not caught up with.
type AppStore struct {
	baseURL    string
	httpClient httpretry.HTTPDoer
}

// NewAppStore creates the App Store collector. The lookup API is public.
func NewAppStore(cc config.CollectorConfig) (*AppStore, error) {
	if cc.BaseURL == "" {
		return nil, fmt.Errorf("app_store: base_url is required: %w", ErrPermanent)
	}
	return &AppStore{
		baseURL:    cc.BaseURL,
		httpClient: newHTTPClient(cc),
	}, nil
}

// SetHTTPClient sets a custom HTTP client (useful for testing).
func (a *AppStore) SetHTTPClient(client httpretry.HTTPDoer) {
	a.httpClient = client
}

// Name implements Collector.
func (a *AppStore) Name() domain.Source { return domain.SourceAppStore }

type appStoreResult struct {
	BundleID                  string    `json:"bundleId"`
	Version                   string    `json:"version"`
	CurrentVersionReleaseDate time.Time `json:"currentVersionReleaseDate"`
}

type appStoreResponse struct {
	ResultCount int              `json:"resultCount"`
	Results     []appStoreResult `json:"results"`
}

// Collect implements Collector.
func (a *AppStore) Collect(ctx context.Context, app config.AppConfig, _ domain.Window) ([]domain.RawEvent, error) {
	endpoint := fmt.Sprintf("%s/lookup?bundleId=%s", a.baseURL, url.QueryEscape(app.AppID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("app_store: building request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("app_store: looking up app: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(domain.SourceAppStore, resp)
	}

	var parsed appStoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("app_store: decoding response: %w", err)
	}

	// The lookup API reports zero results for unknown bundle ids rather
	// than a 404; that is a configuration problem, not a transient one.
	if parsed.ResultCount == 0 || len(parsed.Results) == 0 {
		return nil, fmt.Errorf("app_store: no listing for bundle %s: %w", app.AppID, ErrPermanent)
	}

	r := parsed.Results[0]
	return []domain.RawEvent{{
		AppID:      app.AppID,
		Source:     domain.SourceAppStore,
		EventName:  "store_version",
		EventType:  domain.EventTypeStoreVersion,
		OS:         "ios",
		AppVersion: r.Version,
		UID:        fmt.Sprintf("%s_%s", app.AppID, r.Version),
		ObservedAt: r.CurrentVersionReleaseDate.UTC(),
	}}, nil
}
