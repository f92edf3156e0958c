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

// GoogleAds collects the conversion actions observed for an app's ads
// account. These define which events the analytics side is expected to keep
// reporting, so each action becomes one conversion RawEvent.
type GoogleAds struct {
	baseURL    string
	httpClient httpretry.HTTPDoer
}

// NewGoogleAds creates the ads collector. The API is OAuth2-authenticated.
func NewGoogleAds(cc config.CollectorConfig) (*GoogleAds, error) {
	if cc.BaseURL == "" {
		return nil, fmt.Errorf("gads: base_url is required: %w", ErrPermanent)
	}
	return &GoogleAds{
		baseURL:    cc.BaseURL,
		httpClient: newHTTPClient(cc),
	}, nil
}

// SetHTTPClient sets a custom HTTP client (useful for testing).
func (g *GoogleAds) SetHTTPClient(client httpretry.HTTPDoer) {
	g.httpClient = client
}

// Name implements Collector.
func (g *GoogleAds) Name() domain.Source { return domain.SourceGoogleAds }

type gadsConversionAction struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	AppID            string    `json:"app_id"`
	OS               string    `json:"os"`
	LastConversionAt time.Time `json:"last_conversion_at"`
}

type gadsResponse struct {
	Results []gadsConversionAction `json:"results"`
}

// Collect implements Collector.
func (g *GoogleAds) Collect(ctx context.Context, app config.AppConfig, w domain.Window) ([]domain.RawEvent, error) {
	endpoint := fmt.Sprintf("%s/customers/%s/conversionActions?%s",
		g.baseURL, url.PathEscape(app.PropertyID), windowQuery(w))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("gads: building request: %w", err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gads: fetching conversion actions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(domain.SourceGoogleAds, resp)
	}

	var parsed gadsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("gads: decoding response: %w", err)
	}

	events := make([]domain.RawEvent, 0, len(parsed.Results))
	for _, action := range parsed.Results {
		observed := action.LastConversionAt
		if observed.IsZero() {
			observed = w.To.Add(-time.Second)
		}
		events = append(events, domain.RawEvent{
			AppID:      app.AppID,
			Source:     domain.SourceGoogleAds,
			PropertyID: app.PropertyID,
			EventName:  action.Name,
			EventType:  domain.EventTypeConversion,
			OS:         action.OS,
			UID:        fmt.Sprintf("%s_%s", app.PropertyID, action.ID),
			ObservedAt: observed.UTC(),
		})
	}
	return events, nil
}

func windowQuery(w domain.Window) string {
	q := url.Values{}
	q.Set("from", w.From.UTC().Format(time.RFC3339))
	q.Set("to", w.To.UTC().Format(time.RFC3339))
	return q.Encode()
}
