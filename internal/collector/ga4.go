package collector

import (
	"bytes"
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

// GA4 collects analytics events per (event name, app version, OS) for an
// app's property. This is the signal side: the rules compare what ads
// expects against what analytics actually reports.
type GA4 struct {
	baseURL    string
	apiKey     string
	httpClient httpretry.HTTPDoer
}

// NewGA4 creates the analytics collector.
func NewGA4(cc config.CollectorConfig) (*GA4, error) {
	if cc.BaseURL == "" {
		return nil, fmt.Errorf("ga4: base_url is required: %w", ErrPermanent)
	}
	return &GA4{
		baseURL:    cc.BaseURL,
		apiKey:     cc.APIKey,
		httpClient: newHTTPClient(cc),
	}, nil
}

// SetHTTPClient sets a custom HTTP client (useful for testing).
func (g *GA4) SetHTTPClient(client httpretry.HTTPDoer) {
	g.httpClient = client
}

// Name implements Collector.
func (g *GA4) Name() domain.Source { return domain.SourceGA4 }

type ga4ReportRequest struct {
	DateRange  ga4DateRange `json:"date_range"`
	Dimensions []string     `json:"dimensions"`
}

type ga4DateRange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type ga4Row struct {
	EventName  string    `json:"event_name"`
	AppVersion string    `json:"app_version"`
	OS         string    `json:"os"`
	LastSeenAt time.Time `json:"last_seen_at"`
	Count      int64     `json:"count"`
}

type ga4Response struct {
	PropertyName string   `json:"property_name"`
	Rows         []ga4Row `json:"rows"`
}

// Collect implements Collector.
func (g *GA4) Collect(ctx context.Context, app config.AppConfig, w domain.Window) ([]domain.RawEvent, error) {
	reqBody, err := json.Marshal(ga4ReportRequest{
		DateRange: ga4DateRange{
			From: w.From.UTC().Format(time.RFC3339),
			To:   w.To.UTC().Format(time.RFC3339),
		},
		Dimensions: []string{"event_name", "app_version", "os"},
	})
	if err != nil {
		return nil, fmt.Errorf("ga4: marshaling report request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/properties/%s:runReport", g.baseURL, url.PathEscape(app.PropertyID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("ga4: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ga4: running report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(domain.SourceGA4, resp)
	}

	var parsed ga4Response
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("ga4: decoding response: %w", err)
	}

	events := make([]domain.RawEvent, 0, len(parsed.Rows))
	for _, row := range parsed.Rows {
		observed := row.LastSeenAt
		if observed.IsZero() {
			observed = w.To.Add(-time.Second)
		}
		events = append(events, domain.RawEvent{
			AppID:        app.AppID,
			Source:       domain.SourceGA4,
			PropertyID:   app.PropertyID,
			PropertyName: parsed.PropertyName,
			EventName:    row.EventName,
			EventType:    domain.EventTypeConversion,
			OS:           row.OS,
			AppVersion:   row.AppVersion,
			UID:          fmt.Sprintf("%s_%s", app.PropertyID, row.EventName),
			ObservedAt:   observed.UTC(),
		})
	}
	return events, nil
}
