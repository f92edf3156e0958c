// Package collector fetches windows of activity from external ad/analytics
// sources and normalizes them into raw events. Each source is one Collector
// implementation; the orchestrator invokes only the collectors an app
// subscribes to.
package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/ignite/conversion-monitor/internal/config"
	"github.com/ignite/conversion-monitor/internal/domain"
	"github.com/ignite/conversion-monitor/internal/pkg/httpretry"
)

// ErrPermanent marks failures that retrying cannot fix: bad configuration,
// revoked credentials, unknown app. Everything else is treated as transient
// and retried by the HTTP layer before reaching the caller.
var ErrPermanent = errors.New("permanent collector error")

// Collector is the capability contract one source implements.
type Collector interface {
	// Name returns the source this collector serves.
	Name() domain.Source
	// Collect fetches the app's activity inside the window, normalized into
	// raw events. It performs no alerting logic.
	Collect(ctx context.Context, app config.AppConfig, w domain.Window) ([]domain.RawEvent, error)
}

// Registry maps sources to collectors.
type Registry map[domain.Source]Collector

// NewRegistry builds collectors for every enabled source in the config.
func NewRegistry(cfgs map[string]config.CollectorConfig) (Registry, error) {
	reg := Registry{}
	for name, cc := range cfgs {
		if !cc.Enabled {
			continue
		}
		var (
			c   Collector
			err error
		)
		switch domain.Source(name) {
		case domain.SourceGoogleAds:
			c, err = NewGoogleAds(cc)
		case domain.SourceGA4:
			c, err = NewGA4(cc)
		case domain.SourceAppStore:
			c, err = NewAppStore(cc)
		case domain.SourcePlayStore:
			c, err = NewPlayStore(cc)
		default:
			err = fmt.Errorf("unknown collector source %q", name)
		}
		if err != nil {
			return nil, err
		}
		reg[c.Name()] = c
	}
	return reg, nil
}

// retryPolicy converts the declarative config into the HTTP retry policy.
func retryPolicy(cc config.CollectorConfig) httpretry.Policy {
	return httpretry.Policy{
		MaxAttempts: cc.MaxAttempts,
		BaseDelay:   time.Duration(cc.BaseDelayMS) * time.Millisecond,
	}
}

// newHTTPClient builds the retrying HTTP client for a collector, with an
// OAuth2 client-credentials transport when the source requires it.
func newHTTPClient(cc config.CollectorConfig) httpretry.HTTPDoer {
	base := &http.Client{Timeout: cc.Timeout()}
	if cc.OAuthTokenURL != "" {
		oc := clientcredentials.Config{
			ClientID:     cc.OAuthClientID,
			ClientSecret: cc.OAuthSecret,
			TokenURL:     cc.OAuthTokenURL,
			Scopes:       cc.OAuthScopes,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		base = oc.Client(ctx)
		base.Timeout = cc.Timeout()
	}
	return httpretry.NewRetryClient(base, retryPolicy(cc))
}

// classifyStatus maps a non-2xx response to the error taxonomy. 4xx auth
// and config errors are permanent; the retry layer has already exhausted
// attempts for anything retryable.
func classifyStatus(source domain.Source, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return fmt.Errorf("%s returned %d: %s: %w", source, resp.StatusCode, string(body), ErrPermanent)
	default:
		return fmt.Errorf("%s returned %d: %s", source, resp.StatusCode, string(body))
	}
}
