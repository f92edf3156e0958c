// Package notifier turns rule candidates into digest emails and records
// successful dispatches in the trigger log.
package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/conversion-monitor/internal/config"
	"github.com/ignite/conversion-monitor/internal/domain"
	"github.com/ignite/conversion-monitor/internal/pkg/logger"
	"github.com/ignite/conversion-monitor/internal/store"
	"github.com/ignite/conversion-monitor/internal/triggerlog"
)

// Message is one rendered digest email.
type Message struct {
	To       []string
	Subject  string
	HTMLBody string
	TextBody string
}

// Sender delivers a rendered digest and returns the provider message id.
type Sender interface {
	Send(ctx context.Context, msg *Message) (string, error)
}

// Notifier renders and dispatches one digest per app, then marks each
// included candidate as triggered.
type Notifier struct {
	sender    Sender
	templates *renderer
	alerts    store.AlertLog
	trig      triggerlog.Log
}

func New(sender Sender, alerts store.AlertLog, trig triggerlog.Log) *Notifier {
	return &Notifier{
		sender:    sender,
		templates: newRenderer(),
		alerts:    alerts,
		trig:      trig,
	}
}

// NotifyApp sends a single digest covering all of an app's candidates.
// The trigger log is written only after the send succeeds, so a failed
// send leaves every candidate eligible for the next run.
func (n *Notifier) NotifyApp(ctx context.Context, app config.AppConfig, candidates []domain.Candidate, now time.Time) error {
	if len(candidates) == 0 {
		return nil
	}

	alerts := make([]domain.Alert, len(candidates))
	for i, c := range candidates {
		alerts[i] = domain.Alert{
			AlertID:      uuid.NewString(),
			AppID:        c.AppID,
			RuleName:     c.RuleName,
			Trigger:      c.Trigger,
			TriggerValue: c.TriggerValue,
			DetectedAt:   now,
		}
	}

	msg, err := n.templates.RenderDigest(app, alerts, now)
	if err != nil {
		return fmt.Errorf("rendering digest for %s: %w", app.AppID, err)
	}
	msg.To = app.Recipients

	messageID, err := n.sender.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("sending digest for %s: %w", app.AppID, err)
	}
	logger.Info("digest sent", "app_id", app.AppID, "alerts", len(alerts), "message_id", messageID)

	for _, c := range candidates {
		if err := n.trig.PutIfNewer(ctx, c.Key(), now); err != nil {
			logger.Warn("trigger log write failed, alert may repeat next run",
				"key", c.Key(), "error", err.Error())
		}
	}

	if err := n.alerts.WriteAlerts(ctx, alerts); err != nil {
		logger.Warn("alert audit write failed", "app_id", app.AppID, "error", err.Error())
	}

	return nil
}
