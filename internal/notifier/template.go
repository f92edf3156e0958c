package notifier

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/osteele/liquid"

	"github.com/ignite/conversion-monitor/internal/config"
	"github.com/ignite/conversion-monitor/internal/domain"
)

const digestSubjectTemplate = `[conversion-monitor] {{ count }} regression{% if count > 1 %}s{% endif %} detected for {{ app_id }}`

const digestHTMLTemplate = `<html>
<body style="font-family: Arial, sans-serif; color: #1a1a1a;">
  <h2>Conversion regressions for {{ app_id | escape }} ({{ os }})</h2>
  <p>The following conditions were detected at {{ detected_at }}:</p>
  <table border="1" cellpadding="6" cellspacing="0" style="border-collapse: collapse;">
    <tr style="background: #f0f0f0;">
      <th>Rule</th><th>Event</th><th>Detail</th>
    </tr>
    {% for alert in alerts %}
    <tr>
      <td>{{ alert.rule_name | escape }}</td>
      <td><strong>{{ alert.trigger | escape }}</strong></td>
      <td>{{ alert.trigger_value | escape }}</td>
    </tr>
    {% endfor %}
  </table>
  <p style="color: #888; font-size: 12px;">Alerts repeat at most once per cooldown window while the condition persists.</p>
</body>
</html>`

const digestTextTemplate = `Conversion regressions for {{ app_id }} ({{ os }})

Detected at {{ detected_at }}:
{% for alert in alerts %}
- [{{ alert.rule_name }}] {{ alert.trigger }}: {{ alert.trigger_value }}
{% endfor %}
Alerts repeat at most once per cooldown window while the condition persists.
`

// renderer compiles the digest templates once and renders them per app.
type renderer struct {
	engine  *liquid.Engine
	subject *liquid.Template
	html    *liquid.Template
	text    *liquid.Template
}

func newRenderer() *renderer {
	engine := liquid.NewEngine()

	engine.RegisterFilter("escape", func(s string) string {
		return html.EscapeString(s)
	})

	r := &renderer{engine: engine}

	// The templates are package constants; a parse failure is a
	// programming error surfaced on first render.
	r.subject, _ = engine.ParseString(digestSubjectTemplate)
	r.html, _ = engine.ParseString(digestHTMLTemplate)
	r.text, _ = engine.ParseString(digestTextTemplate)

	return r
}

// RenderDigest produces the subject and both bodies for one app's alerts.
func (r *renderer) RenderDigest(app config.AppConfig, alerts []domain.Alert, now time.Time) (*Message, error) {
	if r.subject == nil || r.html == nil || r.text == nil {
		return nil, fmt.Errorf("digest templates failed to parse")
	}

	rows := make([]map[string]interface{}, len(alerts))
	for i, a := range alerts {
		rows[i] = map[string]interface{}{
			"alert_id":      a.AlertID,
			"rule_name":     a.RuleName,
			"trigger":       a.Trigger,
			"trigger_value": a.TriggerValue,
		}
	}

	bindings := map[string]interface{}{
		"app_id":      app.AppID,
		"os":          app.OS,
		"count":       len(alerts),
		"detected_at": now.UTC().Format(time.RFC3339),
		"alerts":      rows,
	}

	subject, err := r.subject.RenderString(bindings)
	if err != nil {
		return nil, fmt.Errorf("rendering subject: %w", err)
	}
	htmlBody, err := r.html.RenderString(bindings)
	if err != nil {
		return nil, fmt.Errorf("rendering html body: %w", err)
	}
	textBody, err := r.text.RenderString(bindings)
	if err != nil {
		return nil, fmt.Errorf("rendering text body: %w", err)
	}

	return &Message{
		Subject:  strings.TrimSpace(subject),
		HTMLBody: htmlBody,
		TextBody: textBody,
	}, nil
}
