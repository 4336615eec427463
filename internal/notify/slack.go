// Package notify delivers operator alerts, such as automatic execution stops, to Slack.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/p-blackswan/sentinel/internal/retry"
)

const maxTextLen = 2900

// SlackWebhook posts alerts to an incoming webhook.
type SlackWebhook struct {
	url    string
	client *http.Client
	retry  retry.Config
	logger zerolog.Logger
}

// NewSlackWebhook creates an alerter for the webhook url.
func NewSlackWebhook(url string, logger zerolog.Logger) *SlackWebhook {
	return &SlackWebhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  retry.DefaultConfig(),
		logger: logger.With().Str("component", "slack_notify").Logger(),
	}
}

// Alert posts title and text. The plain text fallback carries both so that
// notifications stay readable without block rendering. Network failures are
// retried; rejections by Slack are not.
func (s *SlackWebhook) Alert(ctx context.Context, title, text string) error {
	msg := &slack.WebhookMessage{
		Text:   fmt.Sprintf("%s: %s", title, text),
		Blocks: &slack.Blocks{BlockSet: AlertBlocks(title, text, time.Now())},
	}
	err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		return slack.PostWebhookCustomHTTPContext(ctx, s.url, s.client, msg)
	})
	if err != nil {
		return fmt.Errorf("posting slack alert: %w", err)
	}
	s.logger.Debug().Str("title", title).Msg("alert delivered")
	return nil
}

// AlertBlocks renders an alert as a header, the detail text and a timestamp.
func AlertBlocks(title, text string, at time.Time) []slack.Block {
	blocks := []slack.Block{
		slack.NewHeaderBlock(
			slack.NewTextBlockObject("plain_text", "🛑 "+title, false, false),
		),
	}
	if text != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", truncate(text, maxTextLen), false, false),
			nil, nil,
		))
	}
	blocks = append(blocks, slack.NewContextBlock("",
		slack.NewTextBlockObject("mrkdwn", "sentinel • "+at.UTC().Format(time.RFC3339), false, false),
	))
	return blocks
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
