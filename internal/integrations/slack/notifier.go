package slackbot

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
)

// maxMessageChars keeps posts under Slack's text limit; longer summaries
// are cut and marked.
const maxMessageChars = 3500

type poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Notifier posts run summaries to one channel.
type Notifier struct {
	api     poster
	channel string
}

// New returns a notifier using token and channel. Extra options are passed
// to the Slack client (tests use slack.OptionAPIURL).
func New(token, channel string, httpClient *http.Client, opts ...slack.Option) *Notifier {
	if httpClient != nil {
		opts = append([]slack.Option{slack.OptionHTTPClient(httpClient)}, opts...)
	}
	return &Notifier{api: slack.New(token, opts...), channel: channel}
}

// Post sends text to the configured channel.
func (n *Notifier) Post(ctx context.Context, text string) error {
	text = truncateMessage(strings.TrimSpace(text))
	if text == "" {
		return nil
	}
	channel, ts, err := n.api.PostMessageContext(ctx, n.channel, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("posting to slack channel %s: %w", n.channel, err)
	}
	log.Debug().Str("channel", channel).Str("ts", ts).Msg("slack summary posted")
	return nil
}

// PostRunSummary prefixes summary with a heading naming the trigger,
// e.g. "Scheduled triage run".
func (n *Notifier) PostRunSummary(ctx context.Context, trigger, summary string) error {
	return n.Post(ctx, fmt.Sprintf("%s complete: %s", trigger, summary))
}

func truncateMessage(s string) string {
	r := []rune(s)
	if len(r) <= maxMessageChars {
		return s
	}
	return string(r[:maxMessageChars]) + "\n…(truncated)"
}
