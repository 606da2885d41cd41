package alerts

import (
	"fmt"

	"github.com/slack-go/slack"

	"github.com/taxdesk/taxdesk/pkg/bus"
	"github.com/taxdesk/taxdesk/pkg/config"
	"github.com/taxdesk/taxdesk/pkg/logger"
	"github.com/taxdesk/taxdesk/pkg/utils"
)

// Notifier pushes operational alerts to a Slack channel: breaker trips and
// terminal delivery failures. A nil Notifier is safe to call, so wiring can
// skip configuration checks.
type Notifier struct {
	client  *slack.Client
	channel string
}

// New returns nil when Slack is not configured; alerts become log-only.
func New(cfg config.AlertsConfig) *Notifier {
	if cfg.SlackToken == "" || cfg.SlackChannel == "" {
		return nil
	}
	return &Notifier{
		client:  slack.New(cfg.SlackToken),
		channel: cfg.SlackChannel,
	}
}

func (n *Notifier) BreakerTripped(name string) {
	n.post(fmt.Sprintf(":rotating_light: Circuit breaker tripped: `%s`", name))
}

func (n *Notifier) DeliveryFailed(msg bus.OutboundMessage, err error) {
	n.post(fmt.Sprintf(":warning: Reply delivery failed for customer `%s` (key `%s`): %s",
		msg.CustomerID, msg.IdempotencyKey, utils.Truncate(err.Error(), 200)))
}

func (n *Notifier) post(text string) {
	if n == nil {
		return
	}
	_, _, err := n.client.PostMessage(n.channel, slack.MsgOptionText(text, false))
	if err != nil {
		logger.WarnCF("alerts", "Failed to post Slack alert",
			map[string]interface{}{"error": err.Error()})
	}
}
