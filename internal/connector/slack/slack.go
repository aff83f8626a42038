package slackconn

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/h1v3-io/holdline/internal/connector"
)

// Config holds Slack connector configuration.
type Config struct {
	BotToken string   // xoxb-... Bot User OAuth Token
	AppToken string   // xapp-... App-Level Token (for Socket Mode)
	Channels []string // Optional: only respond in these channels (empty = all)
}

// poster is the part of *slack.Client used to post messages.
type poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Connector implements connector.Connector for Slack via Socket Mode.
type Connector struct {
	api     poster
	socket  *socketmode.Client
	config  Config
	handler connector.InboundHandler
	logger  *slog.Logger
	cancel  context.CancelFunc
	botID   string
}

// New creates a new Slack connector.
func New(cfg Config, handler connector.InboundHandler, logger *slog.Logger) (*Connector, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("slack: bot_token is required")
	}
	if cfg.AppToken == "" {
		return nil, fmt.Errorf("slack: app_token is required (Socket Mode)")
	}

	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "slack")

	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))

	// Test auth and get bot user ID
	authResp, err := api.AuthTest()
	if err != nil {
		return nil, fmt.Errorf("slack: auth test: %w", err)
	}

	logger.Info("slack bot authorized", "user", authResp.User, "team", authResp.Team)

	return &Connector{
		api:     api,
		socket:  socketmode.New(api),
		config:  cfg,
		handler: handler,
		logger:  logger,
		botID:   authResp.UserID,
	}, nil
}

func (c *Connector) Name() string { return "slack" }

// Start begins listening for events via Socket Mode. Blocks until context is cancelled.
func (c *Connector) Start(ctx context.Context) error {
	ctx, c.cancel = context.WithCancel(ctx)

	go c.handleEvents(ctx)

	c.logger.Info("slack connector started (socket mode)")
	return c.socket.RunContext(ctx)
}

// Stop gracefully shuts down the connector.
func (c *Connector) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// Send delivers a message to a Slack channel. A ChatID of the form
// "channel:thread_ts" posts into that thread.
func (c *Connector) Send(ctx context.Context, msg connector.OutboundMessage) error {
	channel, thread, _ := strings.Cut(msg.ChatID, ":")
	opts := []slack.MsgOption{slack.MsgOptionText(msg.Text, false)}
	if thread != "" {
		opts = append(opts, slack.MsgOptionTS(thread))
	}

	if _, _, err := c.api.PostMessageContext(ctx, channel, opts...); err != nil {
		return fmt.Errorf("slack: send message: %w", err)
	}
	return nil
}

func (c *Connector) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-c.socket.Events:
			switch event.Type {
			case socketmode.EventTypeEventsAPI:
				c.handleEventsAPI(ctx, event)
			case socketmode.EventTypeSlashCommand:
				c.handleSlashCommand(ctx, event)
			}
		}
	}
}

func (c *Connector) handleEventsAPI(ctx context.Context, event socketmode.Event) {
	eventsAPIEvent, ok := event.Data.(slackevents.EventsAPIEvent)
	if !ok {
		return
	}

	c.socket.Ack(*event.Request)

	switch ev := eventsAPIEvent.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		// Ignore bots (including us) and subtypes such as edits.
		if ev.BotID != "" || ev.User == "" || ev.User == c.botID || ev.SubType != "" {
			return
		}
		c.handleText(ctx, ev.Channel, ev.ThreadTimeStamp, ev.User, ev.Text)
	case *slackevents.AppMentionEvent:
		if ev.User == c.botID {
			return
		}
		c.handleText(ctx, ev.Channel, ev.ThreadTimeStamp, ev.User, StripMention(ev.Text, c.botID))
	}
}

// handleText runs a channel message through the handler and posts the reply
// in the message's thread.
func (c *Connector) handleText(ctx context.Context, channel, threadTS, user, text string) {
	if !c.isAllowedChannel(channel) || strings.TrimSpace(text) == "" {
		return
	}

	chatID := channel
	if threadTS != "" {
		chatID = channel + ":" + threadTS
	}
	reply := c.dispatch(ctx, connector.InboundMessage{
		Channel:  "slack",
		SenderID: user,
		ChatID:   chatID,
		Text:     text,
	})
	if reply == "" {
		return
	}
	if err := c.Send(ctx, connector.OutboundMessage{ChatID: chatID, Text: reply}); err != nil {
		c.logger.Error("reply failed", "channel", channel, "error", err)
	}
}

func (c *Connector) handleSlashCommand(ctx context.Context, event socketmode.Event) {
	cmd, ok := event.Data.(slack.SlashCommand)
	if !ok {
		return
	}
	if !c.isAllowedChannel(cmd.ChannelID) {
		c.socket.Ack(*event.Request, map[string]any{"text": "Commands are not enabled in this channel."})
		return
	}

	// "/holdline approve approval-abc123" arrives with Text "approve approval-abc123".
	text := cmd.Text
	if text == "" {
		text = "help"
	}
	reply := c.dispatch(ctx, connector.InboundMessage{
		Channel:  "slack",
		SenderID: cmd.UserID,
		ChatID:   cmd.ChannelID,
		Text:     text,
	})
	c.socket.Ack(*event.Request, map[string]any{
		"response_type": "in_channel",
		"text":          reply,
	})
}

func (c *Connector) dispatch(ctx context.Context, msg connector.InboundMessage) string {
	reply, err := c.handler(ctx, msg)
	if err != nil {
		c.logger.Error("inbound handler error", "chat_id", msg.ChatID, "user", msg.SenderID, "error", err)
		return "Something went wrong: " + err.Error()
	}
	return reply
}

func (c *Connector) isAllowedChannel(channel string) bool {
	return len(c.config.Channels) == 0 || slices.Contains(c.config.Channels, channel)
}

// StripMention removes the <@BOTID> mention from message text.
func StripMention(text, botID string) string {
	mention := fmt.Sprintf("<@%s>", botID)
	text = strings.Replace(text, mention, "", 1)
	return strings.TrimSpace(text)
}
