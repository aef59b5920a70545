// Package discord connects the coordinator to the Discord gateway and REST API.
package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/JakeFAU/archivebot/internal/coordinator"
)

// Intents the bot needs: guild and direct messages with their content.
const Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

// EventHandler receives gateway events; *coordinator.Coordinator satisfies it.
type EventHandler interface {
	Ready(ctx context.Context, self coordinator.User)
	Disconnect()
	Resumed()
	HandleMessage(ctx context.Context, msg coordinator.Message)
}

// Client wraps a discordgo session and implements coordinator.ChatClient.
type Client struct {
	session *discordgo.Session
	logger  *zap.Logger
	// base is the parent of every per-event context.
	base context.Context
}

// New creates a client for token. The gateway is not opened until Open.
func New(token string, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = Intents
	s.LogLevel = discordgo.LogWarning
	return &Client{session: s, logger: logger.Named("discord"), base: context.Background()}, nil
}

// Bind routes gateway events to h. discordgo runs each handler on its own
// goroutine.
func (c *Client) Bind(h EventHandler) {
	c.session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		h.Ready(c.base, selfUser(r))
	})
	c.session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		h.Disconnect()
	})
	c.session.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
		h.Resumed()
	})
	c.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		msg, ok := toMessage(m)
		if !ok {
			return
		}
		h.HandleMessage(c.base, msg)
	})
}

// Open connects to the gateway. ctx becomes the parent of event contexts.
func (c *Client) Open(ctx context.Context) error {
	c.base = context.WithoutCancel(ctx)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	c.logger.Info("gateway connected")
	return nil
}

// Close disconnects from the gateway.
func (c *Client) Close() error {
	if err := c.session.Close(); err != nil {
		return fmt.Errorf("close discord gateway: %w", err)
	}
	return nil
}

// Send posts content to channelID.
func (c *Client) Send(ctx context.Context, channelID, content string) (string, error) {
	m, err := c.session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	if err != nil {
		return "", mapError(err)
	}
	return m.ID, nil
}

// Delete removes a message.
func (c *Client) Delete(ctx context.Context, channelID, messageID string) error {
	if err := c.session.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx)); err != nil {
		return mapError(err)
	}
	return nil
}

// ChannelName looks up a channel, preferring the gateway state cache.
func (c *Client) ChannelName(ctx context.Context, channelID string) (string, error) {
	if ch, err := c.session.State.Channel(channelID); err == nil {
		return ch.Name, nil
	}
	ch, err := c.session.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		var restErr *discordgo.RESTError
		if errors.As(err, &restErr) && restErr.Response != nil &&
			(restErr.Response.StatusCode == http.StatusNotFound || restErr.Response.StatusCode == http.StatusForbidden) {
			return "", fmt.Errorf("%w: %s", coordinator.ErrChannelNotFound, channelID)
		}
		return "", fmt.Errorf("lookup channel %s: %w", channelID, err)
	}
	return ch.Name, nil
}

// mapError turns permission failures into coordinator.ErrForbidden while
// keeping the REST error text.
func mapError(err error) error {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return err
	}
	forbidden := restErr.Response != nil && restErr.Response.StatusCode == http.StatusForbidden
	if restErr.Message != nil && restErr.Message.Code == discordgo.ErrCodeMissingPermissions {
		forbidden = true
	}
	if forbidden {
		return fmt.Errorf("%w: %w", coordinator.ErrForbidden, err)
	}
	return err
}

func selfUser(r *discordgo.Ready) coordinator.User {
	if r == nil || r.User == nil {
		return coordinator.User{}
	}
	return coordinator.User{ID: r.User.ID, Name: r.User.String()}
}

func toMessage(m *discordgo.MessageCreate) (coordinator.Message, bool) {
	if m == nil || m.Message == nil {
		return coordinator.Message{}, false
	}
	msg := coordinator.Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		Content:   m.Content,
	}
	if m.Author != nil {
		msg.AuthorID = m.Author.ID
		msg.AuthorName = m.Author.String()
	}
	return msg, true
}
