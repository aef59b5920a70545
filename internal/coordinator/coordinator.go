// Package coordinator turns chat events into archive requests: it parses the
// !archive command, filters auto-archived links, posts progress and result
// messages, and cleans up after itself.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/archivebot/internal/archive"
	"github.com/JakeFAU/archivebot/internal/metrics"
	"github.com/JakeFAU/archivebot/internal/session"
)

// CommandPrefix starts an explicit archive request.
const CommandPrefix = "!archive "

const (
	msgCommandPending = "Attempting to archive and save: `%s` (command-triggered). Please wait..."
	msgCommandOK      = "Successfully processed: %s"
	msgCommandFailed  = "Failed to process URL: %s"
	msgAutoPending    = "Auto-archiving detected URL: `%s`. Please wait..."
	msgAutoOK         = "Successfully auto-processed: %s"
	msgAutoFailed     = "Failed to auto-process URL: %s"
	msgDeleteDenied   = "⚠️ I don't have permission to delete messages! Please ensure I have 'Manage Messages'."
	msgDeleteFailed   = "An error occurred while trying to delete the original message: %v"
)

// ErrForbidden is returned by a ChatClient when the bot lacks permission.
var ErrForbidden = errors.New("chat: missing permissions")

// ErrChannelNotFound is returned by ChatClient.ChannelName for unknown or
// inaccessible channels.
var ErrChannelNotFound = errors.New("chat: channel not found")

// Message is an incoming chat message.
type Message struct {
	ID         string
	ChannelID  string
	AuthorID   string
	AuthorName string
	Content    string
}

// User identifies the bot account after login.
type User struct {
	ID   string
	Name string
}

// ChatClient is the subset of the chat platform the coordinator drives.
type ChatClient interface {
	Send(ctx context.Context, channelID, content string) (messageID string, err error)
	Delete(ctx context.Context, channelID, messageID string) error
	ChannelName(ctx context.Context, channelID string) (string, error)
}

// Sessions is the shared HTTP session lifecycle tied to the gateway connection.
type Sessions interface {
	Acquire() *session.Session
	Release() bool
}

// Config selects where the bot answers and which messages it auto-archives.
type Config struct {
	DefaultChannelID   string
	ArchiveAllLinks    bool
	BookmarkingEnabled bool
}

// Coordinator handles chat lifecycle and message events. Each event may run
// on its own goroutine; URLs within one message are handled sequentially.
type Coordinator struct {
	cfg      Config
	archiver archive.Archiver
	chat     ChatClient
	sessions Sessions
	logger   *zap.Logger

	mu            sync.RWMutex
	self          User
	targetChannel string

	connected atomic.Bool
}

// New builds a Coordinator.
func New(cfg Config, archiver archive.Archiver, chat ChatClient, sessions Sessions, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.DefaultChannelID = strings.TrimSpace(cfg.DefaultChannelID)
	return &Coordinator{
		cfg:      cfg,
		archiver: archiver,
		chat:     chat,
		sessions: sessions,
		logger:   logger,
	}
}

// Connected reports whether the gateway is currently up.
func (c *Coordinator) Connected() bool {
	return c.connected.Load()
}

// Ready runs after login: it opens the shared HTTP session and resolves the
// default archive channel.
func (c *Coordinator) Ready(ctx context.Context, self User) {
	c.sessions.Acquire()
	c.connected.Store(true)
	metrics.SetChatConnected(true)

	c.mu.Lock()
	c.self = self
	c.mu.Unlock()
	c.logger.Info("logged in", zap.String("user", self.Name), zap.String("user_id", self.ID))

	c.resolveTargetChannel(ctx)

	if !c.cfg.BookmarkingEnabled {
		c.logger.Warn("Karakeep integration is disabled. Either KARAKEEP_API_URL or KARAKEEP_API_KEY is not set.")
	}
}

func (c *Coordinator) resolveTargetChannel(ctx context.Context) {
	id := c.cfg.DefaultChannelID
	if id == "" {
		c.logger.Info("DEFAULT_ARCHIVE_CHANNEL_ID not set. Bot will only respond to commands or auto-archive in the channel they are issued.")
		if c.cfg.ArchiveAllLinks {
			c.logger.Warn("ARCHIVE_ALL_LINKS_IN_CHANNEL is true, but no DEFAULT_ARCHIVE_CHANNEL_ID is set. Auto-archiving will apply to any channel a link is posted in.")
		}
		return
	}
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		c.logger.Error("DEFAULT_ARCHIVE_CHANNEL_ID is not a valid integer", zap.String("channel_id", id))
		return
	}
	name, err := c.chat.ChannelName(ctx, id)
	if err != nil {
		c.logger.Warn("Could not find default archive channel. Make sure the bot has access.",
			zap.String("channel_id", id), zap.Error(err))
		return
	}
	c.mu.Lock()
	c.targetChannel = id
	c.mu.Unlock()
	c.logger.Info("Set default archive channel", zap.String("channel", name), zap.String("channel_id", id))
	if c.cfg.ArchiveAllLinks {
		c.logger.Info("Auto-archiving enabled for links posted in channel", zap.String("channel", name))
	}
}

// Disconnect closes the shared HTTP session. The next archive request
// recreates it.
func (c *Coordinator) Disconnect() {
	c.connected.Store(false)
	metrics.SetChatConnected(false)
	if c.sessions.Release() {
		metrics.ObserveSessionReleased()
	}
	c.mu.RLock()
	name := c.self.Name
	c.mu.RUnlock()
	c.logger.Info("disconnected", zap.String("user", name))
}

// Resumed marks a resumed gateway connection as up again. A Resume does not
// repeat Ready, so only the connection state and session are restored.
func (c *Coordinator) Resumed() {
	c.sessions.Acquire()
	c.connected.Store(true)
	metrics.SetChatConnected(true)
	c.logger.Info("gateway session resumed")
}

// HandleMessage processes one incoming message.
func (c *Coordinator) HandleMessage(ctx context.Context, msg Message) {
	c.mu.RLock()
	selfID := c.self.ID
	responseChannel := c.targetChannel
	c.mu.RUnlock()

	if selfID != "" && msg.AuthorID == selfID {
		return
	}
	metrics.ObserveChatMessage("received")
	if responseChannel == "" {
		responseChannel = msg.ChannelID
	}
	logger := c.logger.With(
		zap.String("message_id", msg.ID),
		zap.String("channel_id", msg.ChannelID),
		zap.String("author", msg.AuthorName),
	)

	if strings.HasPrefix(msg.Content, CommandPrefix) {
		target := strings.TrimSpace(msg.Content[len(CommandPrefix):])
		if target == "" {
			logger.Warn("archive command without a URL")
			return
		}
		logger.Info("Command-triggered URL", zap.String("url", target))
		h := &handling{c: c, msg: msg, channel: responseChannel, logger: logger}
		h.process(archive.WithTrigger(ctx, archive.TriggerCommand), target, msgCommandPending, msgCommandOK, msgCommandFailed)
		return
	}

	if !c.autoArchives(msg.ChannelID) {
		return
	}
	found := ExtractURLs(msg.Content)
	if len(found) == 0 {
		return
	}
	h := &handling{c: c, msg: msg, channel: responseChannel, logger: logger}
	_ = Sequence(archive.WithTrigger(ctx, archive.TriggerAuto), found, func(ctx context.Context, link string) {
		logger.Info("Auto-detected URL", zap.String("url", link))
		if IsPlatformURL(link) {
			logger.Info("Skipping Discord internal URL", zap.String("url", link))
			return
		}
		h.process(ctx, link, msgAutoPending, msgAutoOK, msgAutoFailed)
	})
}

// autoArchives applies to every channel when no default channel is set.
func (c *Coordinator) autoArchives(channelID string) bool {
	if !c.cfg.ArchiveAllLinks {
		return false
	}
	return c.cfg.DefaultChannelID == "" || channelID == c.cfg.DefaultChannelID
}

// handling carries the per-message state across the URLs of one message.
type handling struct {
	c       *Coordinator
	msg     Message
	channel string
	logger  *zap.Logger
	// originalHandled is set once the user's message deletion was attempted;
	// later URLs from the same message do not try again.
	originalHandled bool
}

func (h *handling) process(ctx context.Context, link, pending, ok, failed string) {
	placeholder := h.send(ctx, fmt.Sprintf(pending, link))

	result := h.c.archiver.Archive(ctx, link)
	if result.Succeeded {
		h.send(ctx, fmt.Sprintf(ok, result.Message))
	} else {
		h.send(ctx, fmt.Sprintf(failed, result.Message))
	}

	h.deleteOriginal(ctx)
	if placeholder != "" {
		if err := h.c.chat.Delete(ctx, h.channel, placeholder); err != nil {
			metrics.ObserveDeleteFailure("placeholder", failureReason(err))
			h.logger.Warn("Could not delete bot's 'Please wait...' message", zap.Error(err))
		} else {
			metrics.ObserveChatMessage("deleted")
		}
	}
}

func (h *handling) deleteOriginal(ctx context.Context) {
	if h.originalHandled {
		return
	}
	h.originalHandled = true

	err := h.c.chat.Delete(ctx, h.msg.ChannelID, h.msg.ID)
	switch {
	case err == nil:
		metrics.ObserveChatMessage("deleted")
		h.logger.Info("Deleted user message", zap.String("content", h.msg.Content))
	case errors.Is(err, ErrForbidden):
		metrics.ObserveDeleteFailure("original", "forbidden")
		h.logger.Error("Bot does not have permissions to delete message", zap.Error(err))
		h.send(ctx, msgDeleteDenied)
	default:
		metrics.ObserveDeleteFailure("original", "error")
		h.logger.Error("Error deleting message", zap.Error(err))
		h.send(ctx, fmt.Sprintf(msgDeleteFailed, err))
	}
}

// send posts content to the response channel and returns the new message ID,
// or "" when sending failed.
func (h *handling) send(ctx context.Context, content string) string {
	id, err := h.c.chat.Send(ctx, h.channel, content)
	if err != nil {
		h.logger.Error("failed to send chat message", zap.String("channel_id", h.channel), zap.Error(err))
		return ""
	}
	metrics.ObserveChatMessage("sent")
	return id
}

func failureReason(err error) string {
	if errors.Is(err, ErrForbidden) {
		return "forbidden"
	}
	return "error"
}
