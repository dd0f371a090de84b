package channels

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/elyse-undan/lys-bot/pkg/bus"
	"github.com/elyse-undan/lys-bot/pkg/config"
	"github.com/elyse-undan/lys-bot/pkg/logger"
	"github.com/elyse-undan/lys-bot/pkg/reply"
	"github.com/elyse-undan/lys-bot/pkg/utils"
)

const (
	sendTimeout           = 10 * time.Second
	typingRefreshInterval = 8 * time.Second
)

var mentionRegex = regexp.MustCompile(`<@!?(\d+)>`)

type DiscordChannel struct {
	*BaseChannel
	session  *discordgo.Session
	config   config.DiscordConfig
	botID    atomic.Value // string; set once the session is open
	typing   map[string]*typingSession
	typingMu sync.Mutex
}

type typingSession struct {
	pending int
	cancel  context.CancelFunc
}

func NewDiscordChannel(cfg config.DiscordConfig, bus *bus.MessageBus) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", bus, cfg.AllowFrom),
		session:     session,
		config:      cfg,
		typing:      make(map[string]*typingSession),
	}, nil
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	logger.InfoC("discord", "Starting Discord bot")

	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}

	botUser, err := c.session.User("@me")
	if err != nil {
		_ = c.session.Close()
		return fmt.Errorf("failed to get bot user: %w", err)
	}
	c.botID.Store(botUser.ID)
	c.setRunning(true)

	logger.InfoCF("discord", "Discord bot connected", map[string]any{
		"username": botUser.Username,
		"user_id":  botUser.ID,
	})
	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	logger.InfoC("discord", "Stopping Discord bot")
	c.setRunning(false)
	c.stopAllTyping()

	if err := c.session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}
	return nil
}

func (c *DiscordChannel) Send(ctx context.Context, chatID, text string) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	if chatID == "" {
		return fmt.Errorf("channel ID is empty")
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	for _, chunk := range reply.Chunk(text, reply.MaxMessageLen) {
		if err := c.sendChunk(ctx, chatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (c *DiscordChannel) Typing(ctx context.Context, chatID string) func() {
	c.beginTyping(chatID)
	var once sync.Once
	return func() {
		once.Do(func() { c.endTyping(chatID) })
	}
}

func (c *DiscordChannel) sendChunk(ctx context.Context, channelID, content string) error {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := c.session.ChannelMessageSend(channelID, content)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send discord message: %w", err)
		}
		return nil
	case <-sendCtx.Done():
		return fmt.Errorf("send message timeout: %w", sendCtx.Err())
	}
}

func (c *DiscordChannel) sendTyping(channelID string) {
	if channelID == "" || c.session == nil {
		return
	}
	if err := c.session.ChannelTyping(channelID); err != nil {
		logger.ErrorCF("discord", "Failed to send typing indicator", map[string]any{
			"error": err.Error(),
		})
	}
}

// beginTyping starts (or joins) the typing indicator of channelID. Discord
// drops the indicator after ~10s, so it is refreshed until the last holder
// calls endTyping.
func (c *DiscordChannel) beginTyping(channelID string) {
	if channelID == "" {
		return
	}

	c.typingMu.Lock()
	if sess, ok := c.typing[channelID]; ok {
		sess.pending++
		c.typingMu.Unlock()
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.typing[channelID] = &typingSession{pending: 1, cancel: cancel}
	c.typingMu.Unlock()

	c.sendTyping(channelID)

	go func() {
		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !c.IsRunning() {
					return
				}
				c.sendTyping(channelID)
			}
		}
	}()
}

func (c *DiscordChannel) endTyping(channelID string) {
	if channelID == "" {
		return
	}

	c.typingMu.Lock()
	defer c.typingMu.Unlock()

	sess, ok := c.typing[channelID]
	if !ok {
		return
	}
	sess.pending--
	if sess.pending > 0 {
		return
	}
	delete(c.typing, channelID)
	sess.cancel()
}

func (c *DiscordChannel) stopAllTyping() {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()

	for channelID, sess := range c.typing {
		sess.cancel()
		delete(c.typing, channelID)
	}
}

// BotID is the bot's own user ID, empty until Start has connected.
func (c *DiscordChannel) BotID() string {
	id, _ := c.botID.Load().(string)
	return id
}

func (c *DiscordChannel) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	botID := c.BotID()
	if botID == "" && s != nil && s.State != nil && s.State.User != nil {
		botID = s.State.User.ID
	}

	msg, ok := inboundFromDiscord(botID, m)
	if !ok {
		return
	}
	if !c.IsAllowed(msg.SenderID) {
		logger.DebugCF("discord", "Message rejected by allowlist", map[string]any{
			"user_id": msg.SenderID,
		})
		return
	}

	logger.DebugCF("discord", "Received message", map[string]any{
		"sender_name": msg.SenderName,
		"sender_id":   msg.SenderID,
		"dm":          msg.IsDM,
		"mentioned":   msg.Mentioned,
		"preview":     utils.Truncate(msg.Content, 50),
	})

	if !c.HandleMessage(msg) {
		logger.WarnCF("discord", "Inbound message dropped", map[string]any{
			"message_id": msg.MessageID,
		})
	}
}

// inboundFromDiscord converts a gateway event into a bus message. It drops
// the bot's own messages and messages with no text once mentions are removed.
func inboundFromDiscord(botID string, m *discordgo.MessageCreate) (bus.InboundMessage, bool) {
	if m == nil || m.Message == nil || m.Author == nil {
		return bus.InboundMessage{}, false
	}
	if m.Author.ID == botID || m.Author.Bot {
		return bus.InboundMessage{}, false
	}

	mentioned := false
	for _, u := range m.Mentions {
		if u != nil && u.ID == botID {
			mentioned = true
			break
		}
	}

	content := strings.TrimSpace(StripMentions(m.Content, botID))
	if content == "" {
		return bus.InboundMessage{}, false
	}

	return bus.InboundMessage{
		Channel:    "discord",
		SenderID:   m.Author.ID,
		SenderName: displayName(m),
		ChatID:     m.ChannelID,
		MessageID:  m.ID,
		Content:    content,
		IsDM:       m.GuildID == "",
		Mentioned:  mentioned,
		Metadata: map[string]string{
			"username": m.Author.Username,
			"guild_id": m.GuildID,
		},
	}, true
}

// StripMentions removes <@id> and <@!id> tokens addressed to botID.
func StripMentions(content, botID string) string {
	if botID == "" {
		return content
	}
	return mentionRegex.ReplaceAllStringFunc(content, func(tok string) string {
		if sub := mentionRegex.FindStringSubmatch(tok); len(sub) == 2 && sub[1] == botID {
			return ""
		}
		return tok
	})
}

func displayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && strings.TrimSpace(m.Member.Nick) != "" {
		return m.Member.Nick
	}
	if strings.TrimSpace(m.Author.GlobalName) != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}
