// lys-bot - Discord companion bot
// License: MIT
//
// Copyright (c) 2026 lys-bot contributors

package agent

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elyse-undan/lys-bot/pkg/activity"
	"github.com/elyse-undan/lys-bot/pkg/bus"
	"github.com/elyse-undan/lys-bot/pkg/channels"
	"github.com/elyse-undan/lys-bot/pkg/config"
	"github.com/elyse-undan/lys-bot/pkg/conversation"
	"github.com/elyse-undan/lys-bot/pkg/logger"
	"github.com/elyse-undan/lys-bot/pkg/memory"
	"github.com/elyse-undan/lys-bot/pkg/providers"
	"github.com/elyse-undan/lys-bot/pkg/queue"
	"github.com/elyse-undan/lys-bot/pkg/quota"
	"github.com/elyse-undan/lys-bot/pkg/reply"
	"github.com/elyse-undan/lys-bot/pkg/state"
	"github.com/elyse-undan/lys-bot/pkg/utils"
)

const (
	QuotaExceededMessage = "ur out of messages for today.. come back tmrw :("
	quotaWarningFormat   = "btw u have %d message%s left today"
	brokeFormat          = "oop something broke: %v"
)

// Completer is the credential rotator as seen by the coordinator.
type Completer interface {
	Complete(ctx context.Context, messages []providers.Message, mode providers.Mode) (string, error)
	RateLimitedCount() int
}

// AgentLoop is the coordinator: it admits inbound messages, enforces the
// daily quota, defers work to the queue under rate-limit pressure and runs
// the reply pipeline.
type AgentLoop struct {
	cfg       *config.Config
	bus       *bus.MessageBus
	completer Completer
	store     state.Store

	contextBuilder *ContextBuilder
	conversations  *conversation.Store
	activity       *activity.Tracker
	facts          *memory.Store
	extractor      *memory.Extractor
	quota          *quota.Tracker
	queue          *queue.Queue
	sender         *reply.Sender

	channelManager *channels.Manager
	now            func() time.Time
	running        atomic.Bool

	// persistMu is held across each snapshot and its save, so documents
	// are written in the order their snapshots were taken.
	persistMu sync.Mutex
}

type loopOptions struct {
	now   func() time.Time
	reply reply.Options
}

type Option func(*loopOptions)

// WithClock replaces time.Now for quota days and channel activity.
func WithClock(now func() time.Time) Option {
	return func(o *loopOptions) { o.now = now }
}

// WithReplyPacing overrides the randomness and sleeping used when sending bubbles.
func WithReplyPacing(rnd func() float64, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *loopOptions) {
		o.reply.Rand = rnd
		o.reply.Sleep = sleep
	}
}

// NewAgentLoop builds the coordinator and restores persisted state from store.
func NewAgentLoop(cfg *config.Config, msgBus *bus.MessageBus, completer Completer, store state.Store, opts ...Option) (*AgentLoop, error) {
	o := loopOptions{
		now: time.Now,
		reply: reply.Options{
			SplitThreshold:     cfg.Reply.SplitThreshold,
			MinDelay:           config.Milliseconds(cfg.Reply.MinDelayMS),
			MaxDelay:           config.Milliseconds(cfg.Reply.MaxDelayMS),
			DoubleBubbleChance: cfg.Reply.DoubleBubbleChance,
			ChunkPause:         config.Milliseconds(cfg.Reply.ChunkPauseMS),
		},
	}
	for _, opt := range opts {
		opt(&o)
	}

	al := &AgentLoop{
		cfg:            cfg,
		bus:            msgBus,
		completer:      completer,
		store:          store,
		contextBuilder: NewContextBuilder(cfg.PersonalityText),
		sender:         reply.NewSender(o.reply),
		now:            o.now,
	}

	al.conversations = conversation.NewStore(cfg.Conversation.Window, al.saveConversations)
	al.activity = activity.NewTracker(config.Seconds(cfg.Conversation.IdleTimeoutSeconds), o.now, al.saveConversations)
	al.facts = memory.NewStore(cfg.Memory.MaxFacts, al.saveMemory)
	al.quota = quota.NewTracker(quota.Options{
		DailyLimit:    cfg.Limits.DailyLimit,
		PriorityUsers: cfg.Limits.PriorityUsers,
		OnChange:      al.saveUsage,
		Now:           o.now,
	})
	al.extractor = memory.NewExtractor(memory.ExtractorConfig{
		Every:              cfg.Memory.ExtractEvery,
		Turns:              cfg.Memory.ExtractTurns,
		FactsPerExtraction: cfg.Memory.FactsPerExtraction,
		PreExtractDelay:    config.Milliseconds(cfg.Memory.PreExtractDelayMS),
		IdlePoll:           config.Milliseconds(cfg.Memory.IdlePollMS),
	}, completer, al.conversations, al.facts)
	al.queue = queue.New(al.handleQueued, config.Milliseconds(cfg.Limits.QueuePauseMS))

	if err := al.restore(context.Background()); err != nil {
		return nil, err
	}
	return al, nil
}

func (al *AgentLoop) restore(ctx context.Context) error {
	if al.store == nil {
		return nil
	}

	conv, err := state.LoadConversations(ctx, al.store)
	if err != nil {
		return fmt.Errorf("restore conversations: %w", err)
	}
	mem, err := state.LoadMemory(ctx, al.store)
	if err != nil {
		return fmt.Errorf("restore memory: %w", err)
	}
	usage, err := state.LoadUsage(ctx, al.store)
	if err != nil {
		return fmt.Errorf("restore usage: %w", err)
	}

	al.conversations.Restore(conv.Conversations)
	al.activity.Restore(conv.ActiveChannels)
	al.facts.Restore(mem)
	al.quota.Restore(usage)

	logger.InfoCF("agent", "State restored", map[string]any{
		"conversations":   len(conv.Conversations),
		"active_channels": len(conv.ActiveChannels),
		"memory_channels": len(mem),
		"usage_records":   len(usage),
	})
	return nil
}

func (al *AgentLoop) SetChannelManager(cm *channels.Manager) {
	al.channelManager = cm
}

// Run consumes inbound messages until ctx is done or the bus closes. The
// activity sweep, queue drain, memory extractor and usage pruner run for
// the same lifetime.
func (al *AgentLoop) Run(ctx context.Context) error {
	al.running.Store(true)
	defer al.running.Store(false)

	workerCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		al.activity.Run(workerCtx, config.Seconds(al.cfg.Conversation.SweepIntervalSeconds))
	}()
	go func() {
		defer wg.Done()
		al.queue.Run(workerCtx)
	}()
	if expr := strings.TrimSpace(al.cfg.Limits.UsagePruneCron); expr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := quota.RunPruner(workerCtx, al.quota, expr); err != nil {
				logger.ErrorCF("agent", "Usage pruner stopped", map[string]any{"error": err.Error()})
			}
		}()
	}
	al.extractor.Start()

	defer func() {
		cancel()
		al.extractor.Close()
		wg.Wait()
	}()

	for al.running.Load() {
		msg, ok := al.bus.ConsumeInbound(ctx)
		if !ok {
			return nil
		}
		al.processMessage(ctx, msg)
	}
	return nil
}

func (al *AgentLoop) Stop() {
	al.running.Store(false)
}

func (al *AgentLoop) processMessage(ctx context.Context, msg bus.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("agent", "Recovered panic while handling message", map[string]any{
				"channel": msg.Channel,
				"chat_id": msg.ChatID,
				"panic":   fmt.Sprint(r),
				"stack":   string(debug.Stack()),
			})
		}
	}()

	tr, ok := al.transport(msg.Channel)
	if !ok {
		logger.WarnCF("agent", "No transport for inbound message", map[string]any{"channel": msg.Channel})
		return
	}

	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return
	}
	if !al.activity.Admit(msg.ChatID, msg.IsDM, msg.Mentioned) {
		return
	}
	al.activity.Touch(msg.ChatID)

	logger.InfoCF("agent", "Processing message", map[string]any{
		"channel":   msg.Channel,
		"chat_id":   msg.ChatID,
		"sender_id": msg.SenderID,
		"preview":   utils.Truncate(text, 80),
	})

	allowed, remaining := al.quota.Check(msg.SenderID)
	if !allowed {
		logger.InfoCF("agent", "Daily quota exhausted", map[string]any{"sender_id": msg.SenderID})
		al.sendNotice(ctx, tr, msg, text, QuotaExceededMessage)
		return
	}

	item := queue.Item{
		Message:   msg,
		Text:      text,
		UserID:    msg.SenderID,
		UserName:  msg.SenderName,
		ChannelID: msg.ChatID,
	}

	if al.shouldQueue(msg.SenderID) {
		pos := al.queue.Enqueue(item)
		logger.InfoCF("agent", "Message queued under rate-limit pressure", map[string]any{
			"chat_id":  msg.ChatID,
			"position": pos,
		})
		al.deliver(ctx, tr, msg.ChatID, queue.Ack(pos))
	} else {
		al.respond(ctx, tr, item)
	}

	if quota.ShouldWarn(remaining) {
		al.deliver(ctx, tr, msg.ChatID, quotaWarning(remaining))
	}
}

func (al *AgentLoop) shouldQueue(userID string) bool {
	threshold := al.cfg.Limits.QueueThreshold
	if threshold <= 0 {
		threshold = 2
	}
	return !al.quota.IsPriority(userID) && al.completer.RateLimitedCount() >= threshold
}

func (al *AgentLoop) handleQueued(ctx context.Context, item queue.Item) {
	tr, ok := al.transport(item.Message.Channel)
	if !ok {
		logger.WarnCF("agent", "Dropping queued message without transport", map[string]any{
			"id":      item.ID,
			"channel": item.Message.Channel,
		})
		return
	}
	logger.DebugCF("agent", "Replaying queued message", map[string]any{
		"id":      item.ID,
		"chat_id": item.ChannelID,
		"waited":  al.now().Sub(item.EnqueuedAt).String(),
	})
	al.respond(ctx, tr, item)
}

// respond runs the completion for item and sends the reply as bubbles.
func (al *AgentLoop) respond(ctx context.Context, tr reply.Transport, item queue.Item) {
	release := tr.Typing(ctx, item.ChannelID)
	text := al.generate(ctx, item)
	release()

	al.deliver(ctx, tr, item.ChannelID, text)
}

// generate appends the user turn, calls the rotator and appends the answer.
// Upstream failures come back as the broke message; it is never empty.
func (al *AgentLoop) generate(ctx context.Context, item queue.Item) string {
	al.appendUserTurn(item.ChannelID, userContent(item))

	messages := al.contextBuilder.BuildMessages(al.facts.Facts(item.ChannelID), al.conversations.Window(item.ChannelID))

	start := al.now()
	text, err := al.completer.Complete(ctx, messages, providers.ModeQuality)
	if err != nil {
		logger.ErrorCF("agent", "Completion failed", map[string]any{
			"chat_id": item.ChannelID,
			"error":   err.Error(),
		})
		text = fmt.Sprintf(brokeFormat, err)
	} else {
		logger.DebugCF("agent", "Completion finished", map[string]any{
			"chat_id":     item.ChannelID,
			"duration_ms": al.now().Sub(start).Milliseconds(),
			"chars":       len(text),
		})
	}
	if strings.TrimSpace(text) == "" {
		text = "..."
	}

	if !providers.IsExhausted(text) || al.cfg.Agent.RecordNotices {
		al.conversations.Append(item.ChannelID, conversation.Turn{Role: conversation.RoleAssistant, Content: text})
	}
	return text
}

// sendNotice answers with a fixed text that does not come from the model.
func (al *AgentLoop) sendNotice(ctx context.Context, tr reply.Transport, msg bus.InboundMessage, text, notice string) {
	if al.cfg.Agent.RecordNotices {
		al.appendUserTurn(msg.ChatID, userContent(queue.Item{Message: msg, Text: text, UserName: msg.SenderName}))
		al.conversations.Append(msg.ChatID, conversation.Turn{Role: conversation.RoleAssistant, Content: notice})
	}
	al.deliver(ctx, tr, msg.ChatID, notice)
}

func (al *AgentLoop) appendUserTurn(chatID, content string) {
	total := al.conversations.Append(chatID, conversation.Turn{Role: conversation.RoleUser, Content: content})
	if al.extractor.MaybeTrigger(chatID, total) {
		logger.DebugCF("agent", "Memory extraction scheduled", map[string]any{
			"chat_id": chatID,
			"turns":   total,
		})
	}
}

func (al *AgentLoop) deliver(ctx context.Context, tr reply.Transport, chatID, text string) {
	if err := al.sender.Send(ctx, tr, chatID, text); err != nil {
		logger.ErrorCF("agent", "Failed to send reply", map[string]any{
			"chat_id": chatID,
			"error":   err.Error(),
		})
	}
}

func (al *AgentLoop) transport(name string) (reply.Transport, bool) {
	if al.channelManager == nil {
		return nil, false
	}
	ch, ok := al.channelManager.GetChannel(name)
	if !ok {
		return nil, false
	}
	return ch, true
}

// ProcessDirect runs content through the completion path for the local
// console chat and returns the whole reply without pacing.
func (al *AgentLoop) ProcessDirect(ctx context.Context, content string) (string, error) {
	text := strings.TrimSpace(content)
	if text == "" {
		return "", fmt.Errorf("message is empty")
	}

	msg := bus.InboundMessage{
		Channel:    "console",
		SenderID:   channels.ConsoleSenderID,
		SenderName: "you",
		ChatID:     channels.ConsoleChatID,
		Content:    text,
		IsDM:       true,
	}
	al.activity.Touch(msg.ChatID)

	allowed, _ := al.quota.Check(msg.SenderID)
	if !allowed {
		return QuotaExceededMessage, nil
	}
	return al.generate(ctx, queue.Item{
		Message:   msg,
		Text:      text,
		UserID:    msg.SenderID,
		UserName:  msg.SenderName,
		ChannelID: msg.ChatID,
	}), nil
}

// Flush persists every document once, used on shutdown.
func (al *AgentLoop) Flush() {
	al.saveConversations()
	al.saveMemory(nil)
	al.saveUsage(nil)
}

func (al *AgentLoop) saveConversations() {
	if al.store == nil || al.conversations == nil || al.activity == nil {
		return
	}
	al.persistMu.Lock()
	defer al.persistMu.Unlock()
	doc := state.Conversations{
		Conversations:  al.conversations.Snapshot(),
		ActiveChannels: al.activity.Snapshot(),
	}
	al.save(state.DocConversations, doc)
}

// saveMemory and saveUsage re-read the component under persistMu instead of
// trusting the hook's snapshot, which may be older than one already saved.
func (al *AgentLoop) saveMemory(map[string]state.ChannelMemory) {
	if al.store == nil || al.facts == nil {
		return
	}
	al.persistMu.Lock()
	defer al.persistMu.Unlock()
	al.save(state.DocMemory, al.facts.Snapshot())
}

func (al *AgentLoop) saveUsage(map[string]state.UsageRecord) {
	if al.store == nil || al.quota == nil {
		return
	}
	al.persistMu.Lock()
	defer al.persistMu.Unlock()
	al.save(state.DocUsage, al.quota.Snapshot())
}

func (al *AgentLoop) save(doc state.Document, v any) {
	if err := al.store.Save(context.Background(), doc, v); err != nil {
		logger.ErrorCF("state", "Failed to persist document", map[string]any{
			"document": string(doc),
			"error":    err.Error(),
		})
	}
}

// GetStatus reports the coordinator's live counters for status output.
func (al *AgentLoop) GetStatus() map[string]any {
	return map[string]any{
		"running":             al.running.Load(),
		"queue_length":        al.queue.Len(),
		"queue_state":         al.queue.State().String(),
		"rate_limited_keys":   al.completer.RateLimitedCount(),
		"active_channels":     al.activity.Len(),
		"conversations":       al.conversations.Channels(),
		"memory_channels":     al.facts.Len(),
		"pending_extractions": al.extractor.Pending(),
		"dropped_inbound":     al.bus.DroppedInbound(),
	}
}

func userContent(item queue.Item) string {
	if item.Message.IsDM || item.UserName == "" {
		return item.Text
	}
	return item.UserName + ": " + item.Text
}

func quotaWarning(remaining int) string {
	plural := "s"
	if remaining == 1 {
		plural = ""
	}
	return fmt.Sprintf(quotaWarningFormat, remaining, plural)
}
