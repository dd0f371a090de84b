package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elyse-undan/lys-bot/pkg/bus"
	"github.com/elyse-undan/lys-bot/pkg/channels"
	"github.com/elyse-undan/lys-bot/pkg/config"
	"github.com/elyse-undan/lys-bot/pkg/conversation"
	"github.com/elyse-undan/lys-bot/pkg/providers"
	"github.com/elyse-undan/lys-bot/pkg/state"
)

type fakeCompleter struct {
	mu          sync.Mutex
	reply       string
	err         error
	rateLimited int
	prompts     [][]providers.Message
}

func (f *fakeCompleter) Complete(_ context.Context, msgs []providers.Message, _ providers.Mode) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, msgs)
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeCompleter) RateLimitedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rateLimited
}

func (f *fakeCompleter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

// recordingChannel is a channels.Channel that keeps everything sent to it.
type recordingChannel struct {
	mu     sync.Mutex
	sent   []string
	typing int
}

func (c *recordingChannel) Name() string                { return "discord" }
func (c *recordingChannel) Start(context.Context) error { return nil }
func (c *recordingChannel) Stop(context.Context) error  { return nil }
func (c *recordingChannel) IsRunning() bool             { return true }
func (c *recordingChannel) IsAllowed(string) bool       { return true }
func (c *recordingChannel) Typing(context.Context, string) func() {
	c.mu.Lock()
	c.typing++
	c.mu.Unlock()
	return func() {}
}

func (c *recordingChannel) Send(_ context.Context, _ string, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, text)
	return nil
}

func (c *recordingChannel) joined() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.sent, " ")
}

func (c *recordingChannel) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Agent.PersonalityFile = ""
	cfg.Agent.Personality = "You are Elyse."
	return cfg
}

func newTestLoop(t *testing.T, cfg *config.Config, completer Completer, store state.Store) (*AgentLoop, *recordingChannel) {
	t.Helper()
	msgBus := bus.NewMessageBus()
	t.Cleanup(msgBus.Close)

	clock := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	al, err := NewAgentLoop(cfg, msgBus, completer, store,
		WithClock(func() time.Time { return clock }),
		WithReplyPacing(func() float64 { return 0.9 }, func(context.Context, time.Duration) error { return nil }),
	)
	require.NoError(t, err)

	ch := &recordingChannel{}
	cm := channels.NewManager(msgBus)
	cm.RegisterChannel(ch)
	al.SetChannelManager(cm)
	return al, ch
}

func dm(text string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:    "discord",
		SenderID:   "7",
		SenderName: "alex",
		ChatID:     "dm-7",
		Content:    text,
		IsDM:       true,
	}
}

func TestAgentLoop_DMGetsReplyAndHistory(t *testing.T) {
	completer := &fakeCompleter{reply: "heyy"}
	al, ch := newTestLoop(t, testConfig(), completer, nil)

	al.processMessage(context.Background(), dm("hi"))

	assert.Equal(t, []string{"heyy"}, ch.sent)
	assert.Equal(t, 1, ch.typing, "typing is held while the completion runs")
	assert.Equal(t, []conversation.Turn{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "heyy"},
	}, al.conversations.Window("dm-7"))

	require.Equal(t, 1, completer.calls())
	prompt := completer.prompts[0]
	assert.Equal(t, "system", prompt[0].Role)
	assert.Equal(t, "You are Elyse.", prompt[0].Content)
	assert.Equal(t, "hi", prompt[len(prompt)-1].Content)
}

func TestAgentLoop_GuildNeedsMentionUntilActive(t *testing.T) {
	completer := &fakeCompleter{reply: "yo"}
	al, ch := newTestLoop(t, testConfig(), completer, nil)
	ctx := context.Background()

	msg := bus.InboundMessage{Channel: "discord", SenderID: "7", SenderName: "alex", ChatID: "g1", Content: "anyone here"}
	al.processMessage(ctx, msg)
	assert.Empty(t, ch.sent, "unmentioned message in an idle channel is ignored")
	assert.Equal(t, 0, completer.calls())
	assert.Equal(t, 0, al.quota.Usage("7"), "ignored messages consume no quota")

	msg.Mentioned = true
	msg.Content = "hey lys"
	al.processMessage(ctx, msg)
	require.Len(t, ch.sent, 1)

	msg.Mentioned = false
	msg.SenderName = "sam"
	msg.SenderID = "8"
	msg.Content = "what's up"
	al.processMessage(ctx, msg)
	require.Len(t, ch.sent, 2, "active channel answers without a mention")

	window := al.conversations.Window("g1")
	assert.Equal(t, "alex: hey lys", window[0].Content)
	assert.Equal(t, "sam: what's up", window[2].Content)
}

func TestAgentLoop_QuotaDeniesAfterLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.DailyLimit = 2
	completer := &fakeCompleter{reply: "ok"}
	al, ch := newTestLoop(t, cfg, completer, nil)
	ctx := context.Background()

	al.processMessage(ctx, dm("one"))
	al.processMessage(ctx, dm("two"))
	ch.reset()
	al.processMessage(ctx, dm("three"))

	assert.Equal(t, 2, completer.calls(), "denied message never reaches the model")
	assert.Contains(t, ch.joined(), "ur out of messages for today")

	window := al.conversations.Window("dm-7")
	require.Len(t, window, 6)
	assert.Equal(t, QuotaExceededMessage, window[5].Content)
}

func TestAgentLoop_QuotaNoticesStayOutOfHistoryWhenDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.DailyLimit = 1
	cfg.Agent.RecordNotices = false
	al, _ := newTestLoop(t, cfg, &fakeCompleter{reply: "ok"}, nil)

	al.processMessage(context.Background(), dm("one"))
	al.processMessage(context.Background(), dm("two"))

	assert.Len(t, al.conversations.Window("dm-7"), 2)
}

func TestAgentLoop_QuotaWarningAfterReply(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.DailyLimit = 6
	al, ch := newTestLoop(t, cfg, &fakeCompleter{reply: "ok"}, nil)

	al.processMessage(context.Background(), dm("hi"))

	require.Len(t, ch.sent, 2)
	assert.Equal(t, "ok", ch.sent[0])
	assert.Equal(t, "btw u have 5 messages left today", ch.sent[1])
	assert.Equal(t, "btw u have 1 message left today", quotaWarning(1))
}

func TestAgentLoop_QueuesUnderRateLimitPressure(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.PriorityUsers = config.FlexibleStringSlice{"99"}
	completer := &fakeCompleter{reply: "ok", rateLimited: 2}
	al, ch := newTestLoop(t, cfg, completer, nil)
	ctx := context.Background()

	al.processMessage(ctx, dm("first"))
	second := dm("second")
	second.SenderID = "8"
	second.ChatID = "dm-8"
	al.processMessage(ctx, second)

	assert.Equal(t, 0, completer.calls())
	assert.Equal(t, 2, al.queue.Len())
	assert.Contains(t, ch.joined(), "ur #1 in line rn")
	assert.Contains(t, ch.joined(), "ur #2 in line rn")

	ch.reset()
	vip := dm("me first")
	vip.SenderID = "99"
	vip.ChatID = "dm-99"
	al.processMessage(ctx, vip)
	assert.Equal(t, 1, completer.calls(), "priority users skip the queue")
	assert.Equal(t, []string{"ok"}, ch.sent)
}

func TestAgentLoop_QueuedItemsAreAnsweredInOrder(t *testing.T) {
	cfg := testConfig()
	cfg.Limits.QueuePauseMS = 1
	completer := &fakeCompleter{reply: "ok", rateLimited: 2}
	al, _ := newTestLoop(t, cfg, completer, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	al.processMessage(ctx, dm("first"))
	al.processMessage(ctx, dm("second"))
	require.Equal(t, 2, al.queue.Len())

	go al.queue.Run(ctx)
	require.Eventually(t, func() bool { return completer.calls() == 2 }, 2*time.Second, 5*time.Millisecond)

	window := al.conversations.Window("dm-7")
	require.Len(t, window, 4)
	assert.Equal(t, "first", window[0].Content)
	assert.Equal(t, "second", window[2].Content)
}

func TestAgentLoop_UpstreamErrorBecomesBrokeMessage(t *testing.T) {
	completer := &fakeCompleter{err: errors.New("groq#1: invalid api key")}
	al, ch := newTestLoop(t, testConfig(), completer, nil)

	al.processMessage(context.Background(), dm("hi"))

	assert.Equal(t, []string{"oop something broke: groq#1: invalid api key"}, ch.sent)
	window := al.conversations.Window("dm-7")
	require.Len(t, window, 2)
	assert.Equal(t, "oop something broke: groq#1: invalid api key", window[1].Content)
}

func TestAgentLoop_PersistsAndRestoresState(t *testing.T) {
	store, err := state.NewJSONStore(t.TempDir())
	require.NoError(t, err)
	cfg := testConfig()

	al, _ := newTestLoop(t, cfg, &fakeCompleter{reply: "heyy"}, store)
	al.processMessage(context.Background(), dm("hi"))
	al.facts.Merge("dm-7", []string{"alex likes go"}, time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC))

	completer := &fakeCompleter{reply: "welcome back"}
	restored, _ := newTestLoop(t, cfg, completer, store)
	assert.Equal(t, al.conversations.Window("dm-7"), restored.conversations.Window("dm-7"))
	assert.True(t, restored.activity.IsActive("dm-7"))
	assert.Equal(t, 1, restored.quota.Usage("7"))

	restored.processMessage(context.Background(), dm("back"))
	require.Equal(t, 1, completer.calls())
	assert.Contains(t, completer.prompts[0][0].Content, "- alex likes go")
}

func TestAgentLoop_StaleHookSnapshotDoesNotRollBackState(t *testing.T) {
	store, err := state.NewJSONStore(t.TempDir())
	require.NoError(t, err)
	al, _ := newTestLoop(t, testConfig(), &fakeCompleter{reply: "ok"}, store)

	staleUsage := al.quota.Snapshot()
	staleMemory := al.facts.Snapshot()
	al.processMessage(context.Background(), dm("hi"))
	al.facts.Merge("dm-7", []string{"alex plays bass"}, time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC))

	// a hook that was handed its snapshot earlier finishes last
	al.saveUsage(staleUsage)
	al.saveMemory(staleMemory)

	usage, err := state.LoadUsage(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, 1, usage["7"].Count)
	mem, err := state.LoadMemory(context.Background(), store)
	require.NoError(t, err)
	assert.Equal(t, []string{"alex plays bass"}, mem["dm-7"].Facts)
}

func TestAgentLoop_ProcessDirect(t *testing.T) {
	completer := &fakeCompleter{reply: "hiii"}
	al, ch := newTestLoop(t, testConfig(), completer, nil)

	out, err := al.ProcessDirect(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "hiii", out)
	assert.Empty(t, ch.sent)
	assert.Len(t, al.conversations.Window(channels.ConsoleChatID), 2)

	_, err = al.ProcessDirect(context.Background(), "   ")
	assert.Error(t, err)
}

func TestAgentLoop_RunStopsWhenContextEnds(t *testing.T) {
	completer := &fakeCompleter{reply: "ok"}
	al, ch := newTestLoop(t, testConfig(), completer, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- al.Run(ctx) }()

	require.True(t, al.bus.PublishInbound(dm("hi")))
	require.Eventually(t, func() bool { return ch.joined() == "ok" }, 2*time.Second, 5*time.Millisecond)

	status := al.GetStatus()
	assert.Equal(t, "idle", status["queue_state"])
	assert.Equal(t, 1, status["active_channels"])

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
