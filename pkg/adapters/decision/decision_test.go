package decision

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aescanero/stepflow/pkg/domain"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func request(id string) domain.ApprovalRequest {
	return domain.ApprovalRequest{
		ID:           id,
		WorkflowID:   "wf",
		StepID:       "migrate",
		StepName:     "Migrate",
		ApprovalType: domain.ApprovalTypeSQL,
		Summary:      "drop the staging table",
		PolicyTags:   []string{domain.PolicyTagDDLDML},
	}
}

func TestAuto(t *testing.T) {
	d, err := AutoApprove("ci").Decide(context.Background(), request("a1"))
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalDecision{Approved: true, ActorID: "ci"}, d)

	d, err = AutoDeny("ci", "read only").Decide(context.Background(), request("a1"))
	require.NoError(t, err)
	assert.False(t, d.Approved)
	assert.Equal(t, "read only", d.Reason)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = AutoApprove("ci").Decide(ctx, request("a1"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueue_DecideAndResolve(t *testing.T) {
	q := NewQueue(nil)

	announced := make(chan PendingApproval, 1)
	q.OnPending(func(p PendingApproval) { announced <- p })

	type result struct {
		d   domain.ApprovalDecision
		err error
	}
	done := make(chan result, 1)
	go func() {
		d, err := q.Decide(context.Background(), request("a1"))
		done <- result{d, err}
	}()

	p := <-announced
	assert.Equal(t, "migrate", p.Request.StepID)

	got, err := q.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, "wf", got.Request.WorkflowID)
	require.Len(t, q.Pending(), 1)

	require.NoError(t, q.Resolve("a1", domain.ApprovalDecision{Approved: true, ActorID: "alice"}))

	r := <-done
	require.NoError(t, r.err)
	assert.True(t, r.d.Approved)
	assert.Equal(t, "alice", r.d.ActorID)
	assert.Empty(t, q.Pending())

	assert.ErrorIs(t, q.Resolve("a1", domain.ApprovalDecision{}), ErrApprovalNotFound)
	_, err = q.Get("a1")
	assert.ErrorIs(t, err, ErrApprovalNotFound)
}

func TestQueue_Errors(t *testing.T) {
	q := NewQueue(nil)

	_, err := q.Decide(context.Background(), domain.ApprovalRequest{})
	assert.EqualError(t, err, "approval request has no id")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Decide(ctx, request("a1"))
	require.Eventually(t, func() bool { return len(q.Pending()) == 1 }, time.Second, 5*time.Millisecond)

	_, err = q.Decide(context.Background(), request("a1"))
	assert.EqualError(t, err, "approval a1 is already pending")
}

func TestQueue_ContextEndsWait(t *testing.T) {
	q := NewQueue(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Decide(ctx, request("a1"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, q.Pending())
}

func TestQueue_PendingOldestFirst(t *testing.T) {
	q := NewQueue(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []string{"first", "second", "third"} {
		go q.Decide(ctx, request(id))
		require.Eventually(t, func() bool {
			_, err := q.Get(id)
			return err == nil
		}, time.Second, 5*time.Millisecond)
		time.Sleep(2 * time.Millisecond)
	}

	var ids []string
	for _, p := range q.Pending() {
		ids = append(ids, p.Request.ID)
	}
	assert.Equal(t, []string{"first", "second", "third"}, ids)
}

func TestParseAnswer(t *testing.T) {
	tests := []struct {
		line     string
		approved bool
		reason   string
	}{
		{"y\n", true, ""},
		{"YES ship it\n", true, "ship it"},
		{"n\n", false, "denied at console"},
		{"no wrong table\n", false, "wrong table"},
		{"\n", false, "denied at console"},
		{"maybe later", false, "later"},
	}

	for _, tt := range tests {
		t.Run(strings.TrimSpace(tt.line), func(t *testing.T) {
			d := parseAnswer(tt.line, "ops")
			assert.Equal(t, tt.approved, d.Approved)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, "ops", d.ActorID)
		})
	}
}

func TestConsole_Decide(t *testing.T) {
	var out bytes.Buffer
	c := NewConsole(strings.NewReader("y\n"), &out, "")

	d, err := c.Decide(context.Background(), request("a1"))
	require.NoError(t, err)
	assert.True(t, d.Approved)
	assert.Equal(t, "console", d.ActorID)

	prompt := out.String()
	assert.Contains(t, prompt, "Approval required [SQL] step Migrate (migrate)")
	assert.Contains(t, prompt, "drop the staging table")
	assert.Contains(t, prompt, "policy tags: ddl_dml")
	assert.Contains(t, prompt, "Approve? [y/N]")
}

func TestConsole_AnswerWithoutNewline(t *testing.T) {
	c := NewConsole(strings.NewReader("no"), &bytes.Buffer{}, "ops")

	d, err := c.Decide(context.Background(), request("a1"))
	require.NoError(t, err)
	assert.False(t, d.Approved)
}

func TestConsole_ClosedInput(t *testing.T) {
	c := NewConsole(strings.NewReader(""), &bytes.Buffer{}, "ops")

	_, err := c.Decide(context.Background(), request("a1"))
	assert.ErrorContains(t, err, "failed to read answer")
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text string
		want Command
		ok   bool
	}{
		{"/approve a1", Command{Approve: true, ID: "a1"}, true},
		{"/approve@stepflow_bot a1 looks good", Command{Approve: true, ID: "a1", Reason: "looks good"}, true},
		{"/deny a1", Command{ID: "a1", Reason: "denied via telegram"}, true},
		{"/DENY a1 not during freeze", Command{ID: "a1", Reason: "not during freeze"}, true},
		{"/approve", Command{}, false},
		{"/status a1", Command{}, false},
		{"approve a1", Command{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			cmd, ok := ParseCommand(tt.text)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, cmd)
		})
	}
}

type fakeBot struct {
	mu      sync.Mutex
	sent    []string
	updates chan tgbotapi.Update
	stop    sync.Once
}

func newFakeBot() *fakeBot {
	return &fakeBot{updates: make(chan tgbotapi.Update, 8)}
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		b.mu.Lock()
		b.sent = append(b.sent, msg.Text)
		b.mu.Unlock()
	}
	return tgbotapi.Message{}, nil
}

func (b *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return b.updates
}

func (b *fakeBot) StopReceivingUpdates() {
	b.stop.Do(func() { close(b.updates) })
}

func (b *fakeBot) messages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.sent...)
}

func command(chatID int64, user, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		Chat: &tgbotapi.Chat{ID: chatID},
		From: &tgbotapi.User{UserName: user},
		Text: text,
	}}
}

func TestTelegram_ResolvesFromChat(t *testing.T) {
	bot := newFakeBot()
	tg := NewTelegram(bot, 42, nil)
	tg.Start(context.Background())
	defer tg.Stop()

	done := make(chan domain.ApprovalDecision, 1)
	go func() {
		d, err := tg.Decide(context.Background(), request("a1"))
		assert.NoError(t, err)
		done <- d
	}()

	require.Eventually(t, func() bool { return len(bot.messages()) == 1 }, time.Second, 5*time.Millisecond)
	announcement := bot.messages()[0]
	assert.Contains(t, announcement, "Approval required [SQL]")
	assert.Contains(t, announcement, "Workflow: wf")
	assert.Contains(t, announcement, "/approve a1")

	// other chats are ignored
	bot.updates <- command(7, "mallory", "/approve a1")
	bot.updates <- command(42, "ops", "/deny a1 wrong table")

	select {
	case d := <-done:
		assert.False(t, d.Approved)
		assert.Equal(t, "wrong table", d.Reason)
		assert.Equal(t, "telegram:ops", d.ActorID)
	case <-time.After(time.Second):
		t.Fatal("decision not delivered")
	}

	require.Eventually(t, func() bool { return len(bot.messages()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "a1 denied by telegram:ops", bot.messages()[1])
}

func TestTelegram_UnknownApproval(t *testing.T) {
	bot := newFakeBot()
	tg := NewTelegram(bot, 42, nil)
	tg.Start(context.Background())
	defer tg.Stop()

	bot.updates <- command(42, "", "/approve missing")

	require.Eventually(t, func() bool { return len(bot.messages()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, bot.messages()[0], "Could not resolve missing")
}
