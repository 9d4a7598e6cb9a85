package decision

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aescanero/stepflow/pkg/domain"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// BotAPI is the part of the Telegram client the source uses
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Telegram announces pending approvals in one chat and resolves them from
// /approve <id> and /deny <id> [reason] commands sent to that chat
type Telegram struct {
	*Queue

	bot    BotAPI
	chatID int64
	logger *zap.Logger

	wg sync.WaitGroup
}

// NewTelegramBot connects to the Bot API with token
func NewTelegramBot(token string) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return bot, nil
}

// NewTelegram creates a source bound to chatID
func NewTelegram(bot BotAPI, chatID int64, logger *zap.Logger) *Telegram {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Telegram{
		Queue:  NewQueue(logger),
		bot:    bot,
		chatID: chatID,
		logger: logger,
	}
	t.OnPending(t.announce)
	return t
}

// Start polls for commands until ctx is done or Stop is called
func (t *Telegram) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := t.bot.GetUpdatesChan(u)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message == nil || update.Message.Chat == nil {
					continue
				}
				if update.Message.Chat.ID != t.chatID {
					continue
				}
				t.handle(update.Message)
			}
		}
	}()

	t.logger.Info("telegram approval source started", zap.Int64("chat_id", t.chatID))
}

// Stop ends polling and waits for the handler loop to exit
func (t *Telegram) Stop() {
	t.bot.StopReceivingUpdates()
	t.wg.Wait()
}

func (t *Telegram) announce(p PendingApproval) {
	req := p.Request
	var b strings.Builder
	fmt.Fprintf(&b, "Approval required [%s]\n", req.ApprovalType)
	fmt.Fprintf(&b, "Workflow: %s\nStep: %s (%s)\n", req.WorkflowID, req.StepName, req.StepID)
	if req.Summary != "" {
		fmt.Fprintf(&b, "%s\n", req.Summary)
	}
	if len(req.PolicyTags) > 0 {
		fmt.Fprintf(&b, "Tags: %s\n", strings.Join(req.PolicyTags, ", "))
	}
	fmt.Fprintf(&b, "\n/approve %s\n/deny %s <reason>", req.ID, req.ID)
	t.reply(b.String())
}

func (t *Telegram) handle(msg *tgbotapi.Message) {
	cmd, ok := ParseCommand(msg.Text)
	if !ok {
		return
	}

	actor := "telegram"
	if msg.From != nil && msg.From.UserName != "" {
		actor = "telegram:" + msg.From.UserName
	}

	decision := domain.ApprovalDecision{
		Approved: cmd.Approve,
		Reason:   cmd.Reason,
		ActorID:  actor,
	}
	if err := t.Resolve(cmd.ID, decision); err != nil {
		t.reply(fmt.Sprintf("Could not resolve %s: %v", cmd.ID, err))
		return
	}

	verdict := "approved"
	if !cmd.Approve {
		verdict = "denied"
	}
	t.reply(fmt.Sprintf("%s %s by %s", cmd.ID, verdict, actor))
}

func (t *Telegram) reply(text string) {
	if _, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, text)); err != nil {
		t.logger.Error("failed to send telegram message",
			zap.Int64("chat_id", t.chatID),
			zap.Error(err))
	}
}

// Command is a parsed chat command
type Command struct {
	Approve bool
	ID      string
	Reason  string
}

// ParseCommand parses /approve <id> and /deny <id> [reason]. A bot suffix
// such as /approve@stepflow_bot is accepted.
func ParseCommand(text string) (Command, bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) < 2 {
		return Command{}, false
	}
	name, _, _ := strings.Cut(fields[0], "@")

	var cmd Command
	switch strings.ToLower(name) {
	case "/approve":
		cmd.Approve = true
	case "/deny":
		cmd.Reason = "denied via telegram"
	default:
		return Command{}, false
	}
	cmd.ID = fields[1]
	if len(fields) > 2 {
		cmd.Reason = strings.Join(fields[2:], " ")
	}
	return cmd, true
}
