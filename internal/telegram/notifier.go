package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/gopherline/internal/bus"
	"github.com/user/gopherline/internal/events"
	"github.com/user/gopherline/internal/types"
)

const (
	maxTelegramMessage = 4096
	maxArgsPreview     = 1500
	defaultQueueSize   = 64
)

// Bot is the part of *tgbotapi.BotAPI the notifier uses.
type Bot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Sessions resolves per-session notification settings.
type Sessions interface {
	GetSession(ctx context.Context, id types.SessionID) (*types.Session, error)
	List(ctx context.Context) ([]*types.Session, error)
}

// Subscriber is the bus surface the notifier attaches to.
type Subscriber interface {
	Subscribe(sessionID types.SessionID, kinds []events.Kind, fn bus.Handler) (unsubscribe func())
}

type Options struct {
	// DefaultChatID receives notifications for sessions without their own
	// NotifyChatID. Zero disables the fallback.
	DefaultChatID int64
	// Commands enables long-polling for /start and /sessions.
	Commands  bool
	QueueSize int
	Logger    *slog.Logger
}

type outbound struct {
	sessionID types.SessionID
	text      string
}

// Notifier forwards permission requests and their resolution to Telegram.
// Bus handlers only enqueue; Run does the sending.
type Notifier struct {
	bot      Bot
	sessions Sessions
	opts     Options
	logger   *slog.Logger
	queue    chan outbound
}

// New connects to the Bot API with token.
func New(token string, sessions Sessions, opts Options) (*Notifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return NewWithBot(bot, sessions, opts), nil
}

func NewWithBot(bot Bot, sessions Sessions, opts Options) *Notifier {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		bot:      bot,
		sessions: sessions,
		opts:     opts,
		logger:   logger.With("component", "telegram"),
		queue:    make(chan outbound, opts.QueueSize),
	}
}

// Attach subscribes to permission events on every session.
func (n *Notifier) Attach(sub Subscriber) (detach func()) {
	return sub.Subscribe("", []events.Kind{events.KindPermissionRequested, events.KindPermissionResolved}, n.Handle)
}

// Handle is a bus.Handler. It never blocks; when the queue is full the
// notification is dropped.
func (n *Notifier) Handle(note bus.Notification) {
	text, ok := format(note)
	if !ok {
		return
	}
	select {
	case n.queue <- outbound{sessionID: note.SessionID, text: text}:
	default:
		n.logger.Warn("notification queue full, dropping", "session_id", note.SessionID, "kind", note.Kind)
	}
}

// Run delivers queued notifications, and answers commands when enabled,
// until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	var updates tgbotapi.UpdatesChannel
	if n.opts.Commands {
		u := tgbotapi.NewUpdate(0)
		u.Timeout = 30
		updates = n.bot.GetUpdatesChan(u)
		defer n.bot.StopReceivingUpdates()
	}

	for {
		select {
		case out := <-n.queue:
			n.deliver(ctx, out)
		case update, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			if update.Message != nil && update.Message.IsCommand() {
				n.handleCommand(ctx, update.Message)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, out outbound) {
	chatID := n.opts.DefaultChatID
	sess, err := n.sessions.GetSession(ctx, out.sessionID)
	if err != nil {
		n.logger.Warn("resolve session for notification failed", "session_id", out.sessionID, "error", err)
	} else if sess.Config.NotifyChatID != 0 {
		chatID = sess.Config.NotifyChatID
	}
	if chatID == 0 {
		n.logger.Debug("no chat for session, skipping notification", "session_id", out.sessionID)
		return
	}
	n.sendResponse(chatID, out.text)
}

func (n *Notifier) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	switch msg.Command() {
	case "start":
		n.sendResponse(chatID, fmt.Sprintf("gopherline will post permission requests here. Chat id: `%d`", chatID))

	case "sessions":
		sessions, err := n.sessions.List(ctx)
		if err != nil {
			n.logger.Error("list sessions failed", "error", err)
			n.sendResponse(chatID, "Error listing sessions.")
			return
		}
		if len(sessions) == 0 {
			n.sendResponse(chatID, "No sessions.")
			return
		}
		var b strings.Builder
		for _, s := range sessions {
			fmt.Fprintf(&b, "`%s` %s\n", s.ID, s.Status)
		}
		n.sendResponse(chatID, b.String())

	default:
		n.sendResponse(chatID, "Unknown command. Available: /start, /sessions")
	}
}

func (n *Notifier) sendResponse(chatID int64, text string) {
	parts := splitMessage(text)
	for _, part := range parts {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = "Markdown"
		if _, err := n.bot.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := n.bot.Send(msg); err != nil {
				n.logger.Error("send message failed", "chat_id", chatID, "error", err)
			}
		}
	}
}

// format renders a permission notification. It reports false for anything
// else.
func format(note bus.Notification) (string, bool) {
	switch ev := note.Event.(type) {
	case events.PermissionRequested:
		perm := ev.PermissionRequest
		if perm == nil {
			perm = ev.Permission
		}
		if perm == nil {
			return "", false
		}
		var b strings.Builder
		b.WriteString("*Permission requested*\n")
		fmt.Fprintf(&b, "Session: `%s`\n", note.SessionID)
		fmt.Fprintf(&b, "Tool: `%s`\n", toolName(perm, ev.Execution))
		if perm.ExecutionID != "" {
			fmt.Fprintf(&b, "Execution: `%s`\n", perm.ExecutionID)
		}
		if args := formatArgs(perm.Args); args != "" {
			fmt.Fprintf(&b, "```\n%s\n```", args)
		}
		return b.String(), true

	case events.PermissionResolved:
		perm := ev.Permission
		if perm == nil {
			perm = ev.PermissionRequest
		}
		if perm == nil {
			return "", false
		}
		verdict := "resolved"
		if perm.Granted != nil {
			verdict = "denied"
			if *perm.Granted {
				verdict = "granted"
			}
		}
		return fmt.Sprintf("Permission %s for `%s` in session `%s`", verdict, toolName(perm, ev.Execution), note.SessionID), true
	}
	return "", false
}

func toolName(perm *types.PermissionRequest, exec *types.ToolExecution) string {
	if exec != nil && exec.ToolName != "" {
		return exec.ToolName
	}
	if perm.ToolID != "" {
		return perm.ToolID
	}
	if exec != nil {
		return exec.ToolID
	}
	return "unknown"
}

func formatArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	data, err := json.MarshalIndent(args, "", "  ")
	if err != nil {
		return fmt.Sprint(args)
	}
	s := string(data)
	if len(s) > maxArgsPreview {
		s = s[:maxArgsPreview] + "\n..."
	}
	return s
}

func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end > len(text) {
			end = len(text)
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}
