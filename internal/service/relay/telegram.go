package relay

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/tumicodes/support-desk/backend/internal/service/broker"
)

// Telegram bridges the broker and the shared support chat. Outbound broker
// events become chat messages; staff replies and commands come back in over
// long polling and are routed through the broker.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	broker *broker.Broker

	mu sync.Mutex
	// message ids of our session notices, so a staff reply to a notice
	// resolves to its session even without a correlation token entry
	notices map[int]string
}

// NewTelegram authenticates against the bot API. It does not start polling;
// call Run for that.
func NewTelegram(token string, chatID int64, b *broker.Broker) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram auth failed: %w", err)
	}
	return &Telegram{
		bot:     bot,
		chatID:  chatID,
		broker:  b,
		notices: make(map[int]string),
	}, nil
}

// Run consumes updates from the support chat until ctx is cancelled.
func (t *Telegram) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)
	log.Printf("[relay] telegram polling as @%s", t.bot.Self.UserName)

	for {
		select {
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message != nil {
				t.handleMessage(update.Message)
			}
		}
	}
}

// NotifyNewActiveSession announces a visitor taking the active slot.
func (t *Telegram) NotifyNewActiveSession(sessionID string) {
	text := fmt.Sprintf("🔔 New visitor connected — session %s\nReply to this message to answer.", shortID(sessionID))
	t.sendAndTrack(sessionID, text)
}

// NotifyQueuedSession announces a visitor joining the wait queue.
func (t *Telegram) NotifyQueuedSession(sessionID string, position int) {
	text := fmt.Sprintf("⏳ Visitor queued at position %d — session %s", position, shortID(sessionID))
	t.sendAndTrack(sessionID, text)
}

// NotifySessionEnded announces a session teardown and drops its notices.
func (t *Telegram) NotifySessionEnded(sessionID, reason string) {
	t.mu.Lock()
	for msgID, sid := range t.notices {
		if sid == sessionID {
			delete(t.notices, msgID)
		}
	}
	t.mu.Unlock()
	t.post(fmt.Sprintf("ℹ️ Session %s ended (%s)", shortID(sessionID), reason))
}

// DeliverVisitorMessage forwards a visitor message and returns the sent
// message id as correlation token for reply routing.
func (t *Telegram) DeliverVisitorMessage(sessionID, text string) (string, error) {
	sent, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, fmt.Sprintf("💬 %s: %s", shortID(sessionID), text)))
	if err != nil {
		return "", fmt.Errorf("telegram send failed: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// NotifyVisitorTyping posts a typing notice, best effort.
func (t *Telegram) NotifyVisitorTyping(sessionID string) {
	t.post(fmt.Sprintf("✍️ Visitor %s is typing...", shortID(sessionID)))
}

func (t *Telegram) handleMessage(msg *tgbotapi.Message) {
	// only the configured support chat is honored
	if msg.Chat == nil || msg.Chat.ID != t.chatID {
		return
	}

	if msg.IsCommand() {
		t.handleCommand(msg)
		return
	}

	if msg.ReplyToMessage != nil {
		replyID := msg.ReplyToMessage.MessageID
		t.mu.Lock()
		explicit := t.notices[replyID]
		t.mu.Unlock()
		err := t.broker.RouteStaffReply(explicit, strconv.Itoa(replyID), msg.Text)
		if err != nil {
			t.post("⚠️ Could not route that reply, the session is gone. Use /status to see who is waiting.")
		}
		return
	}
	// bare chat messages have no target, ignore them
}

func (t *Telegram) handleCommand(msg *tgbotapi.Message) {
	switch msg.Command() {
	case "to":
		ident, text, ok := splitReplyArgs(msg.CommandArguments())
		if !ok {
			t.post("Usage: /to <sessionId> <text>")
			return
		}
		if err := t.broker.RouteStaffReply(ident, "", text); err != nil {
			t.post(fmt.Sprintf("⚠️ No session matches %s", ident))
		}
	case "end":
		ident := strings.TrimSpace(msg.CommandArguments())
		if ident == "" {
			t.post("Usage: /end <sessionId>")
			return
		}
		id, ok := t.broker.ResolveSession(ident)
		if !ok {
			t.post(fmt.Sprintf("⚠️ No session matches %s", ident))
			return
		}
		t.broker.EndSession(id, "ended by support")
		t.post(fmt.Sprintf("Session %s ended.", shortID(id)))
	case "status":
		t.post(formatStatus(t.broker.QueueStatus()))
	}
}

func (t *Telegram) sendAndTrack(sessionID, text string) {
	sent, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, text))
	if err != nil {
		log.Printf("[relay] notice for session %s failed: %v", sessionID, err)
		return
	}
	t.mu.Lock()
	t.notices[sent.MessageID] = sessionID
	t.mu.Unlock()
}

func (t *Telegram) post(text string) {
	if _, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, text)); err != nil {
		log.Printf("[relay] send failed: %v", err)
	}
}

// splitReplyArgs parses "<sessionId> <text>" command arguments.
func splitReplyArgs(args string) (ident, text string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(args), " ", 2)
	if len(parts) < 2 || parts[0] == "" || strings.TrimSpace(parts[1]) == "" {
		return "", "", false
	}
	return parts[0], strings.TrimSpace(parts[1]), true
}

// formatStatus renders the queue snapshot for the support chat.
func formatStatus(st broker.Status) string {
	var sb strings.Builder
	sb.WriteString("🏥 Support desk status\n")
	if st.ActiveID != "" {
		fmt.Fprintf(&sb, "Active: %s\n", shortID(st.ActiveID))
	} else {
		sb.WriteString("Active: none\n")
	}
	fmt.Fprintf(&sb, "Waiting: %d\n", st.QueueSize)
	for _, entry := range st.Queue {
		fmt.Fprintf(&sb, "  %d. %s (~%d min)\n", entry.Position, shortID(entry.SessionID), entry.EstimatedWaitMinutes)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// shortID keeps chat messages readable; the broker accepts unique prefixes.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
