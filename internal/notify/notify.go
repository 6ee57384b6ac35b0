// Package notify fans Problem/Recovery/Acknowledgement notifications out
// to configured channels. It replaces the teacher's global, package-level
// internal/alerts Telegram singleton with an injected-dependency
// Dispatcher: each Notification object names the users/groups to notify
// (model.Notification.Recipients), and each configured user resolves to
// zero or more Channel deliveries.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"wardend/internal/model"
	"wardend/internal/queue"
)

// Message is one notification delivery, already resolved to a single
// recipient.
type Message struct {
	Recipient string
	Type      model.NotificationType
	Object    string // checkable FullName
	State     model.State
	Output    string
	Author    string // set for NotificationCustom/Acknowledgement
	Comment   string
}

// Channel delivers one Message. Implementations should not block past
// their own send timeout; the Dispatcher runs each delivery on its
// worker queue, not the scheduler goroutine.
type Channel interface {
	Send(ctx context.Context, msg Message) error
}

// UserDirectory maps a recipient name (from Notification.users /
// expanded user_groups) to the channels that should receive their
// notifications.
type UserDirectory interface {
	ChannelsFor(user string) []Channel
}

// Dispatcher is the fan-out engine: one work queue, bounded workers,
// per-channel errors logged and swallowed (a notification delivery
// failure must never block the scheduler or another recipient).
type Dispatcher struct {
	log *zap.Logger
	dir UserDirectory
	q   *queue.Queue
}

func NewDispatcher(log *zap.Logger, dir UserDirectory, workers int) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{log: log, dir: dir}
	d.q = queue.New("notify", 0, workers, log)
	return d
}

// Send computes recipients from n (respecting its period and per-user
// notified-state) and enqueues one delivery per (recipient, channel).
func (d *Dispatcher) Send(n *model.Notification, t model.NotificationType, obj string, cr model.CheckResult, now time.Time) {
	if n.Period != nil && !n.Period.IsInside(now) {
		return
	}
	for _, user := range n.Recipients(t) {
		msg := Message{Recipient: user, Type: t, Object: obj, State: cr.State, Output: cr.Output}
		for _, ch := range d.dir.ChannelsFor(user) {
			ch := ch
			d.q.Enqueue(func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := ch.Send(ctx, msg); err != nil {
					d.log.Warn("notify: delivery failed", zap.String("recipient", msg.Recipient), zap.Error(err))
				}
			}, queue.High)
		}
	}
}

func (d *Dispatcher) Stop() { d.q.Stop() }

// TelegramConfig configures a TelegramChannel.
type TelegramConfig struct {
	BotToken string
	ChatID   string
}

// TelegramChannel sends notifications via the Telegram Bot API. Unlike
// the teacher's alerts package there is no package-level globalConfig:
// each zone/user can be wired to its own bot/chat.
type TelegramChannel struct {
	cfg    TelegramConfig
	client *http.Client
}

func NewTelegramChannel(cfg TelegramConfig) *TelegramChannel {
	return &TelegramChannel{cfg: cfg, client: &http.Client{Timeout: 10 * time.Second}}
}

func (t *TelegramChannel) Send(ctx context.Context, msg Message) error {
	emoji := "ℹ️"
	switch msg.Type {
	case model.NotificationProblem:
		emoji = "\U0001F6A8"
	case model.NotificationRecovery:
		emoji = "✅"
	case model.NotificationAcknowledgement:
		emoji = "\U0001F64C"
	}

	text := fmt.Sprintf("%s *%s*\n\n%s\n\n%s", emoji, msg.Type.String(), msg.Object, msg.Output)
	if msg.Comment != "" {
		text += fmt.Sprintf("\n\n_%s_ (%s)", msg.Comment, msg.Author)
	}

	payload, err := json.Marshal(map[string]interface{}{
		"chat_id":    t.cfg.ChatID,
		"text":       text,
		"parse_mode": "Markdown",
	})
	if err != nil {
		return fmt.Errorf("notify: marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("notify: telegram API error: %s", string(body))
	}
	return nil
}

// StaticDirectory is a UserDirectory backed by a fixed map, suitable
// for config-file-driven setups (internal/config populates it).
type StaticDirectory struct {
	channels map[string][]Channel
}

func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{channels: make(map[string][]Channel)}
}

func (d *StaticDirectory) Add(user string, ch Channel) {
	d.channels[user] = append(d.channels[user], ch)
}

func (d *StaticDirectory) ChannelsFor(user string) []Channel {
	return d.channels[user]
}
