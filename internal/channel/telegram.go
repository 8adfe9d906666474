package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"burrow/internal/store"
	appErr "burrow/pkg/errors"
	"burrow/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	telegramAPIBase     = "https://api.telegram.org"
	telegramMaxMsgLen   = 4096
	defaultLongPollSecs = 30
)

// TelegramConfig holds Bot API settings.
type TelegramConfig struct {
	// Token is the bot token issued by BotFather.
	Token string `yaml:"token"`
	// APIBase overrides the Bot API host, for tests.
	APIBase string `yaml:"api_base"`
	// LongPollSeconds is the getUpdates timeout.
	LongPollSeconds int `yaml:"long_poll_seconds"`
}

// Telegram is a Bot API transport using long polling.
type Telegram struct {
	cfg     TelegramConfig
	client  *http.Client
	handler InboundHandler

	botID    int64
	username string

	mu        sync.Mutex
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewTelegram creates the transport. handler receives every inbound message.
func NewTelegram(cfg TelegramConfig, handler InboundHandler) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, appErr.New(appErr.InvalidParams).
			WithMessage("telegram bot token is required")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = telegramAPIBase
	}
	if cfg.LongPollSeconds <= 0 {
		cfg.LongPollSeconds = defaultLongPollSecs
	}
	return &Telegram{
		cfg:     cfg,
		handler: handler,
		client: &http.Client{
			// Must outlast the long-poll window.
			Timeout: time.Duration(cfg.LongPollSeconds+15) * time.Second,
		},
	}, nil
}

func (t *Telegram) Name() string { return "telegram" }

// BotUsername returns the connected bot's username.
func (t *Telegram) BotUsername() string { return t.username }

// Connect verifies the token via getMe and starts the update loop.
func (t *Telegram) Connect(ctx context.Context) error {
	var me struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	}
	if err := t.call(ctx, "getMe", nil, &me); err != nil {
		return appErr.Wrap(err, appErr.ServiceUnavailable)
	}
	t.botID = me.ID
	t.username = me.Username
	logger.Info(ctx, "telegram bot connected",
		zap.String("username", me.Username), zap.Int64("bot_id", me.ID))

	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.mu.Lock()
	t.connected = true
	t.cancel = cancel
	t.done = make(chan struct{})
	t.mu.Unlock()

	go t.pollUpdates(pollCtx)
	return nil
}

// Disconnect stops the update loop.
func (t *Telegram) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.connected = false
	t.cancel = nil
	t.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	logger.Info(ctx, "telegram bot disconnected")
	return nil
}

// SendMessage delivers text, splitting messages beyond the API limit.
func (t *Telegram) SendMessage(ctx context.Context, chatID, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return appErr.Newf(appErr.InvalidParams, "invalid telegram chat id %q", chatID)
	}
	for _, chunk := range SplitMessage(text, telegramMaxMsgLen) {
		payload := map[string]interface{}{"chat_id": id, "text": chunk}
		if err := t.call(ctx, "sendMessage", payload, nil); err != nil {
			return err
		}
	}
	return nil
}

// SetTyping sends a typing chat action. Failures are swallowed.
func (t *Telegram) SetTyping(ctx context.Context, chatID string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil
	}
	payload := map[string]interface{}{"chat_id": id, "action": "typing"}
	if err := t.call(ctx, "sendChatAction", payload, nil); err != nil {
		logger.Debug(ctx, "typing action failed", zap.Error(err))
	}
	return nil
}

type tgUpdate struct {
	UpdateID int64      `json:"update_id"`
	Message  *tgMessage `json:"message"`
}

type tgMessage struct {
	MessageID int64 `json:"message_id"`
	From      *struct {
		ID        int64  `json:"id"`
		Username  string `json:"username"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
	} `json:"from"`
	Chat struct {
		ID        int64  `json:"id"`
		Title     string `json:"title"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
	} `json:"chat"`
	Date int64  `json:"date"`
	Text string `json:"text"`
}

// pollUpdates long-polls getUpdates until canceled, acknowledging each batch
// by advancing the offset.
func (t *Telegram) pollUpdates(ctx context.Context) {
	defer close(t.done)
	var offset int64
	for {
		if ctx.Err() != nil {
			return
		}
		payload := map[string]interface{}{
			"offset":          offset,
			"timeout":         t.cfg.LongPollSeconds,
			"allowed_updates": []string{"message"},
		}
		var updates []tgUpdate
		if err := t.call(ctx, "getUpdates", payload, &updates); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn(ctx, "telegram poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(3 * time.Second):
			}
			continue
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
			}
			if upd.Message == nil || upd.Message.Text == "" {
				continue
			}
			t.dispatch(ctx, upd.Message)
		}
	}
}

func (t *Telegram) dispatch(ctx context.Context, msg *tgMessage) {
	sender, senderName := "unknown", "Unknown"
	isFromMe := false
	if msg.From != nil {
		sender = strconv.FormatInt(msg.From.ID, 10)
		senderName = fullName(msg.From.FirstName, msg.From.LastName)
		if senderName == "" {
			senderName = msg.From.Username
		}
		if senderName == "" {
			senderName = sender
		}
		isFromMe = msg.From.ID == t.botID
	}
	chatName := msg.Chat.Title
	if chatName == "" {
		chatName = fullName(msg.Chat.FirstName, msg.Chat.LastName)
	}

	t.handler(ctx, &store.Message{
		ID:         strconv.FormatInt(msg.MessageID, 10),
		ChatID:     strconv.FormatInt(msg.Chat.ID, 10),
		Sender:     sender,
		SenderName: senderName,
		Content:    msg.Text,
		Timestamp:  time.Unix(msg.Date, 0).UTC(),
		IsFromMe:   isFromMe,
	}, chatName)
}

func fullName(first, last string) string {
	if first == "" {
		return last
	}
	if last == "" {
		return first
	}
	return first + " " + last
}

// call issues one Bot API method and decodes its result.
func (t *Telegram) call(ctx context.Context, method string, payload, result interface{}) error {
	url := fmt.Sprintf("%s/bot%s/%s", t.cfg.APIBase, t.cfg.Token, method)
	body := []byte("{}")
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return appErr.Wrap(err, appErr.InternalServerError)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return appErr.Wrap(err, appErr.InternalServerError)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return appErr.Wrap(err, appErr.ServiceUnavailable)
	}
	defer resp.Body.Close()

	var wrapper struct {
		OK          bool            `json:"ok"`
		Result      json.RawMessage `json:"result"`
		Description string          `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		return appErr.Wrap(err, appErr.ServiceUnavailable)
	}
	if !wrapper.OK {
		return appErr.Newf(appErr.ServiceUnavailable,
			"telegram %s failed: %s", method, wrapper.Description)
	}
	if result != nil {
		if err := json.Unmarshal(wrapper.Result, result); err != nil {
			return appErr.Wrap(err, appErr.ServiceUnavailable)
		}
	}
	return nil
}
