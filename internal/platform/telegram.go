package platform

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/dayuer/livehub/internal/utils"
)

const maxTelegramMessage = 4096

// telegramAdapter long-polls a bot. Each chat is treated as one user and
// replies go back to the chat the user last wrote from.
type telegramAdapter struct {
	cfg      Config
	token    string
	endpoint string

	mu      sync.Mutex
	bot     *tgbotapi.BotAPI
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	chats sync.Map // externalUserID -> chat ID (int64)
}

// newTelegram needs a "token" credential. An "api_endpoint" credential
// overrides the Bot API URL template.
func newTelegram(cfg Config, _ Deps) (Adapter, error) {
	token := cfg.Credential("token", "")
	if token == "" {
		return nil, fmt.Errorf("telegram %s: bot token not configured", cfg.ID())
	}
	return &telegramAdapter{
		cfg:      cfg,
		token:    token,
		endpoint: cfg.Credential("api_endpoint", tgbotapi.APIEndpoint),
	}, nil
}

func (a *telegramAdapter) Platform() string { return a.cfg.Platform }

func (a *telegramAdapter) Start(ctx context.Context, sink Sink) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}

	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(a.token, a.endpoint)
	if err != nil {
		return &AdapterError{Platform: a.cfg.Platform, Err: fmt.Errorf("create bot: %w", err), Fatal: true}
	}
	log.Printf("[Platform] ✅ Telegram bot @%s connected", bot.Self.UserName)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	ctx, cancel := context.WithCancel(ctx)
	a.bot = bot
	a.running = true
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.poll(ctx, bot, updates, sink, a.done)
	return nil
}

func (a *telegramAdapter) poll(ctx context.Context, bot *tgbotapi.BotAPI, updates tgbotapi.UpdatesChannel, sink Sink, done chan struct{}) {
	defer close(done)
	defer bot.StopReceivingUpdates()
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			msg := update.Message
			if msg == nil || msg.From == nil || msg.Text == "" || msg.IsCommand() {
				continue
			}
			userID := strconv.FormatInt(msg.From.ID, 10)
			a.chats.Store(userID, msg.Chat.ID)

			name := msg.From.UserName
			if name == "" {
				name = msg.From.FirstName
			}
			at := time.Now()
			if msg.Date > 0 {
				at = msg.Time()
			}
			sink.Deliver(NormalizedMessage{
				Platform:       a.cfg.Platform,
				ExternalUserID: userID,
				DisplayName:    name,
				Content:        msg.Text,
				RoomID:         formatChatID(msg.Chat.ID),
				ReceivedAt:     at,
			})
		}
	}
}

func (a *telegramAdapter) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.cancel()
	done := a.done
	a.mu.Unlock()
	<-done
}

func (a *telegramAdapter) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Reply sends text to the chat the user last wrote from.
func (a *telegramAdapter) Reply(_ context.Context, externalUserID, text string) error {
	a.mu.Lock()
	bot, running := a.bot, a.running
	a.mu.Unlock()
	if !running {
		return fmt.Errorf("%w: %s", ErrNotRunning, a.cfg.ID())
	}
	v, ok := a.chats.Load(externalUserID)
	if !ok {
		return fmt.Errorf("telegram: no chat for user %s", externalUserID)
	}
	chatID := v.(int64)

	for _, part := range splitMessage(text) {
		if _, err := bot.Send(tgbotapi.NewMessage(chatID, part)); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

func splitMessage(text string) []string {
	return utils.Chunk(text, maxTelegramMessage)
}
