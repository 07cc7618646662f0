package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
	"github.com/stormseeker/humidity/pkg/errors"
	"github.com/stormseeker/humidity/pkg/protocol"
	"github.com/stormseeker/humidity/pkg/publisher"
)

// BotAPI is the part of *tgbotapi.BotAPI the service uses
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	StopReceivingUpdates()
}

// TelegramService sends one chat message per envelope
type TelegramService struct {
	publisher.Listeners

	bot    BotAPI
	chatID int64
	logger *logrus.Logger
}

// NewTelegramService authorizes the bot token and targets chatID
func NewTelegramService(token string, chatID int64, logger *logrus.Logger) (*TelegramService, error) {
	if logger == nil {
		logger = logrus.New()
	}

	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, errors.NewExternalError("telegram", "failed to create bot", err)
	}

	logger.WithField("username", bot.Self.UserName).Info("Telegram bot authorized")

	ts := newTelegramService(bot, chatID, logger)
	ts.MarkConnected()
	return ts, nil
}

func newTelegramService(bot BotAPI, chatID int64, logger *logrus.Logger) *TelegramService {
	return &TelegramService{
		bot:    bot,
		chatID: chatID,
		logger: logger,
	}
}

// Publish sends env as a text message; the Telegram message id is the
// confirmation id.
func (ts *TelegramService) Publish(ctx context.Context, env *protocol.Envelope) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	msg := tgbotapi.NewMessage(ts.chatID, FormatEnvelope(env))
	msg.DisableNotification = true

	sent, err := ts.bot.Send(msg)
	if err != nil {
		ts.logger.WithFields(logrus.Fields{
			"chat_id":     ts.chatID,
			"envelope_id": env.ID,
			"error":       err,
		}).Error("Failed to send telegram message")
		ts.MarkLost()
		return "", errors.NewExternalError("telegram", "failed to send message", err)
	}

	id := strconv.Itoa(sent.MessageID)
	ts.logger.WithFields(logrus.Fields{
		"chat_id":     ts.chatID,
		"message_id":  id,
		"envelope_id": env.ID,
	}).Debug("Telegram message sent")

	ts.MarkConnected()
	ts.NotifyMessageConfirmed(id)
	return id, nil
}

// Close stops the bot
func (ts *TelegramService) Close() error {
	ts.bot.StopReceivingUpdates()
	ts.MarkDisconnected()
	return nil
}

// Name возвращает имя publisher
func (ts *TelegramService) Name() string {
	return "telegram"
}

// FormatEnvelope renders an envelope as a chat message
func FormatEnvelope(env *protocol.Envelope) string {
	var b strings.Builder

	if v, ok := env.Metric(protocol.MetricHumidity); ok {
		fmt.Fprintf(&b, "💧 Humidity: %.2f%%", v)
	} else {
		b.WriteString("📊 " + env.String())
	}
	if env.Source != "" {
		fmt.Fprintf(&b, "\n🖥 %s", env.Source)
	}
	fmt.Fprintf(&b, "\n🕐 %s", env.Timestamp.Format("2006-01-02 15:04:05 MST"))

	return b.String()
}
