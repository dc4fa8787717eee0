// Package notify 调度异常与对账结果通知。
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"subscription-scheduler/internal/config"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

// Notifier 通知发送
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Nop 丢弃所有通知
type Nop struct{}

func (Nop) Notify(context.Context, string) error { return nil }

// botSender tgbotapi.BotAPI 中用到的方法
type botSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramNotifier 通过 Telegram 机器人发送到固定群组
type TelegramNotifier struct {
	bot    botSender
	chatID int64
}

// New 按配置创建通知器，未启用时返回 Nop
func New(cfg *config.TelegramConfig) (Notifier, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("初始化Telegram机器人失败: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"method":  "notify.New",
		"bot":     bot.Self.UserName,
		"chat_id": cfg.ChatID,
	}).Info("Telegram通知已启用")
	return NewTelegramNotifier(bot, cfg.ChatID), nil
}

// NewTelegramNotifier 使用已有的机器人客户端
func NewTelegramNotifier(bot botSender, chatID int64) *TelegramNotifier {
	return &TelegramNotifier{bot: bot, chatID: chatID}
}

// Notify 发送 MarkdownV2 纯文本消息（内容会被转义）
func (n *TelegramNotifier) Notify(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(n.chatID, tgbotapi.EscapeText(tgbotapi.ModeMarkdownV2, text))
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	if _, err := n.bot.Send(msg); err != nil {
		return fmt.Errorf("发送Telegram消息失败: %w", err)
	}
	return nil
}

// FailureSummary 周期任务中失败订阅的摘要
func FailureSummary(task string, failedIDs []int64, total int, at time.Time) string {
	ids := make([]string, len(failedIDs))
	for i, id := range failedIDs {
		ids[i] = fmt.Sprint(id)
	}
	return fmt.Sprintf("[%s] %d/%d subscriptions failed at %s\nsubscription_id: %s",
		task, len(failedIDs), total, at.Format("2006-01-02 15:04:05"), strings.Join(ids, ", "))
}

// ReconcileSummary 对账结果摘要
func ReconcileSummary(resetIDs, revivedIDs []int64, at time.Time) string {
	return fmt.Sprintf("[clean_deleted_subscription] %s\nreset deleted: %v (%d)\nrevived: %v (%d)",
		at.Format("2006-01-02 15:04:05"), resetIDs, len(resetIDs), revivedIDs, len(revivedIDs))
}
