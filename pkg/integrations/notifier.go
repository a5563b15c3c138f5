package integrations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// NotificationLevel 通知级别
type NotificationLevel string

const (
	NotifySuccess NotificationLevel = "success"
	NotifyWarning NotificationLevel = "warning"
	NotifyError   NotificationLevel = "error"
)

// Notification is a message about a ticket outcome.
type Notification struct {
	TicketNumber string
	Recipient    string
	Subject      string
	Message      string
	Level        NotificationLevel
	// Secrets go only to the recipient's private channel (email), never to shared channels or logs.
	Secrets map[string]string
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// SlackMessage Slack webhook payload
type SlackMessage struct {
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

type SlackAttachment struct {
	Color  string `json:"color"`
	Title  string `json:"title"`
	Text   string `json:"text"`
	Footer string `json:"footer,omitempty"`
}

// WebhookNotifier posts to a Slack-compatible incoming webhook.
type WebhookNotifier struct {
	webhookURL string
	client     *http.Client
}

func NewWebhookNotifier(webhookURL string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: timeout},
	}
}

func slackColor(l NotificationLevel) string {
	switch l {
	case NotifySuccess:
		return "good"
	case NotifyWarning:
		return "warning"
	case NotifyError:
		return "danger"
	default:
		return "#439FE0"
	}
}

func (w *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	if w.webhookURL == "" {
		return nil
	}
	msg := SlackMessage{
		Text: n.Subject,
		Attachments: []SlackAttachment{{
			Color:  slackColor(n.Level),
			Title:  n.TicketNumber,
			Text:   n.Message,
			Footer: "Remedy",
		}},
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// SMTPConfig 邮件发送配置
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailNotifier sends the notification, including secrets, to the recipient mailbox.
type EmailNotifier struct {
	cfg  SMTPConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailNotifier(cfg SMTPConfig) *EmailNotifier {
	return &EmailNotifier{cfg: cfg, send: smtp.SendMail}
}

func (e *EmailNotifier) Notify(ctx context.Context, n Notification) error {
	if e.cfg.Host == "" || n.Recipient == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var body strings.Builder
	body.WriteString(n.Message)
	body.WriteString("\r\n")
	for k, v := range n.Secrets {
		fmt.Fprintf(&body, "\r\n%s: %s", strings.ReplaceAll(k, "_", " "), v)
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: [%s] %s\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s\r\n",
		e.cfg.From, n.Recipient, n.TicketNumber, n.Subject, body.String())

	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)
	if err := e.send(addr, auth, e.cfg.From, []string{n.Recipient}, []byte(msg)); err != nil {
		return fmt.Errorf("email: %w", err)
	}
	return nil
}

// LogNotifier 仅记录日志（不含敏感字段）
type LogNotifier struct {
	logger *logrus.Logger
}

func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	l.logger.WithFields(logrus.Fields{
		"ticket": n.TicketNumber,
		"level":  n.Level,
	}).Infof("notify: %s - %s", n.Subject, n.Message)
	return nil
}

// MultiNotifier fans out to every notifier and joins their errors.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
