package tools

import (
	"context"
	"fmt"
	"net/mail"
	"net/smtp"
	"strings"

	"github.com/cortexchat/cortex/pkg/config"
)

// EmailSendTool sends a plain-text email through the configured SMTP
// relay. The sender identity comes from configuration, never the model.
type EmailSendTool struct {
	cfg config.SMTPConfig

	// send is swappable for tests.
	send func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

type emailSendArgs struct {
	To      string `json:"to" jsonschema:"description=Recipient email address."`
	Subject string `json:"subject" jsonschema:"description=Subject line."`
	Body    string `json:"body" jsonschema:"description=Plain-text message body."`
}

func NewEmailSendTool(cfg config.SMTPConfig) *EmailSendTool {
	return &EmailSendTool{cfg: cfg, send: smtp.SendMail}
}

func (t *EmailSendTool) GetInfo() ToolInfo {
	return ToolInfo{
		Name:        "email_send_tool",
		Description: "Sends a plain-text email to a single recipient. Use only when the user explicitly asks to send an email.",
		Schema:      argsSchema(&emailSendArgs{}),
		Async:       true,
	}
}

func (t *EmailSendTool) GetName() string        { return t.GetInfo().Name }
func (t *EmailSendTool) GetDescription() string { return t.GetInfo().Description }

func (t *EmailSendTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	to, _ := args["to"].(string)
	subject, _ := args["subject"].(string)
	body, _ := args["body"].(string)

	if _, err := mail.ParseAddress(to); err != nil {
		return "", fmt.Errorf("invalid recipient address '%s'", to)
	}
	if strings.TrimSpace(subject) == "" {
		return "", fmt.Errorf("subject cannot be empty")
	}

	from := t.cfg.Username
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n", from, to, subject, body)

	addr := fmt.Sprintf("%s:%d", t.cfg.Server, t.cfg.Port)
	auth := smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Server)

	if err := t.send(addr, auth, from, []string{to}, []byte(msg)); err != nil {
		return "", fmt.Errorf("failed to send email: %w", err)
	}
	return fmt.Sprintf("Email sent to %s.", to), nil
}
