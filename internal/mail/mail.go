// Package mail sends transactional email.
package mail

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"strings"

	"github.com/mrz1836/postmark"
	"github.com/rs/zerolog"
)

// ErrSend wraps every delivery failure.
var ErrSend = errors.New("mail: failed to send email")

// Message is one outgoing email.
type Message struct {
	To       string
	Subject  string
	Tag      string
	HTMLBody string
}

// Sender delivers a Message.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// PostmarkConfig holds Postmark credentials and the sender address.
type PostmarkConfig struct {
	ServerToken  string
	AccountToken string
	From         string
}

// PostmarkSender sends through the Postmark transactional API.
type PostmarkSender struct {
	client *postmark.Client
	from   string
}

// NewPostmarkSender creates a sender. ServerToken and From are required.
func NewPostmarkSender(cfg PostmarkConfig) (*PostmarkSender, error) {
	if cfg.ServerToken == "" {
		return nil, errors.New("mail: postmark server token is required")
	}
	if cfg.From == "" {
		return nil, errors.New("mail: sender address is required")
	}
	return &PostmarkSender{
		client: postmark.NewClient(cfg.ServerToken, cfg.AccountToken),
		from:   cfg.From,
	}, nil
}

// Send implements Sender.
func (p *PostmarkSender) Send(ctx context.Context, m Message) error {
	if strings.TrimSpace(m.To) == "" {
		return fmt.Errorf("%w: missing recipient", ErrSend)
	}
	resp, err := p.client.SendEmail(ctx, postmark.Email{
		From:       p.from,
		To:         m.To,
		Subject:    m.Subject,
		Tag:        m.Tag,
		HTMLBody:   m.HTMLBody,
		TrackOpens: true,
	})
	if err != nil {
		return errors.Join(ErrSend, err)
	}
	if resp.ErrorCode > 0 {
		return errors.Join(ErrSend, fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message))
	}
	return nil
}

// LogSender writes messages to the log instead of sending them. It is used
// when no mail provider is configured.
type LogSender struct {
	Logger zerolog.Logger
}

// Send implements Sender.
func (l LogSender) Send(ctx context.Context, m Message) error {
	l.Logger.Info().
		Str("to", m.To).
		Str("subject", m.Subject).
		Str("tag", m.Tag).
		Msg("[mail] delivery disabled; message dropped")
	return nil
}

var upgradeTemplate = template.Must(template.New("upgrade").Parse(
	`<p>Olá!</p>
<p>Seu plano <strong>{{.Plan}}</strong> está ativo. Relatórios em PDF, gráficos avançados, alertas de atraso e gestão de equipe já estão liberados.</p>
<p><a href="{{.AppURL}}">Abrir o aplicativo</a></p>`))

// UpgradeMessage renders the welcome email for a freshly upgraded account.
func UpgradeMessage(to, plan, appURL string) (Message, error) {
	var body strings.Builder
	err := upgradeTemplate.Execute(&body, struct {
		Plan   string
		AppURL string
	}{Plan: strings.ToUpper(plan), AppURL: appURL})
	if err != nil {
		return Message{}, fmt.Errorf("mail: render upgrade message: %w", err)
	}
	return Message{
		To:       to,
		Subject:  "Bem-vindo ao plano Pro",
		Tag:      "plan-upgrade",
		HTMLBody: body.String(),
	}, nil
}
