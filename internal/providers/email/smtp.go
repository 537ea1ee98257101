package email

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/wneessen/go-mail"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
	Timeout  time.Duration
}

type sendFunc func(ctx context.Context, msg *mail.Msg) error

// SMTPProvider delivers messages through go-mail. TLS mode follows the port:
// 465 is implicit TLS, 587 requires STARTTLS, anything else is opportunistic.
type SMTPProvider struct {
	cfg  Config
	send sendFunc
	now  func() time.Time
}

func NewSMTP(cfg Config) *SMTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	p := &SMTPProvider{cfg: cfg, now: time.Now}
	p.send = p.dialAndSend
	return p
}

func (p *SMTPProvider) Send(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return ErrNoRecipient
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m, err := p.build(msg)
	if err != nil {
		return err
	}
	if err := p.send(ctx, m); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func (p *SMTPProvider) build(msg Message) (*mail.Msg, error) {
	m := mail.NewMsg()
	if p.cfg.FromName != "" {
		if err := m.FromFormat(p.cfg.FromName, p.cfg.From); err != nil {
			return nil, fmt.Errorf("invalid from address: %w", err)
		}
	} else if err := m.From(p.cfg.From); err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}
	if err := m.To(msg.To...); err != nil {
		return nil, fmt.Errorf("invalid to address: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetDateWithValue(p.now().UTC())
	m.SetBodyString(mail.TypeTextHTML, msg.HTMLBody)

	for key, value := range msg.Headers {
		m.SetGenHeader(mail.Header(key), value)
	}
	for _, att := range msg.Attachments {
		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if err := m.AttachReader(att.Filename, bytes.NewReader(att.Content),
			mail.WithFileContentType(mail.ContentType(contentType))); err != nil {
			return nil, fmt.Errorf("attach %s: %w", att.Filename, err)
		}
	}
	return m, nil
}

func (p *SMTPProvider) dialAndSend(ctx context.Context, m *mail.Msg) error {
	client, err := mail.NewClient(p.cfg.Host, p.clientOptions()...)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}
	return client.DialAndSendWithContext(ctx, m)
}

func (p *SMTPProvider) clientOptions() []mail.Option {
	opts := []mail.Option{
		mail.WithPort(p.cfg.Port),
		mail.WithTimeout(p.cfg.Timeout),
	}
	switch p.cfg.Port {
	case 465:
		opts = append(opts, mail.WithSSL())
	case 587:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	if p.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(p.cfg.Username),
			mail.WithPassword(p.cfg.Password),
		)
	}
	return opts
}
