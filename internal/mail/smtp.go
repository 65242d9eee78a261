package mail

import (
	"context"
	"fmt"
	"os"

	gomail "github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/pitabwire/detention-letters/internal/config"
	"github.com/pitabwire/detention-letters/internal/observability"
	"github.com/pitabwire/detention-letters/model"
)

// SMTPMailer delivers messages through a single SMTP relay. Each Send
// opens its own connection.
type SMTPMailer struct {
	cfg      config.MailConfig
	username string
	password string
	logger   *zap.Logger
}

// NewSMTPMailer creates a mailer. Credentials are read from the environment
// variables named in cfg; SMTP AUTH is skipped when no username is set.
func NewSMTPMailer(cfg config.MailConfig, logger *zap.Logger) *SMTPMailer {
	m := &SMTPMailer{cfg: cfg, logger: logger}
	if cfg.UsernameEnv != "" {
		m.username = os.Getenv(cfg.UsernameEnv)
	}
	if cfg.PasswordEnv != "" {
		m.password = os.Getenv(cfg.PasswordEnv)
	}
	return m
}

// Send delivers msg with high importance.
func (m *SMTPMailer) Send(ctx context.Context, msg model.Message) (err error) {
	ctx, span := observability.StartSpan(ctx, "mail.send")
	defer func() { observability.EndSpanWithError(span, err) }()

	gm, err := buildMessage(msg)
	if err != nil {
		return err
	}
	client, err := m.client()
	if err != nil {
		return err
	}
	if err := client.DialAndSendWithContext(ctx, gm); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}

	observability.RunLogger(ctx, m.logger).Debug("email delivered",
		zap.String("subject", msg.Subject),
		zap.Int("attachments", len(msg.Attachments)),
	)
	return nil
}

// HealthCheck opens and closes a connection to the relay.
func (m *SMTPMailer) HealthCheck(ctx context.Context) error {
	client, err := m.client()
	if err != nil {
		return err
	}
	if err := client.DialWithContext(ctx); err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	return client.Close()
}

func (m *SMTPMailer) client() (*gomail.Client, error) {
	opts := []gomail.Option{
		gomail.WithPort(m.cfg.Port),
		gomail.WithTLSPolicy(tlsPolicy(m.cfg.TLSPolicy)),
	}
	if m.cfg.Timeout > 0 {
		opts = append(opts, gomail.WithTimeout(m.cfg.Timeout))
	}
	if m.username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(m.username),
			gomail.WithPassword(m.password),
		)
	}
	client, err := gomail.NewClient(m.cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	return client, nil
}

func tlsPolicy(name string) gomail.TLSPolicy {
	switch name {
	case "mandatory":
		return gomail.TLSMandatory
	case "none":
		return gomail.NoTLS
	default:
		return gomail.TLSOpportunistic
	}
}

// buildMessage converts msg to a MIME message. Every attachment must be a
// readable file.
func buildMessage(msg model.Message) (*gomail.Msg, error) {
	gm := gomail.NewMsg()
	if err := gm.From(msg.From); err != nil {
		return nil, fmt.Errorf("invalid from address: %w", err)
	}
	if err := gm.To(msg.To...); err != nil {
		return nil, fmt.Errorf("invalid to address: %w", err)
	}
	if len(msg.Cc) > 0 {
		if err := gm.Cc(msg.Cc...); err != nil {
			return nil, fmt.Errorf("invalid cc address: %w", err)
		}
	}
	gm.Subject(msg.Subject)
	gm.SetBodyString(gomail.TypeTextHTML, msg.HTMLBody)
	gm.SetImportance(gomail.ImportanceHigh)

	for _, path := range msg.Attachments {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("attachment %q: %w", path, err)
		}
		if !info.Mode().IsRegular() {
			return nil, fmt.Errorf("attachment %q is not a regular file", path)
		}
		gm.AttachFile(path)
	}
	return gm, nil
}
