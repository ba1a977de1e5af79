package notify

import (
	"context"
	"fmt"
	"net/smtp"

	"github.com/storywell/storywell-api/internal/common"
	"github.com/storywell/storywell-api/internal/interfaces"
)

// SMTPMailer sends the email fallback over plain SMTP. No mail library
// appears anywhere in the example pack, so this stays on net/smtp rather
// than reaching for an unvalidated dependency (see DESIGN.md).
type SMTPMailer struct {
	host, username, password, from string
	port                           int
	logger                         *common.Logger
}

func NewSMTPMailer(host string, port int, username, password, from string, logger *common.Logger) *SMTPMailer {
	return &SMTPMailer{host: host, port: port, username: username, password: password, from: from, logger: logger}
}

var templates = map[string]func(data map[string]string) string{
	"story-ready": func(data map[string]string) string {
		return fmt.Sprintf("Subject: Your story is ready!\r\n\r\nHi,\n\nYour story \"%s\" has finished generating. Open the app to read it.\n", data["title"])
	},
	"story-ready-failed": func(data map[string]string) string {
		return fmt.Sprintf("Subject: We couldn't finish your story\r\n\r\nHi,\n\nWe ran into a problem generating your story: %s. Please try again.\n", data["error"])
	},
}

func (m *SMTPMailer) Send(ctx context.Context, ownerID, template string, data map[string]string) error {
	render, ok := templates[template]
	if !ok {
		return fmt.Errorf("unknown email template %q", template)
	}

	addr := fmt.Sprintf("%s:%d", m.host, m.port)
	var auth smtp.Auth
	if m.username != "" {
		auth = smtp.PlainAuth("", m.username, m.password, m.host)
	}

	msg := render(data)
	m.logger.Debug().Str("owner_id", ownerID).Str("template", template).Msg("sending fallback email")

	return smtp.SendMail(addr, auth, m.from, []string{ownerID}, []byte(msg))
}

var _ interfaces.Mailer = (*SMTPMailer)(nil)
