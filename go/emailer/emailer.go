// Package emailer sends operational alert mail over SMTP.
package emailer

import (
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"go.skia.org/autophone/go/skerr"
	"go.skia.org/autophone/go/sklog"
)

// subjectPrefix is prepended to every outgoing subject line.
const subjectPrefix = "autophone: "

// Emailer sends alert mail to a fixed set of recipients. The zero value, and
// any Emailer with no recipients, is a no-op sender, so callers never need to
// check whether mail is configured.
type Emailer struct {
	from     string
	to       []string
	server   string
	port     int
	username string
	password string

	// sendMail is a test hook.
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// New returns an Emailer that submits through server:port. username and
// password may be empty for unauthenticated relays. An empty server or an
// empty recipient list yields a no-op Emailer.
func New(from string, to []string, server string, port int, username, password string) *Emailer {
	return &Emailer{
		from:     from,
		to:       to,
		server:   server,
		port:     port,
		username: username,
		password: password,
		sendMail: smtp.SendMail,
	}
}

// Configured returns true if Send will actually deliver mail.
func (e *Emailer) Configured() bool {
	return e != nil && e.server != "" && len(e.to) > 0
}

// Send delivers one message to all configured recipients. Failures are
// logged, not returned, since mail is always a side channel for some other
// failure that the caller is already handling.
func (e *Emailer) Send(subject, body string) {
	if err := e.send(subject, body); err != nil {
		sklog.Errorf("Failed to send mail %q: %s", subject, err)
	}
}

func (e *Emailer) send(subject, body string) error {
	if !e.Configured() {
		return nil
	}
	var auth smtp.Auth
	if e.username != "" {
		auth = smtp.PlainAuth("", e.username, e.password, e.server)
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s%s\r\nDate: %s\r\n\r\n%s\r\n",
		e.from,
		strings.Join(e.to, ", "),
		subjectPrefix, subject,
		time.Now().UTC().Format(time.RFC1123Z),
		body)
	addr := fmt.Sprintf("%s:%d", e.server, e.port)
	if err := e.sendMail(addr, auth, e.from, e.to, []byte(msg)); err != nil {
		return skerr.Wrapf(err, "sending via %s", addr)
	}
	return nil
}
