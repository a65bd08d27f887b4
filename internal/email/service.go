// Package email sends share notifications via SMTP. When SMTP is not
// configured the service is a configured=false no-op.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type Service struct {
	config Config
	server string
	auth   smtp.Auth
}

func NewService(config Config) *Service {
	auth := smtp.PlainAuth("", config.Username, config.Password, config.Host)

	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendEmail sends a plain text email
func (s *Service) SendEmail(to []string, subject, body string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	msg := []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		strings.Join(to, ", "),
		from,
		subject,
		body,
	))

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg)
}

// SendHTMLEmail sends an email with an HTML body
func (s *Service) SendHTMLEmail(to []string, subject, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	msg := []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"MIME-Version: 1.0\r\n"+
			"Content-Type: text/html; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		strings.Join(to, ", "),
		from,
		subject,
		htmlBody,
	))

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg)
}

var shareTemplate = template.Must(template.New("share").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: sans-serif; color: #222;">
  <p>{{.ActorName}} shared the project <strong>{{.ProjectName}}</strong> with you.</p>
  <p>You can open it as <strong>{{.Role}}</strong>.</p>
  <p style="color: #888; font-size: 12px;">You received this because your address was added to the project's sharing list.</p>
</body>
</html>`))

// ShareNotification describes one "project shared with you" mail.
type ShareNotification struct {
	To          string
	ActorName   string
	ProjectName string
	Role        string
}

// SendShareNotification renders and sends the share mail.
func (s *Service) SendShareNotification(n ShareNotification) error {
	var body bytes.Buffer
	if err := shareTemplate.Execute(&body, n); err != nil {
		return fmt.Errorf("render share mail: %w", err)
	}
	subject := fmt.Sprintf("%s shared %q with you", n.ActorName, n.ProjectName)
	return s.SendHTMLEmail([]string{n.To}, subject, body.String())
}
