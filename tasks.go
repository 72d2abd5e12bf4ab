package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"os"
	"time"
)

// EmailSender delivers a single message to one recipient.
type EmailSender interface {
	Send(to, message string) error
}

// SMTPSender sends mail through an SMTP relay over TLS.
type SMTPSender struct {
	Server   string
	Port     string
	User     string
	Password string
	Sender   string
}

func (s *SMTPSender) Send(to, message string) error {
	auth := smtp.PlainAuth("", s.User, s.Password, s.Server)
	return smtp.SendMail(s.Server+":"+s.Port, auth, s.Sender, []string{to}, []byte(message))
}

// DebugSender mocks email delivery by appending to a local file. Used in
// development and tests.
type DebugSender struct {
	Path string
}

func (d *DebugSender) Send(to, message string) error {
	f, err := os.OpenFile(d.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "--- START EMAIL %s ---\n%s\n--- END OF EMAIL ---\n", to, message)
	return err
}

const resetMessage = `From: Dundie <%s>
To: %s
Subject: Password reset for Dundie

Please use the following link to reset your password:
%s?pwd_reset_token=%s

This link will expire in %d minutes.
`

// PasswordResetTask looks up a user by email and, when found, mails out a
// short-lived reset token. An unknown email is logged but otherwise
// swallowed, so callers cannot probe which addresses exist.
type PasswordResetTask struct {
	dir      Directory
	issuer   *TokenIssuer
	sender   EmailSender
	from     string
	resetURL string
	resetTTL time.Duration
	log      *slog.Logger
}

func NewPasswordResetTask(dir Directory, issuer *TokenIssuer, sender EmailSender, from, resetURL string, resetTTL time.Duration, log *slog.Logger) *PasswordResetTask {
	return &PasswordResetTask{
		dir:      dir,
		issuer:   issuer,
		sender:   sender,
		from:     from,
		resetURL: resetURL,
		resetTTL: resetTTL,
		log:      log,
	}
}

func (t *PasswordResetTask) Run(ctx context.Context, email string) {
	u, err := t.dir.GetUserByEmail(ctx, email)
	if err != nil {
		t.log.Error("password reset lookup failed", "err", err)
		return
	}
	if u == nil {
		t.log.Warn("password reset requested for unknown email")
		return
	}
	token, err := t.issuer.IssuePasswordReset(u.Username)
	if err != nil {
		t.log.Error("password reset token issue failed", "err", err)
		return
	}
	msg := fmt.Sprintf(resetMessage, t.from, u.Email, t.resetURL, token, int(t.resetTTL.Minutes()))
	if err := t.sender.Send(u.Email, msg); err != nil {
		t.log.Error("password reset email send failed", "err", err)
	}
}
