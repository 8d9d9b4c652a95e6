package outbound

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/talentdesk-io/talentdesk/internal/config"
)

// Sender hands a composed message to a mail transport and returns the
// transport's identifier for it.
type Sender interface {
	Send(ctx context.Context, msg *Message) (string, error)
}

// SendError carries the SMTP reply code of a failed delivery when the server
// gave one.
type SendError struct {
	Code int
	Err  error
}

func (e *SendError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("smtp %d: %v", e.Code, e.Err)
	}
	return e.Err.Error()
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// SMTPSender delivers messages through one SMTP relay.
type SMTPSender struct {
	cfg    config.SMTPConfig
	logger zerolog.Logger
	dial   func(ctx context.Context, network, addr string) (net.Conn, error)
}

// SMTPSenderOption customizes SMTPSender.
type SMTPSenderOption func(*SMTPSender)

// WithSMTPLogger overrides the logger used for delivery diagnostics.
func WithSMTPLogger(logger zerolog.Logger) SMTPSenderOption {
	return func(s *SMTPSender) {
		s.logger = logger
	}
}

// NewSMTPSender returns a sender for the relay described by cfg.
func NewSMTPSender(cfg config.SMTPConfig, opts ...SMTPSenderOption) *SMTPSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	s := &SMTPSender{cfg: cfg, logger: zerolog.Nop()}
	s.dial = (&net.Dialer{Timeout: cfg.Timeout}).DialContext
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send delivers msg and returns its Message-Id as the transport id. Relays do
// not report a queue id over plain SMTP, so the id we generated is the one
// replies will reference.
func (s *SMTPSender) Send(ctx context.Context, msg *Message) (string, error) {
	raw, err := msg.Bytes()
	if err != nil {
		return "", err
	}
	rcpts := msg.Recipients()

	client, err := s.dialClient(ctx)
	if err != nil {
		return "", s.fail("dial", err)
	}
	defer client.Close()

	if auth := s.auth(); auth != nil {
		if err := client.Auth(auth); err != nil {
			return "", s.fail("auth", err)
		}
	}
	if err := client.Mail(msg.From.Address); err != nil {
		return "", s.fail("mail from", err)
	}
	for _, rcpt := range rcpts {
		if err := client.Rcpt(rcpt); err != nil {
			return "", s.fail("rcpt to "+rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return "", s.fail("data", err)
	}
	if _, err := w.Write(raw); err != nil {
		return "", s.fail("data", err)
	}
	if err := w.Close(); err != nil {
		return "", s.fail("data", err)
	}
	if err := client.Quit(); err != nil {
		// the message was accepted at the end of DATA
		s.logger.Debug().Err(err).Msg("smtp quit failed")
	}
	s.logger.Info().Str("message_id", msg.MessageID).Int("recipients", len(rcpts)).Msg("smtp message accepted")
	return msg.MessageID, nil
}

func (s *SMTPSender) fail(stage string, err error) error {
	code := smtpStatus(err)
	s.logger.Warn().Err(err).Str("stage", stage).Int("code", code).Msg("smtp delivery failed")
	return &SendError{Code: code, Err: fmt.Errorf("smtp %s: %w", stage, err)}
}

func (s *SMTPSender) auth() smtp.Auth {
	if s.cfg.User == "" || s.cfg.Password == "" {
		return nil
	}
	switch strings.ToLower(s.cfg.AuthType) {
	case "none":
		return nil
	case "login":
		return &loginAuth{username: s.cfg.User, password: s.cfg.Password}
	default:
		return smtp.PlainAuth("", s.cfg.User, s.cfg.Password, s.cfg.Host)
	}
}

func (s *SMTPSender) dialClient(ctx context.Context) (*smtp.Client, error) {
	port := s.cfg.Port
	mode := strings.ToLower(s.cfg.TLSMode)
	if port == 0 {
		if mode == "smtps" {
			port = 465
		} else {
			port = 587
		}
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(port))
	tlsConfig := &tls.Config{
		ServerName:         s.cfg.Host,
		InsecureSkipVerify: s.cfg.SkipVerify,
	}

	conn, err := s.dial(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(s.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	if mode == "smtps" {
		conn = tls.Client(conn, tlsConfig)
	}
	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if mode == "starttls" {
		if err := client.StartTLS(tlsConfig); err != nil {
			client.Close()
			return nil, err
		}
	}
	return client, nil
}

// smtpStatus extracts the reply code of err. A dropped connection counts as
// 421, service not available.
func smtpStatus(err error) int {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return protoErr.Code
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return 421
	}
	return 0
}

// loginAuth implements SMTP LOGIN authentication
type loginAuth struct {
	username, password string
}

func (a *loginAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	return "LOGIN", []byte{}, nil
}

func (a *loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if more {
		switch string(fromServer) {
		case "Username:":
			return []byte(a.username), nil
		case "Password:":
			return []byte(a.password), nil
		default:
			return nil, fmt.Errorf("unexpected server challenge: %s", fromServer)
		}
	}
	return nil, nil
}
