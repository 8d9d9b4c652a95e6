package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/knadh/go-pop3"
	"github.com/rs/zerolog"
)

type pop3Connection interface {
	Auth(user, password string) error
	Quit() error
	Uidl(msgID int) ([]pop3.MessageID, error)
	RetrRaw(msgID int) (*bytes.Buffer, error)
	Dele(msgID ...int) error
}

type pop3ConnFactory func(context.Context, Account) (pop3Connection, error)

// POP3Fetcher polls POP3/POP3S mailboxes. POP3 has no flags, so handled
// messages are deleted from the server when the account asks for MarkSeen.
type POP3Fetcher struct {
	dialTimeout time.Duration
	now         func() time.Time
	logger      zerolog.Logger
	newConn     pop3ConnFactory
}

// POP3FetcherOption customizes fetcher behavior.
type POP3FetcherOption func(*POP3Fetcher)

// NewPOP3Fetcher returns a POP3 connector ready for polling.
func NewPOP3Fetcher(opts ...POP3FetcherOption) *POP3Fetcher {
	f := &POP3Fetcher{
		dialTimeout: 10 * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      zerolog.Nop(),
	}
	f.newConn = f.defaultConnFactory
	for _, opt := range opts {
		opt(f)
	}
	if f.newConn == nil {
		f.newConn = f.defaultConnFactory
	}
	return f
}

// WithPOP3Logger overrides the logger used for connector diagnostics.
func WithPOP3Logger(logger zerolog.Logger) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		f.logger = logger
	}
}

// WithPOP3DialTimeout overrides the socket dial timeout.
func WithPOP3DialTimeout(timeout time.Duration) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		if timeout > 0 {
			f.dialTimeout = timeout
		}
	}
}

func withPOP3ConnFactory(factory pop3ConnFactory) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		f.newConn = factory
	}
}

// WithPOP3Clock overrides the wall clock, primarily for tests.
func WithPOP3Clock(now func() time.Time) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		if now != nil {
			f.now = now
		}
	}
}

// Name returns the connector identifier.
func (f *POP3Fetcher) Name() string {
	return "pop3"
}

// Fetch retrieves the newest messages of the maildrop in one batch and hands
// them to the handler.
func (f *POP3Fetcher) Fetch(ctx context.Context, account Account, handler Handler) error {
	if handler == nil {
		return errors.New("pop3 fetcher requires a handler")
	}
	if err := validateAccount(account); err != nil {
		return err
	}
	observe := stageNotifier(handler)
	defer observe(StageIdle)

	observe(StageConnecting)
	conn, err := f.newConn(ctx, account)
	if err != nil {
		return fmt.Errorf("pop3 connect: %w", interrupted(ctx, err))
	}
	// QUIT commits pending deletions
	defer f.safeQuit(conn)

	if err := conn.Auth(account.Username, string(account.Password)); err != nil {
		return fmt.Errorf("pop3 auth: %w", interrupted(ctx, err))
	}

	observe(StageFetching)
	list, err := conn.Uidl(0)
	if err != nil {
		return fmt.Errorf("pop3 uidl: %w", interrupted(ctx, err))
	}
	list = newest(list, account.window())
	if len(list) == 0 {
		return nil
	}

	msgs := make([]*FetchedMessage, 0, len(list))
	byMsg := make(map[*FetchedMessage]int, len(list))
	for _, meta := range list {
		if err := ctx.Err(); err != nil {
			return err
		}
		payload, err := conn.RetrRaw(meta.ID)
		if err != nil {
			return fmt.Errorf("pop3 retr %d: %w", meta.ID, interrupted(ctx, err))
		}

		uid := meta.UID
		if uid == "" {
			uid = strconv.Itoa(meta.ID)
		}
		raw := append([]byte(nil), payload.Bytes()...)
		msg := &FetchedMessage{
			Connector:  f.Name(),
			UID:        uid,
			RemoteID:   buildRemoteID(account, uid),
			ReceivedAt: f.now(),
			SizeBytes:  int64(len(raw)),
			Raw:        raw,
			Metadata: map[string]string{
				"uidl":    uid,
				"pop3_id": strconv.Itoa(meta.ID),
			},
		}
		if meta.Size > 0 {
			msg.Metadata["reported_size"] = strconv.Itoa(meta.Size)
		}
		msg.WithAccount(account)
		msgs = append(msgs, msg)
		byMsg[msg] = meta.ID
	}

	observe(StageProcessing)
	handled, handleErr := handler.HandleBatch(ctx, msgs)

	observe(StageFinalizing)
	if account.MarkSeen {
		for _, msg := range handled {
			id, ok := byMsg[msg]
			if !ok {
				continue
			}
			if err := conn.Dele(id); err != nil {
				f.logger.Warn().Err(err).Str("account", account.ID).Int("pop3_id", id).Msg("pop3 delete failed")
			}
		}
	}

	if handleErr != nil {
		return fmt.Errorf("pop3 handle batch: %w", handleErr)
	}
	return nil
}

func (f *POP3Fetcher) safeQuit(conn pop3Connection) {
	if conn == nil {
		return
	}
	if err := conn.Quit(); err != nil {
		f.logger.Warn().Err(err).Msg("pop3 quit error")
	}
}

func (f *POP3Fetcher) defaultConnFactory(ctx context.Context, account Account) (pop3Connection, error) {
	if account.Host == "" {
		return nil, errors.New("pop3 account missing host")
	}
	port := account.Port
	if port == 0 {
		if usePOP3TLS(account.Type) {
			port = 995
		} else {
			port = 110
		}
	}
	dialer := &ctxDialer{ctx: ctx, dialer: net.Dialer{Timeout: f.dialTimeout}}
	client := pop3.New(pop3.Opt{
		Host:        account.Host,
		Port:        port,
		DialTimeout: f.dialTimeout,
		Dialer:      dialer,
		TLSEnabled:  usePOP3TLS(account.Type),
	})
	conn, err := client.NewConn()
	if err != nil {
		dialer.release(true)
		return nil, err
	}
	return &pop3Session{Conn: conn, dialer: dialer}, nil
}

// ctxDialer ties the connection it opens to ctx. go-pop3 commands take no
// context, so the connection is closed when ctx ends to fail a blocked read.
type ctxDialer struct {
	ctx    context.Context
	dialer net.Dialer

	mu   sync.Mutex
	conn net.Conn
	stop func() bool
}

func (d *ctxDialer) Dial(network, addr string) (net.Conn, error) {
	conn, err := d.dialer.DialContext(d.ctx, network, addr)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conn = conn
	d.stop = context.AfterFunc(d.ctx, func() { conn.Close() })
	return conn, nil
}

// release detaches the connection from ctx, closing it when asked to.
func (d *ctxDialer) release(closeConn bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		d.stop()
	}
	if closeConn && d.conn != nil {
		d.conn.Close()
	}
}

type pop3Session struct {
	*pop3.Conn
	dialer *ctxDialer
}

func (s *pop3Session) Quit() error {
	defer s.dialer.release(false)
	return s.Conn.Quit()
}

func validateAccount(account Account) error {
	if account.Username == "" {
		return errors.New("pop3 account missing username")
	}
	if len(account.Password) == 0 {
		return errors.New("pop3 account missing password")
	}
	if !supportsPOP3(account.Type) {
		return fmt.Errorf("account type %s not supported by POP3 connector", account.Type)
	}
	return nil
}

func supportsPOP3(t string) bool {
	switch strings.ToLower(t) {
	case "pop3", "pop3s", "pop3_tls", "pop3s_tls":
		return true
	default:
		return false
	}
}

func usePOP3TLS(t string) bool {
	switch strings.ToLower(t) {
	case "pop3s", "pop3_tls", "pop3s_tls":
		return true
	default:
		return false
	}
}

func buildRemoteID(account Account, uid string) string {
	if account.Username == "" {
		return fmt.Sprintf("%s:%s", account.Host, uid)
	}
	return fmt.Sprintf("%s@%s:%s", account.Username, account.Host, uid)
}
