package connector

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"
)

type imapClient interface {
	Login(username, password string) commandWaiter
	Logout() commandWaiter
	Close() error
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
	Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter
	Copy(numSet imap.NumSet, mailbox string) copyWaiter
	UIDExpunge(uids imap.UIDSet) expungeWaiter
}

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}
type copyWaiter interface {
	Wait() (*imap.CopyData, error)
}
type expungeWaiter interface{ Close() error }

// IMAPFetcher polls IMAP/IMAPS mailboxes for unseen mail.
type IMAPFetcher struct {
	dialTimeout time.Duration
	now         func() time.Time
	logger      zerolog.Logger
	newClient   func(context.Context, Account) (imapClient, error)
}

// IMAPFetcherOption customizes fetcher behavior.
type IMAPFetcherOption func(*IMAPFetcher)

// NewIMAPFetcher returns an IMAP connector ready for polling.
func NewIMAPFetcher(opts ...IMAPFetcherOption) *IMAPFetcher {
	f := &IMAPFetcher{
		dialTimeout: 10 * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      zerolog.Nop(),
	}
	f.newClient = f.defaultClientFactory
	for _, opt := range opts {
		opt(f)
	}
	if f.newClient == nil {
		f.newClient = f.defaultClientFactory
	}
	return f
}

// WithIMAPLogger overrides the logger used for connector diagnostics.
func WithIMAPLogger(logger zerolog.Logger) IMAPFetcherOption {
	return func(f *IMAPFetcher) {
		f.logger = logger
	}
}

// WithIMAPDialTimeout overrides the socket dial timeout.
func WithIMAPDialTimeout(timeout time.Duration) IMAPFetcherOption {
	return func(f *IMAPFetcher) {
		if timeout > 0 {
			f.dialTimeout = timeout
		}
	}
}

func withIMAPClientFactory(factory func(context.Context, Account) (imapClient, error)) IMAPFetcherOption {
	return func(f *IMAPFetcher) {
		f.newClient = factory
	}
}

// WithIMAPClock overrides the wall clock, primarily for tests.
func WithIMAPClock(now func() time.Time) IMAPFetcherOption {
	return func(f *IMAPFetcher) {
		if now != nil {
			f.now = now
		}
	}
}

// Name returns the connector identifier.
func (f *IMAPFetcher) Name() string {
	return "imap"
}

// Fetch fetches the newest unseen messages in one batch, hands them to the
// handler and finalizes the handled ones. Finalize and logout failures are
// logged only; the connection is closed on every path.
func (f *IMAPFetcher) Fetch(ctx context.Context, account Account, handler Handler) error {
	if handler == nil {
		return errors.New("imap fetcher requires a handler")
	}
	if err := validateIMAPAccount(account); err != nil {
		return err
	}
	observe := stageNotifier(handler)
	defer observe(StageIdle)

	observe(StageConnecting)
	client, err := f.newClient(ctx, account)
	if err != nil {
		return fmt.Errorf("imap connect: %w", interrupted(ctx, err))
	}
	defer f.safeClose(client)
	// imapclient commands ignore ctx; closing the client fails them instead
	stop := context.AfterFunc(ctx, func() { f.safeClose(client) })
	defer stop()

	if err := client.Login(account.Username, string(account.Password)).Wait(); err != nil {
		return fmt.Errorf("imap auth: %w", interrupted(ctx, err))
	}

	mailbox := account.Folder
	if mailbox == "" {
		mailbox = "INBOX"
	}
	readOnly := account.Peek && !account.MarkSeen && account.ArchiveFolder == ""
	if _, err := client.Select(mailbox, &imap.SelectOptions{ReadOnly: readOnly}).Wait(); err != nil {
		return fmt.Errorf("imap select %s: %w", mailbox, interrupted(ctx, err))
	}

	observe(StageFetching)
	searchData, err := client.UIDSearch(&imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}}, nil).Wait()
	if err != nil {
		return fmt.Errorf("imap search: %w", interrupted(ctx, err))
	}
	uids := newest(searchData.AllUIDs(), account.window())
	if len(uids) == 0 {
		f.logout(client)
		return nil
	}

	fetchOpts := &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{{Peek: account.Peek}},
	}
	fetchBuffers, err := client.Fetch(imap.UIDSetNum(uids...), fetchOpts).Collect()
	if err != nil {
		return fmt.Errorf("imap fetch: %w", interrupted(ctx, err))
	}

	msgs := make([]*FetchedMessage, 0, len(fetchBuffers))
	byMsg := make(map[*FetchedMessage]imap.UID, len(fetchBuffers))
	for _, buf := range fetchBuffers {
		body := wholeBody(buf)
		if body == nil {
			continue
		}
		received := buf.InternalDate
		if received.IsZero() {
			received = f.now()
		}
		uidStr := fmt.Sprintf("%d", buf.UID)
		msg := &FetchedMessage{
			Connector:  f.Name(),
			UID:        uidStr,
			RemoteID:   buildRemoteID(account, uidStr),
			ReceivedAt: received,
			SizeBytes:  int64(len(body)),
			Raw:        append([]byte(nil), body...),
			Metadata: map[string]string{
				"imap_uid":    uidStr,
				"imap_folder": mailbox,
			},
		}
		msg.WithAccount(account)
		msgs = append(msgs, msg)
		byMsg[msg] = buf.UID
	}

	observe(StageProcessing)
	handled, handleErr := handler.HandleBatch(ctx, msgs)

	observe(StageFinalizing)
	var done []imap.UID
	for _, msg := range handled {
		if uid, ok := byMsg[msg]; ok {
			done = append(done, uid)
		}
	}
	f.finalize(client, account, done)
	f.logout(client)

	if handleErr != nil {
		return fmt.Errorf("imap handle batch: %w", handleErr)
	}
	return nil
}

// finalize marks handled UIDs seen and moves them to the archive folder.
func (f *IMAPFetcher) finalize(client imapClient, account Account, uids []imap.UID) {
	if len(uids) == 0 {
		return
	}
	set := imap.UIDSetNum(uids...)
	if account.MarkSeen {
		seen := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Silent: true, Flags: []imap.Flag{imap.FlagSeen}}
		if err := client.Store(set, seen, nil).Close(); err != nil {
			f.logger.Warn().Err(err).Str("account", account.ID).Msg("imap mark seen failed")
		}
	}
	if account.ArchiveFolder == "" {
		return
	}
	if _, err := client.Copy(set, account.ArchiveFolder).Wait(); err != nil {
		f.logger.Warn().Err(err).Str("account", account.ID).Str("folder", account.ArchiveFolder).Msg("imap archive copy failed")
		return
	}
	deleted := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Silent: true, Flags: []imap.Flag{imap.FlagDeleted}}
	if err := client.Store(set, deleted, nil).Close(); err != nil {
		f.logger.Warn().Err(err).Str("account", account.ID).Msg("imap flag deleted failed")
		return
	}
	if err := client.UIDExpunge(set).Close(); err != nil {
		f.logger.Warn().Err(err).Str("account", account.ID).Msg("imap expunge failed")
	}
}

// wholeBody returns the BODY[] section of a fetched message.
func wholeBody(buf *imapclient.FetchMessageBuffer) []byte {
	for _, section := range buf.BodySection {
		if section.Section == nil || (section.Section.Specifier == imap.PartSpecifierNone && len(section.Section.Part) == 0) {
			return section.Bytes
		}
	}
	return nil
}

func (f *IMAPFetcher) logout(client imapClient) {
	if err := client.Logout().Wait(); err != nil {
		f.logger.Warn().Err(err).Msg("imap logout failed")
	}
}

func (f *IMAPFetcher) safeClose(client imapClient) {
	if client == nil {
		return
	}
	if err := client.Close(); err != nil {
		f.logger.Debug().Err(err).Msg("imap close error")
	}
}

func (f *IMAPFetcher) defaultClientFactory(ctx context.Context, account Account) (imapClient, error) {
	if account.Host == "" {
		return nil, errors.New("imap account missing host")
	}
	port := account.Port
	if port == 0 {
		if useIMAPTLS(account.Type) {
			port = 993
		} else {
			port = 143
		}
	}
	addr := net.JoinHostPort(account.Host, strconv.Itoa(port))
	dialer := &net.Dialer{Timeout: f.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if useIMAPTLS(account.Type) {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: account.Host})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}
	return &imapClientWrapper{Client: imapclient.New(conn, nil)}, nil
}

type imapClientWrapper struct{ *imapclient.Client }

func (w *imapClientWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *imapClientWrapper) Logout() commandWaiter { return w.Client.Logout() }
func (w *imapClientWrapper) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *imapClientWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *imapClientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}
func (w *imapClientWrapper) Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter {
	return w.Client.Store(numSet, store, options)
}
func (w *imapClientWrapper) Copy(numSet imap.NumSet, mailbox string) copyWaiter {
	return w.Client.Copy(numSet, mailbox)
}
func (w *imapClientWrapper) UIDExpunge(uids imap.UIDSet) expungeWaiter {
	return w.Client.UIDExpunge(uids)
}

func validateIMAPAccount(account Account) error {
	if account.Username == "" {
		return errors.New("imap account missing username")
	}
	if len(account.Password) == 0 {
		return errors.New("imap account missing password")
	}
	if !supportsIMAP(account.Type) {
		return fmt.Errorf("account type %s not supported by IMAP connector", account.Type)
	}
	return nil
}

func supportsIMAP(t string) bool {
	switch strings.ToLower(t) {
	case "imap", "imaps", "imap_tls", "imaps_tls", "imaptls":
		return true
	default:
		return false
	}
}

func useIMAPTLS(t string) bool {
	switch strings.ToLower(t) {
	case "imaps", "imap_tls", "imaps_tls", "imaptls":
		return true
	default:
		return false
	}
}
