package connector

import (
	"context"
	"time"
)

// DefaultMaxMessages bounds one poll run when the account sets no window.
const DefaultMaxMessages = 50

// Account carries the minimal set of fields a connector needs to open a mailbox.
type Account struct {
	ID            string
	Type          string // imap, imaps, pop3, pop3s, mbox
	Host          string
	Port          int
	Username      string
	Password      []byte
	Folder        string // IMAP mailbox, or the file path for mbox
	Peek          bool   // fetch without setting \Seen implicitly
	MarkSeen      bool   // flag handled messages as seen; POP3 deletes them instead
	ArchiveFolder string // IMAP folder handled messages are moved to
	MaxMessages   int
}

func (a Account) window() int {
	if a.MaxMessages > 0 {
		return a.MaxMessages
	}
	return DefaultMaxMessages
}

// FetchedMessage wraps the on-wire RFC822 payload plus derived metadata.
type FetchedMessage struct {
	AccountID  string
	Connector  string
	UID        string
	RemoteID   string
	ReceivedAt time.Time
	SizeBytes  int64
	Raw        []byte
	Metadata   map[string]string
}

// WithAccount tags the message with the account it was fetched from.
func (m *FetchedMessage) WithAccount(acc Account) {
	m.AccountID = acc.ID
}

// Handler processes one fetched batch and returns the messages it handled.
// Only handled messages are marked seen or archived, even when an error is
// returned alongside them.
type Handler interface {
	HandleBatch(ctx context.Context, msgs []*FetchedMessage) ([]*FetchedMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msgs []*FetchedMessage) ([]*FetchedMessage, error)

// HandleBatch calls fn.
func (fn HandlerFunc) HandleBatch(ctx context.Context, msgs []*FetchedMessage) ([]*FetchedMessage, error) {
	return fn(ctx, msgs)
}

// Fetcher implementations (POP3, IMAP, mbox) run one poll against a mailbox.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, account Account, handler Handler) error
}

// Factory resolves the correct connector implementation for a mailbox.
type Factory interface {
	FetcherFor(account Account) (Fetcher, error)
}

// Stage is the position of a poll run.
type Stage int

const (
	StageIdle Stage = iota
	StageConnecting
	StageFetching
	StageProcessing
	StageFinalizing
)

func (s Stage) String() string {
	switch s {
	case StageConnecting:
		return "CONNECTING"
	case StageFetching:
		return "FETCHING"
	case StageProcessing:
		return "PROCESSING"
	case StageFinalizing:
		return "FINALIZING"
	default:
		return "IDLE"
	}
}

// StageObserver is implemented by handlers that want to follow a run.
type StageObserver interface {
	ObserveStage(stage Stage)
}

// stageNotifier returns a func reporting stages to h when it observes them.
func stageNotifier(h Handler) func(Stage) {
	if obs, ok := h.(StageObserver); ok {
		return obs.ObserveStage
	}
	return func(Stage) {}
}

// interrupted prefers the context error over the transport error it caused,
// so callers can tell a timed out poll from a server failure.
func interrupted(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// newest keeps the last n items of an ascending list.
func newest[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[len(items)-n:]
	}
	return items
}
