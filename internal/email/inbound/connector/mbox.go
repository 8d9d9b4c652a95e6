package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-mbox"
	"github.com/rs/zerolog"
)

// MboxFetcher replays an mbox file through the inbound pipeline. The file
// path is taken from Account.Folder. The file is never modified, so reruns
// rely on message-id idempotence.
type MboxFetcher struct {
	now    func() time.Time
	logger zerolog.Logger
	open   func(path string) (io.ReadCloser, error)
}

// MboxFetcherOption customizes fetcher behavior.
type MboxFetcherOption func(*MboxFetcher)

// NewMboxFetcher returns an mbox connector.
func NewMboxFetcher(opts ...MboxFetcherOption) *MboxFetcher {
	f := &MboxFetcher{
		now:    func() time.Time { return time.Now().UTC() },
		logger: zerolog.Nop(),
		open: func(path string) (io.ReadCloser, error) {
			return os.Open(path)
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// WithMboxLogger overrides the logger used for connector diagnostics.
func WithMboxLogger(logger zerolog.Logger) MboxFetcherOption {
	return func(f *MboxFetcher) {
		f.logger = logger
	}
}

// WithMboxClock overrides the wall clock, primarily for tests.
func WithMboxClock(now func() time.Time) MboxFetcherOption {
	return func(f *MboxFetcher) {
		if now != nil {
			f.now = now
		}
	}
}

// Name returns the connector identifier.
func (f *MboxFetcher) Name() string {
	return "mbox"
}

// Fetch reads the file and hands its messages to the handler in one batch.
// Unlike the network fetchers, a zero MaxMessages means the whole file.
func (f *MboxFetcher) Fetch(ctx context.Context, account Account, handler Handler) error {
	if handler == nil {
		return errors.New("mbox fetcher requires a handler")
	}
	path := strings.TrimSpace(account.Folder)
	if path == "" {
		return errors.New("mbox account missing file path")
	}
	observe := stageNotifier(handler)
	defer observe(StageIdle)

	observe(StageConnecting)
	file, err := f.open(path)
	if err != nil {
		return fmt.Errorf("mbox open: %w", err)
	}
	defer file.Close()

	observe(StageFetching)
	reader := mbox.NewReader(file)
	var msgs []*FetchedMessage
	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		msgReader, err := reader.NextMessage()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("mbox read message %d: %w", n, err)
		}
		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return fmt.Errorf("mbox read message %d: %w", n, err)
		}
		uid := strconv.Itoa(n)
		msg := &FetchedMessage{
			Connector:  f.Name(),
			UID:        uid,
			RemoteID:   path + ":" + uid,
			ReceivedAt: f.now(),
			SizeBytes:  int64(len(raw)),
			Raw:        raw,
			Metadata:   map[string]string{"mbox_path": path, "mbox_index": uid},
		}
		msg.WithAccount(account)
		msgs = append(msgs, msg)
	}
	if account.MaxMessages > 0 {
		msgs = newest(msgs, account.MaxMessages)
	}
	if len(msgs) == 0 {
		return nil
	}

	observe(StageProcessing)
	handled, err := handler.HandleBatch(ctx, msgs)
	observe(StageFinalizing)
	f.logger.Info().Str("path", path).Int("read", len(msgs)).Int("handled", len(handled)).Msg("mbox import finished")
	if err != nil {
		return fmt.Errorf("mbox handle batch: %w", err)
	}
	return nil
}
