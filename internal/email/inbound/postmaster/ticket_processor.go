package postmaster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"sort"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/talentdesk-io/talentdesk/internal/email/body"
	"github.com/talentdesk-io/talentdesk/internal/email/inbound/connector"
	"github.com/talentdesk-io/talentdesk/internal/email/inbound/threading"
	"github.com/talentdesk-io/talentdesk/internal/email/msgid"
	"github.com/talentdesk-io/talentdesk/internal/email/quote"
	"github.com/talentdesk-io/talentdesk/internal/models"
	"github.com/talentdesk-io/talentdesk/internal/repository"
	"github.com/talentdesk-io/talentdesk/internal/utils"
)

type messageStore interface {
	CreateMessage(ctx context.Context, msg *models.TicketMessage) error
}

type resolver interface {
	Resolve(ctx context.Context, h threading.Headers) (threading.Outcome, error)
}

// TicketProcessor stores fetched messages on the ticket they belong to.
// It implements connector.Handler and connector.StageObserver.
type TicketProcessor struct {
	store     messageStore
	resolver  resolver
	parser    *body.Parser
	sanitizer *utils.HTMLSanitizer
	decoder   *mime.WordDecoder
	logger    zerolog.Logger
	now       func() time.Time
	onResult  func(Result)
	onStage   func(connector.Stage)
}

// TicketProcessorOption customizes TicketProcessor.
type TicketProcessorOption func(*TicketProcessor)

// NewTicketProcessor builds a processor writing to store and threading with res.
func NewTicketProcessor(store repository.TicketStore, res *threading.Resolver, opts ...TicketProcessorOption) *TicketProcessor {
	return newTicketProcessor(store, res, opts...)
}

func newTicketProcessor(store messageStore, res resolver, opts ...TicketProcessorOption) *TicketProcessor {
	tp := &TicketProcessor{
		store:     store,
		resolver:  res,
		parser:    body.NewParser(),
		sanitizer: utils.NewHTMLSanitizer(),
		decoder:   &mime.WordDecoder{CharsetReader: gomessage.CharsetReader},
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(tp)
		}
	}
	return tp
}

// WithTicketProcessorLogger overrides the logger used for diagnostics.
func WithTicketProcessorLogger(logger zerolog.Logger) TicketProcessorOption {
	return func(tp *TicketProcessor) {
		tp.logger = logger
	}
}

// WithTicketProcessorBodyLimit constrains how much of each text part is read.
func WithTicketProcessorBodyLimit(limit int64) TicketProcessorOption {
	return func(tp *TicketProcessor) {
		if limit > 0 {
			tp.parser = body.NewParser(body.WithBodyLimit(limit))
		}
	}
}

// WithTicketProcessorClock overrides the time source for stored messages.
func WithTicketProcessorClock(now func() time.Time) TicketProcessorOption {
	return func(tp *TicketProcessor) {
		if now != nil {
			tp.now = now
		}
	}
}

// WithTicketProcessorResultHook registers fn to receive every per-message result.
func WithTicketProcessorResultHook(fn func(Result)) TicketProcessorOption {
	return func(tp *TicketProcessor) {
		tp.onResult = fn
	}
}

// WithTicketProcessorStageHook registers fn to follow the stages of poll runs.
func WithTicketProcessorStageHook(fn func(connector.Stage)) TicketProcessorOption {
	return func(tp *TicketProcessor) {
		tp.onStage = fn
	}
}

// ObserveStage implements connector.StageObserver.
func (tp *TicketProcessor) ObserveStage(stage connector.Stage) {
	if tp.onStage != nil {
		tp.onStage(stage)
	}
}

// HandleBatch implements connector.Handler. Per-message failures never stop
// the batch; they are returned joined after the batch completes. Skipped
// (malformed) messages are neither handled nor reported as errors.
func (tp *TicketProcessor) HandleBatch(ctx context.Context, msgs []*connector.FetchedMessage) ([]*connector.FetchedMessage, error) {
	results, err := tp.ProcessBatch(ctx, msgs)
	byUID := make(map[string]*connector.FetchedMessage, len(msgs))
	for _, m := range msgs {
		byUID[m.UID] = m
	}

	var handled []*connector.FetchedMessage
	var errs []error
	for _, r := range results {
		if r.Action.Handled() {
			handled = append(handled, byUID[r.UID])
		}
		if r.Action == ActionError {
			errs = append(errs, fmt.Errorf("message %s: %w", r.UID, r.Err))
		}
	}
	if err != nil {
		errs = append(errs, err)
	}
	return handled, errors.Join(errs...)
}

// ProcessBatch sorts msgs by sent date, oldest first with undated messages
// leading, and processes them one at a time. It only returns an error when ctx
// ends, in which case the remaining messages are left unprocessed.
func (tp *TicketProcessor) ProcessBatch(ctx context.Context, msgs []*connector.FetchedMessage) ([]Result, error) {
	envs := make([]*envelope, 0, len(msgs))
	for _, m := range msgs {
		if m != nil {
			envs = append(envs, tp.extractEnvelope(m))
		}
	}
	sort.SliceStable(envs, func(i, j int) bool {
		a, b := envs[i].headers.Date, envs[j].headers.Date
		if a.IsZero() || b.IsZero() {
			return a.IsZero() && !b.IsZero()
		}
		return a.Before(b)
	})

	results := make([]Result, 0, len(envs))
	for _, env := range envs {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res := tp.processOne(ctx, env)
		tp.log(res)
		if tp.onResult != nil {
			tp.onResult(res)
		}
		results = append(results, res)
	}
	return results, nil
}

func (tp *TicketProcessor) log(res Result) {
	var ev *zerolog.Event
	switch res.Action {
	case ActionError:
		ev = tp.logger.Error().Err(res.Err)
	case ActionSkipped:
		ev = tp.logger.Warn().Err(res.Err)
	default:
		ev = tp.logger.Debug()
	}
	ev.Str("uid", res.UID).
		Str("message_id", res.MessageID).
		Str("ticket_id", res.TicketID).
		Str("action", string(res.Action)).
		Msg("postmaster processed message")
}

// envelope is a fetched message with its parsed headers.
type envelope struct {
	msg      *connector.FetchedMessage
	headers  threading.Headers
	parseErr error
}

func (tp *TicketProcessor) processOne(ctx context.Context, env *envelope) (res Result) {
	res = Result{UID: env.msg.UID, MessageID: env.headers.MessageID}
	defer func() {
		if r := recover(); r != nil {
			res.Action = ActionError
			res.Err = fmt.Errorf("panic: %v", r)
		}
	}()

	if env.parseErr != nil {
		res.Action = ActionSkipped
		res.Err = env.parseErr
		return res
	}

	outcome, err := tp.resolver.Resolve(ctx, env.headers)
	if errors.Is(err, threading.ErrMissingMessageID) {
		res.Action = ActionSkipped
		res.Err = err
		return res
	}
	if err != nil {
		res.Action = ActionError
		res.Err = err
		return res
	}
	res.TicketID = outcome.Ticket.ID
	res.MessageID = outcome.MessageID
	if outcome.Duplicate {
		res.Action = ActionDuplicate
		return res
	}

	stored := tp.buildMessage(env, outcome)
	if err := tp.store.CreateMessage(ctx, stored); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			res.Action = ActionDuplicate
			return res
		}
		res.Action = ActionError
		res.Err = fmt.Errorf("store message: %w", err)
		return res
	}
	res.MessageDBID = stored.ID
	if outcome.Created {
		res.Action = ActionNewTicket
	} else {
		res.Action = ActionFollowUp
	}
	return res
}

func (tp *TicketProcessor) buildMessage(env *envelope, outcome threading.Outcome) *models.TicketMessage {
	now := tp.now().UTC().Truncate(time.Millisecond)
	sentAt := env.headers.Date
	if sentAt.IsZero() {
		sentAt = env.msg.ReceivedAt
	}
	if sentAt.IsZero() {
		sentAt = now
	}

	plain, html := "", ""
	if node, err := tp.parser.Parse(env.msg.Raw); err != nil {
		tp.logger.Warn().Err(err).Str("uid", env.msg.UID).Msg("postmaster body unreadable")
	} else {
		extracted := body.Extract(node)
		for _, perr := range extracted.Errors {
			tp.logger.Warn().Err(perr).Str("uid", env.msg.UID).Msg("postmaster skipped body part")
		}
		plain = quote.StripQuoted(extracted.HTML, extracted.Plain)
		html = tp.sanitizer.Sanitize(extracted.HTML)
	}

	from := outcome.From
	if from == "" {
		from = strings.TrimSpace(env.headers.From)
	}
	return &models.TicketMessage{
		ID:          uuid.NewString(),
		TicketID:    outcome.Ticket.ID,
		MessageID:   outcome.MessageID,
		InReplyTo:   msgid.Last(msgid.ParseList(env.headers.InReplyTo)),
		FromAddress: from,
		Subject:     env.headers.Subject,
		SentAt:      sentAt.UTC().Truncate(time.Millisecond),
		Direction:   outcome.Direction,
		PlainBody:   plain,
		HTMLBody:    html,
		CreatedAt:   now,
	}
}

func (tp *TicketProcessor) extractEnvelope(msg *connector.FetchedMessage) *envelope {
	env := &envelope{msg: msg}
	if len(bytes.TrimSpace(msg.Raw)) == 0 {
		env.parseErr = errors.New("empty message")
		return env
	}
	entity, err := gomessage.Read(bytes.NewReader(msg.Raw))
	if entity == nil {
		env.parseErr = fmt.Errorf("parse headers: %w", err)
		return env
	}
	header := gomail.Header{Header: entity.Header}

	env.headers = threading.Headers{
		MessageID:  tp.messageIDFromHeader(header),
		InReplyTo:  header.Get("In-Reply-To"),
		References: header.Values("References"),
		From:       tp.addressFromHeader(header),
		Subject:    tp.subjectFromHeader(header),
		Date:       parseDate(header),
	}
	return env
}

func (tp *TicketProcessor) messageIDFromHeader(header gomail.Header) string {
	if id, err := header.MessageID(); err == nil && id != "" {
		return msgid.Normalize(id)
	}
	return msgid.Normalize(header.Get("Message-Id"))
}

func (tp *TicketProcessor) subjectFromHeader(header gomail.Header) string {
	if subject, err := header.Subject(); err == nil {
		return strings.TrimSpace(subject)
	}
	return tp.decodeHeader(header.Get("Subject"))
}

func (tp *TicketProcessor) addressFromHeader(header gomail.Header) string {
	if list, err := header.AddressList("From"); err == nil && len(list) > 0 {
		return strings.TrimSpace(list[0].Address)
	}
	return tp.decodeHeader(header.Get("From"))
}

func (tp *TicketProcessor) decodeHeader(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return value
	}
	decoded, err := tp.decoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// dateLayouts covers Date headers net/mail rejects but clients still send.
var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"Mon, 2 Jan 2006 15:04 -0700",
	"2 Jan 2006 15:04:05 -0700",
	"Mon, 02 Jan 2006 15:04:05 -0700 (MST)",
	time.RFC850,
	time.ANSIC,
	time.RFC3339,
}

// parseDate returns the sent date, or the zero time when the header is
// missing or unparsable.
func parseDate(header gomail.Header) time.Time {
	if t, err := header.Date(); err == nil && !t.IsZero() {
		return t.UTC()
	}
	raw := strings.TrimSpace(header.Get("Date"))
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

var (
	_ connector.Handler       = (*TicketProcessor)(nil)
	_ connector.StageObserver = (*TicketProcessor)(nil)
)
