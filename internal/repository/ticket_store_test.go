package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talentdesk-io/talentdesk/internal/config"
	"github.com/talentdesk-io/talentdesk/internal/database"
	"github.com/talentdesk-io/talentdesk/internal/models"
)

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newSQLiteStore(t *testing.T) TicketStore {
	t.Helper()
	ctx := context.Background()
	qb, err := database.Open(ctx, config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    "file:" + filepath.Join(t.TempDir(), "tickets.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = qb.Close() })
	require.NoError(t, qb.Migrate(ctx))
	return NewSQLTicketStore(qb)
}

// forEachStore runs fn against every TicketStore implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s TicketStore)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryTicketStore()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteStore(t)) })
}

func ticket(id, subject string, created time.Time) *models.Ticket {
	return &models.Ticket{
		ID:          id,
		Subject:     subject,
		Status:      models.TicketStatusOpen,
		FromAddress: "alice@example.com",
		ThreadID:    "<" + id + "@example.com>",
		CreatedAt:   created,
	}
}

func message(id, ticketID string, dir models.Direction, sent time.Time) *models.TicketMessage {
	return &models.TicketMessage{
		ID:          id,
		TicketID:    ticketID,
		MessageID:   "<" + id + "@example.com>",
		FromAddress: "alice@example.com",
		Subject:     "subject " + id,
		SentAt:      sent,
		Direction:   dir,
		PlainBody:   "body " + id,
		CreatedAt:   sent,
	}
}

func TestTicketStore_CreateAndFind(t *testing.T) {
	forEachStore(t, func(t *testing.T, s TicketStore) {
		ctx := context.Background()
		tk := ticket("t1", "Hello", base)
		require.NoError(t, s.CreateTicket(ctx, tk))

		got, err := s.GetTicket(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, tk, got)

		got, err = s.FindTicketByThreadID(ctx, "<t1@example.com>")
		require.NoError(t, err)
		assert.Equal(t, "t1", got.ID)

		_, err = s.GetTicket(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.FindTicketByThreadID(ctx, "<missing@example.com>")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestTicketStore_DuplicateThreadID(t *testing.T) {
	forEachStore(t, func(t *testing.T, s TicketStore) {
		ctx := context.Background()
		require.NoError(t, s.CreateTicket(ctx, ticket("t1", "Hello", base)))

		dup := ticket("t2", "Hello again", base)
		dup.ThreadID = "<t1@example.com>"
		assert.ErrorIs(t, s.CreateTicket(ctx, dup), ErrDuplicate)
	})
}

func TestTicketStore_DuplicateMessageID(t *testing.T) {
	forEachStore(t, func(t *testing.T, s TicketStore) {
		ctx := context.Background()
		require.NoError(t, s.CreateTicket(ctx, ticket("t1", "Hello", base)))
		require.NoError(t, s.CreateMessage(ctx, message("m1", "t1", models.DirectionInbound, base)))

		dup := message("m2", "t1", models.DirectionInbound, base)
		dup.MessageID = "<m1@example.com>"
		assert.ErrorIs(t, s.CreateMessage(ctx, dup), ErrDuplicate)

		_, total, err := s.ListMessages(ctx, "t1", 0, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, total)
	})
}

func TestTicketStore_SetCustomerEmailIfEmpty(t *testing.T) {
	forEachStore(t, func(t *testing.T, s TicketStore) {
		ctx := context.Background()
		require.NoError(t, s.CreateTicket(ctx, ticket("t1", "Hello", base)))

		set, err := s.SetCustomerEmailIfEmpty(ctx, "t1", "alice@example.com")
		require.NoError(t, err)
		assert.True(t, set)

		set, err = s.SetCustomerEmailIfEmpty(ctx, "t1", "bob@example.com")
		require.NoError(t, err)
		assert.False(t, set)

		got, err := s.GetTicket(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, "alice@example.com", got.CustomerEmail)

		_, err = s.SetCustomerEmailIfEmpty(ctx, "missing", "x@example.com")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestTicketStore_UpdateStatus(t *testing.T) {
	forEachStore(t, func(t *testing.T, s TicketStore) {
		ctx := context.Background()
		require.NoError(t, s.CreateTicket(ctx, ticket("t1", "Hello", base)))
		require.NoError(t, s.UpdateStatus(ctx, "t1", models.TicketStatusClosed))

		got, err := s.GetTicket(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, models.TicketStatusClosed, got.Status)

		assert.ErrorIs(t, s.UpdateStatus(ctx, "missing", models.TicketStatusClosed), ErrNotFound)
	})
}

func TestTicketStore_ListTickets(t *testing.T) {
	forEachStore(t, func(t *testing.T, s TicketStore) {
		ctx := context.Background()
		subjects := []string{"Invoice", "Refund 100%", "Access", "Billing"}
		for i, subj := range subjects {
			tk := ticket(fmt.Sprintf("t%d", i), subj, base.Add(time.Duration(i)*time.Hour))
			if i%2 == 0 {
				tk.CustomerEmail = "alice@example.com"
			}
			require.NoError(t, s.CreateTicket(ctx, tk))
		}
		require.NoError(t, s.UpdateStatus(ctx, "t3", models.TicketStatusClosed))

		all, total, err := s.ListTickets(ctx, TicketFilter{})
		require.NoError(t, err)
		assert.Equal(t, 4, total)
		assert.Equal(t, []string{"t3", "t2", "t1", "t0"}, ids(all))

		page, total, err := s.ListTickets(ctx, TicketFilter{Sort: SortCreatedAsc, Limit: 2, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, 4, total)
		assert.Equal(t, []string{"t1", "t2"}, ids(page))

		bySubject, _, err := s.ListTickets(ctx, TicketFilter{Sort: SortSubjectAsc})
		require.NoError(t, err)
		assert.Equal(t, []string{"t2", "t3", "t0", "t1"}, ids(bySubject))

		open, total, err := s.ListTickets(ctx, TicketFilter{Status: models.TicketStatusOpen})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		assert.NotContains(t, ids(open), "t3")

		mine, _, err := s.ListTickets(ctx, TicketFilter{CustomerEmail: "alice@example.com"})
		require.NoError(t, err)
		assert.Equal(t, []string{"t2", "t0"}, ids(mine))

		found, _, err := s.ListTickets(ctx, TicketFilter{Query: "100%"})
		require.NoError(t, err)
		assert.Equal(t, []string{"t1"}, ids(found))

		found, _, err = s.ListTickets(ctx, TicketFilter{Query: "INVOICE"})
		require.NoError(t, err)
		assert.Equal(t, []string{"t0"}, ids(found))

		none, total, err := s.ListTickets(ctx, TicketFilter{Query: "t_"})
		require.NoError(t, err)
		assert.Zero(t, total)
		assert.Empty(t, none)
	})
}

func TestTicketStore_Messages(t *testing.T) {
	forEachStore(t, func(t *testing.T, s TicketStore) {
		ctx := context.Background()
		require.NoError(t, s.CreateTicket(ctx, ticket("t1", "Hello", base)))
		require.NoError(t, s.CreateTicket(ctx, ticket("t2", "Other", base)))

		// inserted out of order on purpose
		require.NoError(t, s.CreateMessage(ctx, message("m3", "t1", models.DirectionOutbound, base.Add(3*time.Minute))))
		require.NoError(t, s.CreateMessage(ctx, message("m1", "t1", models.DirectionInbound, base.Add(1*time.Minute))))
		require.NoError(t, s.CreateMessage(ctx, message("m2", "t1", models.DirectionInbound, base.Add(2*time.Minute))))
		require.NoError(t, s.CreateMessage(ctx, message("o1", "t2", models.DirectionInbound, base)))

		msgs, total, err := s.ListMessages(ctx, "t1", 0, 0)
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		assert.Equal(t, []string{"m1", "m2", "m3"}, messageIDs(msgs))

		msgs, total, err = s.ListMessages(ctx, "t1", 1, 1)
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		assert.Equal(t, []string{"m2"}, messageIDs(msgs))

		got, err := s.FindMessageByMessageID(ctx, "<m2@example.com>")
		require.NoError(t, err)
		assert.Equal(t, "t1", got.TicketID)
		assert.Equal(t, base.Add(2*time.Minute), got.SentAt)
		_, err = s.FindMessageByMessageID(ctx, "<none@example.com>")
		assert.ErrorIs(t, err, ErrNotFound)

		latest, err := s.LatestMessages(ctx, []string{"t1", "t2", "t9"}, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"m3", "m2"}, messageIDs(latest["t1"]))
		assert.Equal(t, []string{"o1"}, messageIDs(latest["t2"]))
		assert.NotContains(t, latest, "t9")

		counts, err := s.CountMessages(ctx, []string{"t1", "t2", "t9"})
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"t1": 3, "t2": 1}, counts)

		inbound, err := s.LatestInboundMessage(ctx, "t1")
		require.NoError(t, err)
		assert.Equal(t, "m2", inbound.ID)

		require.NoError(t, s.CreateTicket(ctx, ticket("t3", "Outbound only", base)))
		require.NoError(t, s.CreateMessage(ctx, message("x1", "t3", models.DirectionOutbound, base)))
		_, err = s.LatestInboundMessage(ctx, "t3")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestTicketStore_ConcurrentCreateTicketSingleWinner(t *testing.T) {
	forEachStore(t, func(t *testing.T, s TicketStore) {
		ctx := context.Background()
		const workers = 8
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				tk := ticket(fmt.Sprintf("c%d", i), "Race", base)
				tk.ThreadID = "<race@example.com>"
				err := s.CreateTicket(ctx, tk)
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, ErrDuplicate)
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})
}

func TestParseTicketSort(t *testing.T) {
	s, ok := ParseTicketSort("")
	assert.True(t, ok)
	assert.Equal(t, SortCreatedDesc, s)

	s, ok = ParseTicketSort(" Subject ")
	assert.True(t, ok)
	assert.Equal(t, SortSubjectAsc, s)

	s, ok = ParseTicketSort("priority")
	assert.False(t, ok)
	assert.Equal(t, DefaultSortOrder, s)
}

func TestMemoryTicketStore_FailMessageWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryTicketStore()
	require.NoError(t, s.CreateTicket(ctx, ticket("t1", "Hello", base)))

	boom := fmt.Errorf("disk full")
	s.FailMessageWrites(boom)
	assert.ErrorIs(t, s.CreateMessage(ctx, message("m1", "t1", models.DirectionInbound, base)), boom)

	s.FailMessageWrites(nil)
	assert.NoError(t, s.CreateMessage(ctx, message("m1", "t1", models.DirectionInbound, base)))
}

func ids(ts []*models.Ticket) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.ID)
	}
	return out
}

func messageIDs(ms []*models.TicketMessage) []string {
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.ID)
	}
	return out
}
