package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talentdesk-io/talentdesk/internal/email/inbound/connector"
	"github.com/talentdesk-io/talentdesk/internal/email/inbound/postmaster"
	"github.com/talentdesk-io/talentdesk/internal/lock"
	"github.com/talentdesk-io/talentdesk/internal/metrics"
	"github.com/talentdesk-io/talentdesk/internal/runner"
)

type fakeFetcher struct {
	err      error
	accounts []connector.Account
	started  chan struct{}
	block    chan struct{}
}

func (f *fakeFetcher) Name() string { return "fake" }

func (f *fakeFetcher) Fetch(ctx context.Context, account connector.Account, h connector.Handler) error {
	f.accounts = append(f.accounts, account)
	if f.block != nil {
		close(f.started)
		<-f.block
	}
	if obs, ok := h.(connector.StageObserver); ok {
		obs.ObserveStage(connector.StageFetching)
		obs.ObserveStage(connector.StageIdle)
	}
	_, err := h.HandleBatch(ctx, nil)
	if err != nil {
		return err
	}
	return f.err
}

type observingHandler struct {
	stages  []connector.Stage
	batches int
}

func (h *observingHandler) HandleBatch(_ context.Context, msgs []*connector.FetchedMessage) ([]*connector.FetchedMessage, error) {
	h.batches++
	return msgs, nil
}

func (h *observingHandler) ObserveStage(s connector.Stage) { h.stages = append(h.stages, s) }

func factoryFor(f connector.Fetcher) connector.Factory {
	return connector.NewFactory(connector.WithFetcher(f, "imaps"))
}

func TestMailPollRun(t *testing.T) {
	f := &fakeFetcher{}
	h := &observingHandler{}
	account := connector.Account{ID: "poll-ok", Type: "imaps"}
	task := NewMailPollTask(account, factoryFor(f), h, WithPollSchedule(30*time.Second, 10*time.Second))

	assert.Equal(t, "mail-poll:poll-ok", task.Name())
	assert.Equal(t, "@every 30s", task.Schedule())
	assert.Equal(t, 10*time.Second, task.Timeout())

	require.NoError(t, task.Run(context.Background()))
	require.Len(t, f.accounts, 1)
	assert.Equal(t, "poll-ok", f.accounts[0].ID)
	assert.Equal(t, 1, h.batches)
	assert.Equal(t, []connector.Stage{connector.StageFetching, connector.StageIdle}, h.stages)
	assert.Equal(t, float64(connector.StageIdle), testutil.ToFloat64(metrics.PollStage.WithLabelValues("poll-ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PollRuns.WithLabelValues("poll-ok", "ok")))
}

func TestMailPollFetchError(t *testing.T) {
	f := &fakeFetcher{err: errors.New("connection refused")}
	task := NewMailPollTask(connector.Account{ID: "poll-err", Type: "imaps"}, factoryFor(f), &observingHandler{})

	err := task.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PollRuns.WithLabelValues("poll-err", "error")))
}

func TestMailPollUnknownConnector(t *testing.T) {
	task := NewMailPollTask(connector.Account{ID: "poll-type", Type: "exchange"}, factoryFor(&fakeFetcher{}), &observingHandler{})
	assert.Error(t, task.Run(context.Background()))
}

func TestMailPollSkipsWhileLocked(t *testing.T) {
	f := &fakeFetcher{started: make(chan struct{}), block: make(chan struct{})}
	locker := lock.NewLocalLocker()
	account := connector.Account{ID: "poll-busy", Type: "imaps"}
	first := NewMailPollTask(account, factoryFor(f), &observingHandler{}, WithPollLocker(locker))
	second := NewMailPollTask(account, factoryFor(f), &observingHandler{}, WithPollLocker(locker))

	done := make(chan error, 1)
	go func() { done <- first.Run(context.Background()) }()
	<-f.started

	err := second.Run(context.Background())
	assert.ErrorIs(t, err, ErrPollInProgress)
	assert.ErrorIs(t, err, runner.ErrSkipped)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.LockContention.WithLabelValues("poll-busy")))

	close(f.block)
	require.NoError(t, <-done)

	f.block = nil
	require.NoError(t, second.Run(context.Background()), "lock is released after the run")
}

func TestRecordResult(t *testing.T) {
	before := testutil.ToFloat64(metrics.MessagesProcessed.WithLabelValues("duplicate"))
	RecordResult(postmaster.Result{Action: postmaster.ActionDuplicate})
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.MessagesProcessed.WithLabelValues("duplicate")))
}
