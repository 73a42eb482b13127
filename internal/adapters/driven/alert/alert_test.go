package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/marketplace-orchestrator/internal/core/domain"
	"github.com/custodia-labs/marketplace-orchestrator/internal/core/ports/driven/mocks"
)

type publishCall struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	calls  []publishCall
	err    error
	closed bool
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, publishCall{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func newTestPublisher(ch *fakeChannel) *Publisher {
	return &Publisher{
		channel:       ch,
		exchange:      "marketplace.alerts",
		routingPrefix: "alerts.",
		logger:        slog.Default(),
	}
}

func TestPublisher_Alert(t *testing.T) {
	ch := &fakeChannel{}
	p := newTestPublisher(ch)

	job := domain.NewPushUpdateJob("item-1", []string{"price"}, 3)
	job.Attempts = 5
	job.Error = "upstream unavailable"

	require.NoError(t, p.Alert(context.Background(), domain.NewJobFailedAlert(job)))
	require.Len(t, ch.calls, 1)

	call := ch.calls[0]
	assert.Equal(t, "marketplace.alerts", call.exchange)
	assert.Equal(t, "alerts.job_failed", call.key)
	assert.Equal(t, amqp.Persistent, call.msg.DeliveryMode)
	assert.Equal(t, "application/json", call.msg.ContentType)

	var got domain.Alert
	require.NoError(t, json.Unmarshal(call.msg.Body, &got))
	assert.Equal(t, job.ID, got.JobID)
	assert.Equal(t, "item-1", got.ListingID)
	assert.Equal(t, 5, got.Attempts)
}

func TestPublisher_Alert_StampsTime(t *testing.T) {
	ch := &fakeChannel{}
	p := newTestPublisher(ch)

	require.NoError(t, p.Alert(context.Background(), domain.Alert{Kind: domain.AlertAuthRejected}))
	require.Len(t, ch.calls, 1)
	assert.WithinDuration(t, time.Now(), ch.calls[0].msg.Timestamp, time.Minute)
}

func TestPublisher_Alert_Error(t *testing.T) {
	ch := &fakeChannel{err: assert.AnError}
	p := newTestPublisher(ch)

	err := p.Alert(context.Background(), domain.Alert{Kind: domain.AlertManualReview})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestPublisher_Close(t *testing.T) {
	ch := &fakeChannel{}
	require.NoError(t, newTestPublisher(ch).Close())
	assert.True(t, ch.closed)
}

func TestLogAlerter(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	err := NewLogAlerter(logger).Alert(context.Background(), domain.Alert{
		Kind:       domain.AlertManualReview,
		ListingID:  "item-7",
		ConflictID: "c-1",
		Message:    "price changed on both sides",
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"kind":"manual_review"`)
	assert.Contains(t, buf.String(), `"conflict_id":"c-1"`)
}

func TestFanout(t *testing.T) {
	ok := mocks.NewMockAlerter()
	failing := &fakeChannel{err: assert.AnError}

	f := Fanout{newTestPublisher(failing), ok}
	err := f.Alert(context.Background(), domain.Alert{Kind: domain.AlertJobFailed})

	assert.ErrorIs(t, err, assert.AnError)
	assert.Len(t, ok.Alerts(), 1)
}
