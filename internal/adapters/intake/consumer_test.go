package intake

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/iview-tiler/internal/domain/model"
	apperrors "github.com/target/iview-tiler/internal/errors"
	"github.com/target/iview-tiler/internal/observability/statsd"
)

type fakeEnqueuer struct {
	enqueued   []model.TileJobKey
	removed    []model.TileJobKey
	collection []string

	stopped bool
	err     error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, key model.TileJobKey) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if f.stopped {
		return false, nil
	}
	f.enqueued = append(f.enqueued, key)
	return true, nil
}

func (f *fakeEnqueuer) RemoveJob(_ context.Context, key model.TileJobKey) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.removed = append(f.removed, key)
	return 1, nil
}

func (f *fakeEnqueuer) RemoveAllJobsForCollection(_ context.Context, id string) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.collection = append(f.collection, id)
	return 3, nil
}

type fakeAck struct {
	acked    int
	rejected int
	requeued int
}

func (a *fakeAck) Ack(bool) error { a.acked++; return nil }

func (a *fakeAck) Nack(_ bool, requeue bool) error {
	if requeue {
		a.requeued++
	} else {
		a.rejected++
	}
	return nil
}

func newTestConsumer(t *testing.T, enq *fakeEnqueuer, rec *statsd.Recorder) *Consumer {
	t.Helper()
	opts := ConsumerOptions{Enqueuer: enq, Queue: "tiles"}
	if rec != nil {
		opts.Metrics = rec
	}
	c, err := NewConsumer(opts)
	require.NoError(t, err)
	return c
}

func TestNewConsumer_Validation(t *testing.T) {
	_, err := NewConsumer(ConsumerOptions{Queue: "tiles"})
	require.Error(t, err)
	_, err = NewConsumer(ConsumerOptions{Enqueuer: &fakeEnqueuer{}, Queue: " "})
	require.Error(t, err)
}

func TestDecodeMessage(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    Message
		wantErr bool
	}{
		{
			name: "enqueue",
			body: `{"action":"enqueue","collection_id":"c1","path":"a/b.tif"}`,
			want: Message{Action: ActionEnqueue, CollectionID: "c1", Path: "a/b.tif"},
		},
		{
			name: "action is case insensitive",
			body: `{"action":" Remove ","collection_id":"c1","path":"a.tif"}`,
			want: Message{Action: ActionRemove, CollectionID: "c1", Path: "a.tif"},
		},
		{
			name: "remove collection needs no path",
			body: `{"action":"remove_collection","collection_id":"c1"}`,
			want: Message{Action: ActionRemoveCollection, CollectionID: "c1"},
		},
		{name: "not json", body: `enqueue c1 a.tif`, wantErr: true},
		{name: "unknown action", body: `{"action":"retile","collection_id":"c1","path":"a.tif"}`, wantErr: true},
		{name: "missing path", body: `{"action":"enqueue","collection_id":"c1"}`, wantErr: true},
		{name: "escaping path", body: `{"action":"enqueue","collection_id":"c1","path":"../x.tif"}`, wantErr: true},
		{name: "missing collection", body: `{"action":"remove_collection"}`, wantErr: true},
		{name: "parent collection", body: `{"action":"enqueue","collection_id":"..","path":"x.png"}`, wantErr: true},
		{name: "current collection", body: `{"action":"remove","collection_id":".","path":"x.png"}`, wantErr: true},
		{name: "parent collection removal", body: `{"action":"remove_collection","collection_id":".."}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeMessage([]byte(tt.body))
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMalformedMessage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConsumer_HandleAppliesActions(t *testing.T) {
	enq := &fakeEnqueuer{}
	c := newTestConsumer(t, enq, nil)
	ctx := context.Background()

	disp, err := c.Handle(ctx, []byte(`{"action":"enqueue","collection_id":"c1","path":"a.tif"}`))
	require.NoError(t, err)
	assert.Equal(t, Ack, disp)

	disp, err = c.Handle(ctx, []byte(`{"action":"remove","collection_id":"c1","path":"b.tif"}`))
	require.NoError(t, err)
	assert.Equal(t, Ack, disp)

	disp, err = c.Handle(ctx, []byte(`{"action":"remove_collection","collection_id":"c2"}`))
	require.NoError(t, err)
	assert.Equal(t, Ack, disp)

	assert.Equal(t, []model.TileJobKey{model.NewTileJobKey("c1", "a.tif")}, enq.enqueued)
	assert.Equal(t, []model.TileJobKey{model.NewTileJobKey("c1", "b.tif")}, enq.removed)
	assert.Equal(t, []string{"c2"}, enq.collection)
}

func TestConsumer_HandleDispositions(t *testing.T) {
	body := []byte(`{"action":"enqueue","collection_id":"c1","path":"a.tif"}`)
	unreachable := apperrors.MapDBError(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")})
	tests := []struct {
		name string
		enq  *fakeEnqueuer
		body []byte
		want Disposition
	}{
		{name: "malformed", enq: &fakeEnqueuer{}, body: []byte(`{`), want: Reject},
		{
			name: "validation error from store",
			enq:  &fakeEnqueuer{err: apperrors.Validationf("bad key")},
			body: body,
			want: Reject,
		},
		{
			name: "invalid key error",
			enq:  &fakeEnqueuer{err: model.ErrInvalidTileJobKey},
			body: body,
			want: Reject,
		},
		{
			name: "retryable conflict",
			enq:  &fakeEnqueuer{err: apperrors.RetryableConflict(errors.New("serialization"), "busy")},
			body: body,
			want: Requeue,
		},
		{name: "store unreachable", enq: &fakeEnqueuer{err: unreachable}, body: body, want: Requeue},
		{
			name: "store timeout",
			enq:  &fakeEnqueuer{err: apperrors.MapDBError(context.DeadlineExceeded)},
			body: body,
			want: Requeue,
		},
		{
			name: "internal store error",
			enq:  &fakeEnqueuer{err: &apperrors.AppError{Code: apperrors.ErrCodeInternal, Message: "a database error occurred"}},
			body: body,
			want: Reject,
		},
		{name: "unclassified error", enq: &fakeEnqueuer{err: errors.New("boom")}, body: body, want: Reject},
		{name: "queue stopped", enq: &fakeEnqueuer{stopped: true}, body: body, want: Requeue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestConsumer(t, tt.enq, nil)
			disp, err := c.Handle(context.Background(), tt.body)
			require.Error(t, err)
			assert.Equal(t, tt.want, disp)
		})
	}
}

func TestConsumer_ProcessSettlesDelivery(t *testing.T) {
	rec := &statsd.Recorder{}
	enq := &fakeEnqueuer{}
	c := newTestConsumer(t, enq, rec)
	ctx := context.Background()

	ack := &fakeAck{}
	assert.Equal(t, Ack, c.Process(ctx, []byte(`{"action":"enqueue","collection_id":"c1","path":"a.tif"}`), ack))
	assert.Equal(t, Reject, c.Process(ctx, []byte(`nope`), ack))
	enq.err = apperrors.MapDBError(context.DeadlineExceeded)
	assert.Equal(t, Requeue, c.Process(ctx, []byte(`{"action":"remove_collection","collection_id":"c1"}`), ack))

	assert.Equal(t, 1, ack.acked)
	assert.Equal(t, 1, ack.rejected)
	assert.Equal(t, 1, ack.requeued)

	assert.Equal(t, int64(1), rec.Sum(metricMessages, map[string]string{"disposition": "ack"}))
	assert.Equal(t, int64(1), rec.Sum(metricMessages, map[string]string{"disposition": "reject"}))
	assert.Equal(t, int64(1), rec.Sum(metricMessages, map[string]string{"disposition": "requeue"}))
}

func TestDisposition_String(t *testing.T) {
	assert.Equal(t, "ack", Ack.String())
	assert.Equal(t, "Disposition(9)", Disposition(9).String())
}
