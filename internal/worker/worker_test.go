package worker_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/steveyegge/analyzerd/internal/protocol"
	"github.com/steveyegge/analyzerd/internal/transport"
	"github.com/steveyegge/analyzerd/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) (*worker.Server, string, *int) {
	t.Helper()
	calls := 0
	srv := worker.NewServer(worker.HandlerFunc(func(ctx context.Context, req protocol.Request, progress worker.ProgressFunc) (interface{}, error) {
		calls++
		return "ok", nil
	}), nil)
	srv.CloseWait = time.Second
	srv.FirstFrameTimeout = 200 * time.Millisecond
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, ts.URL, &calls
}

func TestUnexpectedOpeningFrame(t *testing.T) {
	srv, url, calls := newServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := transport.NewWebSocketDialer().Dial(ctx, url)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send(ctx, protocol.Cancel{TaskID: "t-1"}))
	_, err = conn.Receive(ctx)
	assert.Error(t, err, "server closes without answering")
	assert.Zero(t, *calls)
	assert.Zero(t, srv.Stats.Requests.Load())
	assert.EqualValues(t, 1, srv.Stats.Connections.Load())
}

func TestSilentCallerTimesOut(t *testing.T) {
	_, url, calls := newServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := transport.NewWebSocketDialer().Dial(ctx, url)
	require.NoError(t, err)
	defer conn.Close()

	start := time.Now()
	_, err = conn.Receive(ctx)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.Zero(t, *calls)
}
