package eventbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/fyrsmithlabs/forged/pkg/api/v1"
)

// startTestNATSServer starts an embedded NATS server for testing.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1, // Random port
		NoLog:  true,
		NoSigs: true,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func publishN(t *testing.T, b *Bus, runID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		seq, err := b.Publish(ctx, runID, v1.EventLogAppend, v1.LogPayload{Line: "line"})
		require.NoError(t, err)
		require.Equal(t, uint64(i+1), seq)
	}
}

func TestPublish_SequencesAreGapFree(t *testing.T) {
	b := New(nil, nil)
	publishN(t, b, "run-1", 10)

	events, err := b.History(context.Background(), "run-1", 1)
	require.NoError(t, err)
	require.Len(t, events, 10)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.Equal(t, "run-1", ev.RunID)
	}
}

func TestHistory_Replay(t *testing.T) {
	b := New(nil, nil)
	publishN(t, b, "run-1", 5)
	ctx := context.Background()

	full, err := b.History(ctx, "run-1", 1)
	require.NoError(t, err)
	assert.Len(t, full, 5)

	// Having seen 1..3, replay from 4 yields exactly 4..5.
	tail, err := b.History(ctx, "run-1", 4)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, uint64(4), tail[0].Seq)
	assert.Equal(t, uint64(5), tail[1].Seq)

	empty, err := b.History(ctx, "run-1", 6)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestHistory_UnknownRun(t *testing.T) {
	b := New(nil, nil)
	_, err := b.History(context.Background(), "missing", 1)
	var nf *v1.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestSubscribeLive_BacklogThenLive(t *testing.T) {
	b := New(nil, nil)
	ctx := context.Background()
	publishN(t, b, "run-1", 3)

	sub, err := b.SubscribeLive(ctx, "run-1", 2)
	require.NoError(t, err)
	defer sub.Cancel()

	// Backlog: 2 and 3.
	ev := <-sub.C
	assert.Equal(t, uint64(2), ev.Seq)
	ev = <-sub.C
	assert.Equal(t, uint64(3), ev.Seq)

	_, err = b.Publish(ctx, "run-1", v1.EventRunProgress, v1.ProgressPayload{Percent: 50})
	require.NoError(t, err)

	select {
	case ev = <-sub.C:
		assert.Equal(t, uint64(4), ev.Seq)
		assert.Equal(t, v1.EventRunProgress, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected live event")
	}
}

func TestClose_ClosesSubscribersAndRejectsPublish(t *testing.T) {
	b := New(nil, nil)
	ctx := context.Background()
	publishN(t, b, "run-1", 1)

	sub, err := b.SubscribeLive(ctx, "run-1", 1)
	require.NoError(t, err)
	<-sub.C // drain backlog

	b.Close(ctx, "run-1")

	_, open := <-sub.C
	assert.False(t, open)

	_, err = b.Publish(ctx, "run-1", v1.EventLogAppend, nil)
	require.Error(t, err)

	// Replay still works after close.
	events, err := b.History(ctx, "run-1", 1)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestSubscribeLive_AfterClose(t *testing.T) {
	b := New(nil, nil)
	ctx := context.Background()
	publishN(t, b, "run-1", 2)
	b.Close(ctx, "run-1")

	sub, err := b.SubscribeLive(ctx, "run-1", 1)
	require.NoError(t, err)

	var got []uint64
	for ev := range sub.C {
		got = append(got, ev.Seq)
	}
	assert.Equal(t, []uint64{1, 2}, got)
}

func TestPublish_MirrorsToNATS(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	msgCh := make(chan *nats.Msg, 4)
	_, err = nc.ChanSubscribe("runs.run-1.*", msgCh)
	require.NoError(t, err)

	b := New(nil, nc)
	_, err = b.Publish(context.Background(), "run-1", v1.EventRunStatus, v1.StatusPayload{Status: v1.RunAnalyzing})
	require.NoError(t, err)

	select {
	case msg := <-msgCh:
		assert.Equal(t, "runs.run-1.run.status", msg.Subject)
		var ev v1.Event
		require.NoError(t, json.Unmarshal(msg.Data, &ev))
		assert.Equal(t, uint64(1), ev.Seq)
		assert.Equal(t, v1.EventRunStatus, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("expected mirrored event on NATS")
	}
}

func TestLastSeq(t *testing.T) {
	b := New(nil, nil)
	assert.Equal(t, uint64(0), b.LastSeq("run-1"))
	publishN(t, b, "run-1", 3)
	assert.Equal(t, uint64(3), b.LastSeq("run-1"))
}
