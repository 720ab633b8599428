package activity

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/roach88/transformflow/internal/ir"
)

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

func testMessage() ir.Message {
	return ir.Message{
		ID:         "msg-1",
		InstanceID: "inst-1",
		Role:       ir.RoleAgent,
		Phase:      ir.PhaseChangeDetection,
		Content:    "Checking if existing transformation can be reused...",
		Timestamp:  time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
	}
}

func TestNATSSink_Publishes(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	sink := NewNATSSink(nc, "")
	sub, err := nc.SubscribeSync("transformflow.*.messages")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	require.NoError(t, sink.AppendLog(context.Background(), testMessage()))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "transformflow.inst-1.messages", msg.Subject)
	assert.Equal(t, "msg-1", msg.Header.Get(nats.MsgIdHdr))

	var got ir.Message
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, testMessage(), got)
}

func TestNATSSink_Subject(t *testing.T) {
	sink := NewNATSSink(nil, "audit")
	assert.Equal(t, "audit.inst-1.messages", sink.Subject("inst-1"))
	assert.Equal(t, "audit.a_b_c.messages", sink.Subject("a.b*c"))
}

func TestNATSSink_ClosedConnection(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	nc.Close()

	err = NewNATSSink(nc, "").AppendLog(context.Background(), testMessage())
	assert.Error(t, err)
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))

	require.NoError(t, sink.AppendLog(context.Background(), testMessage()))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "audit", entries[0].Message)
	assert.Equal(t, "inst-1", entries[0].ContextMap()["instance_id"])
}

type failingSink struct{ err error }

func (f failingSink) AppendLog(context.Context, ir.Message) error { return f.err }

func TestMultiSink(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	boom := errors.New("down")

	ok := MultiSink{NewLogSink(zap.New(core)), NewLogSink(zap.New(core))}
	require.NoError(t, ok.AppendLog(context.Background(), testMessage()))
	assert.Equal(t, 2, logs.Len())

	bad := MultiSink{failingSink{boom}, NewLogSink(zap.New(core))}
	assert.ErrorIs(t, bad.AppendLog(context.Background(), testMessage()), boom)
	assert.Equal(t, 2, logs.Len())
}
