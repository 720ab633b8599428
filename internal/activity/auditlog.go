package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/roach88/transformflow/internal/ir"
)

// DefaultSubjectPrefix is the subject prefix used when none is configured.
const DefaultSubjectPrefix = "transformflow"

// NATSSink publishes audit messages to NATS on
// <prefix>.<instance_id>.messages.
type NATSSink struct {
	nc     *nats.Conn
	prefix string
}

var _ Sink = (*NATSSink)(nil)

// NewNATSSink creates a sink publishing on nc.
func NewNATSSink(nc *nats.Conn, prefix string) *NATSSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSink{nc: nc, prefix: prefix}
}

// Subject returns the subject messages of instanceID are published on.
func (s *NATSSink) Subject(instanceID string) string {
	return fmt.Sprintf("%s.%s.messages", s.prefix, subjectToken(instanceID))
}

// AppendLog publishes msg as JSON. The message id is sent as the
// Nats-Msg-Id header so a redelivered message can be deduplicated.
func (s *NATSSink) AppendLog(ctx context.Context, msg ir.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	m := nats.NewMsg(s.Subject(msg.InstanceID))
	m.Data = data
	m.Header.Set(nats.MsgIdHdr, msg.ID)
	if err := s.nc.PublishMsg(m); err != nil {
		return fmt.Errorf("publish message %s: %w", msg.ID, err)
	}
	return nil
}

// subjectToken makes s safe as a single subject token.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// LogSink writes audit messages to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

var _ Sink = (*LogSink)(nil)

// NewLogSink creates a sink writing to logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// AppendLog implements Sink.
func (s *LogSink) AppendLog(_ context.Context, msg ir.Message) error {
	s.logger.Info("audit",
		zap.String("instance_id", msg.InstanceID),
		zap.String("message_id", msg.ID),
		zap.String("role", string(msg.Role)),
		zap.String("phase", string(msg.Phase)),
		zap.String("content", msg.Content),
	)
	return nil
}

// MultiSink delivers to every sink in order and stops at the first error.
type MultiSink []Sink

// AppendLog implements Sink.
func (m MultiSink) AppendLog(ctx context.Context, msg ir.Message) error {
	for _, s := range m {
		if err := s.AppendLog(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}
