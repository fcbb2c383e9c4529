// Package notify publishes watcher drift events to NATS JetStream.
//
// Events go to <prefix>.<tenant>.<source> with a Nats-Msg-Id derived from
// the transition, so a retried publish of the same drift is dropped by the
// stream's duplicate window.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/roach88/complyflow/internal/watcher"
)

// DefaultSubjectPrefix is the subject prefix when none is configured.
const DefaultSubjectPrefix = "complyflow.drift"

// DefaultStream is the JetStream stream that captures drift events.
const DefaultStream = "COMPLYFLOW_DRIFT"

// publisher is the part of jetstream.JetStream the sink needs.
type publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

var _ watcher.EventSink = (*Sink)(nil)

// Sink is a watcher.EventSink writing to JetStream.
type Sink struct {
	js     publisher
	prefix string
	nc     *nats.Conn
}

// Connect dials url, ensures the drift stream exists and returns a Sink
// publishing under prefix.
func Connect(ctx context.Context, url, prefix string) (*Sink, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}

	nc, err := nats.Connect(url,
		nats.Name("complyflow-watcher"),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(5),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream instance: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       DefaultStream,
		Subjects:   []string{prefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour,
		Duplicates: 10 * time.Minute,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream %s: %w", DefaultStream, err)
	}

	return &Sink{js: js, prefix: prefix, nc: nc}, nil
}

// Close drains the connection.
func (s *Sink) Close() error {
	if s.nc == nil || s.nc.IsClosed() {
		return nil
	}
	return s.nc.Drain()
}

// Publish implements watcher.EventSink.
func (s *Sink) Publish(ctx context.Context, ev *watcher.WatchEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("publish drift: marshal: %w", err)
	}
	subject := Subject(s.prefix, ev.TenantID, ev.SourceKey)
	ack, err := s.js.Publish(ctx, subject, data, jetstream.WithMsgID(MessageID(ev)))
	if err != nil {
		return fmt.Errorf("failed to publish message to subject %s: %w", subject, err)
	}
	if ack.Duplicate {
		slog.Debug("drift event already published", "subject", subject, "seq", ack.Sequence)
	}
	return nil
}

// Subject builds the publish subject. Characters NATS treats specially in
// a token are replaced with '_'.
func Subject(prefix, tenantID, sourceKey string) string {
	return prefix + "." + token(tenantID) + "." + token(sourceKey)
}

// MessageID identifies one fingerprint transition of one source.
func MessageID(ev *watcher.WatchEvent) string {
	from := ""
	if ev.Previous != nil {
		from = ev.Previous.Fingerprint
	}
	return ev.TenantID + "/" + ev.SourceKey + "/" + from + ">" + ev.Current.Fingerprint
}

func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
