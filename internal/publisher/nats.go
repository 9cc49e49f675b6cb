package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"bus-tracker/internal/transit"
)

type natsConn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher republishes tracking events on per-vehicle subjects of the
// form <prefix>.<vehicle>.<event>.
type NATSPublisher struct {
	nc          natsConn
	conn        *nats.Conn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

// NewNATSPublisher connects to url and keeps reconnecting for as long as the
// process runs; the connected gauge follows the connection state.
func NewNATSPublisher(url, prefix string, logSubjects bool, m PublisherMetrics) (*NATSPublisher, error) {
	state := func(up bool, msg string, err error) {
		if m != nil {
			m.NATSSetConnected(up)
		}
		entry := logrus.WithField("url", url)
		if err != nil {
			entry = entry.WithError(err)
		}
		if up {
			entry.Info(msg)
		} else {
			entry.Warn(msg)
		}
	}
	nc, err := nats.Connect(url,
		nats.Name("bus-tracker"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) { state(false, "nats disconnected", err) }),
		nats.ReconnectHandler(func(_ *nats.Conn) { state(true, "nats reconnected", nil) }),
		nats.ClosedHandler(func(_ *nats.Conn) { state(false, "nats connection closed", nil) }),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	state(true, "nats connected", nil)
	p := newNATSPublisher(nc, prefix, logSubjects, m)
	p.conn = nc
	return p, nil
}

func newNATSPublisher(nc natsConn, prefix string, logSubjects bool, m PublisherMetrics) *NATSPublisher {
	if prefix == "" {
		prefix = "tracking"
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logSubjects: logSubjects, metrics: m}
}

func (p *NATSPublisher) Close() {
	if p.conn != nil {
		_ = p.conn.Drain()
		p.conn.Close()
	}
}

func (p *NATSPublisher) Subject(ev transit.Event) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, subjectToken(ev.Vehicle), subjectToken(string(ev.Kind)))
}

// Send publishes the event payload as JSON.
func (p *NATSPublisher) Send(_ context.Context, ev transit.Event) error {
	subject := p.Subject(ev)
	b, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	if p.logSubjects {
		logrus.WithField("subject", subject).Debug("nats publish")
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

var tokenReplacer = strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")

// subjectToken makes s usable as one subject token: no separators or
// wildcards, never empty.
func subjectToken(s string) string {
	if s = tokenReplacer.Replace(strings.TrimSpace(s)); s == "" {
		return "_"
	}
	return s
}
