package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-tts/internal/config"
	"github.com/nats-io/nats.go"
)

// Client is the process's single NATS connection. Chunk traffic, progress
// events and node heartbeats all share it.
type Client struct {
	conn         *nats.Conn
	log          *slog.Logger
	closed       chan struct{}
	drainTimeout time.Duration
}

// Connect dials the configured servers. A dropped connection is retried
// in the background according to cfg; callers see it through Healthy.
func Connect(ctx context.Context, cfg config.BusConfig, name string, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log = log.With(slog.String("component", "bus"))

	c := &Client{
		log:          log,
		closed:       make(chan struct{}),
		drainTimeout: cfg.DrainTimeout(),
	}
	options := []nats.Option{
		nats.Name(name),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
		nats.ReconnectWait(cfg.ReconnectWait()),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("disconnected from NATS", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected to NATS", slog.String("url", nc.ConnectedUrlRedacted()))
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			close(c.closed)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			attrs := []any{slog.String("error", err.Error())}
			if sub != nil {
				attrs = append(attrs, slog.String("subject", sub.Subject))
			}
			log.Warn("NATS async error", attrs...)
		}),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	c.conn = conn

	log.Info("connected to NATS",
		slog.String("servers", url),
		slog.Int64("max_payload", conn.MaxPayload()),
	)
	return c, nil
}

// PublishJSON marshals v and publishes it on subject.
func (c *Client) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}
	if int64(len(data)) > c.conn.MaxPayload() {
		return fmt.Errorf("%s: %w", subject, nats.ErrMaxPayload)
	}
	return c.conn.Publish(subject, data)
}

// MaxPayload is the largest message the server accepts, in bytes.
func (c *Client) MaxPayload() int64 {
	return c.conn.MaxPayload()
}

// Close drains subscriptions so in-flight chunk replies are delivered, then
// closes the connection. It gives up on draining after the drain timeout.
func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}
	c.log.Info("closing NATS connection")
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
		return
	}
	select {
	case <-c.closed:
	case <-time.After(c.drainTimeout + time.Second):
		c.log.Warn("NATS drain did not finish, closing")
		c.conn.Close()
	}
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}
