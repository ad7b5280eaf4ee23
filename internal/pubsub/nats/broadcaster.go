package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tokenpulse/internal/config"
	"tokenpulse/internal/pubsub"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"gitlab.com/nevasik7/alerting/logger"
)

var ErrNotConnected = errors.New("nats connection not ready")

const drainTimeout = 10 * time.Second

type Client struct {
	nc     *nats.Conn
	log    logger.Logger
	prefix string        // prepended to every subject, "tokenpulse" -> "tokenpulse.metrics.<address>"
	closed chan struct{} // closed by nats once the conn reaches CLOSED
}

var (
	_ pubsub.Broadcaster = (*Client)(nil)
	_ pubsub.Subscriber  = (*Client)(nil)
)

func Connect(cfg *config.NATSConfig, log logger.Logger) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	url := cfg.URL
	if url == "" {
		return nil, errors.New("nats url is required")
	}

	closed := make(chan struct{})

	opts := []nats.Option{
		nats.Name("tokenpulse"),
		nats.DrainTimeout(drainTimeout),
		nats.ClosedHandler(func(_ *nats.Conn) { close(closed) }),
		nats.Timeout(5 * time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1), // endless reconnected
		nats.ReconnectWait(2 * time.Second),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Infof("Connected to NATS successfully, url=%s", url)

	return &Client{
		nc:     nc,
		log:    log,
		prefix: cfg.BroadcastPrefix,
		closed: closed,
	}, nil
}

func (c *Client) subject(s string) string {
	if c.prefix == "" {
		return s
	}
	return c.prefix + "." + s
}

// JSON encodes data (raw []byte is sent as is) and publishes it under the prefixed subject
func (c *Client) Publish(ctx context.Context, subject string, data interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.Ready() {
		return ErrNotConnected
	}

	payload, ok := data.([]byte)
	if !ok {
		var err error
		if payload, err = json.Marshal(data); err != nil {
			return fmt.Errorf("failed to encode message for %s: %w", subject, err)
		}
	}

	msg := nats.NewMsg(c.subject(subject))
	msg.Data = payload
	msg.Header.Set(nats.MsgIdHdr, uuid.NewString())
	msg.Header.Set("Content-Type", "application/json")

	if err := c.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", msg.Subject, err)
	}
	return nil
}

// Subscriptions made while reconnecting are replayed once the connection is back
func (c *Client) Subscribe(subject string, handler pubsub.Handler) error {
	if c.nc == nil || c.nc.IsClosed() {
		return ErrNotConnected
	}

	full := c.subject(subject)
	_, err := c.nc.Subscribe(full, func(m *nats.Msg) {
		handler(context.Background(), m.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", full, err)
	}

	c.log.Infof("Subscribed to NATS subject=%s", full)
	return nil
}

func (c *Client) Health(_ context.Context) error {
	if !c.Ready() {
		return ErrNotConnected
	}
	return nil
}

func (c *Client) Ready() bool {
	if c.nc == nil {
		return false
	}
	return c.nc.Status() == nats.CONNECTED
}

func (c *Client) Status() nats.Status {
	if c.nc == nil {
		return nats.DISCONNECTED
	}
	return c.nc.Status()
}

func (c *Client) Close() error {
	if c.nc == nil {
		return nil
	}

	// check not close this conn
	if c.nc.Status() == nats.CLOSED {
		return nil
	}

	// drain also unsubscribes everything we registered and lets running handlers finish;
	// it is async, nats closes the conn itself once done
	if err := c.nc.Drain(); err != nil {
		c.log.Errorf("Failed to drain connection to NATS, error=%v", err)
		c.nc.Close()
		return fmt.Errorf("failed to drain connection to NATS: %w", err)
	}

	if c.closed != nil {
		select {
		case <-c.closed:
		case <-time.After(drainTimeout + time.Second):
			c.log.Warnf("NATS drain did not finish in %s, closing", drainTimeout)
		}
	}

	c.nc.Close()
	c.log.Infof("NATS connection closed gracefully")
	return nil
}
