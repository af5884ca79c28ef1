package transport

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// WSChannel is the optional low-latency push channel to the remote
// endpoint's /ws route. Most agents never enable it; send_events over HTTPS
// is the default and only required path (spec.md §4.6).
type WSChannel struct {
	url    string
	dialer *websocket.Dialer
	logger *slog.Logger

	incoming chan []byte
}

// NewWSChannel builds a WSChannel that dials endpoint's /ws route, reusing
// the Transport's TLS configuration.
func NewWSChannel(endpoint string, tlsCfg MTLSConfig, logger *slog.Logger) (*WSChannel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	wsURL := strings.Replace(endpoint, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	parsed, err := url.Parse(wsURL)
	if err != nil {
		return nil, err
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/ws"

	tlsConfig, err := buildTLSConfig(tlsCfg)
	if err != nil {
		return nil, err
	}

	return &WSChannel{
		url:      parsed.String(),
		dialer:   &websocket.Dialer{TLSClientConfig: tlsConfig, HandshakeTimeout: 10 * time.Second},
		logger:   logger,
		incoming: make(chan []byte, 64),
	}, nil
}

// Incoming returns the channel on which server-pushed messages (mostly
// out-of-band config-change notifications) arrive.
func (c *WSChannel) Incoming() <-chan []byte { return c.incoming }

// Run dials and holds the connection open, reconnecting on a fixed 5s
// backoff until ctx is cancelled (spec.md §4.6's "simple fixed backoff,
// this channel is a convenience, not the durable path").
func (c *WSChannel) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(c.incoming)
			return
		default:
		}

		if err := c.runOnce(ctx); err != nil {
			c.logger.Warn("websocket channel disconnected, reconnecting", "error", err)
		}

		select {
		case <-ctx.Done():
			close(c.incoming)
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (c *WSChannel) runOnce(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		select {
		case c.incoming <- msg:
		case <-ctx.Done():
			return nil
		default:
			c.logger.Warn("websocket channel backlog full, dropping message")
		}
	}
}
