package replica

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/superscale/tasksync/internal/live"
)

// Listener keeps a websocket open to the server's poke stream for one
// organization and calls onPoke for every poke. It reconnects with
// exponential backoff until its context ends.
type Listener struct {
	endpoint string
	token    string
	onPoke   func(ctx context.Context, p live.Poke)
	dialer   *websocket.Dialer
	logger   zerolog.Logger
}

// NewListener creates a listener for orgID on the server at serverURL.
func NewListener(serverURL, token, orgID string, onPoke func(ctx context.Context, p live.Poke), logger zerolog.Logger) (*Listener, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/") + "/api/v1/sync/live")
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.RawQuery = url.Values{"org_id": {orgID}}.Encode()

	return &Listener{
		endpoint: u.String(),
		token:    token,
		onPoke:   onPoke,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		logger: logger.With().Str("component", "poke_listener").Str("org_id", orgID).Logger(),
	}, nil
}

// Run listens until ctx is done.
func (l *Listener) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	b.MaxInterval = time.Minute

	op := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return l.listen(ctx, b.Reset)
	}
	notify := func(err error, wait time.Duration) {
		l.logger.Debug().Err(err).Dur("retry_in", wait).Msg("poke stream disconnected")
	}
	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// listen serves one connection. connected is called once the handshake
// succeeded.
func (l *Listener) listen(ctx context.Context, connected func()) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+l.token)

	conn, resp, err := l.dialer.DialContext(ctx, l.endpoint, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return backoff.Permanent(fmt.Errorf("poke stream refused with status %d", resp.StatusCode))
		}
		return fmt.Errorf("dial poke stream: %w", err)
	}
	defer conn.Close()

	connected()
	l.logger.Debug().Msg("poke stream connected")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var p live.Poke
		if err := conn.ReadJSON(&p); err != nil {
			return fmt.Errorf("read poke: %w", err)
		}
		if p.Type != live.PokeType {
			continue
		}
		l.onPoke(ctx, p)
	}
}
