// Package wstransport connects a call to the realtime transport over a
// websocket and keeps the link alive across short drops.
package wstransport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/voxroom/internal/call"
	"github.com/ent0n29/voxroom/internal/reliability"
)

const (
	defaultReconnectTimeout = 30 * time.Second
	defaultPingInterval     = 20 * time.Second
	defaultBaseBackoff      = 250 * time.Millisecond
	defaultMaxBackoff       = 5 * time.Second
)

// Dialer implements call.Transport.
type Dialer struct {
	// URL is used when the credential carries none.
	URL string
	// ReconnectTimeout bounds how long a dropped link keeps redialing before
	// reporting disconnected.
	ReconnectTimeout time.Duration
	PingInterval     time.Duration
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	// OnAudio receives binary frames unless remote audio is muted.
	OnAudio func([]byte)
	Logger  zerolog.Logger
	WS      *websocket.Dialer
}

func (d *Dialer) Connect(ctx context.Context, cred call.Credential) (call.Link, error) {
	target, err := d.target(cred)
	if err != nil {
		return nil, err
	}
	l := &link{
		dialer:  d,
		target:  target,
		events:  make(chan call.TransportEvent, 8),
		closing: make(chan struct{}),
	}
	conn, err := l.dial(ctx)
	if err != nil {
		return nil, err
	}
	l.setConn(conn)
	l.events <- call.TransportEvent{Type: call.EventConnected}
	go l.run(conn)
	return l, nil
}

func (d *Dialer) target(cred call.Credential) (string, error) {
	raw := strings.TrimSpace(cred.URL)
	if raw == "" {
		raw = strings.TrimSpace(d.URL)
	}
	if raw == "" {
		return "", errors.New("transport url not configured")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse transport url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("transport url must be ws or wss, got %q", u.Scheme)
	}
	q := u.Query()
	q.Set("token", cred.Token)
	q.Set("room", cred.RoomName)
	if cred.ParticipantName != "" {
		q.Set("participant", cred.ParticipantName)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d *Dialer) reconnectTimeout() time.Duration {
	if d.ReconnectTimeout > 0 {
		return d.ReconnectTimeout
	}
	return defaultReconnectTimeout
}

func (d *Dialer) pingInterval() time.Duration {
	if d.PingInterval > 0 {
		return d.PingInterval
	}
	return defaultPingInterval
}

func (d *Dialer) backoff(attempt int) time.Duration {
	base, maxDelay := d.BaseBackoff, d.MaxBackoff
	if base <= 0 {
		base = defaultBaseBackoff
	}
	if maxDelay <= 0 {
		maxDelay = defaultMaxBackoff
	}
	return reliability.ExponentialBackoff(attempt, base, maxDelay)
}

type link struct {
	dialer  *Dialer
	target  string
	events  chan call.TransportEvent
	closing chan struct{}
	once    sync.Once
	muted   atomic.Bool

	mu   sync.Mutex
	conn *websocket.Conn
}

func (l *link) Events() <-chan call.TransportEvent { return l.events }

func (l *link) SetRemoteAudioMuted(muted bool) { l.muted.Store(muted) }

func (l *link) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closing)
		l.mu.Lock()
		if l.conn != nil {
			err = l.conn.Close()
		}
		l.mu.Unlock()
	})
	return err
}

func (l *link) dial(ctx context.Context) (*websocket.Conn, error) {
	ws := l.dialer.WS
	if ws == nil {
		ws = websocket.DefaultDialer
	}
	conn, _, err := ws.DialContext(ctx, l.target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial transport: %w", err)
	}
	return conn, nil
}

func (l *link) setConn(conn *websocket.Conn) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.closing:
		_ = conn.Close()
		return false
	default:
	}
	l.conn = conn
	return true
}

func (l *link) isClosing() bool {
	select {
	case <-l.closing:
		return true
	default:
		return false
	}
}

// run owns the link after Connect returns and closes events when it exits.
func (l *link) run(conn *websocket.Conn) {
	defer close(l.events)
	for {
		err := l.serve(conn)
		if l.isClosing() {
			return
		}
		l.dialer.Logger.Warn().Err(err).Msg("transport link dropped")
		if !l.emit(call.TransportEvent{Type: call.EventDropped, Err: err}) {
			return
		}

		next, err := l.reconnect()
		if next == nil {
			if !l.isClosing() {
				l.emit(call.TransportEvent{Type: call.EventDisconnected, Err: err})
			}
			return
		}
		conn = next
		if !l.emit(call.TransportEvent{Type: call.EventReconnected}) {
			return
		}
	}
}

// serve pumps one connection until it fails.
func (l *link) serve(conn *websocket.Conn) error {
	interval := l.dialer.pingInterval()
	_ = conn.SetReadDeadline(time.Now().Add(2 * interval))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * interval))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-t.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(interval)); err != nil {
					return
				}
			}
		}
	}()

	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return err
		}
		if typ == websocket.BinaryMessage && !l.muted.Load() && l.dialer.OnAudio != nil {
			l.dialer.OnAudio(data)
		}
	}
}

// reconnect redials with backoff until the reconnect timeout elapses. It
// returns nil when the link was closed or the timeout expired.
func (l *link) reconnect() (*websocket.Conn, error) {
	deadline := time.Now().Add(l.dialer.reconnectTimeout())
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	go func() {
		select {
		case <-l.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	var lastErr error
	for attempt := 0; ; attempt++ {
		wait := l.dialer.backoff(attempt)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			return nil, fmt.Errorf("reconnect timed out after %s: %w", l.dialer.reconnectTimeout(), lastErr)
		case <-timer.C:
		}

		conn, err := l.dial(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		if !l.setConn(conn) {
			return nil, nil
		}
		return conn, nil
	}
}

func (l *link) emit(evt call.TransportEvent) bool {
	select {
	case l.events <- evt:
		return true
	case <-l.closing:
		return false
	}
}
