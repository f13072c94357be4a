package stt

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

const (
	PingInterval      = 20 * time.Second
	PongTimeout       = 10 * time.Second
	closeWriteTimeout = 100 * time.Millisecond
)

type WebSocketDialer struct {
	Dialer       *websocket.Dialer
	PingInterval time.Duration
	WriteTimeout time.Duration
	Logger       *log.Logger
}

func (d *WebSocketDialer) Dial(
	ctx context.Context,
	endpoint string,
	creds Credentials,
) (Link, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := d.Logger
	if logger == nil {
		logger = log.Default()
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, creds.Header())
	if err != nil {
		ce := &ConnectError{Endpoint: endpoint, Err: err}
		if resp != nil {
			ce.StatusCode = resp.StatusCode
		}
		return nil, ce
	}

	logger.Info("open", "endpoint", endpoint)

	l := &webSocketLink{
		conn:         conn,
		events:       make(chan Event, 32),
		done:         make(chan struct{}),
		writeTimeout: d.WriteTimeout,
		logger:       logger,
	}
	go l.readLoop()

	ping := d.PingInterval
	if ping == 0 {
		ping = PingInterval
	}
	if ping > 0 {
		go l.keepAlive(ping)
	}

	return l, nil
}

type webSocketLink struct {
	conn         *websocket.Conn
	events       chan Event
	writeMu      sync.Mutex
	writeTimeout time.Duration
	logger       *log.Logger

	closed        atomic.Bool
	closedLocally atomic.Bool
	done          chan struct{}
	doneOnce      sync.Once
	closeOnce     sync.Once
}

func (l *webSocketLink) Events() <-chan Event {
	return l.events
}

func (l *webSocketLink) SendAudio(frame []byte) error {
	return l.write("audio", func() error {
		return l.conn.WriteMessage(websocket.BinaryMessage, frame)
	})
}

func (l *webSocketLink) SendControl(msg any) error {
	return l.write("control", func() error {
		return l.conn.WriteJSON(msg)
	})
}

func (l *webSocketLink) write(op string, fn func() error) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if l.closed.Load() {
		return &SendError{Op: op, Err: ErrLinkClosed}
	}
	if l.writeTimeout > 0 {
		_ = l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout))
	}
	if err := fn(); err != nil {
		return &SendError{Op: op, Err: err}
	}
	return nil
}

func (l *webSocketLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.closedLocally.Store(true)
		l.markClosed()
		_ = l.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWriteTimeout),
		)
		err = l.conn.Close()
	})
	return err
}

func (l *webSocketLink) markClosed() {
	l.doneOnce.Do(func() {
		l.closed.Store(true)
		close(l.done)
	})
}

func (l *webSocketLink) readLoop() {
	defer close(l.events)

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			l.markClosed()
			ev := l.closedEvent(err)
			l.logger.Info("closed", "code", ev.Code, "reason", ev.Reason)
			l.events <- ev
			return
		}

		events, err := ParseEvents(data)
		if err != nil {
			l.logger.Warn("dropping message", "error", err, "raw", truncate(string(data), 200))
			continue
		}
		for _, ev := range events {
			l.events <- ev
		}
	}
}

func (l *webSocketLink) closedEvent(err error) Closed {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return Closed{Code: ce.Code, Reason: ce.Text}
	}
	if l.closedLocally.Load() {
		return Closed{Code: websocket.CloseNormalClosure, Reason: "closed locally"}
	}
	return Closed{Code: websocket.CloseAbnormalClosure, Reason: err.Error()}
}

func (l *webSocketLink) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(PongTimeout))
			if err != nil {
				l.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
