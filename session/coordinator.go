// Package session coordinates live transcription sessions: it pumps audio
// frames into a recognition link, turns recognition events into numbered
// transcript segments and drives each session through a strict lifecycle.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/charmbracelet/log"

	"node.town/scribe/audio"
	"node.town/scribe/etc"
	"node.town/scribe/hub"
	"node.town/scribe/stt"
)

// Publisher receives the segments and the frozen transcript of a session.
// *hub.Hub implements it.
type Publisher interface {
	Begin(sessionID string)
	Publish(seg hub.Segment)
	Finish(ctx context.Context, finals []string)
}

// FailureObserver is told about the fault that ended a session. It is
// called at most once per session, from the session's own goroutine.
type FailureObserver func(sessionID string, err error)

type Options struct {
	Dialer       stt.Dialer
	Source       audio.Source
	Hub          Publisher
	Logger       *log.Logger
	OnFailure    FailureObserver
	OnTransition func(sessionID string, from, to State)
}

// Coordinator runs at most one live session at a time.
type Coordinator struct {
	cfg  Config
	opts Options

	mu      sync.Mutex
	current *Session
}

func NewCoordinator(cfg Config, opts Options) (*Coordinator, error) {
	if opts.Dialer == nil {
		return nil, errors.New("session: dialer is required")
	}
	if opts.Source == nil {
		return nil, errors.New("session: audio source is required")
	}
	if opts.Hub == nil {
		return nil, errors.New("session: hub is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Coordinator{cfg: cfg.withDefaults(), opts: opts}, nil
}

// Start creates a fresh session and starts it. It is rejected with
// ErrAlreadyRunning until the previous session is done, which includes
// handing its transcript to the hub.
func (c *Coordinator) Start(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	if c.current != nil {
		select {
		case <-c.current.Done():
		default:
			c.mu.Unlock()
			return nil, ErrAlreadyRunning
		}
	}
	s := newSession(etc.NewFreshID(), c.cfg, c.opts)
	c.current = s
	c.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		return s, err
	}
	return s, nil
}

// Stop stops the current session and waits for it to close.
func (c *Coordinator) Stop(ctx context.Context) (*Session, error) {
	s := c.Current()
	if s == nil {
		return nil, ErrNotRunning
	}
	if err := s.Stop(ctx); err != nil {
		return s, err
	}
	return s, nil
}

// Current returns the running or most recent session, or nil.
func (c *Coordinator) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Status describes the current session. ok is false if none has run yet.
func (c *Coordinator) Status() (info Info, ok bool) {
	s := c.Current()
	if s == nil {
		return Info{State: Idle}, false
	}
	return s.Info(), true
}

// Shutdown stops any live session, used when the process exits.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	s := c.Current()
	if s == nil {
		return nil
	}
	err := s.Stop(ctx)
	if errors.Is(err, ErrNotRunning) {
		return nil
	}
	return err
}
