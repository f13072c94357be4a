package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"node.town/scribe/audio"
	"node.town/scribe/hub"
	"node.town/scribe/stt"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultShutdownGrace  = time.Second
	persistTimeout        = 5 * time.Second
)

type Config struct {
	Endpoint       string
	Credentials    stt.Credentials
	SampleRate     int
	Channels       int
	Recognition    stt.StartOptions
	ConnectTimeout time.Duration
	ShutdownGrace  time.Duration
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 44100
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	c.Recognition.SampleRate = c.SampleRate
	return c
}

// Info is a point-in-time view of a session.
type Info struct {
	ID        string     `json:"id"`
	State     State      `json:"state"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	Segments  int64      `json:"segments"`
	Frames    int64      `json:"frames"`
	Error     string     `json:"error,omitempty"`
}

// Session is one run of capture, recognition and transcript accumulation.
// It moves Idle → Starting → Active → Stopping → Closed exactly once.
type Session struct {
	id     string
	cfg    Config
	deps   Options
	logger *log.Logger

	mu         sync.Mutex
	state      State
	startedAt  time.Time
	endedAt    time.Time
	seq        int64
	finals     []string
	fault      error
	stopSent   bool
	listenings int

	link       stt.Link
	stream     audio.Stream
	cancelPump context.CancelFunc
	frames     atomic.Int64

	stopReq    chan struct{}
	idle       chan struct{}
	idleOnce   sync.Once
	pumpDone   chan struct{}
	listenDone chan struct{}
	done       chan struct{}
}

func newSession(id string, cfg Config, deps Options) *Session {
	return &Session{
		id:         id,
		cfg:        cfg.withDefaults(),
		deps:       deps,
		logger:     deps.Logger.With("session", id),
		stopReq:    make(chan struct{}),
		idle:       make(chan struct{}),
		pumpDone:   make(chan struct{}),
		listenDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the fault that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault
}

func (s *Session) Transcript() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.finals...)
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		ID:        s.id,
		State:     s.state,
		StartedAt: s.startedAt,
		Segments:  s.seq,
		Frames:    s.frames.Load(),
	}
	if !s.endedAt.IsZero() {
		ended := s.endedAt
		info.EndedAt = &ended
	}
	if s.fault != nil {
		info.Error = s.fault.Error()
	}
	return info
}

// transition must be called with s.mu held.
func (s *Session) transition(to State) {
	from := s.state
	if !canTransition(from, to) {
		panic(fmt.Sprintf("session %s: illegal transition %s -> %s", s.id, from, to))
	}
	s.state = to
	s.logger.Debug("state", "from", from, "to", to)
	if s.deps.OnTransition != nil {
		s.deps.OnTransition(s.id, from, to)
	}
}

// Start connects the link and the audio source and begins streaming. It
// returns once the session is Active or has failed and Closed.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.transition(Starting)
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.deps.Hub.Begin(s.id)

	link, stream, err := s.connect(ctx)
	if err != nil {
		s.abort(err)
		return err
	}

	pumpCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.link = link
	s.stream = stream
	s.cancelPump = cancel
	s.transition(Active)
	s.mu.Unlock()

	s.logger.Info("active", "rate", s.cfg.SampleRate, "channels", s.cfg.Channels)

	go s.pump(pumpCtx)
	go s.listen()
	go s.supervise()
	return nil
}

type dialResult struct {
	link stt.Link
	err  error
}

func (s *Session) connect(ctx context.Context) (stt.Link, audio.Stream, error) {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	results := make(chan dialResult, 1)
	go func() {
		link, err := s.deps.Dialer.Dial(dctx, s.cfg.Endpoint, s.cfg.Credentials)
		results <- dialResult{link, err}
	}()

	var link stt.Link
	select {
	case r := <-results:
		if r.err != nil {
			if errors.Is(dctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, nil, fmt.Errorf("%w after %s: %w", ErrConnectTimeout, s.cfg.ConnectTimeout, r.err)
			}
			return nil, nil, r.err
		}
		link = r.link
	case <-dctx.Done():
		// A dialer that ignores its context may still hand back a link.
		go func() {
			if r := <-results; r.link != nil {
				r.link.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, fmt.Errorf("%w after %s", ErrConnectTimeout, s.cfg.ConnectTimeout)
	}

	stream, err := s.deps.Source.Open(s.cfg.SampleRate, s.cfg.Channels)
	if err != nil {
		link.Close()
		return nil, nil, err
	}

	if err := link.SendControl(stt.NewStartMessage(s.cfg.Recognition)); err != nil {
		stream.Stop()
		link.Close()
		return nil, nil, fmt.Errorf("start recognition: %w", err)
	}

	return link, stream, nil
}

// abort closes a session whose start failed.
func (s *Session) abort(err error) {
	s.mu.Lock()
	s.fault = err
	s.transition(Stopping)
	s.endedAt = time.Now()
	s.mu.Unlock()

	s.logger.Error("start failed", "error", err)

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	s.deps.Hub.Finish(ctx, nil)
	cancel()

	s.mu.Lock()
	s.transition(Closed)
	s.mu.Unlock()
	close(s.done)
}

// Stop asks an active session to shut down and waits until it is Closed.
func (s *Session) Stop(ctx context.Context) error {
	switch s.State() {
	case Active:
		s.beginStop(nil)
	case Stopping:
	default:
		return ErrNotRunning
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// beginStop moves Active to Stopping and wakes the supervisor. Only the
// first caller wins; faults arriving later are only logged.
func (s *Session) beginStop(fault error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Active {
		if fault != nil {
			s.logger.Debug("ignoring fault while shutting down", "error", fault)
		}
		return false
	}
	s.fault = fault
	s.transition(Stopping)
	close(s.stopReq)
	return true
}

func (s *Session) pump(ctx context.Context) {
	defer close(s.pumpDone)

	for {
		frame, err := s.stream.Next(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil, errors.Is(err, audio.ErrStopped):
			case errors.Is(err, io.EOF):
				s.logger.Info("audio source ended")
				s.beginStop(nil)
			default:
				var devErr *audio.DeviceError
				if !errors.As(err, &devErr) {
					err = &audio.DeviceError{Op: "read", Err: err}
				}
				s.beginStop(err)
			}
			return
		}

		if ctx.Err() != nil {
			return
		}

		if err := s.link.SendAudio(frame.Data); err != nil {
			if ctx.Err() != nil {
				return
			}
			var sendErr *stt.SendError
			if !errors.As(err, &sendErr) {
				err = &stt.SendError{Op: "audio", Err: err}
			}
			s.beginStop(err)
			return
		}
		s.frames.Add(1)
	}
}

func (s *Session) listen() {
	defer close(s.listenDone)

	for ev := range s.link.Events() {
		s.handle(ev)
	}
	s.beginStop(&RemoteClosedError{Code: 1006, Reason: "event stream ended"})
}

func (s *Session) handle(ev stt.Event) {
	switch e := ev.(type) {
	case stt.PartialResult:
		s.emit(e.Text, false)
	case stt.FinalResult:
		s.emit(e.Text, true)
	case stt.ErrorEvent:
		s.logger.Error("recognizer error", "message", e.Message)
		s.beginStop(&RemoteError{Message: e.Message})
	case stt.Listening:
		s.mu.Lock()
		s.listenings++
		drained := s.stopSent && s.listenings >= 2
		s.mu.Unlock()
		if drained {
			s.idleOnce.Do(func() { close(s.idle) })
		}
	case stt.Closed:
		s.logger.Info("link closed", "code", e.Code, "reason", e.Reason)
		s.beginStop(&RemoteClosedError{Code: e.Code, Reason: e.Reason})
	default:
		s.logger.Warn("unknown event", "type", fmt.Sprintf("%T", ev))
	}
}

// emit numbers and publishes a segment. Holding s.mu while publishing keeps
// segments ordered and guarantees none is published after Closed.
func (s *Session) emit(text string, final bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Active && s.state != Stopping {
		s.logger.Debug("discarding result", "state", s.state, "text", text)
		return
	}
	s.seq++
	if final {
		s.finals = append(s.finals, text)
		s.logger.Info("hear", "txt", text, "seq", s.seq)
	} else {
		s.logger.Debug("hear", "tmp", text, "seq", s.seq)
	}
	s.deps.Hub.Publish(hub.Segment{Text: text, IsFinal: final, Sequence: s.seq})
}

// supervise runs the shutdown sequence once a stop has been requested:
// stop the pump, ask the recognizer to flush, and force the link closed if
// it has not drained within the grace period.
func (s *Session) supervise() {
	<-s.stopReq

	s.mu.Lock()
	link, stream, fault := s.link, s.stream, s.fault
	s.mu.Unlock()

	if fault != nil {
		s.logger.Warn("stopping", "reason", fault)
	} else {
		s.logger.Info("stopping")
	}

	s.cancelPump()

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-s.pumpDone

		s.mu.Lock()
		s.stopSent = true
		s.mu.Unlock()
		if err := link.SendControl(stt.NewStopMessage()); err != nil {
			s.logger.Debug("send stop", "error", err)
		}

		select {
		case <-s.listenDone:
		case <-s.idle:
		}
	}()

	grace := time.NewTimer(s.cfg.ShutdownGrace)
	defer grace.Stop()

	select {
	case <-drained:
	case <-grace.C:
		s.logger.Warn("grace period expired, forcing link closure", "grace", s.cfg.ShutdownGrace)
	}

	if err := link.Close(); err != nil {
		s.logger.Debug("close link", "error", err)
	}
	if err := stream.Stop(); err != nil {
		s.logger.Debug("stop audio", "error", err)
	}

	// Closing the link and stopping the stream unblock every goroutine.
	<-drained
	<-s.pumpDone
	<-s.listenDone

	s.mu.Lock()
	finals := append([]string(nil), s.finals...)
	s.endedAt = time.Now()
	fault = s.fault
	s.mu.Unlock()

	// The hub belongs to this session until Finish returns.
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	s.deps.Hub.Finish(ctx, finals)
	cancel()

	s.mu.Lock()
	s.transition(Closed)
	s.mu.Unlock()

	if fault != nil {
		s.logger.Error("session failed", "error", fault)
		if s.deps.OnFailure != nil {
			s.deps.OnFailure(s.id, fault)
		}
	}
	s.logger.Info("closed", "finals", len(finals), "frames", s.frames.Load())
	close(s.done)
}
