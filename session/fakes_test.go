package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"node.town/scribe/audio"
	"node.town/scribe/hub"
	"node.town/scribe/stt"
)

type fakeLink struct {
	mu       sync.Mutex
	frames   int
	controls []any
	sendErr  error

	// onControl lets a test script how the recognizer answers.
	onControl func(l *fakeLink, msg any)

	in        chan stt.Event
	out       chan stt.Event
	closed    chan struct{}
	finished  chan struct{}
	closeOnce sync.Once
}

func newFakeLink() *fakeLink {
	l := &fakeLink{
		in:       make(chan stt.Event),
		out:      make(chan stt.Event),
		closed:   make(chan struct{}),
		finished: make(chan struct{}),
	}
	go l.run()
	return l
}

// closingLink answers a stop message by closing the connection, the way a
// recognizer does once it has flushed its results.
func closingLink() *fakeLink {
	l := newFakeLink()
	l.onControl = func(l *fakeLink, msg any) {
		if _, ok := msg.(stt.StopMessage); ok {
			go l.deliver(stt.Closed{Code: 1000, Reason: "done"})
		}
	}
	return l
}

func (l *fakeLink) run() {
	defer close(l.finished)
	defer close(l.out)
	for {
		select {
		case ev := <-l.in:
			l.out <- ev
			if _, ok := ev.(stt.Closed); ok {
				return
			}
		case <-l.closed:
			l.out <- stt.Closed{Code: 1000, Reason: "closed locally"}
			return
		}
	}
}

// deliver hands an event to the link's reader. It returns false once the
// link has stopped delivering.
func (l *fakeLink) deliver(ev stt.Event) bool {
	select {
	case l.in <- ev:
		return true
	case <-l.finished:
		return false
	}
}

func (l *fakeLink) SendAudio(frame []byte) error {
	select {
	case <-l.closed:
		return &stt.SendError{Op: "audio", Err: stt.ErrLinkClosed}
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sendErr != nil {
		return l.sendErr
	}
	l.frames++
	return nil
}

func (l *fakeLink) SendControl(msg any) error {
	select {
	case <-l.closed:
		return &stt.SendError{Op: "control", Err: stt.ErrLinkClosed}
	default:
	}
	l.mu.Lock()
	l.controls = append(l.controls, msg)
	hook := l.onControl
	l.mu.Unlock()
	if hook != nil {
		hook(l, msg)
	}
	return nil
}

func (l *fakeLink) Events() <-chan stt.Event { return l.out }

func (l *fakeLink) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *fakeLink) isClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

func (l *fakeLink) sentFrames() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.frames
}

func (l *fakeLink) sentControls() []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]any(nil), l.controls...)
}

func (l *fakeLink) setSendErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sendErr = err
}

type fakeDialer struct {
	mu      sync.Mutex
	newLink func() *fakeLink
	links   []*fakeLink
	err     error
	block   bool
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string, creds stt.Credentials) (stt.Link, error) {
	d.mu.Lock()
	block, err, newLink := d.block, d.err, d.newLink
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	if newLink == nil {
		newLink = closingLink
	}
	l := newLink()
	d.mu.Lock()
	d.links = append(d.links, l)
	d.mu.Unlock()
	return l, nil
}

func (d *fakeDialer) last() *fakeLink {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.links) == 0 {
		return nil
	}
	return d.links[len(d.links)-1]
}

// fakeSource produces small frames every millisecond. A positive limit ends
// the stream with err (io.EOF when err is nil). A stuck source never yields
// a frame and ignores cancellation until the stream is stopped.
type fakeSource struct {
	limit   int
	err     error
	openErr error
	stuck   bool
}

func (s *fakeSource) Open(sampleRate, channels int) (audio.Stream, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	return &fakeStream{src: s, stopped: make(chan struct{})}, nil
}

type fakeStream struct {
	src     *fakeSource
	n       int
	stopped chan struct{}
	once    sync.Once
}

func (s *fakeStream) Next(ctx context.Context) (audio.Frame, error) {
	if s.src.stuck {
		<-s.stopped
		return audio.Frame{}, audio.ErrStopped
	}
	if s.src.limit > 0 && s.n >= s.src.limit {
		if s.src.err != nil {
			return audio.Frame{}, s.src.err
		}
		return audio.Frame{}, io.EOF
	}
	t := time.NewTimer(time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return audio.Frame{}, ctx.Err()
	case <-s.stopped:
		return audio.Frame{}, audio.ErrStopped
	case <-t.C:
	}
	f := audio.Frame{Data: make([]byte, 64), Index: s.n}
	s.n++
	return f, nil
}

func (s *fakeStream) Stop() error {
	s.once.Do(func() { close(s.stopped) })
	return nil
}

var errMicUnplugged = errors.New("microphone unplugged")

type failures struct {
	mu   sync.Mutex
	errs []error
}

func (f *failures) observe(_ string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
}

func (f *failures) all() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.errs...)
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (t *stateLog) record(_ string, from, to State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.states) == 0 {
		t.states = append(t.states, from)
	}
	t.states = append(t.states, to)
}

func (t *stateLog) all() []State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]State(nil), t.states...)
}

// slowHub holds the hub hand-off open for delay and reports when the
// first hand-off begins.
type slowHub struct {
	*hub.Hub
	delay     time.Duration
	finishing chan struct{}
	once      sync.Once
}

func newSlowHub(delay time.Duration) *slowHub {
	return &slowHub{
		Hub:       hub.New(16, nil, log.New(io.Discard)),
		delay:     delay,
		finishing: make(chan struct{}),
	}
}

func (h *slowHub) Finish(ctx context.Context, finals []string) {
	h.once.Do(func() { close(h.finishing) })
	time.Sleep(h.delay)
	h.Hub.Finish(ctx, finals)
}
