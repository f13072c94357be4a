package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

const DefaultFrameSamples = 1024

var ErrStopped = errors.New("audio stream stopped")

// Frame is one buffer of signed 16-bit little-endian PCM.
type Frame struct {
	Data  []byte
	Index int
}

func (f Frame) Samples(channels int) int {
	if channels <= 0 {
		channels = 1
	}
	return len(f.Data) / 2 / channels
}

type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Source opens audio streams. Each Open starts a fresh stream.
type Source interface {
	Open(sampleRate, channels int) (Stream, error)
}

// Stream yields frames until stopped. Next must return promptly when ctx
// is cancelled or Stop is called. Stop is idempotent.
type Stream interface {
	Next(ctx context.Context) (Frame, error)
	Stop() error
}

func EncodePCM16(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

func DecodePCM16(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

func frameInterval(frameSamples, sampleRate int) time.Duration {
	return time.Duration(frameSamples) * time.Second / time.Duration(sampleRate)
}

func checkFormat(sampleRate, channels int) error {
	if sampleRate <= 0 || channels <= 0 {
		return &DeviceError{
			Op:  "open",
			Err: fmt.Errorf("invalid format %d Hz x %d channels", sampleRate, channels),
		}
	}
	return nil
}

// ReaderSource reads raw PCM from whatever Opener returns.
type ReaderSource struct {
	Opener       func(sampleRate, channels int) (io.ReadCloser, error)
	FrameSamples int
	// Realtime paces frames at the sample rate, for file playback.
	Realtime bool
	Logger   *log.Logger
}

func (s *ReaderSource) Open(sampleRate, channels int) (Stream, error) {
	if err := checkFormat(sampleRate, channels); err != nil {
		return nil, err
	}
	rc, err := s.Opener(sampleRate, channels)
	if err != nil {
		return nil, &DeviceError{Op: "open", Err: err}
	}

	frameSamples := s.FrameSamples
	if frameSamples <= 0 {
		frameSamples = DefaultFrameSamples
	}
	logger := s.Logger
	if logger == nil {
		logger = log.Default()
	}

	st := &readerStream{
		rc:         rc,
		frameBytes: frameSamples * channels * 2,
		frames:     make(chan readResult, 4),
		stopped:    make(chan struct{}),
		logger:     logger,
	}
	if s.Realtime {
		st.interval = frameInterval(frameSamples, sampleRate)
	}
	go st.read()
	return st, nil
}

type readResult struct {
	frame Frame
	err   error
}

type readerStream struct {
	rc         io.ReadCloser
	frameBytes int
	interval   time.Duration
	frames     chan readResult
	stopped    chan struct{}
	stopOnce   sync.Once
	logger     *log.Logger
}

func (s *readerStream) read() {
	defer close(s.frames)

	start := time.Now()
	for i := 0; ; i++ {
		buf := make([]byte, s.frameBytes)
		n, err := io.ReadFull(s.rc, buf)

		var res readResult
		switch {
		case err == nil:
			res.frame = Frame{Data: buf, Index: i}
		case errors.Is(err, io.ErrUnexpectedEOF) && n >= 2:
			// Keep the tail; the next read reports EOF.
			res.frame = Frame{Data: buf[:n&^1], Index: i}
		case errors.Is(err, io.ErrUnexpectedEOF):
			res.err = io.EOF
		case errors.Is(err, io.EOF):
			res.err = io.EOF
		default:
			res.err = &DeviceError{Op: "read", Err: err}
		}

		if s.interval > 0 && res.err == nil {
			wait := time.Until(start.Add(time.Duration(i) * s.interval))
			if wait > 0 {
				t := time.NewTimer(wait)
				select {
				case <-t.C:
				case <-s.stopped:
					t.Stop()
					return
				}
			}
		}

		select {
		case s.frames <- res:
		case <-s.stopped:
			return
		}
		if res.err != nil {
			return
		}
	}
}

func (s *readerStream) Next(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-s.stopped:
		return Frame{}, ErrStopped
	case res, ok := <-s.frames:
		if !ok {
			return Frame{}, io.EOF
		}
		return res.frame, res.err
	}
}

func (s *readerStream) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopped)
		if cerr := s.rc.Close(); cerr != nil {
			s.logger.Debug("close audio reader", "error", cerr)
			err = &DeviceError{Op: "close", Err: cerr}
		}
	})
	return err
}
