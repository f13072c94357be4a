package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// FileSource plays raw PCM from a file, or from stdin when path is "-".
func FileSource(path string, frameSamples int, realtime bool, logger *log.Logger) *ReaderSource {
	return &ReaderSource{
		Opener: func(int, int) (io.ReadCloser, error) {
			if path == "-" {
				return io.NopCloser(os.Stdin), nil
			}
			return os.Open(path)
		},
		FrameSamples: frameSamples,
		Realtime:     realtime,
		Logger:       logger,
	}
}

// CommandSource captures raw PCM from the stdout of a capture command such
// as arecord or parec. The placeholders {rate} and {channels} are expanded.
func CommandSource(command string, frameSamples int, logger *log.Logger) *ReaderSource {
	if logger == nil {
		logger = log.Default()
	}
	return &ReaderSource{
		Opener: func(sampleRate, channels int) (io.ReadCloser, error) {
			args := ExpandCommand(command, sampleRate, channels)
			if len(args) == 0 {
				return nil, errors.New("empty capture command")
			}
			cmd := exec.Command(args[0], args[1:]...)
			stdout, err := cmd.StdoutPipe()
			if err != nil {
				return nil, fmt.Errorf("capture stdout: %w", err)
			}
			if err := cmd.Start(); err != nil {
				return nil, fmt.Errorf("start %s: %w", args[0], err)
			}
			logger.Info("capture", "command", args[0], "pid", cmd.Process.Pid)
			return &commandReader{cmd: cmd, stdout: stdout, logger: logger}, nil
		},
		FrameSamples: frameSamples,
		Logger:       logger,
	}
}

func ExpandCommand(command string, sampleRate, channels int) []string {
	r := strings.NewReplacer(
		"{rate}", strconv.Itoa(sampleRate),
		"{channels}", strconv.Itoa(channels),
	)
	return strings.Fields(r.Replace(command))
}

type commandReader struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	logger *log.Logger
	once   sync.Once
}

func (r *commandReader) Read(p []byte) (int, error) {
	return r.stdout.Read(p)
}

func (r *commandReader) Close() error {
	r.once.Do(func() {
		if err := r.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			r.logger.Warn("kill capture command", "error", err)
		}
		// Wait reaps the process and closes the pipe.
		_ = r.cmd.Wait()
	})
	return nil
}

// ToneSource synthesizes a sine wave (silence when Frequency is zero) paced
// in real time. Frames bounds the stream length; zero means endless.
type ToneSource struct {
	Frequency    float64
	Amplitude    float64
	FrameSamples int
	Frames       int
}

func (s *ToneSource) Open(sampleRate, channels int) (Stream, error) {
	if err := checkFormat(sampleRate, channels); err != nil {
		return nil, err
	}
	frameSamples := s.FrameSamples
	if frameSamples <= 0 {
		frameSamples = DefaultFrameSamples
	}
	amp := s.Amplitude
	if amp <= 0 || amp > 1 {
		amp = 0.3
	}
	return &toneStream{
		src:          s,
		amp:          amp,
		sampleRate:   sampleRate,
		channels:     channels,
		frameSamples: frameSamples,
		interval:     frameInterval(frameSamples, sampleRate),
		stopped:      make(chan struct{}),
		start:        time.Now(),
	}, nil
}

type toneStream struct {
	src          *ToneSource
	amp          float64
	sampleRate   int
	channels     int
	frameSamples int
	interval     time.Duration
	start        time.Time
	index        int
	stopped      chan struct{}
	stopOnce     sync.Once
}

func (s *toneStream) Next(ctx context.Context) (Frame, error) {
	if s.src.Frames > 0 && s.index >= s.src.Frames {
		return Frame{}, io.EOF
	}

	if wait := time.Until(s.start.Add(time.Duration(s.index) * s.interval)); wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case <-s.stopped:
			return Frame{}, ErrStopped
		case <-t.C:
		}
	}

	select {
	case <-s.stopped:
		return Frame{}, ErrStopped
	default:
	}

	samples := make([]int16, s.frameSamples*s.channels)
	offset := s.index * s.frameSamples
	for i := 0; i < s.frameSamples; i++ {
		v := s.amp * math.Sin(2*math.Pi*s.src.Frequency*float64(offset+i)/float64(s.sampleRate))
		for c := 0; c < s.channels; c++ {
			samples[i*s.channels+c] = int16(v * math.MaxInt16)
		}
	}

	f := Frame{Data: EncodePCM16(samples), Index: s.index}
	s.index++
	return f, nil
}

func (s *toneStream) Stop() error {
	s.stopOnce.Do(func() { close(s.stopped) })
	return nil
}
