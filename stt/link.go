package stt

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
)

// Event is one message received from the recognizer.
type Event interface {
	isEvent()
}

type PartialResult struct {
	Text       string
	Confidence float64
}

type FinalResult struct {
	Text       string
	Confidence float64
}

type ErrorEvent struct {
	Message string
}

// Listening is the recognizer saying it is idle and waiting for audio.
// It follows the start message and again once results for a stop are flushed.
type Listening struct{}

// Closed is always the last event a link delivers.
type Closed struct {
	Code   int
	Reason string
}

func (PartialResult) isEvent() {}
func (FinalResult) isEvent()   {}
func (ErrorEvent) isEvent()    {}
func (Listening) isEvent()     {}
func (Closed) isEvent()        {}

// Link is a connected duplex channel to a streaming recognizer.
//
// Events are delivered from the link's own goroutine. The channel ends
// with a Closed event and is then closed, so consumers must drain it.
type Link interface {
	SendAudio(frame []byte) error
	SendControl(msg any) error
	Events() <-chan Event
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, endpoint string, creds Credentials) (Link, error)
}

// Credentials authenticate against the recognizer. A Token is sent as a
// bearer credential; otherwise APIKey is sent as basic auth.
type Credentials struct {
	APIKey string
	Token  string
}

func (c Credentials) Header() http.Header {
	h := http.Header{}
	switch {
	case c.Token != "":
		h.Set("Authorization", "Bearer "+c.Token)
	case c.APIKey != "":
		userpass := "apikey:" + c.APIKey
		h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(userpass)))
	}
	return h
}

func (c Credentials) Empty() bool {
	return c.APIKey == "" && c.Token == ""
}

func (c Credentials) String() string {
	if c.Empty() {
		return "<none>"
	}
	return "<redacted>"
}

var ErrLinkClosed = errors.New("link closed")

type ConnectError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *ConnectError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("connect %s: status %d: %v", e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

type SendError struct {
	Op  string
	Err error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s: %v", e.Op, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ProtocolError is a message that could not be understood. It is dropped
// and the stream continues.
type ProtocolError struct {
	Raw string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed recognizer message: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }
