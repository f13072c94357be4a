package stt

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var RegionHosts = map[string]string{
	"us-east":  "us-east.speech-to-text.watson.cloud.ibm.com",
	"us-south": "us-south.speech-to-text.watson.cloud.ibm.com",
	"eu-gb":    "eu-gb.speech-to-text.watson.cloud.ibm.com",
	"eu-de":    "eu-de.speech-to-text.watson.cloud.ibm.com",
	"au-syd":   "au-syd.speech-to-text.watson.cloud.ibm.com",
	"jp-tok":   "jp-tok.speech-to-text.watson.cloud.ibm.com",
}

// RecognizeURL builds the websocket endpoint for a service instance.
func RecognizeURL(region, instanceID, model string) (string, error) {
	host, ok := RegionHosts[region]
	if !ok {
		return "", fmt.Errorf("unknown region %q", region)
	}
	if instanceID == "" {
		return "", errors.New("missing service instance id")
	}
	u := url.URL{
		Scheme: "wss",
		Host:   "api." + host,
		Path:   "/instances/" + url.PathEscape(instanceID) + "/v1/recognize",
	}
	if model != "" {
		u.RawQuery = url.Values{"model": {model}}.Encode()
	}
	return u.String(), nil
}

type StartOptions struct {
	SampleRate        int
	MaxAlternatives   int
	WordConfidence    bool
	Timestamps        bool
	InactivityTimeout int
}

type StartMessage struct {
	Action            string `json:"action"`
	ContentType       string `json:"content-type"`
	Continuous        bool   `json:"continuous"`
	InterimResults    bool   `json:"interim_results"`
	MaxAlternatives   int    `json:"max_alternatives"`
	WordConfidence    bool   `json:"word_confidence,omitempty"`
	Timestamps        bool   `json:"timestamps,omitempty"`
	InactivityTimeout int    `json:"inactivity_timeout,omitempty"`
}

type StopMessage struct {
	Action string `json:"action"`
}

func NewStartMessage(o StartOptions) StartMessage {
	maxAlt := o.MaxAlternatives
	if maxAlt <= 0 {
		maxAlt = 1
	}
	return StartMessage{
		Action:            "start",
		ContentType:       fmt.Sprintf("audio/l16;rate=%d", o.SampleRate),
		Continuous:        true,
		InterimResults:    true,
		MaxAlternatives:   maxAlt,
		WordConfidence:    o.WordConfidence,
		Timestamps:        o.Timestamps,
		InactivityTimeout: o.InactivityTimeout,
	}
}

func NewStopMessage() StopMessage {
	return StopMessage{Action: "stop"}
}

type recognizeResponse struct {
	State       string            `json:"state"`
	Error       string            `json:"error"`
	Warnings    []string          `json:"warnings"`
	ResultIndex int               `json:"result_index"`
	Results     []recognizeResult `json:"results"`
}

type recognizeResult struct {
	Final        bool `json:"final"`
	Alternatives []struct {
		Transcript string  `json:"transcript"`
		Confidence float64 `json:"confidence"`
	} `json:"alternatives"`
}

// ParseEvents decodes one recognizer message. Results without text are
// skipped; a message that carries nothing recognizable is a ProtocolError.
func ParseEvents(data []byte) ([]Event, error) {
	var resp recognizeResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &ProtocolError{Raw: string(data), Err: err}
	}

	switch {
	case resp.Error != "":
		return []Event{ErrorEvent{Message: resp.Error}}, nil
	case resp.State == "listening":
		return []Event{Listening{}}, nil
	case resp.Results != nil:
		var events []Event
		for _, r := range resp.Results {
			if len(r.Alternatives) == 0 {
				return nil, &ProtocolError{
					Raw: string(data),
					Err: errors.New("result without alternatives"),
				}
			}
			alt := r.Alternatives[0]
			text := strings.TrimSpace(alt.Transcript)
			if text == "" {
				continue
			}
			if r.Final {
				events = append(events, FinalResult{Text: text, Confidence: alt.Confidence})
			} else {
				events = append(events, PartialResult{Text: text, Confidence: alt.Confidence})
			}
		}
		return events, nil
	case resp.State != "" || resp.Warnings != nil:
		return nil, nil
	default:
		return nil, &ProtocolError{Raw: string(data), Err: errors.New("unrecognized message")}
	}
}
