// Package protocol defines the JSON messages exchanged with the master.
package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zlib"

	"github.com/lexiqai/speech-worker/internal/engine"
)

// Status codes sent to the master.
const (
	StatusSuccess             = 0
	StatusNoSpeech            = 1
	StatusAborted             = 2
	StatusNotAllowed          = 5
	StatusServiceNotAllowed   = 6
	StatusNotAvailable        = 9
	StatusNotAllowedAlignment = 10
)

// EOS is the text sentinel that ends the audio stream.
const EOS = "EOS"

// AdaptationStateType describes how adaptation state values are encoded.
const AdaptationStateType = "string+gzip+base64"

const adaptationTimeLayout = "2006-01-02T15:04:05"

// ErrInvalidInit is returned for an init message the worker cannot use.
var ErrInvalidInit = errors.New("invalid init message")

// Init is the first message of a session.
type Init struct {
	ContentType string `json:"content_type"`
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	Prompt      string `json:"prompt"`
	PronsLength []int  `json:"-"`
}

type rawInit struct {
	ContentType string          `json:"content_type"`
	ID          *string         `json:"id"`
	UserID      string          `json:"user_id"`
	Prompt      string          `json:"prompt"`
	PronsLength json.RawMessage `json:"prons_length"`
}

// ParseInit decodes an init message. prons_length is either "none" or
// underscore-separated integers such as "2_1_3".
func ParseInit(data []byte) (*Init, error) {
	var raw rawInit
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInit, err)
	}
	if raw.ID == nil || *raw.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidInit)
	}

	out := &Init{
		ContentType: raw.ContentType,
		ID:          *raw.ID,
		UserID:      raw.UserID,
		Prompt:      raw.Prompt,
	}

	if len(raw.PronsLength) > 0 && string(raw.PronsLength) != "null" {
		var spec string
		if err := json.Unmarshal(raw.PronsLength, &spec); err != nil {
			return nil, fmt.Errorf("%w: prons_length must be a string", ErrInvalidInit)
		}
		lengths, err := parsePronsLength(spec)
		if err != nil {
			return nil, err
		}
		out.PronsLength = lengths
	}
	return out, nil
}

func parsePronsLength(spec string) ([]int, error) {
	if spec == "" || spec == "none" {
		return nil, nil
	}
	parts := strings.Split(spec, "_")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("%w: bad prons_length entry %q", ErrInvalidInit, p)
		}
		out = append(out, n)
	}
	return out, nil
}

// PartialHypothesis is the single hypothesis of a partial result.
type PartialHypothesis struct {
	Transcript string `json:"transcript"`
}

// Hypothesis is one entry of a final result.
type Hypothesis struct {
	Transcript         string   `json:"transcript"`
	OriginalTranscript string   `json:"original-transcript,omitempty"`
	WeightedScore      *float64 `json:"weighted_score,omitempty"`
	Content            *float64 `json:"content,omitempty"`
	Pronunciation      *float64 `json:"pronunciation,omitempty"`
	Vocabulary         *float64 `json:"vocabulary,omitempty"`
}

// NewHypothesis builds a final hypothesis with the known scorer fields.
func NewHypothesis(text string, scores map[string]float64) Hypothesis {
	h := Hypothesis{Transcript: text}
	pick := func(name string) *float64 {
		if v, ok := scores[name]; ok {
			return &v
		}
		return nil
	}
	h.WeightedScore = pick("weighted_score")
	h.Content = pick("content")
	h.Pronunciation = pick("pronunciation")
	h.Vocabulary = pick("vocabulary")
	return h
}

// Result carries partial or final hypotheses.
type Result struct {
	Hypotheses any  `json:"hypotheses"`
	Final      bool `json:"final"`
}

// AdaptationState is sent once before a successful session closes.
type AdaptationState struct {
	ID    string `json:"id"`
	Value string `json:"value"`
	Type  string `json:"type"`
	Time  string `json:"time"`
}

// Event is any message sent to the master.
type Event struct {
	Status          int              `json:"status"`
	Segment         *int             `json:"segment,omitempty"`
	ID              string           `json:"id,omitempty"`
	Result          *Result          `json:"result,omitempty"`
	Message         string           `json:"message,omitempty"`
	AdaptationState *AdaptationState `json:"adaptation_state,omitempty"`
}

// PartialEvent builds {status:0, segment, result:{hypotheses:{transcript}, final:false}}.
func PartialEvent(segment int, text string) Event {
	return Event{
		Status:  StatusSuccess,
		Segment: &segment,
		Result: &Result{
			Hypotheses: PartialHypothesis{Transcript: text},
			Final:      false,
		},
	}
}

// FinalEvent builds a final result for request id.
func FinalEvent(segment int, id string, hyps []Hypothesis) Event {
	return Event{
		Status:  StatusSuccess,
		Segment: &segment,
		ID:      id,
		Result:  &Result{Hypotheses: hyps, Final: true},
	}
}

// NoSpeechEvent is sent when a supervisor gives up on a session.
func NoSpeechEvent() Event {
	return Event{Status: StatusNoSpeech}
}

// ErrorEvent maps an inference failure to its status code.
func ErrorEvent(err *engine.Error) Event {
	return Event{Status: StatusForKind(err.Kind), Message: err.Message}
}

// StatusForKind returns the status code reported for an error kind.
func StatusForKind(kind engine.ErrorKind) int {
	switch kind {
	case engine.KindOOV:
		return StatusNotAllowed
	case engine.KindAlignment:
		return StatusNotAllowedAlignment
	default:
		return StatusServiceNotAllowed
	}
}

// AdaptationStateEvent compresses and encodes state for request id.
func AdaptationStateEvent(id string, state []byte, now time.Time) (Event, error) {
	value, err := EncodeAdaptationState(state)
	if err != nil {
		return Event{}, err
	}
	return Event{
		Status: StatusSuccess,
		AdaptationState: &AdaptationState{
			ID:    id,
			Value: value,
			Type:  AdaptationStateType,
			Time:  now.Format(adaptationTimeLayout),
		},
	}, nil
}

// EncodeAdaptationState returns base64(zlib(state)).
func EncodeAdaptationState(state []byte) (string, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(state); err != nil {
		return "", fmt.Errorf("failed to compress adaptation state: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to compress adaptation state: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecodeAdaptationState reverses EncodeAdaptationState.
func DecodeAdaptationState(value string) ([]byte, error) {
	compressed, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, err
	}
	r, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var out bytes.Buffer
	if _, err := out.ReadFrom(r); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// FinalSummary is the part of a filtered final result the worker inspects.
type FinalSummary struct {
	Status int `json:"status"`
	Result *struct {
		Final      bool            `json:"final"`
		Hypotheses json.RawMessage `json:"hypotheses"`
	} `json:"result"`
}

// IsFinal reports whether the summary describes a successful final result.
func (s FinalSummary) IsFinal() bool {
	return s.Result != nil && s.Result.Final
}

// Best returns the first hypothesis of the result. ok is false when the
// result carries no hypothesis list.
func (s FinalSummary) Best() (hyp Hypothesis, ok bool) {
	if s.Result == nil || len(s.Result.Hypotheses) == 0 {
		return Hypothesis{}, false
	}
	var hyps []Hypothesis
	if err := json.Unmarshal(s.Result.Hypotheses, &hyps); err != nil || len(hyps) == 0 {
		return Hypothesis{}, false
	}
	return hyps[0], true
}
