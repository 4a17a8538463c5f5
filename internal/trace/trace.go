// Package trace records what the engine decided for each key during
// one build request: served from cache, executed fresh, or failed. The
// record is pure data, independent of execution timing or concurrency,
// so two builds that make the same decisions produce byte-identical
// traces. It is observational only and never feeds back into
// evaluation.
package trace

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"kiln/internal/dataid"
)

// Outcome is what the engine decided for one key.
type Outcome uint8

const (
	// OutcomeCached means the key's value was served from the function
	// cache without running its body.
	OutcomeCached Outcome = iota + 1
	// OutcomeExecuted means the key's body ran and its result was
	// stored.
	OutcomeExecuted
	// OutcomeFailed means the evaluation returned an error; nothing
	// was cached.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCached:
		return "cached"
	case OutcomeExecuted:
		return "executed"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("Outcome(%d)", uint8(o))
	}
}

// MarshalText encodes the outcome as its stable string name, which is
// part of the trace's canonical bytes.
func (o Outcome) MarshalText() ([]byte, error) {
	switch o {
	case OutcomeCached, OutcomeExecuted, OutcomeFailed:
		return []byte(o.String()), nil
	default:
		return nil, fmt.Errorf("trace: unknown outcome %d", uint8(o))
	}
}

// UnmarshalText is the inverse of MarshalText.
func (o *Outcome) UnmarshalText(text []byte) error {
	switch string(text) {
	case "cached":
		*o = OutcomeCached
	case "executed":
		*o = OutcomeExecuted
	case "failed":
		*o = OutcomeFailed
	default:
		return fmt.Errorf("trace: unknown outcome %q", text)
	}
	return nil
}

// Event is one key's recorded decision. Events carry no timestamps and
// nothing derived from pointer identity or map iteration, so the same
// decisions always serialise the same way.
type Event struct {
	Key     string  `json:"key"`
	Outcome Outcome `json:"outcome"`
}

// Trace is the record of one build request: the request's fingerprint
// plus the per-key events it produced, in canonical order once
// encoded.
type Trace struct {
	Request string  `json:"request"`
	Events  []Event `json:"events"`
}

// Validate reports the first structural problem in t.
func (t Trace) Validate() error {
	if t.Request == "" {
		return fmt.Errorf("trace: request fingerprint is required")
	}
	for i, e := range t.Events {
		if e.Key == "" {
			return fmt.Errorf("trace: events[%d] has no key", i)
		}
		if _, err := e.Outcome.MarshalText(); err != nil {
			return fmt.Errorf("trace: events[%d]: %w", i, err)
		}
	}
	return nil
}

// normalize sorts events into their canonical total order and drops
// exact duplicates. A cached key requested by several parents is
// recorded once per request; the canonical trace keeps one.
func (t *Trace) normalize() {
	sort.Slice(t.Events, func(i, j int) bool {
		a, b := t.Events[i], t.Events[j]
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		return a.Outcome < b.Outcome
	})
	deduped := t.Events[:0]
	for i, e := range t.Events {
		if i > 0 && e == t.Events[i-1] {
			continue
		}
		deduped = append(deduped, e)
	}
	t.Events = deduped
}

// Encode returns the canonical JSON bytes of t: events sorted and
// deduplicated, fields in a fixed order. Two traces with the same
// decisions encode identically regardless of recording order.
func (t Trace) Encode() ([]byte, error) {
	canonical := Trace{Request: t.Request, Events: append([]Event(nil), t.Events...)}
	canonical.normalize()
	if err := canonical.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(canonical)
}

// Decode parses bytes produced by Encode.
func Decode(b []byte) (Trace, error) {
	var t Trace
	if err := json.Unmarshal(b, &t); err != nil {
		return Trace{}, fmt.Errorf("trace: decode: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Trace{}, err
	}
	return t, nil
}

// ID returns the content id of the canonical encoding, usable as a
// compact equality check between two builds' decision records.
func (t Trace) ID() (dataid.DataID, error) {
	b, err := t.Encode()
	if err != nil {
		return dataid.DataID{}, err
	}
	return dataid.Identify(nil, b), nil
}

// Sink receives events as evaluations finish. Implementations must be
// safe for concurrent use and must not block.
type Sink interface {
	Record(Event)
}

// Discard is a Sink that drops every event.
type Discard struct{}

func (Discard) Record(Event) {}

// Recorder is an in-memory Sink that accumulates events for the
// duration of one build request.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Record(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Build assembles the Trace for request from everything recorded so
// far. The returned trace shares nothing with the recorder.
func (r *Recorder) Build(request string) Trace {
	r.mu.Lock()
	events := append([]Event(nil), r.events...)
	r.mu.Unlock()
	return Trace{Request: request, Events: events}
}
