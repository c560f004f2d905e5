// Package ingest receives tracking errors from the vision host and publishes
// the latest one to the motion loop.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/cjeanneret/PanTrack/internal/debug"
	"github.com/cjeanneret/PanTrack/internal/logic/tracking"
)

// ErrMalformed is returned by Decode for records that are not a JSON object
// or carry a non-numeric error_x.
var ErrMalformed = errors.New("malformed record")

// Message is one decoded record.
type Message struct {
	ErrorX   float64
	HasError bool   // false for metadata records such as {"status":"connected"}
	TS       string // raw ts field, informational
}

type wireRecord struct {
	ErrorX *float64        `json:"error_x"`
	TS     json.RawMessage `json:"ts"`
}

// Decode parses one newline-free record.
func Decode(line []byte) (Message, error) {
	var rec wireRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if bytes.Equal(bytes.TrimSpace(line), []byte("null")) {
		return Message{}, fmt.Errorf("%w: null record", ErrMalformed)
	}
	msg := Message{TS: string(rec.TS)}
	if rec.ErrorX != nil {
		msg.ErrorX = *rec.ErrorX
		msg.HasError = true
	}
	return msg, nil
}

// Sink receives decoded samples. *tracking.Cell implements it.
type Sink interface {
	Publish(tracking.ErrorSample)
}

// State is the connection state of a source.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Stats is a snapshot of a source, safe to read from any goroutine.
type Stats struct {
	State      string `json:"state"`
	Session    string `json:"session,omitempty"`
	Sessions   uint64 `json:"sessions"`
	Reconnects uint64 `json:"reconnects"`
	Samples    uint64 `json:"samples"`
	Metadata   uint64 `json:"metadata"`
	Malformed  uint64 `json:"malformed"`
}

// feed holds what the TCP and MQTT sources share: the sink, connection state,
// counters and record handling.
type feed struct {
	sink Sink
	now  func() time.Time

	state      atomic.Int32
	session    atomic.String
	sessions   atomic.Uint64
	reconnects atomic.Uint64
	samples    atomic.Uint64
	metadata   atomic.Uint64
	malformed  atomic.Uint64

	malformedLog rate.Sometimes // throttles malformed-record warnings
}

func newFeed(sink Sink) *feed {
	return &feed{
		sink:         sink,
		now:          time.Now,
		malformedLog: rate.Sometimes{First: 5, Interval: 5 * time.Second},
	}
}

func (f *feed) setState(s State, detail string) {
	old := State(f.state.Swap(int32(s)))
	if old != s {
		debug.Link(old.String(), s.String(), detail)
	}
}

// handle processes one record. Blank records are skipped silently.
func (f *feed) handle(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	msg, err := Decode(line)
	if err != nil {
		n := f.malformed.Inc()
		f.malformedLog.Do(func() {
			debug.Warn("Link: dropped record %q: %v (%d dropped so far)", truncate(line, 120), err, n)
		})
		return
	}
	if !msg.HasError {
		f.metadata.Inc()
		debug.Verbose("Link: meta %s", line)
		return
	}
	f.samples.Inc()
	f.sink.Publish(tracking.ErrorSample{Value: msg.ErrorX, ReceivedAt: f.now()})
	debug.Sample(msg.ErrorX, msg.TS)
}

func (f *feed) stats() Stats {
	return Stats{
		State:      State(f.state.Load()).String(),
		Session:    f.session.Load(),
		Sessions:   f.sessions.Load(),
		Reconnects: f.reconnects.Load(),
		Samples:    f.samples.Load(),
		Metadata:   f.metadata.Load(),
		Malformed:  f.malformed.Load(),
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
