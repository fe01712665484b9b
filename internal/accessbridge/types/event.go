package types

import (
	"bytes"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// EventType is the normalised classification of a vendor access event.
type EventType string

const (
	EventEntry   EventType = "entry"
	EventExit    EventType = "exit"
	EventDenied  EventType = "denied"
	EventUnknown EventType = "unknown"
)

var eventTypeAliases = map[string]EventType{
	"entry":         EventEntry,
	"in":            EventEntry,
	"checkin":       EventEntry,
	"check_in":      EventEntry,
	"granted":       EventEntry,
	"exit":          EventExit,
	"out":           EventExit,
	"checkout":      EventExit,
	"check_out":     EventExit,
	"denied":        EventDenied,
	"deny":          EventDenied,
	"rejected":      EventDenied,
	"access_denied": EventDenied,
}

// ParseEventType maps a vendor event type string onto EventType.
// Unrecognised and empty values become EventUnknown.
func ParseEventType(s string) EventType {
	if t, ok := eventTypeAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return t
	}
	return EventUnknown
}

func (t EventType) Valid() bool {
	switch t {
	case EventEntry, EventExit, EventDenied, EventUnknown:
		return true
	}
	return false
}

// EventPayload is the vendor-shaped body of one access event, as pushed by a
// webhook or returned by the vendor search API. Every field is optional.
type EventPayload struct {
	EventID    string    `json:"eventId,omitempty"`
	EventType  string    `json:"eventType,omitempty"`
	EventTime  Timestamp `json:"eventTime"`
	PersonID   string    `json:"personId,omitempty"`
	DeviceID   string    `json:"deviceId,omitempty"`
	DoorID     string    `json:"doorId,omitempty"`
	DoorName   string    `json:"doorName,omitempty"`
	CardNo     string    `json:"cardNo,omitempty"`
	FaceID     string    `json:"faceId,omitempty"`
	PictureURL string    `json:"pictureUrl,omitempty"`

	// Minor is the Hikvision ACS minor event code, used when EventType is
	// absent.
	Minor *int `json:"minor,omitempty"`
}

// VendorEvent pairs a decoded payload with the exact bytes it came from.
type VendorEvent struct {
	Payload EventPayload
	Raw     []byte
}

// Timestamp is a vendor event time. It decodes from an RFC3339 string or
// from Unix milliseconds or seconds. Anything else leaves it zero rather
// than failing the whole payload.
type Timestamp struct {
	time.Time
}

func (ts *Timestamp) UnmarshalJSON(b []byte) error {
	ts.Time = time.Time{}

	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}

	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		ts.Time = ParseEventTime(s)
		return nil
	}

	var ms float64
	if err := json.Unmarshal(b, &ms); err != nil {
		return nil
	}
	ts.Time = fromUnixNumber(ms)
	return nil
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(ts.UTC().Format(time.RFC3339Nano))
}

// ParseEventTime parses an RFC3339(Nano) string or a string of Unix
// milliseconds or seconds. It returns the zero time when s is empty or
// unparseable.
func ParseEventTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC()
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC()
	}
	if ms, err := strconv.ParseFloat(s, 64); err == nil {
		return fromUnixNumber(ms)
	}
	return time.Time{}
}

// unixSecondsLimit separates Unix seconds from Unix milliseconds: 1e11 ms
// is March 1973, 1e11 s is far past any device clock.
const unixSecondsLimit = 1e11

// fromUnixNumber reads n as Unix milliseconds, or as Unix seconds when it is
// below unixSecondsLimit.
func fromUnixNumber(n float64) time.Time {
	if n <= 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return time.Time{}
	}
	if n < unixSecondsLimit {
		return time.UnixMilli(int64(n * 1000)).UTC()
	}
	return time.UnixMilli(int64(n)).UTC()
}
