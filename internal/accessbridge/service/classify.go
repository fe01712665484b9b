package service

import (
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/forgefit/accessbridge/internal/accessbridge/store"
	"github.com/forgefit/accessbridge/internal/accessbridge/types"
)

// Hikvision ACS minor codes that map onto an event type when the payload
// carries no eventType.
var minorEventTypes = map[int]types.EventType{
	1:  types.EventEntry,  // card verified
	38: types.EventEntry,  // fingerprint verified
	75: types.EventEntry,  // face verified
	9:  types.EventDenied, // card without permission
	10: types.EventDenied, // card expired
	39: types.EventDenied, // fingerprint mismatch
	76: types.EventDenied, // face mismatch
}

// ClassifyEvent returns the normalised type of a vendor payload.
func ClassifyEvent(p types.EventPayload) types.EventType {
	if strings.TrimSpace(p.EventType) == "" && p.Minor != nil {
		if t, ok := minorEventTypes[*p.Minor]; ok {
			return t
		}
		return types.EventUnknown
	}
	return types.ParseEventType(p.EventType)
}

// fetchedIDNamespace seeds the name-based ids of fetched events that carry
// no eventId.
var fetchedIDNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:accessbridge:hikvision:event"))

// NormalizeEvent turns a vendor payload into a storable record. Missing or
// unparseable times become now, and raw is kept verbatim when it is valid
// JSON. A missing id becomes hik-<uuid>: random for webhooks, derived from
// the event's fields for fetches so re-fetching a window dedupes.
func NormalizeEvent(branchID string, p types.EventPayload, raw []byte, source store.EventSource, now time.Time) store.RawEventRecord {
	now = now.UTC()

	p.EventID = strings.TrimSpace(p.EventID)
	if p.EventID == "" {
		if source == store.SourceFetch {
			p.EventID = "hik-" + uuid.NewSHA1(fetchedIDNamespace, eventKey(branchID, p)).String()
		} else {
			p.EventID = "hik-" + uuid.NewString()
		}
	}
	eventType := ClassifyEvent(p)

	eventTime := p.EventTime.Time
	if eventTime.IsZero() {
		eventTime = now
	}
	eventTime = eventTime.UTC()

	rec := store.RawEventRecord{
		BranchID:        strings.TrimSpace(branchID),
		ExternalEventID: p.EventID,
		EventType:       eventType,
		EventTime:       eventTime,
		PersonID:        strings.TrimSpace(p.PersonID),
		DeviceID:        strings.TrimSpace(p.DeviceID),
		DoorID:          strings.TrimSpace(p.DoorID),
		DoorName:        strings.TrimSpace(p.DoorName),
		CardNo:          strings.TrimSpace(p.CardNo),
		FaceID:          strings.TrimSpace(p.FaceID),
		PictureURL:      strings.TrimSpace(p.PictureURL),
		Source:          source,
		ReceivedAt:      now,
	}

	if len(raw) > 0 && json.Valid(raw) {
		rec.RawPayload = append([]byte(nil), raw...)
		return rec
	}

	p.EventType = string(eventType)
	p.EventTime = types.Timestamp{Time: eventTime}
	if b, err := json.Marshal(p); err == nil {
		rec.RawPayload = b
	} else {
		rec.RawPayload = []byte("{}")
	}
	return rec
}

// eventKey identifies an id-less event by what the device reported. The
// vendor time is used as received, so an event without one keys on its
// other fields only.
func eventKey(branchID string, p types.EventPayload) []byte {
	minor := ""
	if p.Minor != nil {
		minor = strconv.Itoa(*p.Minor)
	}
	at := ""
	if !p.EventTime.IsZero() {
		at = p.EventTime.UTC().Format(time.RFC3339Nano)
	}
	fields := []string{
		strings.TrimSpace(branchID),
		strings.ToLower(strings.TrimSpace(p.EventType)),
		minor,
		at,
		strings.TrimSpace(p.PersonID),
		strings.TrimSpace(p.CardNo),
		strings.TrimSpace(p.FaceID),
		strings.TrimSpace(p.DeviceID),
		strings.TrimSpace(p.DoorID),
	}
	return []byte(strings.Join(fields, "\x1f"))
}
