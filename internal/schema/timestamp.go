package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidTimestamp indicates that a timestamp token could not be parsed.
var ErrInvalidTimestamp = errors.New("schema: invalid timestamp")

const timestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// Timestamp is the last-modification token of an entity, stored as microseconds since the
// Unix epoch. The JSON form is an RFC 3339 string with exactly six fractional digits so
// that it survives a client round trip unchanged.
type Timestamp int64

// TimestampFromTime converts a wall-clock time to a Timestamp.
func TimestampFromTime(value time.Time) Timestamp {
	return Timestamp(value.UnixMicro())
}

// ParseTimestamp parses the wire representation of a Timestamp.
func ParseTimestamp(rawInput string) (Timestamp, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return 0, fmt.Errorf("%w: empty", ErrInvalidTimestamp)
	}
	parsed, err := time.Parse(time.RFC3339Nano, trimmed)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	return TimestampFromTime(parsed), nil
}

// Int64 exposes the raw microsecond value.
func (ts Timestamp) Int64() int64 {
	return int64(ts)
}

// Time converts the token back to a UTC time.
func (ts Timestamp) Time() time.Time {
	return time.UnixMicro(int64(ts)).UTC()
}

// IsZero reports whether the timestamp is unset.
func (ts Timestamp) IsZero() bool {
	return ts == 0
}

func (ts Timestamp) String() string {
	return ts.Time().Format(timestampLayout)
}

// MarshalJSON encodes the timestamp as its RFC 3339 string.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(ts.String())
}

// UnmarshalJSON decodes an RFC 3339 string.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	parsed, err := ParseTimestamp(raw)
	if err != nil {
		return err
	}
	*ts = parsed
	return nil
}
