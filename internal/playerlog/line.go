// ABOUTME: Media player log line parser
// ABOUTME: Splits "(Mon Jan 02 2006 15:04:05) ... - message" lines into entries
package playerlog

import (
	"strings"
	"time"
)

// TimestampLayout is the parenthesised prefix every recognised line starts with
const TimestampLayout = "(Mon Jan 02 2006 15:04:05)"

// parseLayout also accepts an unpadded or space-padded day
const parseLayout = "(Mon Jan _2 2006 15:04:05)"

// Entry is one parsed log line
type Entry struct {
	Timestamp time.Time
	Message   string
}

// ParseLine parses a raw line in the local time zone. Lines without a
// parseable leading timestamp (continuations, blanks) are rejected with
// ok=false; they are not errors. A timestamp followed by nothing but the
// separating space yields an empty message.
func ParseLine(raw string) (Entry, bool) {
	return parseLineIn(raw, time.Local)
}

func parseLineIn(raw string, loc *time.Location) (Entry, bool) {
	raw = strings.TrimRight(raw, "\r")
	if !strings.HasPrefix(raw, "(") {
		return Entry{}, false
	}

	stamp, rest, ok := strings.Cut(raw, ") ")
	if !ok {
		return Entry{}, false
	}

	ts, err := time.ParseInLocation(parseLayout, stamp+")", loc)
	if err != nil {
		return Entry{}, false
	}

	message := rest
	if _, after, found := strings.Cut(rest, " - "); found {
		message = after
	}

	return Entry{Timestamp: ts, Message: message}, true
}

// FormatTimestamp renders a timestamp exactly as the player writes it
func FormatTimestamp(t time.Time) string {
	return t.Format(TimestampLayout)
}
