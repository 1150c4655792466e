// Package cfdlog parses the structured stderr stream of a cloudflared child
// process. Parsing is stateless and line-oriented; the extractors pull the
// handful of events tuinnel reacts to out of raw lines.
package cfdlog

import (
	"strings"
	"time"
)

// Level is the three-letter level tag of a connector log line.
type Level string

const (
	LevelDebug Level = "DBG"
	LevelInfo  Level = "INF"
	LevelWarn  Level = "WRN"
	LevelError Level = "ERR"
	LevelFatal Level = "FTL"
)

func (l Level) valid() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal:
		return true
	}
	return false
}

// ParsedLine is one structured connector log line. Message is the line text
// with the trailing key=value pairs removed; Fields carries those pairs.
type ParsedLine struct {
	Timestamp time.Time
	Level     Level
	Message   string
	Fields    map[string]string
}

// Parse decodes a connector stderr line of the shape
//
//	<RFC3339 timestamp> <LVL> <message...> [key=value]...
//
// The second return is false for lines that do not match, such as panics or
// raw writes from the child.
func Parse(line string) (*ParsedLine, bool) {
	parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
	if len(parts) < 3 {
		return nil, false
	}
	timestamp, err := time.Parse(time.RFC3339, parts[0])
	if err != nil {
		return nil, false
	}
	level := Level(parts[1])
	if !level.valid() {
		return nil, false
	}

	tokens := strings.Fields(parts[2])
	end := len(tokens)
	for end > 0 {
		if _, _, ok := splitPair(tokens[end-1]); !ok {
			break
		}
		end--
	}
	var fields map[string]string
	if end < len(tokens) {
		fields = make(map[string]string, len(tokens)-end)
		for _, token := range tokens[end:] {
			key, value, _ := splitPair(token)
			fields[key] = value
		}
	}

	return &ParsedLine{
		Timestamp: timestamp,
		Level:     level,
		Message:   strings.Join(tokens[:end], " "),
		Fields:    fields,
	}, true
}

// splitPair splits a key=value token. Keys are bare identifiers, so a token
// like "host:port/metrics" or a quoted fragment is left to the message.
func splitPair(token string) (string, string, bool) {
	idx := strings.IndexByte(token, '=')
	if idx <= 0 || idx == len(token)-1 {
		return "", "", false
	}
	key := token[:idx]
	for _, r := range key {
		if !isIdentRune(r) {
			return "", "", false
		}
	}
	return key, token[idx+1:], true
}

func isIdentRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
		return true
	}
	return false
}
