package models

import (
	"unicode/utf8"
)

// Meta is the open key-value record attached to runs, items and heartbeats.
// Job kinds with a fixed shape build it through a typed value implementing Metadata.
type Meta map[string]any

// Metadata is implemented by typed per-job meta values.
type Metadata interface {
	Meta() Meta
}

// Merge returns a copy of m overlaid with each of others, later keys winning.
func (m Meta) Merge(others ...Meta) Meta {
	out := make(Meta, len(m))
	for k, v := range m {
		out[k] = v
	}
	for _, o := range others {
		for k, v := range o {
			out[k] = v
		}
	}
	return out
}

// TruncatedMarker is appended to messages cut to fit a storage limit.
const TruncatedMarker = "... [truncated]"

// Truncate shortens msg to at most max bytes, keeping the leading part and
// ending with TruncatedMarker. It never splits a UTF-8 sequence.
func Truncate(msg string, max int) string {
	if max <= 0 || len(msg) <= max {
		return msg
	}
	if max <= len(TruncatedMarker) {
		return TruncatedMarker[:max]
	}
	cut := max - len(TruncatedMarker)
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut] + TruncatedMarker
}

// TruncatePtr applies Truncate to an optional message.
func TruncatePtr(msg *string, max int) *string {
	if msg == nil {
		return nil
	}
	out := Truncate(*msg, max)
	return &out
}

// StringPtr returns nil for the empty string.
func StringPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
