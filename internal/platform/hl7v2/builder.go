package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// SegmentBuilder assembles a segment field by field using the default
// delimiters. It is used for acknowledgements and for composing messages
// in tools and tests.
type SegmentBuilder struct {
	name   string
	fields []string
}

// NewSegment starts a segment with the given three-character name.
func NewSegment(name string) *SegmentBuilder {
	return &SegmentBuilder{name: name}
}

// Set assigns field n (1-based). Multiple values become components. Values
// are escaped so they never introduce delimiters.
func (b *SegmentBuilder) Set(n int, components ...string) *SegmentBuilder {
	idx := b.index(n)
	if idx < 0 {
		return b
	}
	for len(b.fields) <= idx {
		b.fields = append(b.fields, "")
	}
	escaped := make([]string, len(components))
	for i, c := range components {
		escaped[i] = escapeHL7(c)
	}
	b.fields[idx] = strings.TrimRight(strings.Join(escaped, "^"), "^")
	return b
}

// index maps an HL7 field number to a slot. For MSH, MSH-1 and MSH-2 are
// fixed and field 3 is the first slot.
func (b *SegmentBuilder) index(n int) int {
	if b.name == "MSH" {
		return n - 3
	}
	return n - 1
}

// String renders the segment.
func (b *SegmentBuilder) String() string {
	if b.name == "MSH" {
		return "MSH|^~\\&|" + strings.Join(b.fields, "|")
	}
	if len(b.fields) == 0 {
		return b.name
	}
	return b.name + "|" + strings.Join(b.fields, "|")
}

// Segment parses the rendered text into a Segment.
func (b *SegmentBuilder) Segment() Segment {
	seg, err := parseSegment(b.String(), DefaultDelimiters())
	if err != nil {
		// Builder output is always well formed; fall back to a raw segment.
		return Segment{Name: b.name, Kind: KindOf(b.name), Raw: b.String()}
	}
	return seg
}

// BuildMSH renders a header for messageCode^event with the given control id.
func BuildMSH(messageCode, event, controlID string, at time.Time) string {
	return NewSegment("MSH").
		Set(3, "MEDCODE").
		Set(4, "MEDCODE").
		Set(7, FormatTimestamp(at)).
		Set(9, messageCode, event).
		Set(10, controlID).
		Set(11, "P").
		Set(12, "2.5.1").
		String()
}

// BuildMessage joins an MSH for messageCode^event with the given segments.
// An empty controlID gets a timestamp-derived one.
func BuildMessage(messageCode, event, controlID string, segments ...*SegmentBuilder) []byte {
	now := time.Now().UTC()
	if controlID == "" {
		controlID = fmt.Sprintf("MSG%s", now.Format("20060102150405.000"))
	}
	lines := []string{BuildMSH(messageCode, event, controlID, now)}
	for _, s := range segments {
		lines = append(lines, s.String())
	}
	return []byte(strings.Join(lines, "\r"))
}

// escapeHL7 escapes special HL7 characters in a string value.
// The HL7 escape sequences are:
//
//	\F\ = |  (field separator)
//	\S\ = ^  (component separator)
//	\R\ = ~  (repetition separator)
//	\E\ = \  (escape character)
//	\T\ = &  (subcomponent separator)
func escapeHL7(s string) string {
	// Escape backslash first to avoid double-escaping
	s = strings.ReplaceAll(s, "\\", "\\E\\")
	s = strings.ReplaceAll(s, "|", "\\F\\")
	s = strings.ReplaceAll(s, "^", "\\S\\")
	s = strings.ReplaceAll(s, "~", "\\R\\")
	s = strings.ReplaceAll(s, "&", "\\T\\")
	return s
}
