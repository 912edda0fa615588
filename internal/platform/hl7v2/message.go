package hl7v2

import (
	"fmt"
	"strings"
	"time"
)

// Message represents a parsed HL7v2 message.
type Message struct {
	Type         string    // MSH-9 message type (e.g. "ADT^A01")
	Code         string    // MSH-9.1 (e.g. "ADT")
	Event        string    // MSH-9.2 (e.g. "A01")
	ControlID    string    // MSH-10
	Version      string    // MSH-12 (e.g. "2.5.1")
	Timestamp    time.Time // MSH-7, zero when absent or unparseable
	SendingApp   string    // MSH-3
	SendingFac   string    // MSH-4
	ReceivingApp string    // MSH-5
	ReceivingFac string    // MSH-6
	Delimiters   Delimiters
	Segments     []Segment
	Raw          string
}

// Delimiters holds the separator characters declared in MSH-1 and MSH-2.
type Delimiters struct {
	Field        byte
	Component    byte
	Repetition   byte
	Escape       byte
	SubComponent byte
}

// DefaultDelimiters returns the conventional |^~\& separator set.
func DefaultDelimiters() Delimiters {
	return Delimiters{Field: '|', Component: '^', Repetition: '~', Escape: '\\', SubComponent: '&'}
}

// EncodingCharacters renders the MSH-2 value for d.
func (d Delimiters) EncodingCharacters() string {
	return string([]byte{d.Component, d.Repetition, d.Escape, d.SubComponent})
}

// Segment represents a single HL7v2 segment. Unknown segments keep their
// Raw text and are never interpreted downstream.
type Segment struct {
	Name   string // e.g. "MSH", "PID", "OBR", "OBX"
	Kind   SegmentKind
	Raw    string
	Fields []Field
}

// Field is one field value with its repetitions.
type Field struct {
	Value   string
	Repeats []Repetition
}

// Repetition is one occurrence of a repeating field.
type Repetition struct {
	Components []Component
}

// Component is one component with its sub-components.
type Component struct {
	Value         string
	SubComponents []string
}

// Parse parses raw HL7v2 message bytes into a structured Message.
// It supports \r, \n, and \r\n line endings for segment separation. The
// component, repetition, escape and sub-component separators are taken
// from MSH-2 rather than assumed.
func Parse(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("hl7v2: message is empty")
	}

	text := normalizeLineEndings(string(raw))
	lines := strings.Split(text, "\r")

	var segmentLines []string
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			segmentLines = append(segmentLines, line)
		}
	}

	if len(segmentLines) == 0 {
		return nil, fmt.Errorf("hl7v2: no segments found")
	}

	if !strings.HasPrefix(segmentLines[0], "MSH") {
		return nil, fmt.Errorf("hl7v2: first segment must be MSH, got %q", segmentLines[0][:min(3, len(segmentLines[0]))])
	}

	delims, err := readDelimiters(segmentLines[0])
	if err != nil {
		return nil, err
	}

	msg := &Message{Delimiters: delims, Raw: strings.Join(segmentLines, "\r")}
	for i, line := range segmentLines {
		seg, err := parseSegment(line, delims)
		if err != nil {
			return nil, fmt.Errorf("hl7v2: segment %d: %w", i+1, err)
		}
		msg.Segments = append(msg.Segments, seg)
	}

	msg.extractMSHFields()
	return msg, nil
}

func normalizeLineEndings(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\r")
	return strings.ReplaceAll(s, "\n", "\r")
}

// readDelimiters reads MSH-1 and MSH-2. Missing encoding characters fall
// back to the defaults position by position.
func readDelimiters(msh string) (Delimiters, error) {
	d := DefaultDelimiters()
	if len(msh) < 4 {
		return d, fmt.Errorf("hl7v2: MSH segment has no field separator")
	}
	d.Field = msh[3]
	if isAlphaNum(d.Field) {
		return d, fmt.Errorf("hl7v2: invalid field separator %q", d.Field)
	}

	enc := msh[4:]
	if i := strings.IndexByte(enc, d.Field); i >= 0 {
		enc = enc[:i]
	}
	targets := []*byte{&d.Component, &d.Repetition, &d.Escape, &d.SubComponent}
	for i := 0; i < len(enc) && i < len(targets); i++ {
		*targets[i] = enc[i]
	}
	return d, nil
}

// parseSegment parses a single segment line into a Segment struct.
func parseSegment(line string, d Delimiters) (Segment, error) {
	if len(line) < 3 {
		return Segment{}, fmt.Errorf("segment too short: %q", line)
	}
	name := line[:3]
	for i := 0; i < 3; i++ {
		if !isAlphaNum(name[i]) {
			return Segment{}, fmt.Errorf("invalid segment name %q", name)
		}
	}
	if len(line) > 3 && line[3] != d.Field {
		return Segment{}, fmt.Errorf("segment %s: expected field separator after name", name)
	}

	seg := Segment{Name: name, Kind: KindOf(name), Raw: line}

	// MSH is special: the field separator is MSH-1 itself and MSH-2 holds
	// the encoding characters verbatim.
	if name == "MSH" {
		sep := string(d.Field)
		seg.Fields = append(seg.Fields, Field{Value: sep, Repeats: []Repetition{{Components: []Component{{Value: sep}}}}})
		if len(line) <= 4 {
			return seg, nil
		}
		parts := strings.Split(line[4:], sep)
		enc := parts[0]
		seg.Fields = append(seg.Fields, Field{Value: enc, Repeats: []Repetition{{Components: []Component{{Value: enc}}}}})
		for _, part := range parts[1:] {
			seg.Fields = append(seg.Fields, parseField(part, d))
		}
		return seg, nil
	}

	if len(line) > 4 {
		for _, f := range strings.Split(line[4:], string(d.Field)) {
			seg.Fields = append(seg.Fields, parseField(f, d))
		}
	}
	return seg, nil
}

// parseField parses a single field, handling repetitions, components and
// sub-components.
func parseField(raw string, d Delimiters) Field {
	f := Field{Value: raw}
	for _, rep := range strings.Split(raw, string(d.Repetition)) {
		var r Repetition
		for _, comp := range strings.Split(rep, string(d.Component)) {
			c := Component{Value: unescape(comp, d)}
			if strings.IndexByte(comp, d.SubComponent) >= 0 {
				for _, sub := range strings.Split(comp, string(d.SubComponent)) {
					c.SubComponents = append(c.SubComponents, unescape(sub, d))
				}
			}
			r.Components = append(r.Components, c)
		}
		f.Repeats = append(f.Repeats, r)
	}
	return f
}

// unescape resolves the standard delimiter escape sequences (\F\ \S\ \T\
// \R\ \E\). Unknown sequences are left untouched.
func unescape(s string, d Delimiters) string {
	if strings.IndexByte(s, d.Escape) < 0 {
		return s
	}
	esc := string(d.Escape)
	r := strings.NewReplacer(
		esc+"F"+esc, string(d.Field),
		esc+"S"+esc, string(d.Component),
		esc+"T"+esc, string(d.SubComponent),
		esc+"R"+esc, string(d.Repetition),
		esc+"E"+esc, esc,
	)
	return r.Replace(s)
}

func isAlphaNum(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9')
}

// extractMSHFields extracts commonly used MSH fields into the Message struct.
func (m *Message) extractMSHFields() {
	msh := &m.Segments[0]

	m.SendingApp = msh.GetComponent(3, 1)
	m.SendingFac = msh.GetComponent(4, 1)
	m.ReceivingApp = msh.GetComponent(5, 1)
	m.ReceivingFac = msh.GetComponent(6, 1)

	if t, ok := ParseTimestamp(msh.GetField(7)); ok {
		m.Timestamp = t
	}

	m.Type = msh.GetField(9)
	m.Code = strings.ToUpper(strings.TrimSpace(msh.GetComponent(9, 1)))
	m.Event = strings.ToUpper(strings.TrimSpace(msh.GetComponent(9, 2)))
	m.ControlID = strings.TrimSpace(msh.GetField(10))
	m.Version = msh.GetComponent(12, 1)
}

// GetSegment returns the first segment with the given name, or nil if not found.
func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// GetSegments returns all segments with the given name.
func (m *Message) GetSegments(name string) []Segment {
	var result []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			result = append(result, seg)
		}
	}
	return result
}

// SegmentsOfKind returns all segments of kind k in message order.
func (m *Message) SegmentsOfKind(k SegmentKind) []Segment {
	var result []Segment
	for _, seg := range m.Segments {
		if seg.Kind == k {
			result = append(result, seg)
		}
	}
	return result
}

// UnknownSegments returns the segments the parser has no kind for, verbatim.
func (m *Message) UnknownSegments() []string {
	var result []string
	for _, seg := range m.Segments {
		if seg.Kind == KindUnknown {
			result = append(result, seg.Raw)
		}
	}
	return result
}

// field returns the 1-based field, or nil when the position is absent.
// MSH fields: Fields[0]=MSH-1, Fields[1]=MSH-2, etc. Other segments:
// Fields[0]=field-1.
func (s *Segment) field(index int) *Field {
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return nil
	}
	return &s.Fields[idx]
}

// GetField returns the raw value of a field by 1-based index. Missing
// trailing fields read as empty.
func (s *Segment) GetField(index int) string {
	if f := s.field(index); f != nil {
		return f.Value
	}
	return ""
}

// GetComponent returns a component value of the first repetition by
// 1-based field and component indices.
func (s *Segment) GetComponent(fieldIdx, compIdx int) string {
	f := s.field(fieldIdx)
	if f == nil || len(f.Repeats) == 0 {
		return ""
	}
	return f.Repeats[0].Component(compIdx)
}

// GetSubComponent returns a sub-component of the first repetition.
func (s *Segment) GetSubComponent(fieldIdx, compIdx, subIdx int) string {
	f := s.field(fieldIdx)
	if f == nil || len(f.Repeats) == 0 {
		return ""
	}
	ci := compIdx - 1
	if ci < 0 || ci >= len(f.Repeats[0].Components) {
		return ""
	}
	c := f.Repeats[0].Components[ci]
	if len(c.SubComponents) == 0 {
		if subIdx == 1 {
			return c.Value
		}
		return ""
	}
	si := subIdx - 1
	if si < 0 || si >= len(c.SubComponents) {
		return ""
	}
	return c.SubComponents[si]
}

// GetRepetitions returns every repetition of a field.
func (s *Segment) GetRepetitions(fieldIdx int) []Repetition {
	f := s.field(fieldIdx)
	if f == nil {
		return nil
	}
	return f.Repeats
}

// Component returns the 1-based component value, or "".
func (r Repetition) Component(index int) string {
	ci := index - 1
	if ci < 0 || ci >= len(r.Components) {
		return ""
	}
	return r.Components[ci].Value
}

// PatientID returns PID-3.1 (the first component of the patient identifier field).
func (m *Message) PatientID() string {
	pid := m.GetSegment("PID")
	if pid == nil {
		return ""
	}
	return pid.GetComponent(3, 1)
}

// VisitNumber returns PV1-19.1, falling back to PID-18.1 (patient account
// number) when PV1 carries none.
func (m *Message) VisitNumber() string {
	if pv1 := m.GetSegment("PV1"); pv1 != nil {
		if v := strings.TrimSpace(pv1.GetComponent(19, 1)); v != "" {
			return v
		}
	}
	if pid := m.GetSegment("PID"); pid != nil {
		return strings.TrimSpace(pid.GetComponent(18, 1))
	}
	return ""
}

// PatientName returns the family and given name from PID-5 (family^given).
func (m *Message) PatientName() (family, given string) {
	pid := m.GetSegment("PID")
	if pid == nil {
		return "", ""
	}
	return pid.GetComponent(5, 1), pid.GetComponent(5, 2)
}

// DateOfBirth returns PID-7 as sent.
func (m *Message) DateOfBirth() string {
	pid := m.GetSegment("PID")
	if pid == nil {
		return ""
	}
	return pid.GetComponent(7, 1)
}

// Gender returns PID-8.
func (m *Message) Gender() string {
	pid := m.GetSegment("PID")
	if pid == nil {
		return ""
	}
	return pid.GetField(8)
}
