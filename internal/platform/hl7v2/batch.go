package hl7v2

import (
	"fmt"
	"strings"
)

// batchEnvelope lists the file and batch header/trailer segments that may
// wrap a set of messages. They carry no clinical content and are skipped.
var batchEnvelope = map[string]bool{
	"FHS": true,
	"BHS": true,
	"BTS": true,
	"FTS": true,
}

// BatchEntry is one message extracted from a batch. Exactly one of Message
// and Err is set. Raw always holds the message text so a failed entry can
// still be recorded.
type BatchEntry struct {
	Index   int
	Raw     string
	Message *Message
	Err     error
}

// BatchScanner splits a payload holding zero or more messages into
// individual messages. A new message starts at every MSH segment. Scanning
// is lazy: each call to Scan parses only the next message.
//
//	sc := hl7v2.NewBatchScanner(payload)
//	for sc.Scan() {
//		entry := sc.Entry()
//		...
//	}
type BatchScanner struct {
	lines []string
	pos   int
	index int
	entry BatchEntry
}

// NewBatchScanner creates a scanner over payload. Line endings may be \r,
// \n or \r\n.
func NewBatchScanner(payload []byte) *BatchScanner {
	text := normalizeLineEndings(string(payload))
	var lines []string
	for _, line := range strings.Split(text, "\r") {
		line = strings.TrimSpace(line)
		if line == "" || batchEnvelope[segmentName(line)] {
			continue
		}
		lines = append(lines, line)
	}
	return &BatchScanner{lines: lines}
}

// Scan advances to the next message. It returns false when the payload is
// exhausted.
func (b *BatchScanner) Scan() bool {
	if b.pos >= len(b.lines) {
		return false
	}

	start := b.pos
	b.pos++
	for b.pos < len(b.lines) && !isMessageStart(b.lines[b.pos]) {
		b.pos++
	}

	raw := strings.Join(b.lines[start:b.pos], "\r")
	b.entry = BatchEntry{Index: b.index, Raw: raw}
	b.index++

	if !isMessageStart(b.lines[start]) {
		b.entry.Err = fmt.Errorf("hl7v2: content before first MSH segment")
		return true
	}

	msg, err := Parse([]byte(raw))
	if err != nil {
		b.entry.Err = err
	} else {
		b.entry.Message = msg
	}
	return true
}

// Entry returns the message produced by the last call to Scan.
func (b *BatchScanner) Entry() BatchEntry {
	return b.entry
}

// Reset rewinds the scanner to the start of the payload.
func (b *BatchScanner) Reset() {
	b.pos = 0
	b.index = 0
	b.entry = BatchEntry{}
}

// SplitBatch scans the whole payload and returns every entry in order.
func SplitBatch(payload []byte) []BatchEntry {
	sc := NewBatchScanner(payload)
	var entries []BatchEntry
	for sc.Scan() {
		entries = append(entries, sc.Entry())
	}
	return entries
}

func segmentName(line string) string {
	if len(line) < 3 {
		return line
	}
	return line[:3]
}

func isMessageStart(line string) bool {
	return len(line) > 3 && line[:3] == "MSH" && !isAlphaNum(line[3])
}
