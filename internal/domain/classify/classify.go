// Package classify maps a message header's type and trigger event to the
// kind of update the correlator applies.
package classify

import (
	"strings"

	"github.com/medcode/medcode/internal/platform/hl7v2"
)

// Kind is the business meaning of a message.
type Kind string

const (
	Admission         Kind = "admission"
	Discharge         Kind = "discharge"
	Transfer          Kind = "transfer"
	DemographicUpdate Kind = "demographic_update"
	ClassChange       Kind = "class_change"
	Cancel            Kind = "cancel"
	Order             Kind = "order"
	Result            Kind = "result"
	Document          Kind = "document"
	Financial         Kind = "financial"
	Unhandled         Kind = "unhandled"
)

// Classification is the outcome of classifying one message.
type Classification struct {
	Kind        Kind   `json:"kind"`
	MessageType string `json:"message_type"`
	EventCode   string `json:"event_code"`
}

type key struct{ code, event string }

var table = map[key]Kind{
	{"ADT", "A01"}: Admission,
	{"ADT", "A04"}: Admission,
	{"ADT", "A05"}: Admission,
	{"ADT", "A14"}: Admission,
	{"ADT", "A03"}: Discharge,
	{"ADT", "A02"}: Transfer,
	{"ADT", "A08"}: DemographicUpdate,
	{"ADT", "A31"}: DemographicUpdate,
	{"ADT", "A06"}: ClassChange,
	{"ADT", "A07"}: ClassChange,
	{"ADT", "A11"}: Cancel,
	{"ADT", "A27"}: Cancel,
	{"ADT", "A38"}: Cancel,
	{"ORM", "O01"}: Order,
	{"OMG", "O19"}: Order,
	{"OML", "O21"}: Order,
	{"ORU", "R01"}: Result,
	{"ORU", "R03"}: Result,
	{"DFT", "P03"}: Financial,
	{"DFT", "P11"}: Financial,
}

// Classify reads MSH-9 of msg. It never fails: anything it does not know
// is Unhandled.
func Classify(msg *hl7v2.Message) Classification {
	if msg == nil {
		return Classification{Kind: Unhandled}
	}
	return Lookup(msg.Code, msg.Event)
}

// Lookup classifies a (message type, trigger event) pair.
func Lookup(code, event string) Classification {
	code = strings.ToUpper(strings.TrimSpace(code))
	event = strings.ToUpper(strings.TrimSpace(event))
	c := Classification{Kind: Unhandled, MessageType: code, EventCode: event}

	if k, ok := table[key{code, event}]; ok {
		c.Kind = k
		return c
	}
	// MDM T01 through T11 all carry a document.
	if code == "MDM" && len(event) == 3 && event[0] == 'T' {
		if n := atoi2(event[1:]); n >= 1 && n <= 11 {
			c.Kind = Document
		}
	}
	return c
}

// IsAdmission reports whether the kind establishes an encounter normally.
func (k Kind) IsAdmission() bool {
	return k == Admission
}

// CreatesEncounterReview reports whether creating an encounter from this
// kind means the admission was missed and a human should look.
func (k Kind) CreatesEncounterReview() bool {
	switch k {
	case Admission, Unhandled, Cancel:
		return false
	}
	return true
}

// Handled reports whether the correlator has an update rule for the kind.
func (k Kind) Handled() bool {
	return k != Unhandled && k != ""
}

func atoi2(s string) int {
	if len(s) != 2 || s[0] < '0' || s[0] > '9' || s[1] < '0' || s[1] > '9' {
		return -1
	}
	return int(s[0]-'0')*10 + int(s[1]-'0')
}
