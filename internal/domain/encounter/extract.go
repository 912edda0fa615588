package encounter

import (
	"fmt"
	"strings"
	"time"

	"github.com/medcode/medcode/internal/platform/hl7v2"
)

// revenueCodeSystems name the FT1-7.3 coding systems that mark FT1-7.1 as a
// facility revenue code.
var revenueCodeSystems = map[string]bool{"RC": true, "UB": true, "UB04": true, "NUBC": true}

// PatientFields are the PID values a message supplied. Blank means absent.
type PatientFields struct {
	MRN         string
	FamilyName  string
	GivenName   string
	BirthDate   *time.Time
	Sex         string
	AddressLine string
	City        string
	State       string
	PostalCode  string
	Phone       string
}

// VisitFields are the PV1/PV2/IN1 values a message supplied.
type VisitFields struct {
	VisitID              string
	ClassCode            string
	Location             string
	AttendingProviderID  string
	AdmittingProviderID  string
	HospitalService      string
	FinancialClass       string
	PayerID              string
	PlanID               string
	AdmitAt              *time.Time
	DischargeAt          *time.Time
	AdmitReason          string
	DischargeDisposition string
}

// ProviderRef is a practitioner named anywhere in a message.
type ProviderRef struct {
	ID         string
	FamilyName string
	GivenName  string
}

// OrderGroup is one ORC/OBR pair with the OBX segments that follow it.
type OrderGroup struct {
	Order        Order
	Observations []Observation
}

// Extract is the typed content of one message, ready for correlation.
type Extract struct {
	Patient    PatientFields
	Visit      VisitFields
	Diagnoses  []Diagnosis
	Procedures []Procedure
	Orders     []OrderGroup
	Documents  []Document
	Charges    []Charge
	Providers  []ProviderRef
	Warnings   []string
	HasPatient bool
	HasVisit   bool
	MessageAt  time.Time
}

// ExtractMessage reads the consumed segment kinds of msg. Unparseable dates
// and amounts become nil and add a warning.
func ExtractMessage(msg *hl7v2.Message) *Extract {
	x := &Extract{MessageAt: msg.Timestamp}
	var (
		group    *OrderGroup
		document *Document
	)
	flushGroup := func() {
		if group != nil {
			x.Orders = append(x.Orders, *group)
			group = nil
		}
	}
	flushDocument := func() {
		if document != nil {
			x.Documents = append(x.Documents, *document)
			document = nil
		}
	}

	for i := range msg.Segments {
		seg := &msg.Segments[i]
		switch seg.Kind {
		case hl7v2.KindPID:
			x.readPID(seg)
		case hl7v2.KindPV1:
			x.readPV1(seg)
		case hl7v2.KindPV2:
			x.Visit.AdmitReason = firstNonEmpty(seg.GetComponent(3, 2), seg.GetComponent(3, 1))
		case hl7v2.KindIN1:
			if x.Visit.PayerID == "" {
				x.Visit.PayerID = strings.TrimSpace(seg.GetComponent(3, 1))
				x.Visit.PlanID = strings.TrimSpace(seg.GetComponent(2, 1))
			}
		case hl7v2.KindDG1:
			x.readDG1(seg)
		case hl7v2.KindPR1:
			x.readPR1(seg)
		case hl7v2.KindORC:
			flushDocument()
			flushGroup()
			group = &OrderGroup{}
			x.readORC(seg, &group.Order)
		case hl7v2.KindOBR:
			flushDocument()
			if group == nil || group.Order.ServiceCode != nil {
				flushGroup()
				group = &OrderGroup{}
			}
			x.readOBR(seg, &group.Order)
		case hl7v2.KindOBX:
			obs := x.readOBX(seg)
			switch {
			case document != nil:
				if obs.Value != nil {
					document.Content = appendLine(document.Content, *obs.Value)
				}
			case group != nil:
				obs.PlacerID = group.Order.PlacerID
				obs.FillerID = group.Order.FillerID
				group.Observations = append(group.Observations, obs)
			default:
				x.warn("OBX %s without a preceding OBR", obs.Code)
				x.Orders = append(x.Orders, OrderGroup{Observations: []Observation{obs}})
			}
		case hl7v2.KindTXA:
			flushGroup()
			flushDocument()
			document = x.readTXA(seg)
		case hl7v2.KindFT1:
			x.readFT1(seg)
		}
	}
	flushGroup()
	flushDocument()
	if x.Visit.VisitID == "" {
		x.Visit.VisitID = msg.VisitNumber()
	}
	return x
}

// Referenced reports whether any line items were extracted.
func (x *Extract) Referenced() bool {
	return len(x.Diagnoses)+len(x.Procedures)+len(x.Orders)+len(x.Documents)+len(x.Charges) > 0
}

func (x *Extract) warn(format string, args ...any) {
	x.Warnings = append(x.Warnings, fmt.Sprintf(format, args...))
}

func (x *Extract) timestamp(seg *hl7v2.Segment, field int) *time.Time {
	v := strings.TrimSpace(seg.GetComponent(field, 1))
	if v == "" {
		return nil
	}
	t, ok := hl7v2.ParseTimestamp(v)
	if !ok {
		x.warn("%s-%d: invalid timestamp %q", seg.Name, field, v)
		return nil
	}
	return &t
}

func (x *Extract) decimal(seg *hl7v2.Segment, field int) *float64 {
	v := strings.TrimSpace(seg.GetComponent(field, 1))
	if v == "" {
		return nil
	}
	f, ok := hl7v2.ParseDecimal(v)
	if !ok {
		x.warn("%s-%d: invalid number %q", seg.Name, field, v)
		return nil
	}
	return &f
}

func (x *Extract) provider(seg *hl7v2.Segment, field int) string {
	id := strings.TrimSpace(seg.GetComponent(field, 1))
	if id == "" {
		return ""
	}
	x.Providers = append(x.Providers, ProviderRef{
		ID:         id,
		FamilyName: strings.TrimSpace(seg.GetComponent(field, 2)),
		GivenName:  strings.TrimSpace(seg.GetComponent(field, 3)),
	})
	return id
}

func (x *Extract) readPID(seg *hl7v2.Segment) {
	x.HasPatient = true
	p := &x.Patient
	p.MRN = strings.TrimSpace(seg.GetComponent(3, 1))
	p.FamilyName = strings.TrimSpace(seg.GetComponent(5, 1))
	p.GivenName = strings.TrimSpace(seg.GetComponent(5, 2))
	p.BirthDate = x.timestamp(seg, 7)
	p.Sex = strings.TrimSpace(seg.GetField(8))
	p.AddressLine = strings.TrimSpace(seg.GetComponent(11, 1))
	p.City = strings.TrimSpace(seg.GetComponent(11, 3))
	p.State = strings.TrimSpace(seg.GetComponent(11, 4))
	p.PostalCode = strings.TrimSpace(seg.GetComponent(11, 5))
	p.Phone = strings.TrimSpace(seg.GetComponent(13, 1))
}

func (x *Extract) readPV1(seg *hl7v2.Segment) {
	x.HasVisit = true
	v := &x.Visit
	v.ClassCode = strings.TrimSpace(seg.GetComponent(2, 1))
	v.Location = joinNonEmpty("/", seg.GetComponent(3, 1), seg.GetComponent(3, 2), seg.GetComponent(3, 3))
	v.AttendingProviderID = x.provider(seg, 7)
	v.HospitalService = strings.TrimSpace(seg.GetComponent(10, 1))
	v.AdmittingProviderID = x.provider(seg, 17)
	v.VisitID = strings.TrimSpace(seg.GetComponent(19, 1))
	v.FinancialClass = strings.TrimSpace(seg.GetComponent(20, 1))
	v.DischargeDisposition = strings.TrimSpace(seg.GetComponent(36, 1))
	v.AdmitAt = x.timestamp(seg, 44)
	v.DischargeAt = x.timestamp(seg, 45)
}

func (x *Extract) readDG1(seg *hl7v2.Segment) {
	code := strings.TrimSpace(seg.GetComponent(3, 1))
	if code == "" {
		x.warn("DG1 without a diagnosis code")
		return
	}
	d := Diagnosis{
		Code:          code,
		Description:   strPtr(firstNonEmpty(seg.GetComponent(3, 2), seg.GetField(4))),
		CodingSystem:  strPtr(firstNonEmpty(seg.GetComponent(3, 3), seg.GetField(2))),
		DiagnosisType: strings.ToUpper(strings.TrimSpace(seg.GetComponent(6, 1))),
		DiagnosedAt:   x.timestamp(seg, 5),
	}
	if n, ok := hl7v2.ParseInt(seg.GetField(1)); ok {
		d.SetID = &n
	}
	x.Diagnoses = append(x.Diagnoses, d)
}

func (x *Extract) readPR1(seg *hl7v2.Segment) {
	code := strings.TrimSpace(seg.GetComponent(3, 1))
	if code == "" {
		x.warn("PR1 without a procedure code")
		return
	}
	x.Procedures = append(x.Procedures, Procedure{
		Code:           code,
		Description:    strPtr(firstNonEmpty(seg.GetComponent(3, 2), seg.GetField(4))),
		CodingSystem:   strPtr(firstNonEmpty(seg.GetComponent(3, 3), seg.GetField(2))),
		PerformedAt:    x.timestamp(seg, 5),
		SurgeonID:      strPtr(x.provider(seg, 11)),
		PractitionerID: strPtr(x.provider(seg, 12)),
	})
}

func (x *Extract) readORC(seg *hl7v2.Segment, o *Order) {
	o.OrderControl = strPtr(seg.GetField(1))
	o.PlacerID = strPtr(seg.GetComponent(2, 1))
	o.FillerID = strPtr(seg.GetComponent(3, 1))
	o.OrderStatus = strPtr(seg.GetField(5))
	o.OrderedAt = x.timestamp(seg, 9)
	o.OrderingProviderID = strPtr(x.provider(seg, 12))
}

func (x *Extract) readOBR(seg *hl7v2.Segment, o *Order) {
	if o.PlacerID == nil {
		o.PlacerID = strPtr(seg.GetComponent(2, 1))
	}
	if o.FillerID == nil {
		o.FillerID = strPtr(seg.GetComponent(3, 1))
	}
	o.ServiceCode = strPtr(seg.GetComponent(4, 1))
	o.ServiceText = strPtr(seg.GetComponent(4, 2))
	if o.ServiceCode == nil {
		empty := ""
		o.ServiceCode = &empty
		x.warn("OBR without a universal service identifier")
	}
	if o.OrderedAt == nil {
		o.OrderedAt = x.timestamp(seg, 6)
	}
	if o.OrderingProviderID == nil {
		o.OrderingProviderID = strPtr(x.provider(seg, 16))
	}
	o.DiagnosticSection = strPtr(seg.GetField(24))
	o.ResultStatus = strPtr(seg.GetField(25))
	o.ResultAt = x.timestamp(seg, 22)
	if id := strings.TrimSpace(seg.GetSubComponent(32, 1, 1)); id != "" {
		o.InterpreterID = &id
		x.Providers = append(x.Providers, ProviderRef{
			ID:         id,
			FamilyName: strings.TrimSpace(seg.GetSubComponent(32, 1, 2)),
			GivenName:  strings.TrimSpace(seg.GetSubComponent(32, 1, 3)),
		})
	}
}

func (x *Extract) readOBX(seg *hl7v2.Segment) Observation {
	obs := Observation{
		ValueType:      strPtr(seg.GetField(2)),
		Code:           strings.TrimSpace(seg.GetComponent(3, 1)),
		Text:           strPtr(seg.GetComponent(3, 2)),
		Value:          strPtr(observationValue(seg)),
		Units:          strPtr(seg.GetComponent(6, 1)),
		ReferenceRange: strPtr(seg.GetField(7)),
		AbnormalFlag:   strPtr(seg.GetField(8)),
		ResultStatus:   strPtr(seg.GetField(11)),
		ObservedAt:     x.timestamp(seg, 14),
		PerformerID:    strPtr(x.provider(seg, 16)),
	}
	if n, ok := hl7v2.ParseInt(seg.GetField(1)); ok {
		obs.SetID = &n
	}
	if obs.ValueType != nil && *obs.ValueType == "NM" && obs.Value != nil {
		if _, ok := hl7v2.ParseDecimal(*obs.Value); !ok {
			x.warn("OBX %s: numeric value %q is not a number", obs.Code, *obs.Value)
		}
	}
	return obs
}

// observationValue joins every repetition of OBX-5 so multi-line text
// results survive. Escape sequences are resolved.
func observationValue(seg *hl7v2.Segment) string {
	reps := seg.GetRepetitions(5)
	lines := make([]string, 0, len(reps))
	for _, r := range reps {
		parts := make([]string, 0, len(r.Components))
		for _, c := range r.Components {
			parts = append(parts, c.Value)
		}
		lines = append(lines, strings.Join(parts, "^"))
	}
	return strings.Join(lines, "\n")
}

func (x *Extract) readTXA(seg *hl7v2.Segment) *Document {
	return &Document{
		DocumentType: strPtr(seg.GetComponent(2, 1)),
		OriginatedAt: firstTime(x.timestamp(seg, 6), x.timestamp(seg, 4)),
		AuthorID:     strPtr(x.provider(seg, 9)),
		UniqueID:     strPtr(seg.GetComponent(12, 1)),
		Status:       strPtr(seg.GetField(17)),
	}
}

func (x *Extract) readFT1(seg *hl7v2.Segment) {
	code := strings.TrimSpace(seg.GetComponent(7, 1))
	if code == "" {
		x.warn("FT1 without a transaction code")
		return
	}
	c := Charge{
		TransactionID:      strPtr(seg.GetField(2)),
		TransactionAt:      x.timestamp(seg, 4),
		TransactionType:    strPtr(seg.GetField(6)),
		ChargeCode:         code,
		ChargeText:         strPtr(seg.GetComponent(7, 2)),
		Quantity:           x.decimal(seg, 10),
		Amount:             x.decimal(seg, 11),
		PerformerID:        strPtr(x.provider(seg, 20)),
		OrderingProviderID: strPtr(x.provider(seg, 21)),
		ProcedureCode:      strPtr(seg.GetComponent(25, 1)),
	}
	if revenueCodeSystems[strings.ToUpper(strings.TrimSpace(seg.GetComponent(7, 3)))] {
		c.RevenueCode = &c.ChargeCode
	}
	for _, r := range seg.GetRepetitions(26) {
		if m := strings.ToUpper(strings.TrimSpace(r.Component(1))); m != "" {
			c.Modifiers = append(c.Modifiers, m)
		}
	}
	x.Charges = append(x.Charges, c)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func firstTime(values ...*time.Time) *time.Time {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

func joinNonEmpty(sep string, values ...string) string {
	parts := values[:0:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, sep)
}

func appendLine(content *string, line string) *string {
	if content == nil {
		return &line
	}
	s := *content + "\n" + line
	return &s
}
