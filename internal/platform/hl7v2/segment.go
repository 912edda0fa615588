package hl7v2

// SegmentKind tags a segment with the variant the rest of the system knows
// how to read. Everything else is KindUnknown and preserved verbatim.
type SegmentKind int

const (
	KindUnknown SegmentKind = iota
	KindMSH
	KindEVN
	KindPID
	KindPD1
	KindPV1
	KindPV2
	KindDG1
	KindPR1
	KindORC
	KindOBR
	KindOBX
	KindTXA
	KindFT1
	KindIN1
	KindNTE
	KindMRG
)

var segmentKinds = map[string]SegmentKind{
	"MSH": KindMSH,
	"EVN": KindEVN,
	"PID": KindPID,
	"PD1": KindPD1,
	"PV1": KindPV1,
	"PV2": KindPV2,
	"DG1": KindDG1,
	"PR1": KindPR1,
	"ORC": KindORC,
	"OBR": KindOBR,
	"OBX": KindOBX,
	"TXA": KindTXA,
	"FT1": KindFT1,
	"IN1": KindIN1,
	"NTE": KindNTE,
	"MRG": KindMRG,
}

// KindOf returns the kind for a three-character segment name.
func KindOf(name string) SegmentKind {
	if k, ok := segmentKinds[name]; ok {
		return k
	}
	return KindUnknown
}

func (k SegmentKind) String() string {
	for name, kind := range segmentKinds {
		if kind == k {
			return name
		}
	}
	return "UNKNOWN"
}
