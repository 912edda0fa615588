package hl7v2

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler provides the HTTP endpoint for inspecting HL7v2 payloads without
// ingesting them.
type Handler struct{}

// NewHandler creates a new HL7v2 handler.
func NewHandler() *Handler {
	return &Handler{}
}

// RegisterRoutes registers HL7v2 endpoints on the provided route group.
//
//	POST /api/v1/hl7v2/parse - Parse an HL7v2 payload (single message or batch) to JSON
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/hl7v2/parse", h.ParseMessage)
}

type componentJSON struct {
	Value         string   `json:"value"`
	SubComponents []string `json:"subComponents,omitempty"`
}

type fieldJSON struct {
	Value   string            `json:"value"`
	Repeats [][]componentJSON `json:"repeats,omitempty"`
}

type segmentJSON struct {
	Name   string      `json:"name"`
	Kind   string      `json:"kind"`
	Fields []fieldJSON `json:"fields"`
}

type messageJSON struct {
	Index        int           `json:"index"`
	Type         string        `json:"type,omitempty"`
	ControlID    string        `json:"controlId,omitempty"`
	Version      string        `json:"version,omitempty"`
	Timestamp    string        `json:"timestamp,omitempty"`
	SendingApp   string        `json:"sendingApp,omitempty"`
	SendingFac   string        `json:"sendingFac,omitempty"`
	ReceivingApp string        `json:"receivingApp,omitempty"`
	ReceivingFac string        `json:"receivingFac,omitempty"`
	Segments     []segmentJSON `json:"segments,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// ParseMessage handles POST /api/v1/hl7v2/parse.
// It reads raw HL7v2 from the request body and returns parsed JSON. A
// single message is returned as an object; a batch as {"messages": [...]}.
func (h *Handler) ParseMessage(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "failed to read request body",
		})
	}

	if len(body) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "request body is empty",
		})
	}

	entries := SplitBatch(body)
	if len(entries) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "no HL7v2 messages found",
		})
	}

	if len(entries) == 1 {
		if entries[0].Err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": "failed to parse HL7v2 message: " + entries[0].Err.Error(),
			})
		}
		return c.JSON(http.StatusOK, toMessageJSON(entries[0]))
	}

	out := make([]messageJSON, len(entries))
	for i, e := range entries {
		out[i] = toMessageJSON(e)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"messages": out})
}

func toMessageJSON(e BatchEntry) messageJSON {
	out := messageJSON{Index: e.Index}
	if e.Err != nil {
		out.Error = e.Err.Error()
		return out
	}
	msg := e.Message
	out.Type = msg.Type
	out.ControlID = msg.ControlID
	out.Version = msg.Version
	out.SendingApp = msg.SendingApp
	out.SendingFac = msg.SendingFac
	out.ReceivingApp = msg.ReceivingApp
	out.ReceivingFac = msg.ReceivingFac
	if !msg.Timestamp.IsZero() {
		out.Timestamp = msg.Timestamp.Format("2006-01-02T15:04:05Z")
	}

	out.Segments = make([]segmentJSON, len(msg.Segments))
	for i, seg := range msg.Segments {
		fields := make([]fieldJSON, len(seg.Fields))
		for j, f := range seg.Fields {
			fj := fieldJSON{Value: f.Value}
			for _, rep := range f.Repeats {
				comps := make([]componentJSON, len(rep.Components))
				for k, comp := range rep.Components {
					comps[k] = componentJSON{Value: comp.Value, SubComponents: comp.SubComponents}
				}
				fj.Repeats = append(fj.Repeats, comps)
			}
			fields[j] = fj
		}
		out.Segments[i] = segmentJSON{Name: seg.Name, Kind: seg.Kind.String(), Fields: fields}
	}
	return out
}
