package ingest

import (
	"context"

	"github.com/medcode/medcode/internal/domain/ledger"
	"github.com/medcode/medcode/internal/platform/db"
	"github.com/medcode/medcode/internal/platform/hl7v2"
)

// MLLPHandler adapts the service to the MLLP listener. Every frame is
// ingested for tenant under source. The ACK is AA when every message was
// accepted (processed, duplicate or ignored), AE when a message failed
// and AR when the store could not be reached.
func (s *Service) MLLPHandler(tenant, source string) hl7v2.MessageHandler {
	return func(ctx context.Context, raw []byte) *hl7v2.Message {
		incoming, _ := hl7v2.Parse(raw)
		res, err := s.Ingest(db.WithTenantID(ctx, tenant), ChannelMLLP, source, raw)
		if err != nil {
			return hl7v2.GenerateACK(incoming, hl7v2.AckReject, err.Error())
		}
		if res.Total == 0 {
			return hl7v2.GenerateACK(incoming, hl7v2.AckError, "no message in frame")
		}
		for _, m := range res.Messages {
			if m.Outcome == ledger.OutcomeError {
				return hl7v2.GenerateACK(incoming, hl7v2.AckError, m.Detail)
			}
		}
		return hl7v2.GenerateACK(incoming, hl7v2.AckAccept, "")
	}
}
