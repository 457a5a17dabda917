package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Peercall/internal/domain"
)

// handleRelay forwards one negotiation message (offer, answer or ICE
// candidate) to the counterpart. The payload stays opaque end to end; the
// coordinator decides delivery and drops anything addressed to a dead call.
func (ctl *SignalWSController) handleRelay(
	kind string,
	connID domain.ConnectionID,
	conn *wsSignalConn,
	data []byte,
) {
	type relayPayload struct {
		Type         string          `json:"type"`
		CallID       string          `json:"callId"`
		TargetUserID string          `json:"targetUserId"`
		Payload      json.RawMessage `json:"payload"`
	}
	var p relayPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("kind", kind).Msg("bad relay payload")
		return
	}
	if p.CallID == "" {
		return
	}
	ctl.Coord.Relay(kind, connID, domain.CallID(p.CallID), domain.UserID(p.TargetUserID), p.Payload)
}
