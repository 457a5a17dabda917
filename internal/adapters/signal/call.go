package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Peercall/internal/domain"
)

func (ctl *SignalWSController) handleInitiate(
	connID domain.ConnectionID,
	conn *wsSignalConn,
	data []byte,
) {
	type initiatePayload struct {
		Type         string `json:"type"`
		TargetUserID string `json:"targetUserId"`
		CallType     string `json:"callType"`
	}
	var p initiatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad initiate payload")
		ctl.sendError(conn, "bad_payload")
		return
	}
	if p.TargetUserID == "" {
		ctl.sendError(conn, "missing target user")
		return
	}
	if !ctl.Limiter.Allow(connID) {
		log.Warn().Str("module", "signal").Str("conn", string(connID)).Msg("dial rate limit hit")
		ctl.sendError(conn, "too many call attempts")
		return
	}

	callID, err := ctl.Coord.Initiate(connID, domain.UserID(p.TargetUserID), domain.ParseCallType(p.CallType))
	if err != nil {
		ctl.sendError(conn, err.Error())
		return
	}
	log.Info().Str("module", "signal").Str("conn", string(connID)).
		Str("call_id", string(callID)).Str("target", p.TargetUserID).Msg("initiate")
}

func (ctl *SignalWSController) handleAccept(
	connID domain.ConnectionID,
	conn *wsSignalConn,
	data []byte,
) {
	callID, ok := ctl.parseCallID(conn, data)
	if !ok {
		return
	}
	if err := ctl.Coord.Accept(connID, callID); err != nil {
		ctl.sendError(conn, err.Error())
	}
}

func (ctl *SignalWSController) handleReject(
	connID domain.ConnectionID,
	conn *wsSignalConn,
	data []byte,
) {
	callID, ok := ctl.parseCallID(conn, data)
	if !ok {
		return
	}
	if err := ctl.Coord.Reject(connID, callID); err != nil {
		ctl.sendError(conn, err.Error())
	}
}

func (ctl *SignalWSController) handleEnd(
	connID domain.ConnectionID,
	conn *wsSignalConn,
	data []byte,
) {
	callID, ok := ctl.parseCallID(conn, data)
	if !ok {
		return
	}
	ctl.Coord.End(connID, callID)
}

func (ctl *SignalWSController) handleQualityReport(
	connID domain.ConnectionID,
	conn *wsSignalConn,
	data []byte,
) {
	type qualityPayload struct {
		Type        string          `json:"type"`
		CallID      string          `json:"callId"`
		QualityData json.RawMessage `json:"qualityData"`
	}
	var p qualityPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad quality payload")
		return
	}
	ctl.Coord.QualityReport(domain.CallID(p.CallID), p.QualityData)
}

func (ctl *SignalWSController) parseCallID(conn *wsSignalConn, data []byte) (domain.CallID, bool) {
	type callPayload struct {
		Type   string `json:"type"`
		CallID string `json:"callId"`
	}
	var p callPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad call payload")
		ctl.sendError(conn, "bad_payload")
		return "", false
	}
	if p.CallID == "" {
		ctl.sendError(conn, "missing call id")
		return "", false
	}
	return domain.CallID(p.CallID), true
}
