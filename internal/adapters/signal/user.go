package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Peercall/internal/domain"
)

func (ctl *SignalWSController) handleJoin(
	connID domain.ConnectionID,
	conn *wsSignalConn,
	data []byte,
) {
	type joinPayload struct {
		Type        string `json:"type"`
		UserID      string `json:"userId"`
		DisplayName string `json:"displayName"`
	}
	var p joinPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad join payload")
		ctl.sendError(conn, "bad_payload")
		return
	}

	user, err := domain.NewUser(domain.UserID(p.UserID), p.DisplayName)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(connID)).Msg("invalid identity")
		ctl.sendError(conn, err.Error())
		return
	}

	log.Info().Str("module", "signal").Str("conn", string(connID)).
		Str("user_id", p.UserID).Str("name", p.DisplayName).Msg("join")
	ctl.Coord.Join(connID, conn, *user)
}

func (ctl *SignalWSController) handlePing(conn *wsSignalConn) {
	resp := struct {
		Type string `json:"type"`
	}{
		Type: "pong",
	}
	ctl.sendJSON(conn, resp)
}
