package signal

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/medbridge/telecall/internal/core"
	"github.com/medbridge/telecall/internal/domain"
)

func (ctl *SignalWSController) handleRegister(h domain.HandleID, conn *WsSignalConn, data []byte) {
	var p core.RegisterPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad register payload")
		return
	}
	id, err := domain.ParseIdentity(p.Identity)
	if err != nil {
		ctl.sendJSON(conn, map[string]any{"type": "error", "error": err.Error()})
		return
	}
	log.Info().Str("module", "signal").Str("handle", string(h)).Str("identity", string(id)).Msg("register")
	ctl.Relay.Register(h, id)
}

func (ctl *SignalWSController) handleCheckOnline(h domain.HandleID, data []byte) {
	var p core.CheckOnlinePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad check-online payload")
		return
	}
	ctl.Relay.CheckOnline(h, domain.Identity(p.Identity), p.RequestID)
}

func (ctl *SignalWSController) handleInitiate(h domain.HandleID, conn *WsSignalConn, data []byte) {
	var p core.InitiatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad call-initiate payload")
		return
	}
	caller := domain.Identity(p.CallerID)
	if caller == "" {
		if known, ok := ctl.Relay.IdentityOf(h); ok {
			caller = known
		}
	}
	if caller == "" || p.TargetID == "" {
		return
	}
	if !ctl.Limiter.Allow(caller) {
		ctl.sendJSON(conn, core.CallFailedPayload{
			Type:     core.EventCallFailed,
			Message:  "Too many call attempts",
			TargetID: p.TargetID,
		})
		return
	}
	log.Info().Str("module", "signal").Str("caller", string(caller)).Str("callee", p.TargetID).Msg("call-initiate")
	ctl.Relay.Initiate(h, caller, domain.Identity(p.TargetID), p.Offer)
}

func (ctl *SignalWSController) handleAccept(h domain.HandleID, data []byte) {
	var p core.AcceptPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad call-accept payload")
		return
	}
	callee, ok := ctl.Relay.IdentityOf(h)
	if !ok {
		log.Warn().Str("module", "signal").Str("handle", string(h)).Msg("accept from unregistered handle")
		return
	}
	ctl.Relay.Accept(h, callee, domain.Identity(p.TargetID), p.Answer)
}

func (ctl *SignalWSController) handleDecline(h domain.HandleID, data []byte) {
	var p core.DeclinePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad call-decline payload")
		return
	}
	decliner, ok := ctl.Relay.IdentityOf(h)
	if !ok {
		return
	}
	ctl.Relay.Decline(h, decliner, domain.Identity(p.TargetID))
}

func (ctl *SignalWSController) handleCandidate(h domain.HandleID, data []byte) {
	var p core.CandidatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad ice-candidate payload")
		return
	}
	from, ok := ctl.Relay.IdentityOf(h)
	if !ok {
		return
	}
	ctl.Relay.Candidate(h, from, domain.Identity(p.TargetID), p.Candidate)
}

func (ctl *SignalWSController) handleEnd(h domain.HandleID, data []byte) {
	var p core.EndPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad end-call payload")
		return
	}
	from, ok := ctl.Relay.IdentityOf(h)
	if !ok {
		return
	}
	log.Info().Str("module", "signal").Str("from", string(from)).Str("target", p.TargetID).Msg("end-call")
	ctl.Relay.End(h, from, domain.Identity(p.TargetID))
}

func (ctl *SignalWSController) handleMediaUp(h domain.HandleID, data []byte) {
	var p core.MediaUpPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad media-connected payload")
		return
	}
	from, ok := ctl.Relay.IdentityOf(h)
	if !ok {
		return
	}
	ctl.Relay.MediaConnected(h, from, domain.Identity(p.TargetID))
}

func (ctl *SignalWSController) handlePing(conn *WsSignalConn) {
	ctl.sendJSON(conn, map[string]string{"type": core.EventPong})
}
