package devserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/obs-taso/internal/metrics"
	"github.com/gaspardpetit/obs-taso/internal/protocol"
)

// handleFrame processes one inbound frame. A non-zero status asks the caller
// to close the connection with that code.
func (s *Server) handleFrame(ctx context.Context, p *peer, challenge protocol.AuthChallenge, data []byte) (websocket.StatusCode, string) {
	env, err := protocol.Decode(data)
	if err != nil {
		metrics.RecordMalformedFrame("server")
		return protocol.CloseMessageDecodeError, err.Error()
	}
	switch env.Op {
	case protocol.OpIdentify:
		return s.handleIdentify(p, challenge, env)
	case protocol.OpRequest:
		if !p.identified.Load() {
			return protocol.CloseNotIdentified, "not identified"
		}
		var req protocol.RequestPayload
		if err := protocol.DecodePayload(env, &req); err != nil {
			metrics.RecordMalformedFrame("server")
			return protocol.CloseMessageDecodeError, err.Error()
		}
		resp := s.handleRequest(ctx, req)
		metrics.RecordDevRequest(req.RequestType, resp.RequestStatus.Code)
		ev := p.log.Info()
		if !resp.RequestStatus.Result {
			ev = p.log.Warn().Int("code", resp.RequestStatus.Code).Str("comment", resp.RequestStatus.Comment)
		}
		ev.Str("request_type", req.RequestType).Str("request_id", req.RequestID).Msg("handled request")
		s.sendOp(p, protocol.OpRequestResponse, resp)
	default:
		p.log.Debug().Stringer("op", env.Op).Msg("ignoring frame")
	}
	return 0, ""
}

func (s *Server) handleIdentify(p *peer, challenge protocol.AuthChallenge, env protocol.Envelope) (websocket.StatusCode, string) {
	if p.identified.Load() {
		return protocol.CloseAlreadyIdentified, "already identified"
	}
	var ident protocol.IdentifyPayload
	if err := protocol.DecodePayload(env, &ident); err != nil {
		metrics.RecordMalformedFrame("server")
		return protocol.CloseMessageDecodeError, err.Error()
	}
	if ident.RPCVersion != protocol.RPCVersion {
		return protocol.CloseUnsupportedRPCVersion, fmt.Sprintf("unsupported rpc version %d", ident.RPCVersion)
	}
	if s.opts.RequireAuth && !s.opts.DisableAuth &&
		!protocol.VerifyAuthResponse(s.opts.Password, challenge.Challenge, challenge.Salt, ident.Authentication) {
		return protocol.CloseAuthenticationFailed, "authentication failed"
	}
	p.identified.Store(true)
	s.sendOp(p, protocol.OpIdentified, protocol.IdentifiedPayload{NegotiatedRPCVersion: protocol.RPCVersion})
	p.log.Info().Uint32("event_subscriptions", ident.EventSubscriptions).Msg("client identified")
	return 0, ""
}

func (s *Server) handleRequest(ctx context.Context, req protocol.RequestPayload) protocol.RequestResponsePayload {
	resp := protocol.RequestResponsePayload{
		RequestType:   req.RequestType,
		RequestID:     req.RequestID,
		RequestStatus: protocol.RequestStatus{Result: true, Code: protocol.StatusSuccess},
		ResponseData:  json.RawMessage("{}"),
	}
	fail := func(code int, comment string) protocol.RequestResponsePayload {
		resp.RequestStatus = protocol.RequestStatus{Code: code, Comment: comment}
		return resp
	}

	switch req.RequestType {
	case protocol.RequestSetPersistentData:
		var in protocol.SetPersistentDataRequest
		if err := decodeRequestData(req, &in); err != nil {
			return fail(protocol.StatusInvalidRequestFieldType, err.Error())
		}
		if in.Realm == "" || in.SlotName == "" || in.SlotValue == nil {
			return fail(protocol.StatusMissingRequestField, "realm, slotName and slotValue are required")
		}
		if err := s.store.Set(ctx, in.Realm, in.SlotName, in.SlotValue); err != nil {
			return fail(protocol.StatusRequestProcessingFailed, err.Error())
		}
	case protocol.RequestGetPersistentData:
		var in protocol.GetPersistentDataRequest
		if err := decodeRequestData(req, &in); err != nil {
			return fail(protocol.StatusInvalidRequestFieldType, err.Error())
		}
		if in.Realm == "" || in.SlotName == "" {
			return fail(protocol.StatusMissingRequestField, "realm and slotName are required")
		}
		v, err := s.store.Get(ctx, in.Realm, in.SlotName)
		if err != nil {
			return fail(protocol.StatusRequestProcessingFailed, err.Error())
		}
		out, err := json.Marshal(protocol.GetPersistentDataResponse{SlotValue: v})
		if err != nil {
			return fail(protocol.StatusRequestProcessingFailed, err.Error())
		}
		resp.ResponseData = out
	case protocol.RequestBroadcastCustomEvent:
		var in protocol.BroadcastCustomEventRequest
		if err := decodeRequestData(req, &in); err != nil {
			return fail(protocol.StatusInvalidRequestFieldType, err.Error())
		}
		if in.EventData == nil {
			return fail(protocol.StatusMissingRequestField, "eventData is required")
		}
		b, err := protocol.Marshal(protocol.OpEvent, protocol.EventPayload{EventType: protocol.EventCustom, EventData: in.EventData})
		if err != nil {
			return fail(protocol.StatusRequestProcessingFailed, err.Error())
		}
		metrics.RecordDevBroadcast(s.hub.broadcast(b))
	default:
		return fail(protocol.StatusUnknownRequestType, "Unknown request type: "+req.RequestType)
	}
	return resp
}

func decodeRequestData(req protocol.RequestPayload, v any) error {
	if len(req.RequestData) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.RequestData, v); err != nil {
		return fmt.Errorf("invalid requestData: %w", err)
	}
	return nil
}
