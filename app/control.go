package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"huehub/bridge"
	"huehub/discovery"
	"huehub/models"
	"huehub/utils"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

func (h *HueHub) reply(subject string, resp models.NatsResponsePayload) {
	if subject == "" {
		return
	}
	respBytes, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error().Err(err).Msg("Marshal response error")
		return
	}
	if err := h.nc.Publish(subject, respBytes); err != nil {
		h.logger.Error().Err(err).Str("subject", subject).Msg("Failed to send response")
	}
}

func (h *HueHub) replySuccess(subject, message string, data any) {
	h.reply(subject, models.NatsResponsePayload{Status: "success", Message: message, Data: data})
}

func (h *HueHub) replyError(subject, msg string, err error) {
	errMsg := msg
	if err != nil {
		errMsg = fmt.Sprintf("%s: %v", msg, err)
	}
	h.logger.Warn().Str("subject", subject).Msg(errMsg)
	h.reply(subject, models.NatsResponsePayload{Status: "error", Message: errMsg})
}

// bridgeRequestHandler serves request.hue.bridge.<action>.
func (h *HueHub) bridgeRequestHandler() nats.MsgHandler {
	return func(m *nats.Msg) {
		action := utils.GetSubjectN(m.Subject, 3)

		var req models.BridgeRequest
		if len(m.Data) > 0 {
			if err := json.Unmarshal(m.Data, &req); err != nil {
				h.replyError(m.Reply, "invalid bridge request", err)
				return
			}
		}

		if action == "list" {
			h.replySuccess(m.Reply, "bridges", h.bridgeStatuses())
			return
		}

		conn, ok := h.coordinator.Connection(req.BridgeID)
		if !ok {
			h.replyError(m.Reply, "unknown bridge", fmt.Errorf("%q", req.BridgeID))
			return
		}

		switch action {
		case "enable":
			conn.Enable()
			h.replySuccess(m.Reply, "polling enabled", bridgeStatus(conn.State()))
		case "disable":
			conn.Disable(h.ctx)
			h.replySuccess(m.Reply, "polling disabled", bridgeStatus(conn.State()))
		case "heartrate":
			if req.Heartrate == 0 {
				h.replyError(m.Reply, "heartrate is required", nil)
				return
			}
			heartrate := conn.SetHeartrate(req.Heartrate)
			h.replySuccess(m.Reply, fmt.Sprintf("heartrate set to %d", heartrate), bridgeStatus(conn.State()))
		case "dump":
			if h.cfg.StateDir == "" {
				h.replyError(m.Reply, "state dump directory not configured", nil)
				return
			}
			file, err := conn.DumpState(h.ctx, h.cfg.StateDir)
			if err != nil {
				h.replyError(m.Reply, "state dump failed", err)
				return
			}
			h.replySuccess(m.Reply, "state dumped", file)
		case "remove":
			if err := h.removeBridge(h.ctx, conn.ID()); err != nil {
				h.replyError(m.Reply, "remove failed", err)
				return
			}
			h.replySuccess(m.Reply, "bridge removed", nil)
		default:
			h.replyError(m.Reply, "unknown bridge action", fmt.Errorf("%q", action))
		}
	}
}

// removeBridge revokes the bridge's username and forgets the bridge with
// everything exposed from it.
func (h *HueHub) removeBridge(ctx context.Context, id string) error {
	id = discovery.NormalizeID(id)
	h.coordinator.Remove(ctx, id)

	h.mu.Lock()
	delete(h.saved, id)
	var dropped []*resource
	for _, r := range h.resources {
		if r.record.BridgeID == id {
			dropped = append(dropped, r)
		}
	}
	h.mu.Unlock()

	for _, r := range dropped {
		h.unexpose(r)
	}

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := h.store.DeleteBridge(storeCtx, id); err != nil {
		return err
	}

	h.publishEvent(HueBridgeRemoved, models.BridgeRequest{BridgeID: id})
	return nil
}

// resourceRequestHandler serves request.hue.resource.<action>.
func (h *HueHub) resourceRequestHandler() nats.MsgHandler {
	return func(m *nats.Msg) {
		action := utils.GetSubjectN(m.Subject, 3)

		var req models.ResourceRequest
		if len(m.Data) > 0 {
			if err := json.Unmarshal(m.Data, &req); err != nil {
				h.replyError(m.Reply, "invalid resource request", err)
				return
			}
		}
		req.BridgeID = discovery.NormalizeID(req.BridgeID)

		switch action {
		case "list":
			h.replySuccess(m.Reply, "resources", h.resourceRecords())
		case "expose":
			record, err := h.exposeRequest(req)
			if err != nil {
				h.replyError(m.Reply, "expose failed", err)
				return
			}
			h.replySuccess(m.Reply, "resource exposed", record)
		case "unexpose":
			if err := h.unexposeRequest(req); err != nil {
				h.replyError(m.Reply, "unexpose failed", err)
				return
			}
			h.replySuccess(m.Reply, "resource unexposed", nil)
		default:
			h.replyError(m.Reply, "unknown resource action", fmt.Errorf("%q", action))
		}
	}
}

func (h *HueHub) exposeRequest(req models.ResourceRequest) (*models.ResourceRecord, error) {
	if _, ok := bridge.ParseResourceKind(req.Type); !ok {
		return nil, fmt.Errorf("unknown resource type %q", req.Type)
	}
	if req.ID == "" {
		return nil, errors.New("resource id is required")
	}
	if _, ok := h.coordinator.Connection(req.BridgeID); !ok {
		return nil, fmt.Errorf("unknown bridge %q", req.BridgeID)
	}
	if r, ok := h.findResource(req.BridgeID, req.Type, req.ID); ok {
		record := r.record
		return &record, nil
	}

	ctx, cancel := context.WithTimeout(h.ctx, storeTimeout)
	defer cancel()
	record, err := h.store.CreateResource(ctx, models.ResourceRecord{
		BridgeID:   req.BridgeID,
		Kind:       req.Type,
		ResourceID: req.ID,
		Name:       req.Name,
	})
	if err != nil {
		return nil, err
	}
	if _, err := h.expose(*record); err != nil {
		return nil, err
	}

	h.logger.Info().Str("uuid", record.UUID.String()).Str("bridge", record.BridgeID).Str("type", record.Kind).
		Str("id", record.ResourceID).Msg("Exposed resource")
	h.publishEvent(HueResourceCreated, record)
	return record, nil
}

func (h *HueHub) unexposeRequest(req models.ResourceRequest) error {
	var (
		r  *resource
		ok bool
	)
	if req.UUID != "" {
		id, err := uuid.Parse(req.UUID)
		if err != nil {
			return fmt.Errorf("invalid uuid: %w", err)
		}
		r, ok = h.resource(id.String())
	} else {
		r, ok = h.findResource(req.BridgeID, req.Type, req.ID)
	}
	if !ok {
		return ErrResourceNotFound
	}

	ctx, cancel := context.WithTimeout(h.ctx, storeTimeout)
	defer cancel()
	if err := h.store.DeleteResource(ctx, r.record.UUID); err != nil && !errors.Is(err, ErrResourceNotFound) {
		return err
	}
	h.unexpose(r)

	h.logger.Info().Str("uuid", r.uuid()).Msg("Unexposed resource")
	h.publishEvent(HueResourceDeleted, r.record)
	return nil
}
