package httpapi

import (
	"net/http"

	"pkt.systems/peersetd/api"
	"pkt.systems/peersetd/internal/change"
	"pkt.systems/peersetd/internal/failure"
)

func (h *Handler) handleGPACElect(w http.ResponseWriter, r *http.Request) error {
	var req api.ElectMeRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		return err
	}
	resp, err := h.gpac.HandleElect(r.Context(), req)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *Handler) handleGPACAgree(w http.ResponseWriter, r *http.Request) error {
	var req api.AgreeRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		return err
	}
	resp, err := h.gpac.HandleAgree(r.Context(), req)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *Handler) handleGPACApply(w http.ResponseWriter, r *http.Request) error {
	var req api.ApplyRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		return err
	}
	resp, err := h.gpac.HandleApply(r.Context(), req)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *Handler) handleTwoPCAccept(w http.ResponseWriter, r *http.Request) error {
	var req api.AcceptRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		return err
	}
	resp, err := h.twopc.HandleAccept(r.Context(), req)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, resp)
	return nil
}

// handleTwoPCDecision serves leader pushes and operator decisions alike.
func (h *Handler) handleTwoPCDecision(w http.ResponseWriter, r *http.Request) error {
	var req api.DecisionRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		return err
	}
	resp, err := h.twopc.HandleDecision(r.Context(), req)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *Handler) handleTwoPCAsk(w http.ResponseWriter, r *http.Request) error {
	changeID, err := pathTail(r, api.PathTwoPCAsk, "change_id")
	if err != nil {
		return err
	}
	resp, err := h.twopc.HandleAsk(r.Context(), changeID)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *Handler) handleProposeChange(w http.ResponseWriter, r *http.Request) error {
	var req api.ProposeChangeRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		return err
	}
	if req.PeersetID == "" {
		return failure.MissingParameter("peerset_id")
	}
	ch, err := change.FromAPI(req.Change)
	if err != nil {
		return err
	}
	res, err := h.svc.ProposeLocal(r.Context(), req.PeersetID, ch)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, res.ToAPI())
	return nil
}
