package httpapi

import (
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"unicode/utf8"

	"pkt.systems/peersetd/api"
	"pkt.systems/peersetd/internal/change"
	"pkt.systems/peersetd/internal/failure"
	"pkt.systems/peersetd/internal/history"
)

// handleChange accepts a client change. mode=sync (default) answers with the
// terminal result; mode=async answers 202 with the change id.
func (h *Handler) handleChange(w http.ResponseWriter, r *http.Request) error {
	var req api.SubmitChangeRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		return err
	}
	ch, err := change.FromAPI(req.Change)
	if err != nil {
		return err
	}
	mode := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("mode")))
	switch mode {
	case "", "sync":
		// A disconnecting client must not abandon a transaction half way.
		ctx := context.WithoutCancel(r.Context())
		if h.syncTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, h.syncTimeout)
			defer cancel()
		}
		res, err := h.svc.Submit(ctx, ch, req.Protocol)
		if err != nil {
			return err
		}
		h.writeJSON(w, http.StatusOK, res.ToAPI())
		return nil
	case "async":
		id, err := h.svc.SubmitAsync(r.Context(), ch, req.Protocol)
		if err != nil {
			return err
		}
		h.writeJSON(w, http.StatusAccepted, api.ChangeStatusResponse{ChangeID: id, Pending: true})
		return nil
	default:
		return failure.New(failure.CodeInvalidBody, "unknown mode %q", mode)
	}
}

func (h *Handler) handleChangeStatus(w http.ResponseWriter, r *http.Request) error {
	changeID, err := pathTail(r, api.PathChangeStatus, "change_id")
	if err != nil {
		return err
	}
	res, pending, err := h.svc.Result(changeID)
	if err != nil {
		return err
	}
	resp := api.ChangeStatusResponse{ChangeID: changeID, Pending: pending}
	if !pending {
		wire := res.ToAPI()
		resp.Result = &wire
	}
	h.writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *Handler) handleHistoryHead(w http.ResponseWriter, r *http.Request) error {
	ps, err := queryPeerset(r)
	if err != nil {
		return err
	}
	head, err := h.svc.Head(r.Context(), ps)
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.HistoryHeadResponse{PeersetID: ps, EntryID: head})
	return nil
}

func (h *Handler) handleHistoryEntry(w http.ResponseWriter, r *http.Request) error {
	ps, err := queryPeerset(r)
	if err != nil {
		return err
	}
	e, err := h.svc.Entry(r.Context(), ps, strings.TrimSpace(r.URL.Query().Get("id")))
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, entryToAPI(e))
	return nil
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) error {
	ps, err := queryPeerset(r)
	if err != nil {
		return err
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		return err
	}
	head, entries, err := h.svc.History(r.Context(), ps, limit)
	if err != nil {
		return err
	}
	resp := api.HistoryResponse{PeersetID: ps, Head: head, Entries: make([]api.HistoryEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, entryToAPI(e))
	}
	h.writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *Handler) handleTransactionBlocked(w http.ResponseWriter, r *http.Request) error {
	ps, err := queryPeerset(r)
	if err != nil {
		return err
	}
	holder, held, err := h.svc.Blocked(ps)
	if err != nil {
		return err
	}
	resp := api.TransactionBlockedResponse{PeersetID: ps, Blocked: held}
	if held {
		resp.Protocol = string(holder.Protocol)
		resp.ChangeID = holder.ChangeID
	}
	h.writeJSON(w, http.StatusOK, resp)
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) error {
	h.writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok", PeerID: h.svc.Self()})
	return nil
}

// entryToAPI renders entry content as text when it is valid UTF-8 and as
// base64 otherwise. Change payloads are JSON and always render as text.
func entryToAPI(e history.Entry) api.HistoryEntry {
	content := string(e.Content)
	if !utf8.Valid(e.Content) {
		content = base64.StdEncoding.EncodeToString(e.Content)
	}
	return api.HistoryEntry{ID: e.ID, ParentID: e.ParentID, Content: content}
}
