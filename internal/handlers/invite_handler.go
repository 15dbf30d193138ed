package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"relay-access/internal/apperr"
	"relay-access/internal/invite"
	"relay-access/internal/middleware"
	"relay-access/internal/websocket"
)

// CreateInviteRequest carries raw options; see invite.ExpiryFromOption and
// invite.MaxUsesFromOption for what they accept.
type CreateInviteRequest struct {
	Expiry  interface{} `json:"expiry"`
	MaxUses interface{} `json:"max_uses"`
}

func (h *Handler) CreateInvite(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	channelID, err := middleware.ChannelIDFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req CreateInviteRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	inv, err := h.Invites.Create(r.Context(), channelID, callerID(r), req.Expiry, req.MaxUses)
	if err != nil {
		writeError(w, err)
		return
	}
	h.Hub.Publish(channelID, websocket.EventInviteCreated, map[string]interface{}{
		"invite_id": inv.ID, "created_by": inv.CreatedBy, "expires_at": inv.ExpiresAt, "max_uses": inv.MaxUses,
	})
	writeJSON(w, http.StatusCreated, inv)
}

func inviteCode(r *http.Request) (string, error) {
	code := strings.TrimSpace(r.URL.Query().Get("code"))
	if code == "" {
		return "", fmt.Errorf("invite code is required: %w", apperr.ErrInvalid)
	}
	return code, nil
}

func (h *Handler) ResolveInvite(w http.ResponseWriter, r *http.Request) {
	code, err := inviteCode(r)
	if err != nil {
		writeError(w, err)
		return
	}
	view, err := h.Invites.Resolve(r.Context(), code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) RedeemInvite(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		Code          string `json:"code"`
		WalletAddress string `json:"wallet_address"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		writeError(w, fmt.Errorf("invite code is required: %w", apperr.ErrInvalid))
		return
	}

	member, created, err := h.Invites.Redeem(r.Context(), req.Code, callerID(r), walletFor(r, req.WalletAddress))
	if err != nil {
		writeError(w, err)
		return
	}
	if created {
		h.Hub.Publish(member.ChannelID, websocket.EventInviteRedeemed, map[string]string{"user_id": member.UserID})
		h.Hub.Publish(member.ChannelID, websocket.EventMemberJoined, member)
	}
	writeJSON(w, http.StatusOK, JoinResponse{Membership: member, Created: created})
}

func (h *Handler) ListInvites(w http.ResponseWriter, r *http.Request) {
	channelID, err := middleware.ChannelIDFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	invites, err := h.Invites.List(r.Context(), callerID(r), channelID)
	if err != nil {
		writeError(w, err)
		return
	}
	if invites == nil {
		invites = []invite.Invite{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"invites": invites,
		"count":   len(invites),
	})
}

func (h *Handler) DeleteInvite(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	code, err := inviteCode(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := h.Invites.Delete(r.Context(), callerID(r), code); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Invite deleted successfully"})
}
