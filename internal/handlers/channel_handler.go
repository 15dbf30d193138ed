package handlers

import (
	"net/http"

	"relay-access/internal/channel"
	"relay-access/internal/middleware"
	"relay-access/internal/websocket"
)

type CreateChannelResponse struct {
	Channel    channel.Channel    `json:"channel"`
	Membership channel.Membership `json:"membership"`
}

type JoinResponse struct {
	Membership channel.Membership `json:"membership"`
	Created    bool               `json:"created"`
}

func (h *Handler) CreateChannel(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	ch, owner, err := h.Channels.CreateChannel(r.Context(), req.Name, req.Description, callerID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateChannelResponse{Channel: ch, Membership: owner})
}

func (h *Handler) DeleteChannel(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	channelID, err := middleware.ChannelIDFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.Channels.DeleteChannel(r.Context(), callerID(r), channelID); err != nil {
		writeError(w, err)
		return
	}
	h.Hub.Publish(channelID, websocket.EventChannelDeleted, map[string]interface{}{"deleted_by": callerID(r)})
	writeJSON(w, http.StatusOK, map[string]string{"message": "Channel deleted"})
}

// JoinChannel is the direct join flow. The wallet checked against a token
// gate comes from the body, or from the token when the body has none.
func (h *Handler) JoinChannel(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	channelID, err := middleware.ChannelIDFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		WalletAddress string `json:"wallet_address"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	member, created, err := h.Channels.Admit(r.Context(), callerID(r), channelID, walletFor(r, req.WalletAddress))
	if err != nil {
		writeError(w, err)
		return
	}
	if created {
		h.Hub.Publish(channelID, websocket.EventMemberJoined, member)
	}
	writeJSON(w, http.StatusOK, JoinResponse{Membership: member, Created: created})
}

func walletFor(r *http.Request, fromBody string) string {
	if fromBody != "" {
		return fromBody
	}
	if claims := middleware.ClaimsFrom(r.Context()); claims != nil {
		return claims.Wallet
	}
	return ""
}

func (h *Handler) LeaveChannel(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	channelID, err := middleware.ChannelIDFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}

	userID := callerID(r)
	if err := h.Channels.Leave(r.Context(), userID, channelID); err != nil {
		writeError(w, err)
		return
	}
	h.Hub.Disconnect(channelID, userID)
	h.Hub.Publish(channelID, websocket.EventMemberLeft, map[string]string{"user_id": userID})
	writeJSON(w, http.StatusOK, map[string]string{"message": "Left channel"})
}

func (h *Handler) KickMember(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	channelID, err := middleware.ChannelIDFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := h.Channels.Kick(r.Context(), callerID(r), req.UserID, channelID); err != nil {
		writeError(w, err)
		return
	}
	h.Hub.Disconnect(channelID, req.UserID)
	h.Hub.Publish(channelID, websocket.EventMemberKicked, map[string]string{"user_id": req.UserID, "kicked_by": callerID(r)})
	writeJSON(w, http.StatusOK, map[string]string{"message": "Member kicked"})
}

func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	channelID, err := middleware.ChannelIDFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}

	members, err := h.Channels.ListMembers(r.Context(), channelID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"members": members,
		"count":   len(members),
	})
}

func (h *Handler) SetTokenGate(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	channelID, err := middleware.ChannelIDFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		IsTokenGated bool   `json:"is_token_gated"`
		TokenAddress string `json:"token_address"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	ch, err := h.Channels.SetTokenGate(r.Context(), callerID(r), channelID, req.IsTokenGated, req.TokenAddress)
	if err != nil {
		writeError(w, err)
		return
	}
	h.Hub.Publish(channelID, websocket.EventTokenGateUpdated, map[string]interface{}{
		"is_token_gated": ch.IsTokenGated,
		"token_address":  ch.TokenAddress,
	})
	writeJSON(w, http.StatusOK, ch)
}
