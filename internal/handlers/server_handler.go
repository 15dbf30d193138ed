package handlers

import (
	"net/http"
)

type ServerMetadataResponse struct {
	Name         string `json:"name"`
	Description  string `json:"description"`
	ChannelCount int64  `json:"channel_count"`
}

func (h *Handler) GetServerMetadata(w http.ResponseWriter, r *http.Request) {
	count, err := h.Channels.CountChannels(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ServerMetadataResponse{
		Name:         h.Config.Name,
		Description:  h.Config.Description,
		ChannelCount: count,
	})
}
