// Package handlers exposes the access-control core over HTTP.
package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"relay-access/internal/apperr"
	"relay-access/internal/channel"
	"relay-access/internal/config"
	"relay-access/internal/invite"
	"relay-access/internal/middleware"
	"relay-access/internal/role"
	"relay-access/internal/websocket"
)

type Handler struct {
	Config   config.ServerConfig
	Registry *role.Registry
	Channels *channel.Store
	Invites  *invite.Ledger
	Hub      *websocket.Hub
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithError(err).Warn("Failed to encode response")
	}
}

// writeError maps err onto its status and machine-readable code. Errors
// without a known cause are logged and reported generically.
func writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		logrus.WithError(err).Error("Request failed")
		message = "Internal server error"
	}
	writeJSON(w, status, map[string]string{
		"error": message,
		"code":  string(apperr.CodeOf(err)),
	})
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("invalid request body: %w", apperr.ErrInvalid)
	}
	return nil
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed", "code": "METHOD_NOT_ALLOWED"})
		return false
	}
	return true
}

func parseID(name, raw string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%s %q: %w", name, raw, apperr.ErrInvalid)
	}
	return uint(id), nil
}

func callerID(r *http.Request) string {
	return middleware.UserID(r.Context())
}
