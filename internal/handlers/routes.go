package handlers

import (
	"net/http"
	"time"

	"relay-access/internal/config"
	"relay-access/internal/metrics"
	"relay-access/internal/middleware"
	"relay-access/internal/role"
)

var (
	Cache30s  = middleware.CacheControl(30*time.Second, "private")
	Cache1Min = middleware.CacheControl(time.Minute, "private")
)

type route struct {
	mux  *http.ServeMux
	auth *middleware.Authenticator
	h    *Handler
}

func (rt route) public(path string, perMinute int, cache func(http.HandlerFunc) http.HandlerFunc, handler http.HandlerFunc) {
	rt.mux.HandleFunc(path, middleware.TrackOutboundData(middleware.RateLimitFunc(perMinute)(cache(handler))))
}

func (rt route) authed(path string, perMinute int, cache func(http.HandlerFunc) http.HandlerFunc, handler http.HandlerFunc) {
	rt.mux.HandleFunc(path, middleware.TrackOutboundData(rt.auth.RequireAuth(middleware.RateLimitFunc(perMinute)(cache(handler)))))
}

// permission guards handler with a channel permission taken from ?channel_id=.
func (rt route) permission(path string, perMinute int, perm role.Permission, cache func(http.HandlerFunc) http.HandlerFunc, handler http.HandlerFunc) {
	guard := middleware.RequireChannelPermission(rt.h.Channels.Resolver(), perm)
	rt.authed(path, perMinute, cache, guard(handler))
}

// Register mounts every endpoint on mux.
func (h *Handler) Register(mux *http.ServeMux, auth *middleware.Authenticator, limits config.RateLimitConfig) {
	rt := route{mux: mux, auth: auth, h: h}

	rt.public("/server", limits.Global, Cache1Min, h.GetServerMetadata)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/ws", auth.RequireAuth(h.Hub.HandleWebSocket(h.Channels.Resolver())))

	// Channels and membership
	rt.authed("/channels/create", limits.Global, middleware.NoCache, h.CreateChannel)
	rt.authed("/channels/delete", limits.Global, middleware.NoCache, h.DeleteChannel)
	rt.authed("/channels/join", limits.Join, middleware.NoCache, h.JoinChannel)
	rt.authed("/channels/leave", limits.Global, middleware.NoCache, h.LeaveChannel)
	rt.authed("/channels/kick", limits.Global, middleware.NoCache, h.KickMember)
	rt.authed("/channels/token-gate", limits.Global, middleware.NoCache, h.SetTokenGate)
	rt.permission("/channels/members", limits.Global, role.PermissionViewChannel, Cache30s, h.ListMembers)

	// Roles
	rt.authed("/roles/templates", limits.Global, middleware.NoCache, h.RoleTemplates)
	rt.permission("/channels/roles", limits.Global, role.PermissionViewChannel, Cache30s, h.ListChannelRoles)
	rt.permission("/channels/roles/bind", limits.Global, role.PermissionManageRoles, middleware.NoCache, h.BindRole)
	rt.permission("/channels/roles/unbind", limits.Global, role.PermissionManageRoles, middleware.NoCache, h.UnbindRole)
	rt.permission("/channels/roles/assign", limits.Global, role.PermissionManageRoles, middleware.NoCache, h.AssignRole)
	rt.permission("/channels/roles/revoke", limits.Global, role.PermissionManageRoles, middleware.NoCache, h.RevokeRole)
	rt.authed("/permissions", limits.Global, middleware.NoCache, h.ListPermissions)
	rt.authed("/permissions/check", limits.Global, middleware.NoCache, h.CheckPermission)

	// Invites
	rt.authed("/invites/create", limits.Invite, middleware.NoCache, h.CreateInvite)
	rt.public("/invites/resolve", limits.Join, middleware.NoCache, h.ResolveInvite)
	rt.authed("/invites/redeem", limits.Join, middleware.NoCache, h.RedeemInvite)
	rt.authed("/invites", limits.Global, middleware.NoCache, h.ListInvites)
	rt.authed("/invites/delete", limits.Global, middleware.NoCache, h.DeleteInvite)
}
