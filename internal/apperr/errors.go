// Package apperr holds the error taxonomy shared by the access-control
// packages and its mapping onto machine-readable codes and HTTP statuses.
package apperr

import (
	"errors"
	"net/http"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown          Code = "UNKNOWN"
	CodeNotFound         Code = "NOT_FOUND"
	CodeDuplicateBinding Code = "DUPLICATE_BINDING"
	CodeRoleNotInChannel Code = "ROLE_NOT_IN_CHANNEL"
	CodeExpired          Code = "INVITE_EXPIRED"
	CodeExhausted        Code = "INVITE_EXHAUSTED"
	CodeChannelGone      Code = "CHANNEL_GONE"
	CodeAccessDenied     Code = "ACCESS_DENIED"
	CodeConflict         Code = "CONFLICT"
	CodeForbidden        Code = "FORBIDDEN"
	CodeInvalid          Code = "INVALID_ARGUMENT"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateBinding = errors.New("role already bound to channel")
	ErrRoleNotInChannel = errors.New("role does not belong to the membership's channel")
	ErrExpired          = errors.New("invite expired")
	ErrExhausted        = errors.New("invite exhausted")
	ErrChannelGone      = errors.New("invite channel no longer exists")
	ErrAccessDenied     = errors.New("token gate denied access")
	ErrConflict         = errors.New("invite redemption lost a concurrent update")
	ErrForbidden        = errors.New("insufficient permissions")
	ErrInvalid          = errors.New("invalid argument")
)

var table = []struct {
	err    error
	code   Code
	status int
}{
	{ErrNotFound, CodeNotFound, http.StatusNotFound},
	{ErrDuplicateBinding, CodeDuplicateBinding, http.StatusConflict},
	{ErrRoleNotInChannel, CodeRoleNotInChannel, http.StatusBadRequest},
	{ErrExpired, CodeExpired, http.StatusGone},
	{ErrExhausted, CodeExhausted, http.StatusGone},
	{ErrChannelGone, CodeChannelGone, http.StatusGone},
	{ErrAccessDenied, CodeAccessDenied, http.StatusForbidden},
	{ErrConflict, CodeConflict, http.StatusConflict},
	{ErrForbidden, CodeForbidden, http.StatusForbidden},
	{ErrInvalid, CodeInvalid, http.StatusBadRequest},
}

// CodeOf returns the code of the first sentinel err wraps.
func CodeOf(err error) Code {
	for _, e := range table {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return CodeUnknown
}

// HTTPStatus maps err onto a response status, 500 when it wraps no sentinel.
func HTTPStatus(err error) int {
	for _, e := range table {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}

// IsRedemptionFailure reports whether err is one of the terminal invite states
// a caller should treat as "this code cannot admit you".
func IsRedemptionFailure(err error) bool {
	return errors.Is(err, ErrExhausted) || errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrExpired) || errors.Is(err, ErrChannelGone)
}
