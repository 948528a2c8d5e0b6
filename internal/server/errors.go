package server

import (
	"errors"
	"net/http"

	"github.com/nguyentranbao-ct/chat-client/internal/auth"
	"github.com/nguyentranbao-ct/chat-client/internal/connection"
	"github.com/nguyentranbao-ct/chat-client/internal/delivery"
	"github.com/nguyentranbao-ct/chat-client/internal/registry"
	pkgmdw "github.com/nguyentranbao-ct/chat-client/internal/server/middleware"
)

var errUnknownConversation = errors.New("unknown conversation")

var errorCodes = []struct {
	target error
	status int
	code   string
}{
	{delivery.ErrEmptyContent, http.StatusBadRequest, "empty_content"},
	{delivery.ErrBadRecipient, http.StatusBadRequest, "bad_recipient"},
	{delivery.ErrUnknownMessage, http.StatusNotFound, "unknown_message"},
	{errUnknownConversation, http.StatusNotFound, "unknown_conversation"},
	{delivery.ErrNotRetryable, http.StatusConflict, "not_retryable"},
	{delivery.ErrInFlight, http.StatusConflict, "in_flight"},
	{delivery.ErrRejected, http.StatusUnprocessableEntity, "rejected"},
	{auth.ErrNoCredential, http.StatusUnauthorized, "no_credential"},
	{auth.ErrInvalidToken, http.StatusUnauthorized, "invalid_token"},
	{auth.ErrExpiredToken, http.StatusUnauthorized, "expired_token"},
	{auth.ErrIneligible, http.StatusForbidden, "ineligible"},
	{connection.ErrUnavailable, http.StatusServiceUnavailable, "unavailable"},
}

// mapError translates domain errors into responses. Upstream failures are
// reported as 502 with their retry classification as the code.
func mapError(err error) *pkgmdw.ResponseError {
	for _, e := range errorCodes {
		if errors.Is(err, e.target) {
			return pkgmdw.NewResponseError(e.status, e.code, err)
		}
	}
	switch kind := registry.Classify(err); {
	case kind == registry.KindCancelled:
		return pkgmdw.NewResponseError(pkgmdw.StatusClientClosedRequest, kind.String(), err)
	case isUpstream(err):
		return pkgmdw.NewResponseError(http.StatusBadGateway, kind.String(), err)
	}
	return nil
}

func isUpstream(err error) bool {
	var he *registry.HTTPError
	var te *registry.TransportError
	return errors.As(err, &he) || errors.As(err, &te) || errors.Is(err, registry.ErrMalformed)
}
