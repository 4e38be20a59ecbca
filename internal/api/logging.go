package api

import (
	"net/http"

	"github.com/Harvey-AU/listing-harvester/internal/util"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// loggerWithRequest returns a logger carrying the request's correlation fields
func loggerWithRequest(r *http.Request) zerolog.Logger {
	if r == nil {
		return log.With().Logger()
	}

	return log.With().
		Str("request_id", GetRequestID(r)).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Str("client_ip", util.GetClientIP(r)).
		Logger()
}
