package server

import (
	"net/http"
)

// handleEmbeddings always returns 501: none of the wired provider adapters
// (Claude, Gemini, Copilot, Kiro, LiteLLM) expose an embeddings endpoint
// through this gateway.
func (s *server) handleEmbeddings(w http.ResponseWriter, _ *http.Request) {
	var e apiError
	e.Error.Message = "embeddings are not supported by this gateway"
	e.Error.Type = "not_implemented_error"
	writeJSON(w, http.StatusNotImplemented, e)
}
