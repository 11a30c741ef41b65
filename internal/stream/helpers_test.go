package stream_test

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/settlement-engine/internal/stream"
)

func httpHandler(h *stream.Hub) http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", h.HandleWS)
	return r
}
