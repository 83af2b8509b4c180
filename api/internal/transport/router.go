package transport

import "net/http"

type router struct {
	h *handler
}

func NewRouter(h *handler) *router {
	return &router{h: h}
}

func (rt *router) MountRoutes(mux *http.ServeMux) *http.ServeMux {
	mux.HandleFunc("/research", rt.h.research)
	mux.HandleFunc("/status/", rt.h.status)
	mux.HandleFunc("/images/", rt.h.image)
	mux.HandleFunc("/health", rt.h.health)

	mux.HandleFunc("/api/cache/stats", rt.h.cacheStats)
	mux.HandleFunc("/api/popular", rt.h.popular)
	mux.HandleFunc("/api/rate-limit", rt.h.rateLimit)
	mux.HandleFunc("/api/sessions/count", rt.h.sessionCount)

	mux.HandleFunc("/admin/blacklist", rt.h.blacklist)

	return mux
}
