package config

import (
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// HealthPath is served on every listen address alongside the hubs.
const HealthPath = "/healthz"

// Routers returns one HTTP handler per listen address, routing each hub's
// path to its listener.
func (c *Config) Routers() map[string]http.Handler {
	byListen := make(map[string][]*Hub)
	for _, hub := range c.Hubs {
		byListen[hub.Listen] = append(byListen[hub.Listen], hub)
	}

	routers := make(map[string]http.Handler, len(byListen))
	for listen, hubs := range byListen {
		routers[listen] = newRouter(hubs)
	}
	return routers
}

func newRouter(hubs []*Hub) http.Handler {
	sort.Slice(hubs, func(i, j int) bool { return hubs[i].Path < hubs[j].Path })

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get(HealthPath, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	for _, hub := range hubs {
		r.HandleFunc(hub.Path, hub.Listener.ServeWebsocket)
	}

	return r
}
