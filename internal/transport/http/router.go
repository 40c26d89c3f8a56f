package http

import (
	"net/http"
	"time"

	httpmw "github.com/cwrk-planet/collab-relay/internal/transport/http/middleware"

	"github.com/go-chi/chi/v5"
	middlewareChi "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

type Deps struct {
	Handler        *Handler
	WS             http.HandlerFunc
	Metrics        http.Handler
	AllowedOrigins []string
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middlewareChi.RequestID)
	r.Use(middlewareChi.RealIP)
	r.Use(middlewareChi.Recoverer)
	r.Use(httpmw.WithRequestLogger)
	r.Use(httpmw.RequestLogger)

	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	// WS endpoint, без таймаута: соединение живёт долго
	r.Get("/ws", d.WS)

	r.Get("/health", d.Handler.Health)
	r.Get("/healthz", d.Handler.Live)
	r.Get("/readyz", d.Handler.Ready)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Group(func(pr chi.Router) {
		pr.Use(middlewareChi.Timeout(10 * time.Second))

		pr.Route("/rooms", func(rm chi.Router) {
			rm.Get("/", d.Handler.ListRooms)
			rm.Get("/{id}/participants", d.Handler.GetParticipants)
		})
	})

	return r
}
