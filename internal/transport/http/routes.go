package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger"
)

// maxSubmitBody caps POST /pipelines; inline PDF workloads are base64 encoded.
const maxSubmitBody = 64 << 20

func Routes(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(h.log))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/pipelines", func(r chi.Router) {
		r.With(
			middleware.AllowContentType("application/json"),
			middleware.RequestSize(maxSubmitBody),
		).Post("/", h.CreatePipeline)
		r.Get("/{task_id}", h.GetPipeline)
		r.Get("/{task_id}/partial", h.GetPartialResults)
	})

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	return r
}
