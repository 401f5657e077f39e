package router

import (
	"database/sql"
	"net/http"

	"naskahsync/config"
	docHandler "naskahsync/internal/document"
	"naskahsync/internal/document/repository"
	"naskahsync/internal/document/service"
	"naskahsync/internal/lock"
	"naskahsync/internal/version"
	"naskahsync/middleware"
	"naskahsync/pkg/metrics"
	"naskahsync/socket"

	"github.com/gorilla/mux"
)

func Setup(db *sql.DB, hub *socket.Hub, cfg *config.Config) http.Handler {
	r := mux.NewRouter()
	auth := middleware.Auth([]byte(cfg.JWTSecret))

	// WebSocket
	wsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _ := middleware.UserID(r.Context())
		socket.ServeWs(hub, w, r, userID)
	})
	r.Handle("/ws", auth(wsHandler))

	// REST API
	docRepo := repository.NewDocumentRepository(db)
	docService := service.NewDocumentService(
		docRepo,
		hub,
		lock.NewPostgresLeaseStore(db),
		version.NewCoordinator(version.NewPostgresStore(db)),
		cfg.LockTTL,
	)
	docHandler.NewDocumentHandler(docService).Register(r, auth)

	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	return middleware.CORSMiddleware(r)
}
