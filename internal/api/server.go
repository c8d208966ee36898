package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"gather-ingest/internal/logging"
	"gather-ingest/internal/queue"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// StatusStore is the repository slice the status endpoints read from.
type StatusStore interface {
	ListSyncState(ctx context.Context, tenantID string) (map[string]string, error)
	CountArtifactsByKind(ctx context.Context, tenantID string) (map[string]int64, error)
}

// BackfillQueue is the queue surface the server needs: depth gauges for
// /status and publishing for the admin backfill endpoint.
type BackfillQueue interface {
	Enqueue(ctx context.Context, m queue.Message) error
	Depths(ctx context.Context) (pending, processing int64, err error)
}

type Server struct {
	store      StatusStore
	queue      BackfillQueue
	adminToken string
	httpServer *http.Server
	log        zerolog.Logger

	statusCache struct {
		mu        sync.Mutex
		payload   []byte
		expiresAt time.Time
	}
}

func NewServer(store StatusStore, q BackfillQueue, port int, adminToken string) *Server {
	r := mux.NewRouter()

	s := &Server{
		store:      store,
		queue:      q,
		adminToken: adminToken,
		log:        logging.WithComponent("api"),
	}

	r.Use(commonMiddleware)
	r.Use(rateLimitMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET", "OPTIONS")
	r.HandleFunc("/status", s.handleStatus).Methods("GET", "OPTIONS")
	r.HandleFunc("/admin/backfill", s.handleAdminBackfill).Methods("POST", "OPTIONS")

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("status server listening")
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Token")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
