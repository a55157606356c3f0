// Package server exposes the pipeline over HTTP: spreadsheet upload with
// column-mapping inference, streamed batch processing, and run retrieval.
package server

import (
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/quantiverge/survey_insights/internal/categorize"
	"github.com/quantiverge/survey_insights/internal/ingest"
	"github.com/quantiverge/survey_insights/internal/llm"
	"github.com/quantiverge/survey_insights/internal/mapping"
	"github.com/quantiverge/survey_insights/internal/run"
	"github.com/quantiverge/survey_insights/internal/store"
)

// RunStore is the storage surface the server needs.
type RunStore interface {
	Upsert(runID string, record run.Record) error
	Get(runID string) (run.Record, error)
	List() ([]store.RunSummary, error)
}

// session holds the parsed rows of one upload between mapping inference and
// the process request that consumes them.
type session struct {
	table   *ingest.Table
	mapping mapping.ColumnMapping
}

// Server wires the capability client, runner and store into HTTP routes.
type Server struct {
	capability llm.Capability
	store      RunStore
	runner     *categorize.Runner
	router     *gin.Engine
	logger     *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// New builds the server and registers its routes.
func New(capability llm.Capability, runStore RunStore, runner *categorize.Runner, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	router := gin.Default()

	s := &Server{
		capability: capability,
		store:      runStore,
		runner:     runner,
		router:     router,
		logger:     logger,
		sessions:   make(map[string]*session),
	}

	api := router.Group("/api")
	{
		api.POST("/uploads", s.handleUpload)
		api.POST("/runs/:id/process", s.handleProcess)
		api.GET("/runs", s.handleListRuns)
		api.GET("/runs/:id", s.handleGetRun)
		api.GET("/runs/:id/export", s.handleExport)
	}

	return s
}

// Run starts the HTTP server.
func (s *Server) Run(addr string) error {
	s.logger.Info("http server listening", zap.String("addr", addr))
	return s.router.Run(addr)
}

// Router exposes the handler for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) putSession(runID string, sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[runID] = sess
}

func (s *Server) takeSession(runID string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[runID]
	if ok {
		delete(s.sessions, runID)
	}
	return sess, ok
}
