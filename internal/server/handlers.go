package server

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantiverge/survey_insights/internal/ingest"
	"github.com/quantiverge/survey_insights/internal/mapping"
	"github.com/quantiverge/survey_insights/internal/store"
)

const maxUploadSize = 20 << 20 // 20MB

func (s *Server) handleUpload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "multipart field \"file\" is required",
		})
		return
	}
	if fileHeader.Size > maxUploadSize {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "file exceeds maximum size of 20MB",
		})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   fmt.Sprintf("open upload: %v", err),
		})
		return
	}
	defer file.Close()

	table, err := ingest.Parse(fileHeader.Filename, file)
	if err != nil {
		status := http.StatusUnprocessableEntity
		if !errors.Is(err, ingest.ErrNoHeaders) && !errors.Is(err, ingest.ErrNoRows) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	columnMapping, err := mapping.Infer(c.Request.Context(), s.capability, table)
	if err != nil {
		var validationErr *mapping.ValidationError
		switch {
		case errors.As(err, &validationErr):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"success": false,
				"error":   validationErr.Error(),
				"headers": validationErr.Headers,
			})
		default:
			c.JSON(http.StatusBadGateway, gin.H{
				"success": false,
				"error":   err.Error(),
			})
		}
		return
	}

	runID := uuid.NewString()
	s.putSession(runID, &session{table: table, mapping: columnMapping})
	s.logger.Info("upload accepted",
		zap.String("run_id", runID),
		zap.String("filename", fileHeader.Filename),
		zap.Int("rows", len(table.Rows)),
	)

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"run_id":    runID,
		"headers":   table.Headers,
		"row_count": len(table.Rows),
		"mapping":   columnMapping,
	})
}

// processRequest optionally overrides the inferred mapping with the
// human-confirmed one.
type processRequest struct {
	Mapping *mapping.ColumnMapping `json:"mapping"`
}

func (s *Server) handleProcess(c *gin.Context) {
	runID := c.Param("id")
	sess, ok := s.takeSession(runID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "unknown or already processed run id",
		})
		return
	}

	columnMapping := sess.mapping
	var req processRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   fmt.Sprintf("invalid request body: %v", err),
		})
		return
	}
	if req.Mapping != nil {
		columnMapping = *req.Mapping
		if err := mapping.Resolve(sess.table, &columnMapping); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"success": false,
				"error":   err.Error(),
			})
			return
		}
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	// The request context propagates client disconnects; the runner checks
	// it between batches.
	events := s.runner.Process(c.Request.Context(), runID, sess.table, columnMapping)
	c.Stream(func(w io.Writer) bool {
		event, open := <-events
		if !open {
			return false
		}
		c.SSEvent(string(event.Kind), event)
		return true
	})
}

func (s *Server) handleGetRun(c *gin.Context) {
	record, err := s.store.Get(c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"error":   "run not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    record,
	})
}

func (s *Server) handleListRuns(c *gin.Context) {
	runs, err := s.store.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	if runs == nil {
		runs = []store.RunSummary{}
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"runs":    runs,
		"count":   len(runs),
	})
}

// handleExport streams the ledger as CSV: the flat data contract the
// document exporters consume.
func (s *Server) handleExport(c *gin.Context) {
	runID := c.Param("id")
	record, err := s.store.Get(runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"success": false,
				"error":   "run not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   err.Error(),
		})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/csv")
	c.Writer.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "run_"+runID+".csv"))

	writer := csv.NewWriter(c.Writer)
	header := []string{"run_id", "respondent_id", "question", "original_answer", "topic", "sentiment", "sub_category"}
	if err := writer.Write(header); err != nil {
		s.logger.Warn("export write failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	for _, entry := range record.Categorizations {
		row := []string{
			entry.RunID,
			entry.RespondentID,
			entry.QuestionText,
			entry.OriginalAnswer,
			entry.Topic,
			entry.Sentiment,
			entry.SubCategory,
		}
		if err := writer.Write(row); err != nil {
			s.logger.Warn("export write failed", zap.String("run_id", runID), zap.Error(err))
			return
		}
	}
	writer.Flush()
}
