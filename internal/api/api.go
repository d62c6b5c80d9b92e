// Package api exposes the run engine over REST.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/giantswarm/llm-evalgate/internal/engine"
	"github.com/giantswarm/llm-evalgate/internal/eval"
	"github.com/giantswarm/llm-evalgate/internal/store"
	"github.com/giantswarm/llm-evalgate/internal/testsuite"
)

// RunService is the engine surface served by the API. *engine.Coordinator
// implements it.
type RunService interface {
	CreateRun(ctx context.Context, req engine.CreateRunRequest) (*eval.Run, error)
	GetRun(ctx context.Context, runID string) (*eval.Run, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*eval.Run, error)
	ListResults(ctx context.Context, runID string, filter engine.ResultFilter) ([]*eval.CaseResult, error)
	GetDiff(ctx context.Context, runID string) (*eval.RegressionDiff, error)
	CancelRun(ctx context.Context, runID string) (*eval.Run, error)
	Trends(ctx context.Context, suiteID, metric string, days int) ([]eval.MetricHistoryEntry, error)
	ListSuites(ctx context.Context) ([]*testsuite.TestSuite, error)
}

// Register mounts the run API under /api/v1.
func Register(r gin.IRouter, svc RunService) {
	v1 := r.Group("/api/v1")
	v1.POST("/runs", CreateRun(svc))
	v1.GET("/runs", ListRuns(svc))
	v1.GET("/runs/:id", GetRun(svc))
	v1.GET("/runs/:id/results", ListResults(svc))
	v1.GET("/runs/:id/diff", GetDiff(svc))
	v1.POST("/runs/:id/cancel", CancelRun(svc))
	v1.GET("/suites", ListSuites(svc))
	v1.GET("/suites/:id/metrics/:metric", Trends(svc))
}

// NewRouter returns a gin engine serving the run API.
func NewRouter(svc RunService) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	Register(r, svc)
	return r
}

func CreateRun(svc RunService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req engine.CreateRunRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
			return
		}
		run, err := svc.CreateRun(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, run)
	}
}

func ListRuns(svc RunService) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := store.RunFilter{
			SuiteID: c.Query("suite_id"),
			Status:  eval.RunStatus(c.Query("status")),
		}
		if filter.Status != "" && !filter.Status.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + string(filter.Status)})
			return
		}
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
				return
			}
			filter.Limit = n
		}
		runs, err := svc.ListRuns(c.Request.Context(), filter)
		if err != nil {
			writeError(c, err)
			return
		}
		if runs == nil {
			runs = []*eval.Run{}
		}
		c.JSON(http.StatusOK, runs)
	}
}

func GetRun(svc RunService) gin.HandlerFunc {
	return func(c *gin.Context) {
		run, err := svc.GetRun(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, run)
	}
}

func ListResults(svc RunService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var filter engine.ResultFilter
		if raw := c.Query("passed"); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "passed must be true or false"})
				return
			}
			filter.Passed = &v
		}
		results, err := svc.ListResults(c.Request.Context(), c.Param("id"), filter)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, results)
	}
}

func GetDiff(svc RunService) gin.HandlerFunc {
	return func(c *gin.Context) {
		diff, err := svc.GetDiff(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, diff)
	}
}

func CancelRun(svc RunService) gin.HandlerFunc {
	return func(c *gin.Context) {
		run, err := svc.CancelRun(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, run)
	}
}

func ListSuites(svc RunService) gin.HandlerFunc {
	return func(c *gin.Context) {
		suites, err := svc.ListSuites(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		type suiteInfo struct {
			ID          string               `json:"id"`
			Name        string               `json:"name"`
			Description string               `json:"description,omitempty"`
			Version     int                  `json:"version"`
			SystemType  testsuite.SystemType `json:"system_type"`
			Cases       int                  `json:"cases"`
		}
		out := make([]suiteInfo, 0, len(suites))
		for _, s := range suites {
			out = append(out, suiteInfo{
				ID: s.ID, Name: s.Name, Description: s.Description,
				Version: s.Version, SystemType: s.SystemType, Cases: len(s.Cases),
			})
		}
		c.JSON(http.StatusOK, out)
	}
}

func Trends(svc RunService) gin.HandlerFunc {
	return func(c *gin.Context) {
		days := engine.DefaultTrendDays
		if raw := c.Query("days"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a positive integer"})
				return
			}
			days = n
		}
		entries, err := svc.Trends(c.Request.Context(), c.Param("id"), c.Param("metric"), days)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"suite_id": c.Param("id"),
			"metric":   c.Param("metric"),
			"days":     days,
			"points":   entries,
		})
	}
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrInvalidTransition), errors.Is(err, engine.ErrNotFinished):
		status = http.StatusConflict
	default:
		slog.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
