package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/lighthouse"
	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/metadata"
	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/reports"
	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/serviceerr"
	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/slug"
	"github.com/GoogleChromeLabs/lighthouse-keeper/internal/tasks"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	medianScopeAll     = "all"
	auditFailureStatus = http.StatusBadRequest
	internalErrorText  = "internal error"
)

func (h *httpHandler) handleRoot(c *gin.Context) {
	c.Redirect(http.StatusMovedPermanently, h.dashboardURL)
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "pendingTasks": h.tasks.Pending()})
}

// handlePreflight answers OPTIONS requests the CORS middleware let through.
func (h *httpHandler) handlePreflight(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleCategories(c *gin.Context) {
	c.JSON(http.StatusOK, h.catalog.Categories)
}

func (h *httpHandler) handleAudits(c *gin.Context) {
	c.JSON(http.StatusOK, h.catalog.Audits)
}

func (h *httpHandler) handleURLCount(c *gin.Context) {
	count, _, err := h.metadata.GetCount(c.Request.Context(), metadata.CounterSavedURLs)
	if err != nil {
		h.respondServiceError(c, "url count lookup failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

func (h *httpHandler) handleReports(c *gin.Context) {
	targetURL := c.GetString(urlContextKey)
	sinceRaw, hasSince := c.GetQuery("since")

	var result []reports.Report
	if !hasSince || strings.TrimSpace(sinceRaw) == "" {
		latest, err := h.reports.GetReports(c.Request.Context(), targetURL, 1)
		if err != nil {
			h.respondServiceError(c, "report lookup failed", err)
			return
		}
		result = latest
	} else {
		since, ok := parseSince(sinceRaw)
		if !ok {
			abortWithError(c, http.StatusBadRequest, fmt.Sprintf("Invalid since value %q.", sinceRaw))
			return
		}
		recent, err := h.reports.GetReports(c.Request.Context(), targetURL, h.maxResults)
		if err != nil {
			h.respondServiceError(c, "report lookup failed", err)
			return
		}
		for _, report := range recent {
			if !report.AuditedOn.Before(since) {
				result = append(result, report)
			}
		}
	}

	if len(result) == 0 {
		abortWithError(c, http.StatusNotFound, fmt.Sprintf("No results found for %q.", targetURL))
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleMedians(c *gin.Context) {
	targetURL := c.GetString(urlContextKey)
	if targetURL == medianScopeAll {
		medians, err := h.medians.Get(c.Request.Context())
		if err != nil {
			h.respondServiceError(c, "corpus median lookup failed", err)
			return
		}
		c.JSON(http.StatusOK, medians)
		return
	}

	medians, err := h.scores.GetMedianScores(c.Request.Context(), targetURL, h.maxResults)
	if err != nil {
		h.respondServiceError(c, "median lookup failed", err)
		return
	}
	c.JSON(http.StatusOK, medians)
}

func (h *httpHandler) handleFullReport(c *gin.Context) {
	targetURL := c.GetString(urlContextKey)
	format, ok := normalizeFormat(c.Query("format"))
	if !ok {
		abortWithError(c, http.StatusBadRequest, fmt.Sprintf("Unsupported format %q.", c.Query("format")))
		return
	}

	fullReport, found, err := h.reports.GetFullReport(c.Request.Context(), targetURL)
	if err != nil {
		h.respondServiceError(c, "full report lookup failed", err)
		return
	}
	if !found {
		abortWithError(c, http.StatusNotFound, fmt.Sprintf("No results found for %q.", targetURL))
		return
	}

	_, download := c.GetQuery("download")
	if download {
		filename := reportFilenamePrefix(fullReport, targetURL) + "." + format
		c.Header("Content-Disposition", "attachment; filename="+filename)
	}

	switch format {
	case formatCSV:
		body, err := renderCategoryCSV(fullReport, targetURL)
		if err != nil {
			h.logger.Error("csv rendering failed", zap.String("url", targetURL), zap.Error(err))
			abortWithError(c, http.StatusInternalServerError, internalErrorText)
			return
		}
		c.Data(http.StatusOK, "text/csv; charset=utf-8", body)
	default:
		c.Data(http.StatusOK, "application/json; charset=utf-8", fullReport)
	}
}

func (h *httpHandler) handleNewAudit(c *gin.Context) {
	targetURL := c.GetString(urlContextKey)
	report, err := h.audits.Run(c.Request.Context(), targetURL)
	if err != nil {
		var auditErr *lighthouse.AuditError
		switch {
		case errors.As(err, &auditErr):
			status := auditFailureStatus
			if auditErr.StatusCode >= 100 && auditErr.StatusCode <= 599 {
				status = auditErr.StatusCode
			}
			h.logger.Warn("audit rejected",
				zap.String("url", targetURL),
				zap.Int("status_code", auditErr.StatusCode),
				zap.Int("upstream_status", auditErr.UpstreamStatus),
				zap.Error(err),
			)
			abortWithError(c, status, auditErr.Error())
		case errors.Is(err, slug.ErrInvalidURL):
			abortWithError(c, http.StatusBadRequest, err.Error())
		default:
			h.respondServiceError(c, "audit failed", err)
		}
		return
	}
	c.JSON(http.StatusCreated, report)
}

func (h *httpHandler) handleInterest(c *gin.Context) {
	ctx := c.Request.Context()
	newURL := c.GetString(urlContextKey)
	oldURL := c.GetString(oldURLContextKey)
	if newURL == oldURL {
		c.JSON(http.StatusOK, gin.H{"updated": false})
		return
	}

	newCount, err := h.metadata.IncrementInterestCount(ctx, newURL)
	if err != nil {
		h.respondServiceError(c, "interest increment failed", err)
		return
	}
	response := gin.H{"updated": true, "url": newURL, "count": newCount}
	if oldURL == "" {
		c.JSON(http.StatusOK, response)
		return
	}

	oldCount, err := h.metadata.DecrementInterestCount(ctx, oldURL)
	if err != nil {
		h.respondServiceError(c, "interest decrement failed", err)
		return
	}
	response["oldUrl"] = oldURL
	response["oldCount"] = oldCount
	if oldCount < 1 {
		if err := h.reports.RemoveURL(ctx, oldURL); err != nil {
			h.respondServiceError(c, "unwatched url removal failed", err)
			return
		}
		h.medians.Invalidate()
		response["oldRemoved"] = true
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleRemove(c *gin.Context) {
	targetURL := c.GetString(urlContextKey)
	if err := h.reports.RemoveURL(c.Request.Context(), targetURL); err != nil {
		h.respondServiceError(c, "url removal failed", err)
		return
	}
	h.medians.Invalidate()
	c.JSON(http.StatusOK, gin.H{"removed": targetURL})
}

func (h *httpHandler) handleRefresh(c *gin.Context) {
	targetURL := c.GetString(urlContextKey)
	if err := h.tasks.Enqueue(tasks.Task{Kind: tasks.KindRefreshURL, URL: targetURL}); err != nil {
		h.respondQueueError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"scheduled": tasks.KindRefreshURL, "url": targetURL})
}

func (h *httpHandler) handleCronRemoveInvalidURLs(c *gin.Context) {
	task := tasks.Task{Kind: tasks.KindRemoveInvalidURLs, Limit: h.sweepBatchSize}
	if err := h.tasks.Enqueue(task); err != nil {
		h.respondQueueError(c, err)
		return
	}
	h.cronLogger(c).Info("liveness sweep scheduled", zap.Int("limit", h.sweepBatchSize))
	c.JSON(http.StatusCreated, gin.H{"scheduled": tasks.KindRemoveInvalidURLs, "limit": h.sweepBatchSize})
}

func (h *httpHandler) handleCronDeleteStale(c *gin.Context) {
	result, err := h.sweeper.RemoveStaleURLs(c.Request.Context(), h.staleThreshold)
	if err != nil {
		h.respondServiceError(c, "stale sweep failed", err)
		return
	}
	h.medians.Invalidate()
	h.cronLogger(c).Info("stale urls pruned", zap.Int("urls", result.NumURLs), zap.Int("removed", result.NumRemoved))
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleCronUpdateURLCount(c *gin.Context) {
	ctx := c.Request.Context()
	var count int64
	err := h.metadata.ScanURLs(ctx, 0, func(batch metadata.ScanBatch) error {
		count += int64(len(batch.URLs))
		return nil
	})
	if err != nil {
		h.respondServiceError(c, "url scan failed", err)
		return
	}
	if err := h.metadata.SetCount(ctx, metadata.CounterSavedURLs, count); err != nil {
		h.respondServiceError(c, "url count update failed", err)
		return
	}
	h.cronLogger(c).Info("saved url count updated", zap.Int64("count", count))
	c.JSON(http.StatusOK, gin.H{"count": count})
}

func (h *httpHandler) handleCronUpdateMedians(c *gin.Context) {
	medians, err := h.medians.Refresh(c.Request.Context())
	if err != nil {
		h.respondServiceError(c, "corpus median refresh failed", err)
		return
	}
	h.cronLogger(c).Info("corpus medians refreshed", zap.Int("categories", len(medians)))
	c.JSON(http.StatusOK, medians)
}

var errStopScheduling = errors.New("task queue rejected refresh")

func (h *httpHandler) handleCronUpdateScores(c *gin.Context) {
	scheduled := 0
	var queueErr error
	err := h.metadata.ScanURLs(c.Request.Context(), 0, func(batch metadata.ScanBatch) error {
		for _, url := range batch.URLs {
			if err := h.tasks.Enqueue(tasks.Task{Kind: tasks.KindRefreshURL, URL: url}); err != nil {
				queueErr = err
				return errStopScheduling
			}
			scheduled++
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopScheduling) {
		h.respondServiceError(c, "url scan failed", err)
		return
	}
	response := gin.H{"scheduled": scheduled}
	h.cronLogger(c).Info("score refreshes scheduled", zap.Int("scheduled", scheduled))
	if queueErr != nil {
		h.logger.Warn("refresh scheduling stopped early", zap.Int("scheduled", scheduled), zap.Error(queueErr))
		response["errors"] = queueErr.Error()
	}
	c.JSON(http.StatusCreated, response)
}

// cronLogger tags log entries with the scheduler identity that triggered the job.
func (h *httpHandler) cronLogger(c *gin.Context) *zap.Logger {
	return h.logger.With(zap.String("scheduler", c.GetString(cronSubjectKey)), zap.String("job", c.FullPath()))
}

func (h *httpHandler) respondQueueError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, tasks.ErrQueueFull), errors.Is(err, tasks.ErrNotRunning):
		h.logger.Warn("task rejected", zap.Error(err))
		abortWithError(c, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("task enqueue failed", zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, internalErrorText)
	}
}

func (h *httpHandler) respondServiceError(c *gin.Context, message string, err error) {
	if errors.Is(err, slug.ErrInvalidURL) || errors.Is(err, reports.ErrInvalidReport) {
		abortWithError(c, http.StatusBadRequest, err.Error())
		return
	}
	h.logger.Error(message, zap.String("path", c.FullPath()), zap.Error(err))
	if code, ok := serviceerr.CodeOf(err); ok {
		abortWithError(c, http.StatusInternalServerError, code)
		return
	}
	abortWithError(c, http.StatusInternalServerError, internalErrorText)
}
