package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"ffedit/apperr"
	"ffedit/config"
	"ffedit/export"
	"ffedit/progress"
	"ffedit/render"
	"ffedit/task"
	"ffedit/timeline"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type Handler struct {
	exporter *export.Exporter
	store    *task.Store
	hub      *progress.Hub
	cfg      *config.Config
	log      logrus.FieldLogger
}

func NewHandler(exp *export.Exporter, store *task.Store, hub *progress.Hub, cfg *config.Config, log logrus.FieldLogger) *Handler {
	return &Handler{
		exporter: exp,
		store:    store,
		hub:      hub,
		cfg:      cfg,
		log:      log.WithField("component", "api"),
	}
}

// writeError maps the apperr taxonomy onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperr.ErrEmptyOutput):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, apperr.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperr.ErrInvalidState):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// baseURL is the configured public URL, or the one the request came in on.
func (h *Handler) baseURL(c *gin.Context) string {
	base := h.cfg.BaseURL
	if base == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		base = fmt.Sprintf("%s://%s", scheme, c.Request.Host)
	}
	return strings.TrimSuffix(base, "/")
}

func (h *Handler) absoluteURL(c *gin.Context, u string) string {
	if u == "" || !strings.HasPrefix(u, "/") {
		return u
	}
	return h.baseURL(c) + u
}

// withDownloadURL makes a completed export's outputUrl absolute.
func (h *Handler) withDownloadURL(c *gin.Context, j task.Job) task.Job {
	if res, ok := j.Result.(export.Result); ok {
		res.OutputURL = h.absoluteURL(c, res.OutputURL)
		j.Result = res
	}
	return j
}

func (h *Handler) handleStartExport(c *gin.Context) {
	var req export.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.exporter.StartExport(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": id})
}

func (h *Handler) handleGetJob(c *gin.Context) {
	j, err := h.exporter.GetJobStatus(c.Param("jobId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.withDownloadURL(c, j))
}

func (h *Handler) handleCancelJob(c *gin.Context) {
	id := c.Param("jobId")
	var (
		j   task.Job
		err error
	)
	if cur, ok := h.store.Get(id); ok && cur.Type == task.TypeExport {
		j, err = h.exporter.CancelExport(id)
	} else {
		j, err = h.store.Cancel(id)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Job cancelled", "job": j})
}

func (h *Handler) handleRetryJob(c *gin.Context) {
	id := c.Param("jobId")
	var (
		j   task.Job
		err error
	)
	if cur, ok := h.store.Get(id); ok && cur.Type == task.TypeExport {
		j, err = h.exporter.RetryExport(id)
	} else {
		j, err = h.store.Retry(id)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Job queued for retry", "job": j})
}

func (h *Handler) handleListJobs(c *gin.Context) {
	jobs := h.store.List(task.Filter{
		Type:   task.Type(c.Query("type")),
		Status: task.Status(c.Query("status")),
	})
	for i := range jobs {
		jobs[i] = h.withDownloadURL(c, jobs[i])
	}
	c.JSON(http.StatusOK, jobs)
}

// terminalEvent renders the final event of a job that has already stopped.
func (h *Handler) terminalEvent(c *gin.Context, j task.Job) progress.Event {
	ev := progress.Event{JobID: j.ID, Percent: j.Progress, Phase: string(j.Phase), Operation: j.Operation}
	switch j.Status {
	case task.StatusCompleted:
		ev.Kind = progress.KindComplete
		if res, ok := j.Result.(export.Result); ok {
			ev.OutputURL = h.absoluteURL(c, res.OutputURL)
		}
	case task.StatusCancelled:
		ev.Kind = progress.KindError
		ev.Error = "job cancelled"
	default:
		ev.Kind = progress.KindError
		ev.Error = j.Error
	}
	return ev
}

// handleExportEvents streams progress as server-sent events until the job
// stops or the client goes away.
func (h *Handler) handleExportEvents(c *gin.Context) {
	id := c.Param("jobId")

	// Subscribe before reading the job so no terminal event falls in between.
	sub := h.hub.Subscribe(id)
	defer sub.Close()

	j, ok := h.store.Get(id)
	if !ok {
		writeError(c, apperr.NotFound("job %s", id))
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	if j.Status.Finished() {
		ev := h.terminalEvent(c, j)
		c.SSEvent(string(ev.Kind), ev)
		return
	}
	c.SSEvent(string(progress.KindProgress), progress.Event{
		Kind:          progress.KindProgress,
		JobID:         id,
		Percent:       j.Progress,
		Phase:         string(j.Phase),
		Operation:     j.Operation,
		TimeRemaining: j.TimeRemaining,
	})
	c.Writer.Flush()

	log := h.log.WithField("job_id", id)
	log.Debug("SSE client connected")
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				// stream ended without an event, which is how cancellation looks
				if cur, found := h.store.Get(id); found && cur.Status.Finished() {
					ev := h.terminalEvent(c, cur)
					c.SSEvent(string(ev.Kind), ev)
				}
				return false
			}
			if ev.Kind == progress.KindComplete {
				ev.OutputURL = h.absoluteURL(c, ev.OutputURL)
			}
			c.SSEvent(string(ev.Kind), ev)
			return !ev.Terminal()
		case <-c.Request.Context().Done():
			return false
		}
	})
	log.Debug("SSE stream closed")
}

type planRequest struct {
	Duration float64             `json:"duration" binding:"required,gt=0"`
	Cuts     []timeline.Interval `json:"cuts"`
}

// handlePlan previews what an export of the given cuts would render.
func (h *Handler) handlePlan(c *gin.Context) {
	var req planRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := timeline.ValidateAll(req.Cuts); err != nil {
		writeError(c, err)
		return
	}

	merged := timeline.MergeIntervals(req.Cuts)
	keep, err := timeline.Complement(merged, req.Duration)
	if err != nil {
		writeError(c, err)
		return
	}
	plan, err := render.BuildPlan(keep)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"merged": merged, "keep": keep, "plan": plan})
}

type cutRequest struct {
	Tracks []timeline.Track    `json:"tracks" binding:"required"`
	Cuts   []timeline.Interval `json:"cuts"`
	Words  []timeline.Word     `json:"words"`
}

// handleApplyCuts applies cut regions and deleted words to the posted tracks
// and returns the edited timeline. Nothing is stored server side.
func (h *Handler) handleApplyCuts(c *gin.Context) {
	var req cutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := timeline.ValidateAll(req.Cuts); err != nil {
		writeError(c, err)
		return
	}

	cuts := append(append([]timeline.Interval(nil), req.Cuts...), timeline.DeletedRegions(req.Words)...)
	cuts = timeline.MergeIntervals(cuts)
	tl := timeline.New(req.Tracks)
	if err := tl.CutAll(cuts); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tracks":   tl.Tracks(),
		"cuts":     cuts,
		"duration": tl.Duration(),
	})
}

func (h *Handler) handleGetFile(c *gin.Context) {
	path, err := h.exporter.GetFilePath(c.Param("filename"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.File(path)
}
