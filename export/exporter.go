// Package export drives an export job from source probe to finished artifact,
// reporting through the task store and the progress hub as it goes.
package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"ffedit/apperr"
	"ffedit/config"
	"ffedit/ffmpeg"
	"ffedit/progress"
	"ffedit/render"
	"ffedit/task"
	"ffedit/timeline"

	"github.com/c2h5oh/datasize"
	"github.com/sirupsen/logrus"
)

// Native transcoder progress p is reported as encodeStart + p*encodeSpan.
const (
	encodeStart = 10.0
	encodeSpan  = 0.85

	// remainingAfter is the native percent below which no estimate is given.
	remainingAfter = 1.0
)

type Prober interface {
	Probe(ctx context.Context, path string) (ffmpeg.MediaInfo, error)
}

type Transcoder interface {
	Transcode(ctx context.Context, req ffmpeg.Request) ffmpeg.Session
}

type Request struct {
	SourceFile string              `json:"sourceFile" binding:"required"`
	CutRegions []timeline.Interval `json:"cutRegions"`
	Format     render.Format       `json:"format"`
	Resolution render.Resolution   `json:"resolution"`
	Quality    render.Quality      `json:"quality"`
	// Duration is the known source length in seconds. When set, a cut list
	// that leaves nothing is rejected up front instead of failing the job.
	Duration float64 `json:"duration,omitempty"`
}

func (r Request) withDefaults() Request {
	if r.Format == "" {
		r.Format = render.FormatMP4
	}
	if r.Resolution == "" {
		r.Resolution = render.Resolution1080p
	}
	if r.Quality == "" {
		r.Quality = render.QualityHigh
	}
	return r
}

type Result struct {
	OutputPath string  `json:"outputPath"`
	OutputURL  string  `json:"outputUrl"`
	Size       int64   `json:"size"`
	Duration   float64 `json:"duration"`
	Segments   int     `json:"segments"`
}

// errStopped means the job left processing underneath the worker.
var errStopped = errors.New("export stopped")

type Exporter struct {
	cfg        *config.Config
	store      *task.Store
	hub        *progress.Hub
	prober     Prober
	transcoder Transcoder
	log        logrus.FieldLogger
	now        func() time.Time

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
	sem  chan struct{} // nil when concurrency is unlimited

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func New(cfg *config.Config, store *task.Store, hub *progress.Hub, prober Prober, transcoder Transcoder, log logrus.FieldLogger) *Exporter {
	ctx, stop := context.WithCancel(context.Background())
	e := &Exporter{
		cfg:        cfg,
		store:      store,
		hub:        hub,
		prober:     prober,
		transcoder: transcoder,
		log:        log.WithField("component", "exporter"),
		now:        time.Now,
		ctx:        ctx,
		stop:       stop,
		running:    make(map[string]context.CancelFunc),
	}
	if cfg.MaxConcurrency > 0 {
		e.sem = make(chan struct{}, cfg.MaxConcurrency)
	}
	return e
}

// StartExport validates req, records an export job and starts it in the
// background. The returned id is usable immediately.
func (e *Exporter) StartExport(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	req = req.withDefaults()
	if err := e.validate(req); err != nil {
		return "", err
	}

	j := e.store.Create(task.TypeExport, req, e.cfg.MaxRetries)
	e.mu.Lock()
	err := e.startLocked(j.ID)
	e.mu.Unlock()
	if err != nil {
		return "", err
	}
	return j.ID, nil
}

func (e *Exporter) validate(req Request) error {
	if req.SourceFile == "" {
		return apperr.Validation("sourceFile is required")
	}
	fi, err := os.Stat(req.SourceFile)
	if err != nil {
		if os.IsNotExist(err) {
			return apperr.Validation("source file %s does not exist", req.SourceFile)
		}
		return apperr.Validation("source file %s: %v", req.SourceFile, err)
	}
	if fi.IsDir() {
		return apperr.Validation("source file %s is a directory", req.SourceFile)
	}
	if limit := e.cfg.MaxInputSize; limit > 0 && fi.Size() > limit {
		return apperr.Validation("source file is %s, limit is %s",
			datasize.ByteSize(fi.Size()).HumanReadable(), datasize.ByteSize(limit).HumanReadable())
	}

	if err := timeline.ValidateAll(req.CutRegions); err != nil {
		return err
	}
	if _, err := render.LookupPreset(req.Format, req.Resolution, req.Quality); err != nil {
		return err
	}
	if req.Duration > 0 {
		if _, err := timeline.KeepSegments(req.CutRegions, req.Duration); err != nil {
			if errors.Is(err, apperr.ErrEmptyOutput) {
				return fmt.Errorf("%w: %w", apperr.ErrValidation, err)
			}
			return err
		}
	}
	return nil
}

// startLocked launches the worker for id. The caller holds e.mu. A job id
// already running is refused.
func (e *Exporter) startLocked(id string) error {
	if _, busy := e.running[id]; busy {
		return apperr.InvalidState("job %s is already running", id)
	}
	ctx, cancel := context.WithCancel(e.ctx)
	e.running[id] = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.running, id)
			e.mu.Unlock()
		}()
		e.run(ctx, id)
	}()
	return nil
}

// GetJobStatus returns a snapshot of job id.
func (e *Exporter) GetJobStatus(id string) (task.Job, error) {
	j, ok := e.store.Get(id)
	if !ok {
		return task.Job{}, apperr.NotFound("job %s", id)
	}
	return j, nil
}

// CancelExport marks the job cancelled, ends its progress streams and stops
// the running process if there is one.
func (e *Exporter) CancelExport(id string) (task.Job, error) {
	j, err := e.store.Cancel(id)
	if err != nil {
		return task.Job{}, err
	}
	e.hub.CloseJob(id)

	e.mu.Lock()
	cancel := e.running[id]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return j, nil
}

// RetryExport requeues a failed export and runs it again.
func (e *Exporter) RetryExport(id string) (task.Job, error) {
	if j, ok := e.store.Get(id); !ok || j.Type != task.TypeExport {
		return task.Job{}, apperr.NotFound("export job %s", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.running[id]; busy {
		return task.Job{}, apperr.InvalidState("job %s is already running", id)
	}
	j, err := e.store.Retry(id)
	if err != nil {
		return task.Job{}, err
	}
	if err := e.startLocked(id); err != nil {
		return task.Job{}, err
	}
	return j, nil
}

// Shutdown stops every running export and waits for the workers to return.
func (e *Exporter) Shutdown(ctx context.Context) error {
	e.stop()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetFilePath resolves an artifact name inside the output directory.
func (e *Exporter) GetFilePath(filename string) (string, error) {
	clean := filepath.Base(filename)
	if clean != filename || clean == "." || clean == ".." {
		return "", apperr.Validation("invalid filename")
	}

	full := filepath.Join(e.cfg.OutputDir, clean)
	if _, err := os.Stat(full); err != nil {
		return "", apperr.NotFound("file %s", clean)
	}
	return full, nil
}

// RemoveArtifacts deletes the output file recorded on j, if any.
func (e *Exporter) RemoveArtifacts(j task.Job) {
	if j.Type != task.TypeExport {
		return
	}
	if res, ok := j.Result.(Result); ok && res.OutputPath != "" {
		e.removeFile(res.OutputPath)
	}
	if req, ok := j.Data.(Request); ok {
		e.removeFile(e.outputPath(j.ID, req))
	}
}

func (e *Exporter) outputPath(id string, req Request) string {
	return filepath.Join(e.cfg.OutputDir, id+"."+strings.ToLower(string(req.Format)))
}

func (e *Exporter) outputURL(path string) string {
	base := strings.TrimSuffix(e.cfg.BaseURL, "/")
	return fmt.Sprintf("%s/api/v1/files/%s", base, filepath.Base(path))
}

func (e *Exporter) removeFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		e.log.WithField("path", path).Warnf("could not remove output: %v", err)
	}
}

func (e *Exporter) run(ctx context.Context, id string) {
	log := e.log.WithField("job_id", id)

	if e.sem != nil {
		select {
		case e.sem <- struct{}{}:
			defer func() { <-e.sem }()
		case <-ctx.Done():
			log.Info("Export stopped while waiting for a slot")
			return
		}
	}

	j, ok := e.store.Get(id)
	if !ok || j.Status != task.StatusPending {
		log.Infof("Export skipped, job is %s", j.Status)
		return
	}
	req, ok := j.Data.(Request)
	if !ok {
		e.fail(log, id, "", fmt.Errorf("job %s carries no export request", id))
		return
	}

	if e.cfg.FFTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.FFTimeout)
		defer cancel()
	}

	output := e.outputPath(id, req)
	log.WithField("source", req.SourceFile).Info("Processing export")
	res, err := e.execute(ctx, log, id, req, output)

	if st, _ := e.store.Status(id); st == task.StatusCancelled || errors.Is(err, errStopped) {
		log.Info("Export cancelled")
		e.removeFile(output)
		e.hub.CloseJob(id)
		return
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("export timed out after %s: %w", e.cfg.FFTimeout, err)
		}
		e.fail(log, id, output, err)
		return
	}
	e.complete(log, id, res)
}

func (e *Exporter) execute(ctx context.Context, log logrus.FieldLogger, id string, req Request, output string) (Result, error) {
	started := e.now()
	if _, err := e.store.Update(id, task.Update{Status: task.StatusPtr(task.StatusProcessing)}); err != nil {
		return Result{}, errStopped
	}

	if err := e.report(id, task.PhaseAnalyzing, 0, "Analyzing source media", nil); err != nil {
		return Result{}, err
	}
	info, err := e.prober.Probe(ctx, req.SourceFile)
	if err != nil {
		return Result{}, err
	}
	keep, err := timeline.KeepSegments(req.CutRegions, info.Duration)
	if err != nil {
		return Result{}, err
	}
	log.WithFields(logrus.Fields{"phase": task.PhaseAnalyzing, "duration": info.Duration, "segments": len(keep)}).Debug("Source analyzed")
	if err := e.report(id, task.PhaseAnalyzing, 5, fmt.Sprintf("Keeping %d segment(s)", len(keep)), nil); err != nil {
		return Result{}, err
	}

	if err := e.report(id, task.PhaseProcessing, 5, "Building render plan", nil); err != nil {
		return Result{}, err
	}
	plan, err := render.BuildPlan(keep)
	if err != nil {
		return Result{}, err
	}
	preset, err := render.LookupPreset(req.Format, req.Resolution, req.Quality)
	if err != nil {
		return Result{}, err
	}
	if err := e.report(id, task.PhaseProcessing, encodeStart, "Render plan ready", nil); err != nil {
		return Result{}, err
	}

	op := fmt.Sprintf("Encoding %s %s %s", preset.Extension, req.Resolution, req.Quality)
	if err := e.report(id, task.PhaseEncoding, encodeStart, op, nil); err != nil {
		return Result{}, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sess := e.transcoder.Transcode(ctx, ffmpeg.Request{
		JobID:      id,
		SourcePath: req.SourceFile,
		OutputPath: output,
		Plan:       plan,
		Preset:     preset,
		HasVideo:   info.HasVideo,
		HasAudio:   info.HasAudio,
	})
	if err := e.encode(id, sess, cancel, started, op); err != nil {
		return Result{}, err
	}

	if err := e.report(id, task.PhaseFinalizing, 95, "Finalizing output", nil); err != nil {
		return Result{}, err
	}
	fi, err := os.Stat(output)
	if err != nil {
		return Result{}, fmt.Errorf("transcoder produced no output: %w", err)
	}
	return Result{
		OutputPath: output,
		OutputURL:  e.outputURL(output),
		Size:       fi.Size(),
		Duration:   plan.OutputDuration,
		Segments:   len(plan.Segments),
	}, nil
}

// encode consumes every tick of sess on this goroutine. Ticks are the only
// path by which transcoder progress reaches the store and the hub.
func (e *Exporter) encode(id string, sess ffmpeg.Session, cancel context.CancelFunc, started time.Time, op string) error {
	last := encodeStart
	stopped := false
	for tick := range sess.Ticks() {
		if stopped {
			continue
		}
		pct := encodeStart + tick.Percent*encodeSpan
		if pct <= last {
			continue
		}

		var remaining *float64
		if tick.Percent > remainingAfter {
			elapsed := e.now().Sub(started).Seconds()
			r := elapsed/(pct/100) - elapsed
			remaining = &r
		}
		if err := e.report(id, task.PhaseEncoding, pct, op, remaining); err != nil {
			stopped = true
			cancel()
			continue
		}
		last = pct
	}

	err := sess.Wait()
	if stopped {
		return errStopped
	}
	return err
}

// report re-reads the job status around each progress write and returns
// errStopped once the job is no longer processing.
func (e *Exporter) report(id string, phase task.Phase, pct float64, op string, remaining *float64) error {
	if st, ok := e.store.Status(id); !ok || st != task.StatusProcessing {
		return errStopped
	}
	j, err := e.store.Update(id, task.Update{
		Progress:      task.Float(pct),
		Phase:         task.PhasePtr(phase),
		Operation:     task.String(op),
		TimeRemaining: remaining,
	})
	if err != nil {
		return errStopped
	}
	if st, ok := e.store.Status(id); !ok || st != task.StatusProcessing {
		return errStopped
	}

	e.hub.Publish(progress.Event{
		Kind:          progress.KindProgress,
		JobID:         id,
		Percent:       j.Progress,
		Phase:         string(j.Phase),
		Operation:     j.Operation,
		TimeRemaining: j.TimeRemaining,
	})
	return nil
}

func (e *Exporter) fail(log logrus.FieldLogger, id, output string, cause error) {
	msg := cause.Error()
	log.WithError(cause).Error("Export failed")
	if output != "" {
		e.removeFile(output)
	}

	j, err := e.store.Update(id, task.Update{Status: task.StatusPtr(task.StatusFailed), Error: task.String(msg)})
	if err != nil {
		log.Warnf("could not mark job failed: %v", err)
		e.hub.CloseJob(id)
		return
	}
	e.hub.Publish(progress.Event{
		Kind:    progress.KindError,
		JobID:   id,
		Percent: j.Progress,
		Phase:   string(j.Phase),
		Error:   msg,
	})
}

func (e *Exporter) complete(log logrus.FieldLogger, id string, res Result) {
	j, err := e.store.Update(id, task.Update{
		Status:    task.StatusPtr(task.StatusCompleted),
		Progress:  task.Float(100),
		Phase:     task.PhasePtr(task.PhaseFinalizing),
		Operation: task.String("Export complete"),
		Result:    res,
	})
	if err != nil {
		log.Infof("Export finished after the job was closed: %v", err)
		e.removeFile(res.OutputPath)
		e.hub.CloseJob(id)
		return
	}
	log.WithFields(logrus.Fields{"output": res.OutputPath, "size": datasize.ByteSize(res.Size).HumanReadable()}).Info("Export completed")

	e.hub.Publish(progress.Event{
		Kind:      progress.KindComplete,
		JobID:     id,
		Percent:   j.Progress,
		Phase:     string(j.Phase),
		Operation: j.Operation,
		OutputURL: res.OutputURL,
	})

	ttl := e.cfg.OutputLocalLifetime
	if ttl <= 0 {
		ttl = task.DefaultTTL
	}
	time.AfterFunc(ttl, func() {
		e.removeFile(res.OutputPath)
		if e.store.Remove(id) {
			log.Info("Expired export removed")
		}
	})
}
