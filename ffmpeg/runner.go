package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"ffedit/apperr"
	"ffedit/config"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const maxStderrBytes = 8 * 1024 // tail of stderr kept for error messages

// Session is one running transcode. Ticks is closed when the process stops
// writing progress; Wait then returns the terminal result.
type Session interface {
	Ticks() <-chan Tick
	Wait() error
}

type Runner struct {
	cfg       *config.Config
	outputDir string
	extraArgs []string
	log       logrus.FieldLogger
}

func NewRunner(cfg *config.Config, log logrus.FieldLogger) (*Runner, error) {
	if _, err := exec.LookPath(cfg.FFBin); err != nil {
		return nil, fmt.Errorf("ffmpeg binary not found or not in PATH: %s", cfg.FFBin)
	}

	extra, err := ParseExtraArgs(cfg.FFExtraArgs)
	if err != nil {
		return nil, fmt.Errorf("invalid FF_EXTRA_ARGS: %w", err)
	}

	if cfg.OutputDir == "" {
		dir, err := os.MkdirTemp("", "ffedit_")
		if err != nil {
			return nil, fmt.Errorf("could not create temp directory: %w", err)
		}
		cfg.OutputDir = dir
	} else if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create output directory: %w", err)
	}
	log = log.WithField("component", "ffmpeg")
	log.WithField("output_dir", cfg.OutputDir).Info("Using output directory")

	return &Runner{cfg: cfg, outputDir: cfg.OutputDir, extraArgs: extra, log: log}, nil
}

func (r *Runner) OutputDir() string { return r.outputDir }

// Transcode starts ffmpeg for req. Failure to start is reported through the
// returned session so callers have a single error path.
func (r *Runner) Transcode(ctx context.Context, req Request) Session {
	if err := r.checkResources(); err != nil {
		return failed(fmt.Errorf("insufficient system resources: %w", err))
	}

	args := BuildArgs(req, r.extraArgs)
	cmd := exec.CommandContext(ctx, r.cfg.FFBin, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return failed(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return failed(err)
	}

	r.log.WithField("job_id", req.JobID).Debugf("Executing: %s %s", cmd.Path, strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		return failed(&apperr.ExternalProcessError{Err: err})
	}

	s := &process{ticks: make(chan Tick), done: make(chan struct{})}
	go s.run(ctx, cmd, stdout, stderr, req.Plan.OutputDuration)
	return s
}

type process struct {
	ticks chan Tick
	done  chan struct{}
	err   error
}

func (p *process) Ticks() <-chan Tick { return p.ticks }

func (p *process) Wait() error {
	<-p.done
	return p.err
}

func (p *process) run(ctx context.Context, cmd *exec.Cmd, stdout, stderr io.Reader, total float64) {
	defer close(p.done)

	tail := &limitedWriter{w: &bytes.Buffer{}, limit: maxStderrBytes}
	var g errgroup.Group
	g.Go(func() error {
		defer close(p.ticks)
		return ParseProgress(stdout, total, func(t Tick) {
			select {
			case p.ticks <- t:
			case <-ctx.Done():
			}
		})
	})
	g.Go(func() error {
		_, err := io.Copy(tail, stderr)
		return err
	})
	pumpErr := g.Wait()

	if err := cmd.Wait(); err != nil {
		p.err = &apperr.ExternalProcessError{Err: err, Output: tail.String()}
		return
	}
	if pumpErr != nil {
		p.err = &apperr.ExternalProcessError{Err: pumpErr, Output: tail.String()}
	}
}

type failedSession struct {
	ticks chan Tick
	err   error
}

func failed(err error) Session {
	ch := make(chan Tick)
	close(ch)
	return &failedSession{ticks: ch, err: err}
}

func (f *failedSession) Ticks() <-chan Tick { return f.ticks }
func (f *failedSession) Wait() error        { return f.err }

// checkResources verifies that the system has enough free resources to start
// a new encode. A zero threshold disables that check.
func (r *Runner) checkResources() error {
	if r.cfg.ThrottleCPU > 0 {
		p, err := cpu.Percent(0, false)
		if err != nil {
			r.log.Warnf("could not get CPU usage: %v", err)
		} else if len(p) > 0 && p[0] > (100.0-r.cfg.ThrottleCPU) {
			return fmt.Errorf("not enough idle CPU. Current usage: %.2f%%, Idle threshold: %.2f%%", p[0], r.cfg.ThrottleCPU)
		}
	}

	if r.cfg.ThrottleFreeMem > 0 {
		vm, err := mem.VirtualMemory()
		if err != nil {
			r.log.Warnf("could not get memory usage: %v", err)
		} else if vm.Available < uint64(r.cfg.ThrottleFreeMem) {
			return fmt.Errorf("not enough free memory. Available: %d, Required: %d", vm.Available, r.cfg.ThrottleFreeMem)
		}
	}

	if r.cfg.ThrottleFreeDisk > 0 {
		d, err := disk.Usage(r.outputDir)
		if err != nil {
			r.log.Warnf("could not get disk usage for %s: %v", r.outputDir, err)
		} else if d.Free < uint64(r.cfg.ThrottleFreeDisk) {
			return fmt.Errorf("not enough free disk space. Available: %d, Required: %d", d.Free, r.cfg.ThrottleFreeDisk)
		}
	}
	return nil
}

// limitedWriter keeps only the last limit bytes written to it.
type limitedWriter struct {
	mu    sync.Mutex
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		b := lw.w.Bytes()
		tail := append([]byte(nil), b[len(b)-lw.limit:]...)
		lw.w.Reset()
		lw.w.Write(tail)
	}
	return n, nil
}

func (lw *limitedWriter) String() string {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.String()
}
