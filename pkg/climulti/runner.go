package climulti

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sitewise/sitewise/pkg/archive"
	"github.com/sitewise/sitewise/pkg/db/archives"
	"github.com/sitewise/sitewise/pkg/utils"
)

// Request is one archiving unit submitted to a batch.
type Request struct {
	ID            string
	Key           archives.Key
	Trigger       archive.Trigger
	InvalidatedAt time.Time
}

// Result is the outcome of exactly one request. Err carries failures,
// timeouts and recovered panics; Abnormal flags an output large enough to
// indicate a runaway computation, in which case Payload is dropped.
type Result struct {
	RequestID  string
	Key        archives.Key
	Payload    []byte
	OutputSize int64
	Abnormal   bool
	Duration   time.Duration
	Err        error
}

// Launcher executes a single request and returns its serialized output.
// The default launcher runs the archive processor in-process; a subprocess
// implementation can be substituted without touching the runner.
type Launcher interface {
	Launch(ctx context.Context, req Request) ([]byte, error)
}

// ProcessorLauncher runs requests against the archive processor directly.
type ProcessorLauncher struct {
	Processor *archive.Processor
}

// Launch processes the request and returns the resulting archive as JSON.
// A nil archive (skipped or contended) serializes to an empty payload.
func (l *ProcessorLauncher) Launch(ctx context.Context, req Request) ([]byte, error) {
	a, err := l.Processor.Process(ctx, archive.Request{
		Key:           req.Key,
		Trigger:       req.Trigger,
		InvalidatedAt: req.InvalidatedAt,
	})
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, nil
	}
	return json.Marshal(a)
}

// Config tunes a runner. Zero values fall back to defaults.
type Config struct {
	// Concurrency caps how many requests run at once.
	Concurrency int
	// RequestTimeout bounds a single request. It is independent of the
	// archive lock TTL, which governs crash reclaim instead.
	RequestTimeout time.Duration
	// AbnormalThreshold is the output size, in bytes, above which a result
	// is flagged abnormal.
	AbnormalThreshold int64
}

// ConfigFromEnv reads runner settings from the environment.
func ConfigFromEnv() Config {
	return Config{
		Concurrency:       utils.EnvInt("CLIMULTI_CONCURRENCY", 0),
		RequestTimeout:    utils.EnvDuration("CLIMULTI_REQUEST_TIMEOUT", 30*time.Minute),
		AbnormalThreshold: utils.EnvInt64("CLIMULTI_ABNORMAL_THRESHOLD", DefaultAbnormalThreshold),
	}
}

// SupportsAsync reports whether this configuration runs requests
// concurrently rather than one at a time.
func (c Config) SupportsAsync() bool {
	c.defaults()
	return c.Concurrency > 1
}

func (c *Config) defaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = runtime.NumCPU()
		if c.Concurrency < 2 {
			c.Concurrency = 2
		}
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Minute
	}
	if c.AbnormalThreshold <= 0 {
		c.AbnormalThreshold = DefaultAbnormalThreshold
	}
}

// Runner executes request batches on a bounded worker pool.
type Runner struct {
	launcher Launcher
	pool     pond.Pool
	config   Config
	logger   *zap.Logger
}

// NewRunner builds a runner around the launcher.
func NewRunner(launcher Launcher, config Config, logger *zap.Logger) *Runner {
	config.defaults()
	return &Runner{
		launcher: launcher,
		pool:     pond.NewPool(config.Concurrency, pond.WithQueueSize(config.Concurrency*4)),
		config:   config,
		logger:   logger,
	}
}

// Run executes every request and returns one result per request, in input
// order. A failing, panicking or timed-out request surfaces in its own
// result and never affects its siblings.
func (r *Runner) Run(ctx context.Context, reqs []Request) []Result {
	results := make([]Result, len(reqs))

	group := r.pool.NewGroupContext(ctx)
	for i := range reqs {
		i := i
		group.Submit(func() {
			results[i] = r.runOne(ctx, reqs[i])
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		r.logger.Warn("Archiving batch group reported error", zap.Error(err))
	}

	// Requests the group dropped on cancellation still owe a result.
	for i := range results {
		if results[i].RequestID == "" {
			results[i] = Result{RequestID: reqs[i].ID, Key: reqs[i].Key, Err: ctx.Err()}
			if results[i].Err == nil {
				results[i].Err = errors.New("request was not executed")
			}
		}
	}
	return results
}

// runOne executes a single request with its own timeout, panic barrier and
// file-backed output.
func (r *Runner) runOne(ctx context.Context, req Request) (res Result) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	res.RequestID = req.ID
	res.Key = req.Key
	started := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			res.Err = fmt.Errorf("request %s panicked: %v", req.ID, rec)
		}
		res.Duration = time.Since(started)
	}()

	tctx, cancel := context.WithTimeout(ctx, r.config.RequestTimeout)
	defer cancel()

	out, err := NewOutput()
	if err != nil {
		res.Err = err
		return res
	}
	defer func() {
		if err := out.Destroy(); err != nil {
			r.logger.Warn("Failed to remove output file", zap.String("request_id", req.ID), zap.Error(err))
		}
	}()

	payload, err := r.launcher.Launch(tctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			res.Err = fmt.Errorf("request %s timed out after %s", req.ID, r.config.RequestTimeout)
			return res
		}
		res.Err = err
		return res
	}

	if err := out.Write(payload); err != nil {
		res.Err = err
		return res
	}
	res.OutputSize, err = out.Size()
	if err != nil {
		res.Err = err
		return res
	}
	if res.Abnormal, err = out.IsAbnormal(r.config.AbnormalThreshold); err != nil {
		res.Err = err
		return res
	}
	if res.Abnormal {
		res.Err = fmt.Errorf("request %s produced abnormally large output (%d bytes)", req.ID, res.OutputSize)
		return res
	}

	res.Payload, res.Err = out.Read()
	return res
}

// Stop drains the pool and releases its workers.
func (r *Runner) Stop() {
	r.pool.StopAndWait()
}
