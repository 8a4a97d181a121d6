package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
)

// triggerDedupWindow suppresses repeated manual triggers of the same job.
const triggerDedupWindow = 10 * time.Minute

// ErrAlreadyQueued is returned by Client.Trigger when the same job is still
// pending from an earlier trigger.
var ErrAlreadyQueued = errors.New("jobs: already queued")

// Worker wraps the Asynq server and optional scheduler.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
	logger    *slog.Logger
}

// TaskHandler binds a task type to its handler.
type TaskHandler struct {
	Type    string
	Handler asynq.HandlerFunc
}

// CronRegistration wires a cron expression to a prepared task.
type CronRegistration struct {
	Spec    string
	Task    *asynq.Task
	Options []asynq.Option
}

// WorkerConfig collects dependencies required to bootstrap the worker.
type WorkerConfig struct {
	RedisOpts asynq.RedisClientOpt
	Logger    *slog.Logger
	Handlers  []TaskHandler
	Cron      []CronRegistration
	// Concurrency defaults to 2.
	Concurrency int
	// ShutdownTimeout defaults to 30s.
	ShutdownTimeout time.Duration
}

// NewWorker validates cfg and constructs a Worker. Every handler type must be
// unique and every cron entry must name a registered handler.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	mux := asynq.NewServeMux()
	registered := make(map[string]bool, len(cfg.Handlers))
	for _, h := range cfg.Handlers {
		if h.Type == "" || h.Handler == nil {
			return nil, fmt.Errorf("jobs: handler for %q is incomplete", h.Type)
		}
		if registered[h.Type] {
			return nil, fmt.Errorf("jobs: duplicate handler for %s", h.Type)
		}
		registered[h.Type] = true
		mux.HandleFunc(h.Type, h.Handler)
	}

	logger := cfg.Logger.With(slog.String("component", "asynq"))
	var scheduler *asynq.Scheduler
	if len(cfg.Cron) > 0 {
		scheduler = asynq.NewScheduler(cfg.RedisOpts, &asynq.SchedulerOpts{
			Location: time.UTC,
			Logger:   slogAdapter{logger},
		})
		for _, entry := range cfg.Cron {
			if entry.Spec == "" || entry.Task == nil {
				return nil, errors.New("jobs: cron entry needs a spec and a task")
			}
			if !registered[entry.Task.Type()] {
				return nil, fmt.Errorf("jobs: cron %q schedules %s which has no handler", entry.Spec, entry.Task.Type())
			}
			if _, err := scheduler.Register(entry.Spec, entry.Task, entry.Options...); err != nil {
				return nil, fmt.Errorf("jobs: register cron %q: %w", entry.Spec, err)
			}
		}
	}

	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency:     cfg.Concurrency,
		Queues:          map[string]int{QueueDefault: 1},
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          slogAdapter{logger},
		ErrorHandler:    taskErrorLogger(cfg.Logger),
	})
	return &Worker{server: srv, mux: mux, scheduler: scheduler, logger: cfg.Logger}, nil
}

// Run starts processing jobs until context cancellation.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return errors.New("worker: not configured")
	}
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			return err
		}
		defer w.scheduler.Shutdown()
	}
	if err := w.server.Start(w.mux); err != nil {
		return err
	}
	w.logger.Info("worker started")
	<-ctx.Done()
	w.server.Shutdown()
	w.logger.Info("worker stopped")
	return ctx.Err()
}

func taskErrorLogger(logger *slog.Logger) asynq.ErrorHandlerFunc {
	return func(ctx context.Context, task *asynq.Task, err error) {
		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, _ := asynq.GetMaxRetry(ctx)
		level := slog.LevelWarn
		if retried >= maxRetry || errors.Is(err, asynq.SkipRetry) {
			level = slog.LevelError
		}
		logger.Log(ctx, level, "job failed",
			slog.String("task", task.Type()),
			slog.Int("retried", retried),
			slog.Int("max_retry", maxRetry),
			slog.Any("error", err),
		)
	}
}

// slogAdapter satisfies asynq.Logger.
type slogAdapter struct{ l *slog.Logger }

func (a slogAdapter) Debug(args ...interface{}) { a.l.Debug(fmt.Sprint(args...)) }
func (a slogAdapter) Info(args ...interface{})  { a.l.Info(fmt.Sprint(args...)) }
func (a slogAdapter) Warn(args ...interface{})  { a.l.Warn(fmt.Sprint(args...)) }
func (a slogAdapter) Error(args ...interface{}) { a.l.Error(fmt.Sprint(args...)) }
func (a slogAdapter) Fatal(args ...interface{}) {
	a.l.Error(fmt.Sprint(args...))
	os.Exit(1)
}

// Client submits jobs to the queue.
type Client struct {
	client *asynq.Client
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) (*Client, error) {
	return &Client{client: asynq.NewClient(redisOpts)}, nil
}

// Trigger enqueues the default task for a job name. A second trigger of the
// same job within triggerDedupWindow fails with ErrAlreadyQueued.
func (c *Client) Trigger(ctx context.Context, name string) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs client: not configured")
	}
	task, err := NewTaskByName(name)
	if err != nil {
		return nil, err
	}
	info, err := c.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(3),
		asynq.Unique(triggerDedupWindow),
	)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyQueued, name)
	}
	return info, err
}

// Close releases client resources.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// QueueInspector is the part of asynq.Inspector the health endpoint reads.
type QueueInspector interface {
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

// Handler exposes HTTP endpoints for job observability.
type Handler struct {
	inspector QueueInspector
	logger    *slog.Logger
}

// NewHandler constructs an HTTP handler for jobs endpoints. A nil inspector
// reports an empty queue.
func NewHandler(inspector QueueInspector, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{inspector: inspector, logger: logger}
}

// MountRoutes attaches job routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/health", h.health)
}

type queueHealth struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
	Paused    bool   `json:"paused"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	out := queueHealth{Queue: QueueDefault}
	if h.inspector != nil {
		info, err := h.inspector.GetQueueInfo(QueueDefault)
		if err != nil {
			h.logger.Warn("jobs health", slog.Any("error", err))
			httpx.Problem(w, http.StatusServiceUnavailable, "Queue Unavailable", "job queue cannot be inspected")
			return
		}
		if info != nil {
			out = queueHealth{
				Queue:     info.Queue,
				Pending:   info.Pending,
				Active:    info.Active,
				Scheduled: info.Scheduled,
				Retry:     info.Retry,
				Archived:  info.Archived,
				Paused:    info.Paused,
			}
		}
	}
	httpx.JSON(w, http.StatusOK, out)
}
