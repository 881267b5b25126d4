// Package engine walks an execution tree: every node runs its command,
// matches the streamed output and cascades into its submodules, all
// concurrently, until the whole tree has finished.
package engine

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ormasoftchile/cascade/pkg/pool"
	"github.com/ormasoftchile/cascade/pkg/provision"
	"github.com/ormasoftchile/cascade/pkg/schema"
	"github.com/ormasoftchile/cascade/pkg/scope"
	"github.com/ormasoftchile/cascade/pkg/trace"
)

// ErrAlreadyStarted is returned by Start on an engine that already runs a tree.
var ErrAlreadyStarted = errors.New("engine already started")

// Run status values.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Options configures a tree run.
type Options struct {
	// Logger is the root logger; each node logs through Logger.Named(name).
	Logger *zap.Logger
	// Workers caps concurrently running commands. Zero means unbounded.
	Workers int
	// CommandTimeout bounds each command run. A node's own timeout wins.
	CommandTimeout time.Duration
	// Vars seed the root scope; the root node's vars override them.
	Vars map[string]string
	// Provisioner materializes node files. Nil uses the system temp dir.
	Provisioner *provision.Provisioner
	// Trace, when set, receives the run's JSONL events.
	Trace *trace.Writer
	// Stderr receives the commands' standard error. Nil discards it.
	Stderr io.Writer
}

// Stats counts node outcomes over a run.
type Stats struct {
	Started   int64 `json:"started"`
	Skipped   int64 `json:"skipped"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Matches   int64 `json:"matches"`
}

// RunResult is the outcome of executing a tree.
type RunResult struct {
	Status   string // "completed", "failed"
	Duration time.Duration
	// Error combines every NodeError of the run.
	Error error
	Stats Stats
}

// Engine executes one tree. Start it once, then Wait.
type Engine struct {
	opts Options
	log  *zap.Logger
	prov *provision.Provisioner
	pool *pool.Pool

	ctx       context.Context
	cancel    context.CancelFunc
	logDir    string
	startTime time.Time
	started   atomic.Bool

	nStarted   atomic.Int64
	nSkipped   atomic.Int64
	nCompleted atomic.Int64
	nFailed    atomic.Int64
	nMatches   atomic.Int64

	waitOnce sync.Once
	result   *RunResult
}

// New creates an engine.
func New(opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	prov := opts.Provisioner
	if prov == nil {
		prov = provision.New("", nil)
	}
	return &Engine{
		opts: opts,
		log:  log,
		prov: prov,
		pool: pool.New(opts.Workers),
	}
}

// Start launches root and returns immediately. Command output lines are
// copied to per-node log files under logDir when logDir is non-empty and the
// node declares a logfile.
func (e *Engine) Start(ctx context.Context, root *schema.Node, logDir string) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.logDir = logDir
	e.startTime = time.Now()

	if err := e.opts.Trace.EmitRunStart(root.Name, e.opts.Vars); err != nil {
		e.log.Warn("failed to write trace", zap.Error(err))
	}

	seed := scope.FromStrings(e.opts.Vars)
	e.spawn(root, seed, nil)
	return nil
}

// Wait blocks until every node of the tree, including nodes spawned while
// waiting, has finished. Repeated calls return the same result.
func (e *Engine) Wait() *RunResult {
	e.waitOnce.Do(func() {
		if !e.started.Load() {
			e.result = &RunResult{Status: StatusCompleted}
			return
		}
		err := e.pool.Wait()
		e.cancel()

		r := &RunResult{
			Status:   StatusCompleted,
			Duration: time.Since(e.startTime),
			Error:    err,
			Stats:    e.Stats(),
		}
		if err != nil {
			r.Status = StatusFailed
		}
		stats := map[string]int64{
			"started":   r.Stats.Started,
			"skipped":   r.Stats.Skipped,
			"completed": r.Stats.Completed,
			"failed":    r.Stats.Failed,
			"matches":   r.Stats.Matches,
		}
		if err := e.opts.Trace.EmitRunComplete(r.Status, stats, r.Duration); err != nil {
			e.log.Warn("failed to write trace", zap.Error(err))
		}
		e.log.Debug("run finished",
			zap.String("status", r.Status),
			zap.Duration("duration", r.Duration),
			zap.Int("errors", len(multierr.Errors(err))))
		e.result = r
	})
	return e.result
}

// Run starts root and waits for the whole tree.
func (e *Engine) Run(ctx context.Context, root *schema.Node, logDir string) *RunResult {
	if err := e.Start(ctx, root, logDir); err != nil {
		return &RunResult{Status: StatusFailed, Error: err}
	}
	return e.Wait()
}

// Cancel aborts the run. Running commands are killed and nodes that have not
// spawned yet fail with context.Canceled.
func (e *Engine) Cancel() {
	if e.cancel != nil {
		e.cancel()
	}
}

// Stats returns a snapshot of the node counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Started:   e.nStarted.Load(),
		Skipped:   e.nSkipped.Load(),
		Completed: e.nCompleted.Load(),
		Failed:    e.nFailed.Load(),
		Matches:   e.nMatches.Load(),
	}
}

// spawn registers a new instance of node with its own scope built from
// parent and runs it on the pool without waiting.
func (e *Engine) spawn(node *schema.Node, parentScope scope.Scope, parent *instance) {
	inst := &instance{
		e:      e,
		node:   node,
		scope:  scope.New(parentScope, node.Vars),
		parent: parent,
	}
	inst.pending.Store(1)
	if parent != nil {
		parent.pending.Add(1)
	}
	e.pool.Go(func() error {
		defer inst.done()
		return inst.run()
	})
}
