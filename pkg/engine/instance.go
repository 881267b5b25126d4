package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ormasoftchile/cascade/pkg/gate"
	"github.com/ormasoftchile/cascade/pkg/match"
	"github.com/ormasoftchile/cascade/pkg/provision"
	"github.com/ormasoftchile/cascade/pkg/runner"
	"github.com/ormasoftchile/cascade/pkg/schema"
	"github.com/ormasoftchile/cascade/pkg/scope"
)

// instance is one execution of a node definition. It owns its scope; the
// definition is shared and never written.
type instance struct {
	e      *Engine
	node   *schema.Node
	scope  scope.Scope
	parent *instance

	name  string
	log   *zap.Logger
	files *provision.Set

	// pending counts this instance's own run plus every child instance
	// whose subtree has not finished yet.
	pending atomic.Int64
}

// done is called once when the instance's run returns and once per finished
// child subtree. The last call releases the instance's files and reports
// upward.
func (i *instance) done() {
	if i.pending.Add(-1) != 0 {
		return
	}
	if err := i.files.Release(); err != nil {
		i.log.Warn("failed to remove provisioned files", zap.Error(err))
	}
	if i.parent != nil {
		i.parent.done()
	}
}

func (i *instance) run() error {
	e := i.e
	i.name = i.node.Name
	i.log = e.log.Named(i.name)
	e.nStarted.Add(1)

	name, err := scope.Resolve(i.node.Name, i.scope)
	if err != nil {
		return i.fail(PhaseResolve, fmt.Errorf("name: %w", err))
	}
	if name != i.name {
		i.name = name
		i.log = e.log.Named(name)
	}

	if err := e.ctx.Err(); err != nil {
		return i.fail(PhaseGate, err)
	}
	skip, err := gate.ShouldSkip(i.node, i.scope, i.log)
	if err != nil {
		return i.fail(PhaseGate, err)
	}
	if skip {
		e.nSkipped.Add(1)
		reason := "condition"
		if !i.node.IsEnabled() {
			reason = "disabled"
		}
		i.trace(e.opts.Trace.EmitNodeSkipped(i.name, reason))
		return nil
	}

	files, err := e.prov.Provision(e.ctx, i.node.Files, i.scope, i.log)
	if err != nil {
		return i.fail(PhaseProvision, err)
	}
	i.files = files

	command, err := scope.Resolve(i.node.Cmd, i.scope)
	if err != nil {
		return i.fail(PhaseResolve, fmt.Errorf("cmd: %w", err))
	}
	patterns, err := match.Compile(i.node.Patterns, i.scope)
	if err != nil {
		return i.fail(PhaseCompile, err)
	}
	var logFile string
	if e.logDir != "" && i.node.LogFile != "" {
		name, err := scope.Resolve(i.node.LogFile, i.scope)
		if err != nil {
			return i.fail(PhaseResolve, fmt.Errorf("logfile: %w", err))
		}
		logFile = filepath.Join(e.logDir, name)
	}
	timeout, err := i.node.CommandTimeout()
	if err != nil {
		return i.fail(PhaseResolve, err)
	}
	if timeout == 0 {
		timeout = e.opts.CommandTimeout
	}

	i.log.Debug("resolved node", zap.Any("vars", map[string]string(i.scope)), zap.String("cmd", command))
	i.trace(e.opts.Trace.EmitNodeStart(i.name, command))

	if err := e.pool.Acquire(e.ctx); err != nil {
		return i.fail(PhaseSpawn, err)
	}
	// The timeout bounds the command itself, not the wait for a slot.
	ctx := e.ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	stream, err := runner.Start(ctx, command, runner.Options{LogFile: logFile, Stderr: e.opts.Stderr}, i.log)
	if err != nil {
		e.pool.Release()
		return i.fail(PhaseSpawn, err)
	}

	matches, streamErr := i.consume(stream, patterns)
	if closeErr := stream.Close(); closeErr != nil {
		streamErr = multierr.Append(streamErr, closeErr)
	}
	e.pool.Release()

	i.trigger(schema.GroupAlways)

	if streamErr != nil {
		return i.fail(PhaseStream, streamErr)
	}
	e.nCompleted.Add(1)
	i.trace(e.opts.Trace.EmitNodeComplete(i.name, stream.ExitCode(), stream.Lines(), matches, time.Since(start)))
	return nil
}

// consume reads every output line in order and applies every pattern to it.
// It stops at the first error; lines after it are not consumed.
func (i *instance) consume(stream *runner.Stream, patterns []*match.Pattern) (int, error) {
	matches := 0
	for stream.Next() {
		line := stream.Line()
		for _, p := range patterns {
			m, err := p.Apply(line, i.scope)
			if err != nil {
				return matches, err
			}
			if m == nil {
				continue
			}
			matches++
			i.e.nMatches.Add(1)
			if m.Message != "" {
				i.log.Info(m.Message)
			}
			i.trace(i.e.opts.Trace.EmitNodeMatch(i.name, m.Pattern.Index, m.Captures))
			i.trigger(schema.GroupOnMatch)
		}
	}
	return matches, stream.Err()
}

// trigger starts one child instance per definition in group, each with a
// snapshot of the current scope.
func (i *instance) trigger(g schema.Group) {
	children := i.node.Children(g)
	for c := range children {
		i.e.spawn(&children[c], i.scope, i)
	}
}

func (i *instance) fail(phase Phase, err error) error {
	i.e.nFailed.Add(1)
	nerr := &NodeError{Node: i.name, Phase: phase, Err: err}
	i.log.Error("node failed", zap.String("phase", string(phase)), zap.Error(err))
	i.trace(i.e.opts.Trace.EmitNodeFailed(i.name, string(phase), err))
	return nerr
}

func (i *instance) trace(err error) {
	if err != nil {
		i.log.Warn("failed to write trace", zap.Error(err))
	}
}
