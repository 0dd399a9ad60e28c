package sync

import (
	"context"
	"io"

	"github.com/ethereum/go-ethereum/log"

	"github.com/chouwzi/peerhost/internal/wire"
)

// Progress tracks a ConvergenceStage's state across repeated Step calls:
// whether the local tree currently matches the last manifest it was
// compared against.
type Progress struct {
	Converged  bool
	FilesMoved int
}

// ConvergenceStage drives repeated sync_down attempts toward convergence
// (spec.md §4.6 PRE_HOST_SYNC: "retry with backoff" until "local set ⊇
// server set, hash-equal"). One Step is one diff-and-download attempt;
// Step returns io.EOF once the local tree matches, the same sentinel a
// single-pass pipeline stage uses to signal "nothing more to do here".
type ConvergenceStage struct {
	log       log.Logger
	engine    *Engine
	localRoot string
	progress  Progress
}

func NewConvergenceStage(log log.Logger, engine *Engine, localRoot string) *ConvergenceStage {
	return &ConvergenceStage{log: log, engine: engine, localRoot: localRoot}
}

func (c *ConvergenceStage) Progress() Progress { return c.progress }

// Step fetches nothing itself — the caller supplies the manifest it just
// fetched — diffs it against the local tree, and downloads anything
// outstanding. It returns io.EOF once the local tree already matches
// remote, or the download error (if any) so the caller can back off and
// retry the same remote snapshot.
func (c *ConvergenceStage) Step(ctx context.Context, remote []wire.ManifestEntry) error {
	plan, err := Diff(c.localRoot, remote, false)
	if err != nil {
		return err
	}
	if len(plan.ToDownload) == 0 {
		c.progress.Converged = true
		return io.EOF
	}
	c.progress.Converged = false
	if err := c.engine.Execute(ctx, plan, nil); err != nil {
		return err
	}
	c.progress.FilesMoved += len(plan.ToDownload)
	return nil
}
