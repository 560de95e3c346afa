package spreadsheet

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// minParallelStratum is the smallest level worth fanning out.
const minParallelStratum = 4

type cellResult struct {
	value Primitive
	deps  []Precedent
}

// parallelEligible reports whether a pass can run on the worker pool:
// parallel recalc is enabled, nothing is circular and every formula is
// thread safe, non-volatile and free of defined names.
func (s *Spreadsheet) parallelEligible(strata [][]CellAddress, cyclic []CellAddress) bool {
	if !s.config.Parallel.Enabled || len(cyclic) > 0 {
		return false
	}
	graph := s.storage.dependencyGraph
	for _, level := range strata {
		for _, key := range level {
			f, ok := s.storage.formulas.CompiledAt(key)
			if !ok || !f.ThreadSafe || f.Volatile || f.UsesNames || graph.IsVolatile(key) {
				return false
			}
		}
	}
	return true
}

func (s *Spreadsheet) workers() int {
	if n := s.config.Parallel.Workers; n > 0 {
		return n
	}
	return runtime.GOMAXPROCS(0)
}

// evaluateStrata evaluates each level on a bounded worker pool. workers
// only read; results are committed on the calling goroutine in address
// order once the whole level is done, so stored values do not depend on
// worker interleaving.
func (s *Spreadsheet) evaluateStrata(run *calcRun, strata [][]CellAddress) {
	for _, level := range strata {
		if err := run.ctx.Err(); err != nil {
			run.err = err
			return
		}
		if len(level) < minParallelStratum {
			for _, key := range level {
				run.evaluate(key)
			}
			if run.err != nil {
				return
			}
			continue
		}

		results := make([]cellResult, len(level))
		g, gctx := errgroup.WithContext(run.ctx)
		g.SetLimit(s.workers())
		for i, key := range level {
			run.state[key] = stateInProgress
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				value, deps := s.evalCell(run, key, true)
				results[i] = cellResult{value: value, deps: deps}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			run.err = err
			return
		}
		// a spill committed below may cover cells read by its neighbours;
		// done cells are re-queued by dirty, in-progress ones are not
		for _, key := range level {
			run.state[key] = stateDone
		}
		for i, key := range level {
			run.commit(key, results[i].value, results[i].deps)
		}
	}
}
