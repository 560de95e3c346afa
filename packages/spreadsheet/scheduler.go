package spreadsheet

import (
	"context"
	"log/slog"
	"math"
	"slices"
	"time"
)

// maxPasses bounds how often one tick re-runs cells dirtied by spills
// that changed shape. leftovers carry over to the next tick.
const maxPasses = 8

type cellState uint8

const (
	stateIdle cellState = iota // not scheduled in this pass
	statePending
	stateInProgress
	stateDone
)

// RecalcStats describes the last recalc tick.
type RecalcStats struct {
	Generation uint64
	Evaluated  int
	Iterations int
	Cancelled  bool
	Parallel   bool
	Duration   time.Duration
}

// calcRun is the state of one recalc tick. every mutation it makes to
// cells or spills is journaled so a cancelled tick can be undone.
type calcRun struct {
	engine     *Spreadsheet
	ctx        context.Context
	generation uint64

	state   map[CellAddress]cellState
	deps    map[CellAddress][]Precedent
	redirty map[CellAddress]struct{}
	cycles  map[CellAddress]struct{}
	pending map[CellAddress]struct{} // cells left at #GETTING_DATA

	journal []func()
	saved   map[CellAddress]struct{}
	spills  map[CellAddress]struct{}

	evaluated  int
	iterations int
	err        error
}

func newCalcRun(engine *Spreadsheet, ctx context.Context, generation uint64) *calcRun {
	return &calcRun{
		engine:     engine,
		ctx:        ctx,
		generation: generation,
		state:      make(map[CellAddress]cellState),
		deps:       make(map[CellAddress][]Precedent),
		redirty:    make(map[CellAddress]struct{}),
		cycles:     make(map[CellAddress]struct{}),
		pending:    make(map[CellAddress]struct{}),
		saved:      make(map[CellAddress]struct{}),
		spills:     make(map[CellAddress]struct{}),
	}
}

func (run *calcRun) stateOf(key CellAddress) cellState {
	return run.state[key]
}

func (run *calcRun) noteCycle(key CellAddress) {
	run.cycles[key] = struct{}{}
}

// dirty asks for key to be evaluated again. cells still waiting in this
// pass need nothing more.
func (run *calcRun) dirty(key CellAddress) {
	switch run.state[key] {
	case statePending, stateInProgress:
		return
	}
	run.redirty[key] = struct{}{}
}

// saveCell journals a cell before its first write in this tick.
func (run *calcRun) saveCell(ws *Worksheet, key CellAddress) {
	if _, done := run.saved[key]; done {
		return
	}
	run.saved[key] = struct{}{}
	snap := ws.snapshot(key.Row, key.Column)
	run.journal = append(run.journal, func() { ws.restore(key.Row, key.Column, snap) })
}

// saveSpill journals the spill and guard rectangles of an origin.
func (run *calcRun) saveSpill(key CellAddress) {
	if _, done := run.spills[key]; done {
		return
	}
	run.spills[key] = struct{}{}
	graph := run.engine.storage.dependencyGraph
	spill, hadSpill := graph.spills[key]
	guard, hadGuard := graph.guards[key]
	run.journal = append(run.journal, func() {
		graph.ClearSpill(key)
		graph.ClearGuard(key)
		if hadSpill {
			graph.SetSpill(key, spill)
		}
		if hadGuard {
			graph.SetGuard(key, guard)
		}
	})
}

func (run *calcRun) rollback() {
	for i := len(run.journal) - 1; i >= 0; i-- {
		run.journal[i]()
	}
	run.journal = nil
}

// schedule marks every formula cell of a pass as pending.
func (run *calcRun) schedule(strata [][]CellAddress, cyclic []CellAddress) {
	for _, level := range strata {
		for _, key := range level {
			run.state[key] = statePending
		}
	}
	for _, key := range cyclic {
		run.state[key] = statePending
	}
}

// evaluate computes one pending cell on the calling goroutine. cells it
// reads that are still pending are evaluated first through pull.
func (run *calcRun) evaluate(key CellAddress) {
	if run.state[key] != statePending || run.err != nil {
		return
	}
	if err := run.ctx.Err(); err != nil {
		run.err = err
		return
	}
	run.state[key] = stateInProgress
	value, deps := run.engine.evalCell(run, key, false)
	run.commit(key, value, deps)
}

// commit stores one evaluated cell and buffers its recorded reads.
func (run *calcRun) commit(key CellAddress, value Primitive, deps []Precedent) {
	run.evaluated++
	run.deps[key] = deps
	if isErrorCode(value, ErrorCodeGettingData) {
		run.pending[key] = struct{}{}
	} else {
		delete(run.pending, key)
	}
	run.commitResult(key, value)
	run.state[key] = stateDone
}

// evalCell evaluates the formula at key without storing the result. a
// panic inside a function becomes #CALC! in this cell only.
func (s *Spreadsheet) evalCell(run *calcRun, key CellAddress, worker bool) (result Primitive, deps []Precedent) {
	f, ok := s.storage.formulas.CompiledAt(key)
	if !ok {
		return nil, nil
	}
	ctx := &EvalContext{
		engine: s,
		run:    run,
		Sheet:  key.WorksheetID,
		Cell:   key.Addr(),
		locals: make([]Primitive, f.NSlots),
		deps:   newDepRecorder(),
		worker: worker,
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("formula evaluation panicked",
				slog.String("cell", s.cellName(key)), slog.Any("panic", r))
			result = Err(ErrorCodeCalc)
		}
		deps = ctx.deps.list
	}()
	var v Primitive
	if s.config.BytecodeEnabled && f.Program != nil {
		v = Run(ctx, f.Program)
	} else {
		v = f.Expr.Eval(ctx)
	}
	return finishResult(ctx, v), nil
}

// circular merges the cells the graph could not order with the cells a
// pull found in progress, which covers cycles through dynamic reads.
func (run *calcRun) circular(cyclic []CellAddress) []CellAddress {
	if len(run.cycles) == 0 {
		return cyclic
	}
	seen := make(map[CellAddress]struct{}, len(cyclic)+len(run.cycles))
	out := slices.Clone(cyclic)
	for _, key := range cyclic {
		seen[key] = struct{}{}
	}
	for key := range run.cycles {
		if _, dup := seen[key]; !dup {
			out = append(out, key)
		}
	}
	clear(run.cycles)
	slices.SortFunc(out, compareCellAddress)
	return out
}

// numberOf reads a cell's visible value as a number for convergence
// checks; non-numbers compare by equality only.
func numberOf(v Primitive) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case bool:
		return boolNumber(x), true
	case nil:
		return 0, true
	}
	return 0, false
}

// iterate re-evaluates the cells of circular references until the
// largest change drops below the tolerance. it reports convergence.
func (run *calcRun) iterate(members []CellAddress) bool {
	cfg := run.engine.config.IterativeCalc
	values := func() []Primitive {
		out := make([]Primitive, len(members))
		for i, key := range members {
			out[i] = run.engine.visibleValue(key)
		}
		return out
	}
	for i := 1; i < cfg.MaxIterations; i++ {
		before := values()
		for _, key := range members {
			run.state[key] = statePending
		}
		for _, key := range members {
			run.evaluate(key)
		}
		if run.err != nil {
			return false
		}
		run.iterations++
		after := values()
		delta := 0.0
		for j := range members {
			a, okA := numberOf(before[j])
			b, okB := numberOf(after[j])
			switch {
			case okA && okB:
				delta = math.Max(delta, math.Abs(b-a))
			case !ValuesEqual(before[j], after[j]):
				delta = math.Inf(1)
			}
		}
		if delta < cfg.ConvergenceTolerance {
			return true
		}
	}
	return false
}

// recalculate runs one tick. the tick either commits as a whole or, when
// ctx is cancelled, is rolled back and the previous values stay visible.
func (s *Spreadsheet) recalculate(ctx context.Context, allowParallel bool) error {
	start := time.Now()
	graph := s.storage.dependencyGraph
	previous := graph.ReplaceDirty(nil)

	frontier := make([]CellAddress, 0, len(previous))
	for key := range previous {
		frontier = append(frontier, key)
	}
	frontier = append(frontier, graph.GetVolatileCells()...)

	run := newCalcRun(s, ctx, s.generation+1)
	stats := RecalcStats{Generation: run.generation}
	for pass := 0; len(frontier) > 0 && pass < maxPasses; pass++ {
		closure := graph.Closure(frontier)
		strata, cyclic := graph.Strata(closure)
		run.schedule(strata, cyclic)
		if allowParallel && s.parallelEligible(strata, cyclic) {
			stats.Parallel = true
			s.evaluateStrata(run, strata)
		} else {
			for _, level := range strata {
				for _, key := range level {
					run.evaluate(key)
				}
			}
			for _, key := range cyclic {
				run.evaluate(key)
			}
		}
		if members := run.circular(cyclic); run.err == nil && len(members) > 0 && s.config.IterativeCalc.Enabled {
			run.iterations++
			if !run.iterate(members) && run.err == nil {
				s.logger.Warn("iterative calculation did not converge",
					slog.Int("cells", len(members)),
					slog.Int("max_iterations", s.config.IterativeCalc.MaxIterations))
			}
		}
		if run.err != nil {
			break
		}
		frontier = frontier[:0]
		for key := range run.redirty {
			frontier = append(frontier, key)
		}
		clear(run.redirty)
	}

	if run.err != nil {
		run.rollback()
		graph.ReplaceDirty(previous)
		s.stats = RecalcStats{Generation: s.generation, Cancelled: true, Parallel: stats.Parallel, Duration: time.Since(start)}
		s.logger.Warn("recalc cancelled",
			slog.Uint64("generation", run.generation),
			slog.Int("evaluated", run.evaluated),
			slog.Any("cause", run.err))
		return &AppError{Code: Cancelled, Message: "recalculation cancelled", Cause: run.err}
	}

	for key, deps := range run.deps {
		graph.SetDynamicPrecedents(key, deps)
	}
	next := make(map[CellAddress]struct{}, len(frontier)+len(run.pending))
	for _, key := range frontier {
		next[key] = struct{}{}
	}
	for key := range run.pending {
		next[key] = struct{}{}
	}
	graph.ReplaceDirty(next)

	s.generation = run.generation
	stats.Evaluated = run.evaluated
	stats.Iterations = run.iterations
	stats.Duration = time.Since(start)
	s.stats = stats
	s.logger.Debug("recalc",
		slog.Uint64("generation", stats.Generation),
		slog.Int("evaluated", stats.Evaluated),
		slog.Int("dirty", len(previous)),
		slog.Duration("duration", stats.Duration))
	return nil
}
