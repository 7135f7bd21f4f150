package workqueue

import "sync"

// ConcurrencyStrategy controls how tasks are allowed to start concurrently.
// The strategy tracks running tasks and decides whether a new task can
// start given the current state.
type ConcurrencyStrategy interface {
	// CanStartSolver returns true if a solver task can start.
	CanStartSolver() bool
	// CanStartData returns true if a data task can start.
	CanStartData() bool
	OnStartSolver()
	OnStartData()
	OnCompleteSolver()
	OnCompleteData()
}

// NewStrategy maps a configured strategy name to a strategy. Unknown names
// fall back to the serialized strategy.
func NewStrategy(name string, maxSolvers int) ConcurrencyStrategy {
	switch name {
	case "parallel":
		return NewParallelStrategy()
	case "throttled":
		return NewThrottledSolverStrategy(maxSolvers)
	}
	return NewSerializedStrategy()
}

// ============================================================================
// SerializedStrategy - one solver at a time, data tasks unrestricted
// ============================================================================

// SerializedStrategy runs one solver task at a time. Data tasks (chain
// evaluation, exchange) run alongside it without limit.
type SerializedStrategy struct {
	mu            sync.Mutex
	solverRunning bool
}

// NewSerializedStrategy creates a strategy that serializes solver tasks.
func NewSerializedStrategy() *SerializedStrategy {
	return &SerializedStrategy{}
}

func (s *SerializedStrategy) CanStartSolver() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.solverRunning
}

func (s *SerializedStrategy) CanStartData() bool { return true }

func (s *SerializedStrategy) OnStartSolver() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.solverRunning = true
}

func (s *SerializedStrategy) OnStartData() {}

func (s *SerializedStrategy) OnCompleteSolver() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.solverRunning = false
}

func (s *SerializedStrategy) OnCompleteData() {}

// ============================================================================
// ThrottledSolverStrategy - up to N solver tasks
// ============================================================================

// ThrottledSolverStrategy allows up to maxConcurrent solver tasks in
// parallel. Every solver holds its model in memory, so the limit bounds
// peak memory.
type ThrottledSolverStrategy struct {
	mu            sync.Mutex
	maxConcurrent int
	solvers       int
}

// NewThrottledSolverStrategy creates a strategy admitting up to
// maxConcurrent solver tasks.
func NewThrottledSolverStrategy(maxConcurrent int) *ThrottledSolverStrategy {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &ThrottledSolverStrategy{maxConcurrent: maxConcurrent}
}

func (s *ThrottledSolverStrategy) CanStartSolver() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.solvers < s.maxConcurrent
}

func (s *ThrottledSolverStrategy) CanStartData() bool { return true }

func (s *ThrottledSolverStrategy) OnStartSolver() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.solvers++
}

func (s *ThrottledSolverStrategy) OnStartData() {}

func (s *ThrottledSolverStrategy) OnCompleteSolver() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.solvers > 0 {
		s.solvers--
	}
}

func (s *ThrottledSolverStrategy) OnCompleteData() {}

// ============================================================================
// ParallelStrategy - no limits
// ============================================================================

// ParallelStrategy starts every task immediately.
type ParallelStrategy struct{}

// NewParallelStrategy creates an unrestricted strategy.
func NewParallelStrategy() *ParallelStrategy {
	return &ParallelStrategy{}
}

func (ParallelStrategy) CanStartSolver() bool { return true }
func (ParallelStrategy) CanStartData() bool   { return true }
func (ParallelStrategy) OnStartSolver()       {}
func (ParallelStrategy) OnStartData()         {}
func (ParallelStrategy) OnCompleteSolver()    {}
func (ParallelStrategy) OnCompleteData()      {}
