package estimation

import (
	"context"
	"math"
	"sort"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"

	"github.com/chutsu/proto/logging"
	"github.com/chutsu/proto/utils"
)

// SolverConfig configures the Levenberg-Marquardt solver.
type SolverConfig struct {
	MaxIterations int     `json:"max_iterations"`
	LambdaInit    float64 `json:"lambda_init"`
	// CostTolerance ends the solve once an accepted step improves the cost by less than it.
	// Zero disables the check.
	CostTolerance float64 `json:"cost_tolerance,omitempty"`
}

// DefaultSolverConfig returns the default solver configuration.
func DefaultSolverConfig() SolverConfig {
	return SolverConfig{MaxIterations: 5, LambdaInit: 1e4}
}

// Validate ensures all parts of the config are valid.
func (cfg *SolverConfig) Validate(path string) error {
	var errs error
	if cfg.MaxIterations <= 0 {
		errs = multierr.Append(errs, errors.Errorf("\"max_iterations\" must be positive, got %d", cfg.MaxIterations))
	}
	if cfg.LambdaInit <= 0 {
		errs = multierr.Append(errs, errors.Errorf("\"lambda_init\" must be positive, got %v", cfg.LambdaInit))
	}
	if cfg.CostTolerance < 0 {
		errs = multierr.Append(errs, errors.Errorf("\"cost_tolerance\" cannot be negative, got %v", cfg.CostTolerance))
	}
	if errs != nil {
		return utils.NewConfigValidationError(path, errs)
	}
	return nil
}

// Result summarizes a solve.
type Result struct {
	Iterations  int
	InitialCost float64
	FinalCost   float64
	// Converged is set when an accepted step improved the cost by less than the tolerance.
	Converged          bool
	Accepted           int
	Rejected           int
	InvalidEvaluations int
}

// Solver runs Levenberg-Marquardt over a FactorGraph.
type Solver struct {
	graph  *FactorGraph
	cfg    SolverConfig
	logger logging.Logger
}

// NewSolver returns a solver over graph.
func NewSolver(graph *FactorGraph, cfg SolverConfig, logger logging.Logger) (*Solver, error) {
	if graph == nil {
		return nil, errors.New("solver needs a graph")
	}
	if err := cfg.Validate("solver"); err != nil {
		return nil, err
	}
	return &Solver{graph: graph, cfg: cfg, logger: logger}, nil
}

// linearization is H dx = g over the free parameters referenced by live factors.
type linearization struct {
	params  []*StateVariable
	offsets map[ParamID]int
	size    int
	H       *mat.SymDense
	g       *mat.VecDense
	cost    float64
	invalid int
}

// freeParams orders the free parameters referenced by live factors by kind, then id.
func (s *Solver) freeParams() ([]*StateVariable, map[ParamID]int, int) {
	seen := map[ParamID]bool{}
	var params []*StateVariable
	for _, fid := range s.graph.FactorIDs() {
		f, _ := s.graph.Factor(fid)
		for _, pid := range f.ParamIDs() {
			p := s.graph.params[pid]
			if p.Fixed || seen[pid] {
				continue
			}
			seen[pid] = true
			params = append(params, p)
		}
	}
	sort.Slice(params, func(i, j int) bool {
		if params[i].Kind != params[j].Kind {
			return params[i].Kind < params[j].Kind
		}
		return params[i].ID < params[j].ID
	})
	offsets := make(map[ParamID]int, len(params))
	size := 0
	for _, p := range params {
		offsets[p.ID] = size
		size += p.TangentDim()
	}
	return params, offsets, size
}

func (s *Solver) linearize() *linearization {
	params, offsets, size := s.freeParams()
	lin := &linearization{params: params, offsets: offsets, size: size}
	if size == 0 {
		return lin
	}
	H := mat.NewDense(size, size, nil)
	g := mat.NewVecDense(size, nil)

	for _, fid := range s.graph.FactorIDs() {
		f, _ := s.graph.Factor(fid)
		eval := f.Eval(s.graph.values(f, nil), false)
		if !eval.Valid {
			lin.invalid++
			continue
		}
		lin.cost += 0.5 * math.Pow(eval.Residual.Norm(2), 2)

		ids := f.ParamIDs()
		for i, pi := range ids {
			oi, ok := offsets[pi]
			if !ok {
				continue
			}
			Ji := eval.Jacobians[i]
			_, di := Ji.Dims()
			for j, pj := range ids {
				oj, ok := offsets[pj]
				if !ok {
					continue
				}
				_, dj := eval.Jacobians[j].Dims()
				block := H.Slice(oi, oi+di, oj, oj+dj).(*mat.Dense)
				var JtJ mat.Dense
				JtJ.Mul(Ji.T(), eval.Jacobians[j])
				block.Add(block, &JtJ)
			}
			var Jtr mat.VecDense
			Jtr.MulVec(Ji.T(), eval.Residual)
			seg := g.SliceVec(oi, oi+di).(*mat.VecDense)
			seg.SubVec(seg, &Jtr)
		}
	}
	lin.H = symmetrize(H)
	lin.g = g
	return lin
}

// step solves (H + lambda I) dx = g and returns the updated values of the free parameters.
func (lin *linearization) step(lambda float64) (map[ParamID][]float64, bool) {
	A := mat.NewSymDense(lin.size, nil)
	A.CopySym(lin.H)
	for i := 0; i < lin.size; i++ {
		A.SetSym(i, i, A.At(i, i)+lambda)
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(A); !ok {
		return nil, false
	}
	var dx mat.VecDense
	if err := chol.SolveVecTo(&dx, lin.g); err != nil {
		return nil, false
	}

	snapshot := make(map[ParamID][]float64, len(lin.params))
	for _, p := range lin.params {
		o := lin.offsets[p.ID]
		d := make([]float64, p.TangentDim())
		for i := range d {
			d[i] = dx.AtVec(o + i)
		}
		snapshot[p.ID] = p.Updated(d)
	}
	return snapshot, true
}

func (s *Solver) commit(snapshot map[ParamID][]float64) {
	for pid, v := range snapshot {
		s.graph.params[pid].Value = v
	}
}

// Solve runs up to MaxIterations Levenberg-Marquardt iterations. Every trial step is evaluated
// on a snapshot of the touched values and only committed to the graph if it lowers the cost.
// The context is checked between iterations.
func (s *Solver) Solve(ctx context.Context) (*Result, error) {
	lambda := s.cfg.LambdaInit
	lin := s.linearize()
	res := &Result{InitialCost: lin.cost, FinalCost: lin.cost, InvalidEvaluations: lin.invalid}
	if lin.size == 0 {
		return res, nil
	}

	cost := lin.cost
	for iter := 0; iter < s.cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return res, errors.Wrap(err, "solve interrupted")
		}
		res.Iterations++

		snapshot, ok := lin.step(lambda)
		newCost := math.Inf(1)
		invalid := 0
		if ok {
			newCost, invalid = s.graph.cost(snapshot)
		}

		if ok && newCost < cost {
			s.commit(snapshot)
			improvement := cost - newCost
			s.logger.Debugw("solver step accepted",
				"iteration", iter, "cost", newCost, "lambda", lambda, "invalid", invalid)
			cost = newCost
			lambda /= 10
			res.Accepted++
			res.InvalidEvaluations += invalid
			if s.cfg.CostTolerance > 0 && improvement < s.cfg.CostTolerance {
				res.Converged = true
				break
			}
			lin = s.linearize()
			continue
		}

		s.logger.Debugw("solver step rejected",
			"iteration", iter, "cost", newCost, "lambda", lambda, "factorized", ok)
		lambda *= 10
		res.Rejected++
	}
	res.FinalCost = cost
	return res, nil
}
