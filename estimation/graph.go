package estimation

import (
	"math"

	"github.com/pkg/errors"
)

var (
	// ErrParamNotFound is returned for a parameter id that is not live in the graph.
	ErrParamNotFound = errors.New("parameter not found")
	// ErrFactorNotFound is returned for a factor id that is not live in the graph.
	ErrFactorNotFound = errors.New("factor not found")
)

// FactorID is a stable handle to a factor added to a FactorGraph.
type FactorID int

// InvalidFactorID is the ID of a factor that has not been added.
const InvalidFactorID FactorID = -1

// FactorGraph owns a set of parameters and the factors constraining them. Parameters and factors
// live in arenas indexed by their ids; a removed entry leaves a tombstone so that ids stay stable
// and are never reused. A FactorGraph is not safe for concurrent use.
type FactorGraph struct {
	params    []*StateVariable
	paramRefs []int
	factors   []Factor
	numParams int
	numFacts  int
}

// NewFactorGraph returns an empty graph.
func NewFactorGraph() *FactorGraph {
	return &FactorGraph{}
}

// AddParam registers sv and assigns its id. A variable can only be registered once.
func (fg *FactorGraph) AddParam(sv *StateVariable) (ParamID, error) {
	if sv.ID != InvalidParamID {
		return sv.ID, errors.Errorf("parameter already registered with id %d", sv.ID)
	}
	id := ParamID(len(fg.params))
	sv.ID = id
	fg.params = append(fg.params, sv)
	fg.paramRefs = append(fg.paramRefs, 0)
	fg.numParams++
	return id, nil
}

// Param returns the live parameter with the given id.
func (fg *FactorGraph) Param(id ParamID) (*StateVariable, error) {
	if id < 0 || int(id) >= len(fg.params) || fg.params[id] == nil {
		return nil, errors.Wrapf(ErrParamNotFound, "id %d", id)
	}
	return fg.params[id], nil
}

// RemoveParam removes a parameter. It fails while factors still reference it.
func (fg *FactorGraph) RemoveParam(id ParamID) error {
	if _, err := fg.Param(id); err != nil {
		return err
	}
	if refs := fg.paramRefs[id]; refs > 0 {
		return errors.Errorf("parameter %d is still referenced by %d factors", id, refs)
	}
	fg.params[id] = nil
	fg.numParams--
	return nil
}

// AddFactor adds f. Every parameter it references must be live.
func (fg *FactorGraph) AddFactor(f Factor) (FactorID, error) {
	for _, pid := range f.ParamIDs() {
		if _, err := fg.Param(pid); err != nil {
			return -1, err
		}
	}
	for _, pid := range f.ParamIDs() {
		fg.paramRefs[pid]++
	}
	id := FactorID(len(fg.factors))
	fg.factors = append(fg.factors, f)
	fg.numFacts++
	return id, nil
}

// Factor returns the live factor with the given id.
func (fg *FactorGraph) Factor(id FactorID) (Factor, error) {
	if id < 0 || int(id) >= len(fg.factors) || fg.factors[id] == nil {
		return nil, errors.Wrapf(ErrFactorNotFound, "id %d", id)
	}
	return fg.factors[id], nil
}

// RemoveFactor removes a factor. The parameters it references are kept.
func (fg *FactorGraph) RemoveFactor(id FactorID) error {
	f, err := fg.Factor(id)
	if err != nil {
		return err
	}
	for _, pid := range f.ParamIDs() {
		fg.paramRefs[pid]--
	}
	fg.factors[id] = nil
	fg.numFacts--
	return nil
}

// NumParams returns the number of live parameters.
func (fg *FactorGraph) NumParams() int {
	return fg.numParams
}

// NumFactors returns the number of live factors.
func (fg *FactorGraph) NumFactors() int {
	return fg.numFacts
}

// NumRefs returns the number of live factors referencing a parameter.
func (fg *FactorGraph) NumRefs(id ParamID) int {
	if _, err := fg.Param(id); err != nil {
		return 0
	}
	return fg.paramRefs[id]
}

// Params returns the live parameters in id order.
func (fg *FactorGraph) Params() []*StateVariable {
	out := make([]*StateVariable, 0, fg.numParams)
	for _, p := range fg.params {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// FactorIDs returns the ids of the live factors in increasing order.
func (fg *FactorGraph) FactorIDs() []FactorID {
	out := make([]FactorID, 0, fg.numFacts)
	for i, f := range fg.factors {
		if f != nil {
			out = append(out, FactorID(i))
		}
	}
	return out
}

// FactorParams returns the parameters of factor f, in the order f expects them.
func (fg *FactorGraph) FactorParams(f Factor) ([]*StateVariable, error) {
	out := make([]*StateVariable, len(f.ParamIDs()))
	for i, pid := range f.ParamIDs() {
		p, err := fg.Param(pid)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

// values returns the parameter values of f. Values in override take precedence.
func (fg *FactorGraph) values(f Factor, override map[ParamID][]float64) [][]float64 {
	ids := f.ParamIDs()
	out := make([][]float64, len(ids))
	for i, pid := range ids {
		if v, ok := override[pid]; ok {
			out[i] = v
			continue
		}
		out[i] = fg.params[pid].Value
	}
	return out
}

// Residual evaluates the whitened residual of a live factor at the current values.
func (fg *FactorGraph) Residual(id FactorID) (Evaluation, error) {
	f, err := fg.Factor(id)
	if err != nil {
		return Evaluation{}, err
	}
	return f.Eval(fg.values(f, nil), true), nil
}

// Cost returns 0.5 * sum ||r||^2 over live factors and the number of invalid evaluations.
func (fg *FactorGraph) Cost() (float64, int) {
	return fg.cost(nil)
}

func (fg *FactorGraph) cost(override map[ParamID][]float64) (float64, int) {
	total := 0.0
	invalid := 0
	for _, f := range fg.factors {
		if f == nil {
			continue
		}
		eval := f.Eval(fg.values(f, override), true)
		if !eval.Valid {
			invalid++
		}
		total += 0.5 * math.Pow(eval.Residual.Norm(2), 2)
	}
	return total, invalid
}

// ReprojErrors returns the pixel errors of every live camera factor that projects.
func (fg *FactorGraph) ReprojErrors() []float64 {
	var out []float64
	for _, f := range fg.factors {
		rf, ok := f.(Reprojector)
		if !ok {
			continue
		}
		if e, ok := rf.ReprojError(fg.values(f, nil)); ok {
			out = append(out, e)
		}
	}
	return out
}
