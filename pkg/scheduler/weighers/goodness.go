package weighers

import (
	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/scheduler/host"
	"github.com/marmos91/dittoshare/pkg/scheduler/jsonexpr"
	"github.com/marmos91/dittoshare/pkg/share"
)

// GoodnessWeigher ranks pools by the backend-published goodness_function,
// which must evaluate to a number in [0, 100] or a boolean (100 or 0).
// Pools without a function, or whose function fails, weigh 0.
type GoodnessWeigher struct {
	eval *jsonexpr.Evaluator
}

// NewGoodnessWeigher creates a GoodnessWeigher.
func NewGoodnessWeigher() *GoodnessWeigher {
	return &GoodnessWeigher{eval: jsonexpr.NewFunctionEvaluator()}
}

func (*GoodnessWeigher) Name() string { return Goodness }

func (g *GoodnessWeigher) Weigh(hosts []*host.State, props *share.FilterProperties) []float64 {
	out := make([]float64, len(hosts))
	for i, h := range hosts {
		out[i] = g.goodness(h, props)
	}
	return out
}

func (g *GoodnessWeigher) goodness(h *host.State, props *share.FilterProperties) float64 {
	if h.GoodnessFunction == "" {
		return 0
	}
	expr, err := jsonexpr.Parse(h.GoodnessFunction)
	if err != nil || expr == nil {
		logger.Warn("scheduler: %s publishes an invalid goodness_function: %v", h.Name, err)
		return 0
	}
	res, err := g.eval.Eval(expr, h.FunctionEnv(props))
	if err != nil {
		logger.Warn("scheduler: goodness_function of %s failed: %v", h.Name, err)
		return 0
	}
	if b, ok := res.(bool); ok {
		if b {
			return 100
		}
		return 0
	}
	v, ok := jsonexpr.Number(res)
	if !ok || v < 0 || v > 100 {
		logger.Warn("scheduler: goodness_function of %s returned %v, outside [0, 100]", h.Name, res)
		return 0
	}
	return v
}
