package filters

import (
	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/scheduler/host"
	"github.com/marmos91/dittoshare/pkg/scheduler/jsonexpr"
	"github.com/marmos91/dittoshare/pkg/share"
)

// DriverFilter applies the share_backend_name extra spec and the
// backend-published filter_function.
type DriverFilter struct {
	eval *jsonexpr.Evaluator
}

// NewDriverFilter creates a DriverFilter.
func NewDriverFilter() *DriverFilter {
	return &DriverFilter{eval: jsonexpr.NewFunctionEvaluator()}
}

func (*DriverFilter) Name() string { return Driver }

func (f *DriverFilter) HostPasses(h *host.State, props *share.FilterProperties) bool {
	if want, ok := props.ExtraSpecs()["share_backend_name"]; ok && want != h.BackendName {
		return false
	}
	if h.FilterFunction == "" {
		return true
	}
	expr, err := jsonexpr.Parse(h.FilterFunction)
	if err != nil {
		logger.Warn("scheduler: %s publishes an invalid filter_function: %v", h.Name, err)
		return false
	}
	ok, err := f.eval.Passes(expr, h.FunctionEnv(props))
	if err != nil {
		logger.Warn("scheduler: filter_function of %s failed: %v", h.Name, err)
		return false
	}
	return ok
}
