package filters

import (
	"github.com/marmos91/dittoshare/internal/logger"
	"github.com/marmos91/dittoshare/pkg/scheduler/host"
	"github.com/marmos91/dittoshare/pkg/scheduler/jsonexpr"
	"github.com/marmos91/dittoshare/pkg/share"
)

// JSONFilter evaluates the "query" scheduler hint against each pool.
type JSONFilter struct {
	eval *jsonexpr.Evaluator
}

// NewJSONFilter creates a JSONFilter.
func NewJSONFilter() *JSONFilter {
	return &JSONFilter{eval: jsonexpr.NewFilterEvaluator()}
}

func (*JSONFilter) Name() string { return JSON }

func (f *JSONFilter) HostPasses(h *host.State, props *share.FilterProperties) bool {
	query := props.SchedulerHints["query"]
	if query == "" {
		return true
	}
	expr, err := jsonexpr.Parse(query)
	if err != nil {
		logger.Warn("scheduler: invalid json filter query: %v", err)
		return false
	}
	ok, err := f.eval.Passes(expr, h.Env())
	if err != nil {
		logger.Debug("scheduler: json filter rejects %s: %v", h.Name, err)
		return false
	}
	return ok
}
