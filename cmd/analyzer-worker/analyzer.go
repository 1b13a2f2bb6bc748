package main

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/steveyegge/analyzerd/internal/protocol"
	"github.com/steveyegge/analyzerd/internal/worker"
)

type analyzer struct {
	perTool  time.Duration
	failApps map[string]bool
}

type toolResult struct {
	Tool     string `json:"tool"`
	Findings int    `json:"findings"`
}

type report struct {
	Target  string       `json:"target"`
	Kind    string       `json:"task_kind,omitempty"`
	Results []toolResult `json:"results"`
	Total   int          `json:"total_findings"`
}

func (a *analyzer) handle(ctx context.Context, req protocol.Request, progress worker.ProgressFunc) (interface{}, error) {
	if a.failApps[req.Target.App] {
		return nil, fmt.Errorf("analysis of %s failed", req.Target)
	}

	rep := report{Target: req.Target.String(), Kind: req.TaskKind}
	for i, tool := range req.Tools {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(a.perTool):
		}
		res := toolResult{Tool: tool, Findings: findings(req.Target, tool)}
		rep.Results = append(rep.Results, res)
		rep.Total += res.Findings
		if err := progress(map[string]interface{}{
			"tool":     tool,
			"done":     i + 1,
			"of":       len(req.Tools),
			"findings": res.Findings,
		}); err != nil {
			return nil, err
		}
	}
	return rep, nil
}

// findings is stable per target and tool so repeated runs agree.
func findings(target protocol.Target, tool string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(target.String() + "\x00" + tool))
	return int(h.Sum32() % 7)
}
