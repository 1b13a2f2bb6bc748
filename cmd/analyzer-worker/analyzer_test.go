package main

import (
	"context"
	"testing"
	"time"

	"github.com/steveyegge/analyzerd/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyzerReportsPerTool(t *testing.T) {
	a := &analyzer{failApps: map[string]bool{}}
	var frames []map[string]interface{}
	progress := func(data interface{}) error {
		frames = append(frames, data.(map[string]interface{}))
		return nil
	}

	req := protocol.Request{TaskID: "t1", Tools: []string{"bandit", "semgrep"}, Target: protocol.Target{Model: "m", App: "a"}}
	out, err := a.handle(context.Background(), req, progress)
	require.NoError(t, err)

	rep := out.(report)
	require.Len(t, rep.Results, 2)
	assert.Equal(t, "m/a", rep.Target)
	assert.Equal(t, rep.Results[0].Findings+rep.Results[1].Findings, rep.Total)
	require.Len(t, frames, 2)
	assert.Equal(t, 2, frames[1]["done"])

	again, err := a.handle(context.Background(), req, func(interface{}) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, rep, again.(report), "results are deterministic")
}

func TestAnalyzerFailuresAndCancel(t *testing.T) {
	a := &analyzer{perTool: time.Hour, failApps: map[string]bool{"bad": true}}
	_, err := a.handle(context.Background(), protocol.Request{Target: protocol.Target{App: "bad"}}, nil)
	assert.ErrorContains(t, err, "/bad failed")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.handle(ctx, protocol.Request{Tools: []string{"x"}, Target: protocol.Target{App: "ok"}}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
