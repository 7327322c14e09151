package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const requestPolicy = `package research.request

default decision := {
    "allow": true,
    "reason": "default allow"
}

decision := {
    "allow": false,
    "reason": reason
} {
    some reason
    deny[reason]
}

deny["blocked topic"] {
    contains(lower(input.task), "forbidden")
}

deny["too many loops from anonymous caller"] {
    input.max_loops > 3
    not input.origin
}
`

func writePolicy(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func newEngine(t *testing.T, mode Mode, body string) (*OPAEngine, string) {
	t.Helper()
	dir := t.TempDir()
	if body != "" {
		writePolicy(t, dir, "request.rego", body)
	}
	engine, err := NewOPAEngine(&Config{
		Enabled:     true,
		Mode:        mode,
		Path:        dir,
		Environment: "test",
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return engine, dir
}

func TestEnforceMode(t *testing.T) {
	engine, _ := newEngine(t, ModeEnforce, requestPolicy)
	require.True(t, engine.IsEnabled())

	tests := []struct {
		name   string
		input  *Input
		allow  bool
		reason string
	}{
		{"plain task", &Input{Task: "history of rust", MaxLoops: 3, Origin: "http://localhost:5173"}, true, "default allow"},
		{"blocked topic", &Input{Task: "Forbidden things", MaxLoops: 1, Origin: "x"}, false, "blocked topic"},
		{"anonymous deep run", &Input{Task: "history of go", MaxLoops: 5}, false, "too many loops from anonymous caller"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.input.Environment = "test"
			tt.input.Timestamp = time.Now()
			d, err := engine.Evaluate(context.Background(), tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.allow, d.Allow)
			assert.Equal(t, tt.reason, d.Reason)
			assert.NotEmpty(t, d.PolicyVersion)
		})
	}
}

func TestDryRunAlwaysAllows(t *testing.T) {
	engine, _ := newEngine(t, ModeDryRun, requestPolicy)

	d, err := engine.Evaluate(context.Background(), &Input{Task: "forbidden topic", MaxLoops: 1})
	require.NoError(t, err)
	assert.True(t, d.Allow)
	assert.True(t, strings.HasPrefix(d.Reason, "DRY-RUN: would have been denied"))
}

func TestModeOffSkipsEvaluation(t *testing.T) {
	engine, _ := newEngine(t, ModeOff, requestPolicy)
	assert.False(t, engine.IsEnabled())

	d, err := engine.Evaluate(context.Background(), &Input{Task: "forbidden topic"})
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestBrokenPolicyFailOpen(t *testing.T) {
	engine, _ := newEngine(t, ModeEnforce, "package research.request\n\ndecision := {")
	assert.False(t, engine.IsEnabled())

	d, err := engine.Evaluate(context.Background(), &Input{Task: "forbidden topic"})
	require.NoError(t, err)
	assert.True(t, d.Allow)
}

func TestBrokenPolicyFailClosed(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "request.rego", "package research.request\n\ndecision := {")
	_, err := NewOPAEngine(&Config{Enabled: true, Mode: ModeEnforce, Path: dir, FailClosed: true}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestReloadPicksUpChanges(t *testing.T) {
	engine, dir := newEngine(t, ModeEnforce, requestPolicy)
	in := &Input{Task: "quantum computing", MaxLoops: 1, Origin: "x"}

	d, err := engine.Evaluate(context.Background(), in)
	require.NoError(t, err)
	require.True(t, d.Allow)
	before := d.PolicyVersion

	writePolicy(t, dir, "request.rego", strings.Replace(requestPolicy, `"forbidden"`, `"quantum"`, 1))
	require.NoError(t, engine.LoadPolicies())

	d, err = engine.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.False(t, d.Allow, "cached decision must not survive a reload")
	assert.NotEqual(t, before, d.PolicyVersion)
}

func TestDecisionCache(t *testing.T) {
	engine, _ := newEngine(t, ModeEnforce, requestPolicy)
	in := &Input{Task: "cache me", MaxLoops: 2, Origin: "x"}

	_, err := engine.Evaluate(context.Background(), in)
	require.NoError(t, err)
	_, err = engine.Evaluate(context.Background(), in)
	require.NoError(t, err)

	hits, misses := engine.cache.Stats()
	assert.Equal(t, int64(1), hits)
	assert.Equal(t, int64(1), misses)
}

func TestDecisionCacheEvictsLRU(t *testing.T) {
	c := newDecisionCache(2, time.Minute)
	a := &Input{Task: "a"}
	b := &Input{Task: "b"}
	d := &Input{Task: "d"}
	c.Set(a, &Decision{Allow: true})
	c.Set(b, &Decision{Allow: true})
	_, ok := c.Get(a)
	require.True(t, ok)
	c.Set(d, &Decision{Allow: true})

	_, ok = c.Get(b)
	assert.False(t, ok, "least recently used entry evicted")
	_, ok = c.Get(a)
	assert.True(t, ok)
}

func TestBooleanDecision(t *testing.T) {
	engine, _ := newEngine(t, ModeEnforce, "package research.request\n\ndecision := false\n")
	d, err := engine.Evaluate(context.Background(), &Input{Task: "anything"})
	require.NoError(t, err)
	assert.False(t, d.Allow)
	assert.Equal(t, "denied by policy", d.Reason)
}

func TestParseMode(t *testing.T) {
	assert.Equal(t, ModeEnforce, ParseMode("ENFORCE"))
	assert.Equal(t, ModeDryRun, ParseMode("dry-run"))
	assert.Equal(t, ModeOff, ParseMode("audit"))
	assert.Equal(t, ModeOff, ParseMode(""))
}
