package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooterra/nooterra/pkg/artifacts"
	"github.com/nooterra/nooterra/pkg/events"
)

type seqGen struct{ n int }

func (g *seqGen) NewID(prefix string) string {
	g.n++
	return fmt.Sprintf("%s_%04d", prefix, g.n)
}

func writeJSON(t *testing.T, dir, name string, v any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path
}

func buildChain(t *testing.T, n int) []*events.Event {
	t.Helper()
	ids := &seqGen{}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var chain []*events.Event
	var prev *string
	for i := 0; i < n; i++ {
		evt, err := events.Build(ids, "tenant-a", "session:s1", "PING",
			map[string]any{"n": i}, prev, "tester", at.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		chain = append(chain, evt)
		prev = &evt.ChainHash
	}
	return chain
}

func TestChainCommand(t *testing.T) {
	dir := t.TempDir()
	chain := buildChain(t, 3)
	path := writeJSON(t, dir, "events.json", chain)

	var stdout, stderr bytes.Buffer
	code := Run([]string{"nooterra-verify", "chain", "-events", path}, &stdout, &stderr)
	assert.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), `"ok":true`)
}

func TestChainCommandDetectsTamper(t *testing.T) {
	dir := t.TempDir()
	chain := buildChain(t, 3)
	chain[1].Payload["n"] = 99
	path := writeJSON(t, dir, "events.json", chain)

	var stdout, stderr bytes.Buffer
	code := Run([]string{"nooterra-verify", "chain", "-events", path}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout.String(), "payloadHash mismatch")
}

func TestArtifactCommand(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec, err := artifacts.Derive("tenant-a", artifacts.SchemaToolCallEvidence,
		map[string]any{"runId": "run_1", "kind": "http"}, at)
	require.NoError(t, err)
	path := writeJSON(t, dir, "artifact.json", rec)

	var stdout, stderr bytes.Buffer
	code := Run([]string{"nooterra-verify", "artifact", "-file", path}, &stdout, &stderr)
	assert.Equal(t, 0, code, stderr.String())

	rec.Body["kind"] = "tampered"
	path = writeJSON(t, dir, "tampered.json", rec)
	code = Run([]string{"nooterra-verify", "artifact", "-file", path}, &stdout, &stderr)
	assert.Equal(t, 1, code)
}

func TestUsageErrors(t *testing.T) {
	var stdout, stderr bytes.Buffer
	assert.Equal(t, 2, Run([]string{"nooterra-verify"}, &stdout, &stderr))
	assert.Equal(t, 2, Run([]string{"nooterra-verify", "chain"}, &stdout, &stderr))
	assert.Equal(t, 2, Run([]string{"nooterra-verify", "nope"}, &stdout, &stderr))
	assert.Equal(t, 0, Run([]string{"nooterra-verify", "help"}, &stdout, &stderr))
}
