package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/autoscope/internal/journal"
	"github.com/signalsfoundry/autoscope/model"
)

// isolate keeps user config files and environment out of the run.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Chdir(dir)
	color.NoColor = true
	return dir
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestVersion(t *testing.T) {
	isolate(t)
	code, out, _ := run(t, "version")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "autoscope dev")
}

func TestUnknownModeFails(t *testing.T) {
	isolate(t)
	code, _, errOut := run(t, "coords", "150 -20", "--mode", "bogus", "--dry-run")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, `unknown mode "bogus"`)
}

func TestResolutionErrorExitsNonZero(t *testing.T) {
	isolate(t)
	code, _, errOut := run(t, "coords", "nowhere", "--dry-run", "--log-level", "error")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "nowhere")
}

func TestInvalidLogLevel(t *testing.T) {
	isolate(t)
	code, _, errOut := run(t, "check", "coords", "150 -20", "--log-level", "loud")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "--log-level")
}

func TestAtRequiresDryRunForSessions(t *testing.T) {
	isolate(t)
	code, _, errOut := run(t, "coords", "150 -20", "--at", "2025-03-01T22:00:00Z", "--log-level", "error")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "--dry-run")
}

func TestCheckReportsObservability(t *testing.T) {
	isolate(t)
	code, out, _ := run(t, "check", "coords", "112.5 29", "--at", "2025-03-01T22:00:00Z", "--ignore-twilight", "--log-level", "error")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "MANUAL-7.500h_+29.000d")
	assert.Contains(t, out, "Airmass")
	assert.Contains(t, out, "Verdict observable")
}

func TestCheckRejectsUnknownKind(t *testing.T) {
	isolate(t)
	code, _, errOut := run(t, "check", "planet", "mars")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "unknown target kind")
}

func TestDryRunSingleImageSession(t *testing.T) {
	dir := isolate(t)
	dbPath := filepath.Join(dir, "journal.db")
	targetPath := filepath.Join(dir, "target.json")
	t.Setenv("AUTOSCOPE_PATHS_JOURNAL_DB", dbPath)
	t.Setenv("AUTOSCOPE_PATHS_TARGET_JSON", targetPath)

	code, out, errOut := run(t, "coords", "112.5", "29",
		"--dry-run", "--mode", "single", "--exposure-time", "10",
		"--at", "2025-03-01T22:00:00Z", "--ignore-twilight", "--log-level", "error")
	require.Equal(t, 0, code, errOut)

	fields := strings.Fields(out)
	require.GreaterOrEqual(t, len(fields), 3, out)
	assert.Equal(t, "session", fields[0])
	assert.Equal(t, "parked:", fields[2])
	assert.Contains(t, out, "single image complete")
	assert.Contains(t, out, "(1 frames")

	ctx := context.Background()
	j, err := journal.Open(ctx, dbPath)
	require.NoError(t, err)
	defer j.Close()

	s, err := j.Session(ctx, fields[1])
	require.NoError(t, err)
	assert.Equal(t, model.PhaseParked.String(), s.FinalPhase)
	n, err := j.FrameCount(ctx, fields[1])
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	doc, err := journal.ReadTargetJSON(targetPath)
	require.NoError(t, err)
	assert.Equal(t, fields[1], doc.SessionID)
	assert.Equal(t, "coordinates", doc.ObjectType)
}
