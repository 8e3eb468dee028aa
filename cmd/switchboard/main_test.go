package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/switchboard/internal/chanlock"
	"github.com/mattjoyce/switchboard/internal/config"
	"github.com/mattjoyce/switchboard/internal/inspect"
	"github.com/mattjoyce/switchboard/internal/ledger"
	"github.com/mattjoyce/switchboard/internal/lock"
	"github.com/mattjoyce/switchboard/internal/log"
	"github.com/mattjoyce/switchboard/internal/protocol"
	"github.com/mattjoyce/switchboard/internal/storage"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()
	origVersion, origCommit, origBuild := version, gitCommit, buildDate
	version, gitCommit, buildDate = v, commit, built
	t.Cleanup(func() {
		version, gitCommit, buildDate = origVersion, origCommit, origBuild
	})
}

// writeConfig writes a minimal config.yaml into a temp dir and returns the dir.
func writeConfig(t *testing.T, plugs string) string {
	t.Helper()
	dir := t.TempDir()
	content := "state:\n  path: " + filepath.Join(dir, "state.db") + "\n" +
		"sites:\n  home:\n    prefix: \"!\"\n    plugs: " + plugs + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644))
	return dir
}

func TestVersionJSONOutputIncludesMetadata(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "0123456789abcdef", "2026-02-01T10:20:30Z")

	out, err := runCLI(t, "version", "--json")
	require.NoError(t, err)

	var info versionInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, "0123456789ab", info.Commit)
	assert.Equal(t, "2026-02-01T10:20:30Z", info.BuildTime)
}

func TestVersionHumanOutput(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "abc", "not-a-time")

	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "switchboard 1.2.3\n")
	assert.Contains(t, out, "commit: abc\n")
}

func TestConfigCheck(t *testing.T) {
	dir := writeConfig(t, "all")
	out, err := runCLI(t, "config", "check", "--config", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration valid")

	bad := writeConfig(t, "[echo, nope]")
	out, err = runCLI(t, "config", "check", "--config", bad, "--json")
	require.Error(t, err)
	assert.Contains(t, out, `"valid": false`)
	assert.Contains(t, out, `plugin \"nope\" which is not registered`)
}

func TestConfigCheckStrictFailsOnWarnings(t *testing.T) {
	dir := writeConfig(t, "[echo]")
	// guess and help are registered but unused, which only warns.
	_, err := runCLI(t, "config", "check", "--config", dir)
	require.NoError(t, err)

	_, err = runCLI(t, "config", "check", "--config", dir, "--strict")
	assert.ErrorIs(t, err, errWarnings)
}

func TestConfigLockWritesChecksums(t *testing.T) {
	dir := writeConfig(t, "all")

	out, err := runCLI(t, "config", "lock", "--config", dir, "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "Dry run: 1 file(s) would be locked")
	assert.NoFileExists(t, filepath.Join(dir, config.ChecksumFile))

	out, err = runCLI(t, "config", "lock", "--config", dir)
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(dir, config.ChecksumFile))
	assert.FileExists(t, filepath.Join(dir, config.ChecksumFile))

	// Tampering is caught on the next load; lock accepts it again.
	f, err := os.OpenFile(filepath.Join(dir, "config.yaml"), os.O_APPEND|os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = f.WriteString("# edited\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = runCLI(t, "config", "check", "--config", dir)
	require.Error(t, err)
	_, err = runCLI(t, "config", "lock", "--config", dir)
	require.NoError(t, err)
	_, err = runCLI(t, "config", "check", "--config", dir)
	require.NoError(t, err)
}

func seedInteraction(t *testing.T, dir string) int64 {
	t.Helper()
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	defer db.Close()

	quiet := log.New(io.Discard, "error", "text")
	l := ledger.New(db, chanlock.New(db, chanlock.WithLogger(quiet)),
		ledger.WithLogger(quiet), ledger.WithOrphanDelay(10*time.Millisecond))
	id, err := l.ReserveAndRecord(ctx, ledger.Form{
		Plugin:  "echo",
		Message: protocol.Message{ID: "m1", ChannelID: "C1", AuthorID: "u1", Body: "!echo hi"},
		Response: protocol.Response{
			Confidence: 10,
			Plugin:     "echo",
			Body:       protocol.Text("hi"),
		},
		Traceback: []string{`plugin echo responded with confidence 10: "hi"`, "we chose plugin echo's response"},
	})
	require.NoError(t, err)
	require.NoError(t, l.ConfirmPosted(ctx, id, protocol.PostedID{"C1", "p-1"}))
	l.Wait()
	return id
}

func TestInteractionShowAndTraceback(t *testing.T) {
	dir := writeConfig(t, "all")
	id := seedInteraction(t, dir)

	out, err := runCLI(t, "interaction", "show", "--config", dir, strconv.FormatInt(id, 10))
	require.NoError(t, err)
	assert.Contains(t, out, fmt.Sprintf("Interaction %d\n", id))
	assert.Contains(t, out, "Posted      : C1:p-1\n")
	assert.Contains(t, out, "Channel lock: <unlocked>\n")

	out, err = runCLI(t, "interaction", "show", "--json", "--config", dir, strconv.FormatInt(id, 10))
	require.NoError(t, err)
	var report inspect.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, id, report.InteractionID)
	assert.Equal(t, "echo", report.Plugin)
	assert.Equal(t, "hi", report.Response)

	out, err = runCLI(t, "interaction", "traceback", "--config", dir, "C1", "p-1")
	require.NoError(t, err)
	assert.Equal(t, "plugin echo responded with confidence 10: \"hi\"\nwe chose plugin echo's response\n", out)

	out, err = runCLI(t, "interaction", "traceback", "--config", dir, `["C1","p-1"]`)
	require.NoError(t, err)
	assert.Contains(t, out, "we chose plugin echo's response")

	out, err = runCLI(t, "interaction", "list", "--config", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "C1:p-1")
}

func TestInteractionErrors(t *testing.T) {
	dir := writeConfig(t, "all")
	seedInteraction(t, dir)

	_, err := runCLI(t, "interaction", "show", "--config", dir, "99")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interaction 99 not found")

	_, err = runCLI(t, "interaction", "show", "--config", dir, "abc")
	require.Error(t, err)

	// Posted ids are matched whole, never by a single part.
	_, err = runCLI(t, "interaction", "traceback", "--config", dir, "p-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no interaction was posted as p-1")
}

func TestStatusReportsLockHolder(t *testing.T) {
	dir := writeConfig(t, "all")

	out, err := runCLI(t, "status", "--config", dir)
	require.NoError(t, err)
	assert.Equal(t, "stopped\n", out)

	held, err := lock.AcquirePIDLock(lock.PathFor(filepath.Join(dir, "state.db")))
	require.NoError(t, err)
	defer held.Release()

	out, err = runCLI(t, "status", "--config", dir, "--json")
	require.NoError(t, err)
	var st struct {
		Running bool `json:"running"`
		PID     int  `json:"pid"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.True(t, st.Running)
	assert.Equal(t, os.Getpid(), st.PID)
}

func TestMonitorRequiresAPIKey(t *testing.T) {
	t.Setenv("SWITCHBOARD_API_KEY", "")
	_, err := runCLI(t, "monitor")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key required")
}
