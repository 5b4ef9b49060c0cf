package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/recast/internal/config"
	"github.com/roach88/recast/internal/engine"
	"github.com/roach88/recast/internal/fingerprint"
	"github.com/roach88/recast/internal/model"
	"github.com/roach88/recast/internal/ranking"
	"github.com/roach88/recast/internal/testutil"
)

var t0 = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, opts *RootOptions, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(opts)
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

type env struct {
	dir    string
	config string
	opts   *RootOptions
	ig, yt *testutil.ScriptedPublisher
}

const baseConfig = `
database:
  path: %DB%
timezone: UTC
platforms:
  instagram:
    enabled: true
    endpoint: http://relay.invalid/instagram
  youtube:
    enabled: true
    endpoint: http://relay.invalid/youtube
log:
  level: error
`

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "recast.yaml")
	content := strings.ReplaceAll(baseConfig, "%DB%", filepath.Join(dir, "recast.db"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o644))

	e := &env{
		dir:    dir,
		config: cfgPath,
		ig:     testutil.NewScriptedPublisher(model.PlatformInstagram),
		yt:     testutil.NewScriptedPublisher(model.PlatformYouTube),
	}
	e.opts = &RootOptions{
		Now: func() time.Time { return t0 },
		appOpts: []appOption{
			withPublisher(model.PlatformInstagram, e.ig),
			withPublisher(model.PlatformYouTube, e.yt),
		},
	}
	return e
}

func (e *env) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return execute(t, e.opts, append([]string{"--config", e.config, "--env-file", filepath.Join(e.dir, ".env")}, args...)...)
}

func (e *env) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const contentYAML = `
- source_id: ig_100
  caption: best reel
  hashtags: [travel, sunset]
  media_locator: s3://media/ig_100.mp4
  published_at: 2025-01-05T10:00:00Z
  metrics: {views: 2850, likes: 312, comments: 47}
- source_id: ig_200
  caption: second best
  media_locator: s3://media/ig_200.mp4
  published_at: 2025-01-20T10:00:00Z
  metrics: {views: 900, likes: 10, comments: 2}
`

type jsonResponse[T any] struct {
	Status   string    `json:"status"`
	Data     T         `json:"data"`
	Error    *CLIError `json:"error"`
	RunToken string    `json:"run_token"`
}

func decode[T any](t *testing.T, out string) jsonResponse[T] {
	t.Helper()
	var resp jsonResponse[T]
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	return resp
}

func (e *env) entries(t *testing.T, args ...string) []model.QueueEntry {
	t.Helper()
	out, err := e.run(t, append([]string{"--format", "json", "queue", "list"}, args...)...)
	require.NoError(t, err)
	return decode[[]model.QueueEntry](t, out).Data
}

func TestIngestRankRun(t *testing.T) {
	e := newEnv(t)
	file := e.write(t, "content.yaml", contentYAML)

	out, err := e.run(t, "ingest", file)
	require.NoError(t, err)
	assert.Contains(t, out, "Ingested 2 items")

	out, err = e.run(t, "--format", "json", "rank")
	require.NoError(t, err)
	rank := decode[ranking.Report](t, out)
	assert.Equal(t, "ok", rank.Status)
	assert.Equal(t, 2, rank.Data.Eligible)
	assert.Equal(t, 4, rank.Data.Enqueued)

	queued := e.entries(t, "--status", "queued")
	require.Len(t, queued, 4)
	for _, q := range queued {
		want := map[string]int{"ig_100": 1, "ig_200": 2}[q.SourceContentID]
		assert.Equal(t, want, q.Priority, q.SourceContentID)
	}

	out, err = e.run(t, "--format", "json", "run")
	require.NoError(t, err)
	run := decode[engine.RunReport](t, out)
	assert.NotEmpty(t, run.RunToken)
	assert.Equal(t, run.RunToken, run.Data.RunToken)
	assert.Equal(t, 4, run.Data.Tick.Completed)
	require.NotNil(t, run.Data.Ranking)
	assert.Equal(t, 0, run.Data.Ranking.Enqueued, "completed keys block re-enqueue")

	assert.Len(t, e.ig.Requests(), 2)
	assert.Len(t, e.yt.Requests(), 2)
	assert.Len(t, e.entries(t, "--status", "completed"), 4)
}

func TestIngest_JSONAndFingerprint(t *testing.T) {
	e := newEnv(t)
	media := e.write(t, "clip.mp4", strings.Repeat("frame", 4096))
	items := []map[string]any{{
		"source_id":     "ig_300",
		"media_locator": media,
		"published_at":  "2025-02-01T00:00:00Z",
		"metrics":       map[string]int{"views": 10},
	}}
	data, err := json.Marshal(items)
	require.NoError(t, err)
	file := e.write(t, "content.json", string(data))

	out, err := e.run(t, "--format", "json", "ingest", "--fingerprint", file)
	require.NoError(t, err)
	resp := decode[ingestResult](t, out)
	assert.Equal(t, 1, resp.Data.Ingested)
	assert.Equal(t, 1, resp.Data.Fingerprinted)
	assert.Equal(t, []string{"ig_300"}, resp.Data.SourceIDs)
}

func TestIngest_Errors(t *testing.T) {
	e := newEnv(t)

	_, err := e.run(t, "ingest", filepath.Join(e.dir, "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	file := e.write(t, "bad.yaml", "- caption: no id\n")
	out, err := e.run(t, "ingest", file)
	require.Error(t, err)
	assert.True(t, Reported(err))
	assert.Contains(t, out, "source_id is required")

	file = e.write(t, "typo.yaml", "- source_id: a\n  view_count: 3\n")
	_, err = e.run(t, "ingest", file)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRetryCommand(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "ingest", e.write(t, "content.yaml", contentYAML))
	require.NoError(t, err)

	e.yt.FailTransient("ig_200", "relay timeout")
	e.ig.FailConfig("ig_200", "token revoked")

	out, err := e.run(t, "--format", "json", "run")
	require.NoError(t, err)
	run := decode[engine.RunReport](t, out)
	assert.Equal(t, 2, run.Data.Tick.Completed)
	assert.Equal(t, 2, run.Data.Tick.Failed)

	out, err = e.run(t, "--format", "json", "retry")
	require.NoError(t, err)
	retry := decode[engine.RetryReport](t, out)
	assert.Equal(t, 1, retry.Data.Candidates, "config failures are not retried")
	assert.Equal(t, 1, retry.Data.Requeued)

	queued := e.entries(t, "--status", "queued")
	require.Len(t, queued, 1)
	assert.Equal(t, model.PlatformYouTube, queued[0].TargetPlatform)
	assert.Equal(t, 1, queued[0].RetryCount)
	assert.True(t, queued[0].ScheduledFor.Equal(t0.Add(engine.DefaultRetryBaseDelay)))
}

func TestQueueCancel(t *testing.T) {
	e := newEnv(t)
	_, err := e.run(t, "ingest", e.write(t, "content.yaml", contentYAML))
	require.NoError(t, err)
	_, err = e.run(t, "rank")
	require.NoError(t, err)

	queued := e.entries(t, "--source", "ig_200", "--platform", "youtube")
	require.Len(t, queued, 1)
	id := queued[0].ID

	out, err := e.run(t, "queue", "cancel", id)
	require.NoError(t, err)
	assert.Contains(t, out, "was queued")

	out, err = e.run(t, "--format", "json", "queue", "cancel", id)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	resp := decode[any](t, out)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeConflict, resp.Error.Code)

	out, err = e.run(t, "--format", "json", "queue", "cancel", "no-such-entry")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, CodeNotFound, decode[any](t, out).Error.Code)
}

func TestQueueList_Text(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "queue", "list")
	require.NoError(t, err)
	assert.Equal(t, "No entries.\n", out)

	_, err = e.run(t, "ingest", e.write(t, "content.yaml", contentYAML))
	require.NoError(t, err)
	_, err = e.run(t, "rank")
	require.NoError(t, err)

	out, err = e.run(t, "queue", "list", "--limit", "2")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ID"))
	assert.Contains(t, lines[1], "queued")
}

func TestQueueList_BadFlags(t *testing.T) {
	e := newEnv(t)
	for _, args := range [][]string{
		{"queue", "list", "--status", "done"},
		{"queue", "list", "--platform", "tiktok"},
		{"queue", "list", "--limit", "0"},
	} {
		_, err := e.run(t, args...)
		require.Error(t, err, args)
		assert.Equal(t, ExitCommandError, GetExitCode(err), args)
	}
}

func TestConfigValidate(t *testing.T) {
	e := newEnv(t)

	out, err := e.run(t, "--format", "json", "config", "validate")
	require.NoError(t, err)
	resp := decode[validResult](t, out)
	assert.True(t, resp.Data.Valid)
	assert.Len(t, resp.Data.Version, 12)
	assert.Equal(t, e.config, resp.Data.Source)

	bad := e.write(t, "bad.yaml", "executor:\n  batch_size: 0\n")
	out, err = execute(t, &RootOptions{}, "--config", bad, "--format", "json", "config", "validate")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	failed := decode[any](t, out)
	require.NotNil(t, failed.Error)
	assert.Equal(t, config.ErrSchema, failed.Error.Code)
	assert.Contains(t, failed.Error.Message, "executor.batch_size")
}

func TestConfigShow_MasksSecrets(t *testing.T) {
	e := newEnv(t)
	t.Setenv("RECAST_PLATFORMS_YOUTUBE_TOKEN", "yt-secret")

	out, err := e.run(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "version:")
	assert.Contains(t, out, "********")
	assert.NotContains(t, out, "yt-secret")
}

func TestDBFlagOverridesConfig(t *testing.T) {
	e := newEnv(t)
	other := filepath.Join(e.dir, "other.db")

	_, err := e.run(t, "--db", other, "ingest", e.write(t, "content.yaml", contentYAML))
	require.NoError(t, err)
	assert.FileExists(t, other)
}

func TestFingerprintCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Clip One.MP4")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{7, 1, 3}, 10000), 0o644))

	want, err := fingerprint.New(fingerprint.DefaultChunkSize).FromFile(path)
	require.NoError(t, err)

	out, err := execute(t, &RootOptions{}, "--format", "json", "fingerprint", path)
	require.NoError(t, err)
	resp := decode[fingerprintResult](t, out)
	assert.Equal(t, want.Hash, resp.Data.Hash)
	assert.Equal(t, int64(30000), resp.Data.Size)
	assert.Equal(t, path, resp.Data.Path)

	out, err = execute(t, &RootOptions{}, "fingerprint", path)
	require.NoError(t, err)
	assert.Equal(t, want.Hash+"  30000  "+path+"\n", out)

	_, err = execute(t, &RootOptions{}, "fingerprint", filepath.Join(dir, "missing.mp4"))
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestScoreGolden(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	out, err := execute(t, &RootOptions{}, "score", "2850", "312", "47")
	require.NoError(t, err)
	g.Assert(t, "score_text", []byte(out))

	out, err = execute(t, &RootOptions{}, "--format", "json", "score", "1000", "100", "50")
	require.NoError(t, err)
	g.Assert(t, "score_json", []byte(out))
}

func TestScore_RejectsBadCounts(t *testing.T) {
	// "--" ends flag parsing so the negative count reaches validation.
	for _, args := range [][]string{{"1", "2", "x"}, {"--", "-1", "0", "0"}} {
		_, err := execute(t, &RootOptions{}, append([]string{"score"}, args...)...)
		require.Error(t, err)
		assert.Equal(t, ExitCommandError, GetExitCode(err))
	}
}
