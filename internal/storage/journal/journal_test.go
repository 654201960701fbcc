package journal

import (
	"compress/gzip"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-timer/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func fixedNow() time.Time { return time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC) }

func openTestJournal(t *testing.T, fs afero.Fs, opts Options) *Journal {
	t.Helper()
	if opts.Now == nil {
		opts.Now = fixedNow
	}
	j, err := Open(fs, "/data/records.journal", opts)
	require.NoError(t, err)
	return j
}

func record(id string) types.Record {
	return types.Record{ID: id, TimerID: "t-" + id, SessionID: "s1", SessionTitle: "Deep work", Duration: 1500, FinalDuration: 1500, FinishedAt: 42}
}

func replayAll(t *testing.T, j *Journal) []Entry {
	t.Helper()
	var out []Entry
	require.NoError(t, j.Replay(func(e Entry) error {
		out = append(out, e)
		return nil
	}))
	return out
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestAppendAndReplay(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/data", 0o755))
	j := openTestJournal(t, fs, Options{SyncOnAppend: true})
	defer j.Close()

	for _, id := range []string{"r1", "r2", "r3"} {
		_, err := j.Append(record(id))
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(3), j.LastSeq())

	entries := replayAll(t, j)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.Equal(t, EntryFinish, e.Type)
		assert.Equal(t, fixedNow().UnixMilli(), e.Timestamp)
	}
	assert.Equal(t, "r2", entries[1].Record.ID)
	assert.Equal(t, "Deep work", entries[1].Record.SessionTitle)
}

func TestReopenContinuesSequence(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/data", 0o755))

	j := openTestJournal(t, fs, Options{})
	_, err := j.Append(record("r1"))
	require.NoError(t, err)
	_, err = j.Append(record("r2"))
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j2 := openTestJournal(t, fs, Options{})
	defer j2.Close()
	assert.Equal(t, uint64(2), j2.LastSeq())

	seq, err := j2.Append(record("r3"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
	assert.Len(t, replayAll(t, j2), 3)
}

func TestReplayDetectsTampering(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/data", 0o755))
	j := openTestJournal(t, fs, Options{})
	_, err := j.Append(record("r1"))
	require.NoError(t, err)
	require.NoError(t, j.Close())

	raw, err := afero.ReadFile(fs, "/data/records.journal")
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), `"duration":1500`, `"duration":9999`, 1)
	require.NoError(t, afero.WriteFile(fs, "/data/records.journal", []byte(tampered), 0o644))

	j2 := openTestJournal(t, fs, Options{})
	defer j2.Close()
	err = j2.Replay(func(Entry) error { return nil })
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	var ce *ChecksumError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, uint64(1), ce.Seq)
}

func TestReplayStopsAtTornLine(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/data", 0o755))
	j := openTestJournal(t, fs, Options{})
	_, err := j.Append(record("r1"))
	require.NoError(t, err)
	require.NoError(t, j.Close())

	f, err := fs.OpenFile("/data/records.journal", os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte(`{"seq":2,"type":"FIN`))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	j2 := openTestJournal(t, fs, Options{})
	defer j2.Close()
	assert.Equal(t, uint64(1), j2.LastSeq())

	var seen []string
	err = j2.Replay(func(e Entry) error {
		seen = append(seen, e.Record.ID)
		return nil
	})
	assert.ErrorIs(t, err, ErrCorrupted)
	assert.Equal(t, []string{"r1"}, seen)
}

func TestHandlerErrorStopsReplay(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/data", 0o755))
	j := openTestJournal(t, fs, Options{})
	defer j.Close()
	_, _ = j.Append(record("r1"))
	_, _ = j.Append(record("r2"))

	boom := errors.New("boom")
	calls := 0
	err := j.Replay(func(Entry) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRotateArchivesAndResets(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/data", 0o755))
	j := openTestJournal(t, fs, Options{Archive: true})
	defer j.Close()

	_, err := j.Append(record("r1"))
	require.NoError(t, err)
	require.NoError(t, j.Rotate())

	assert.Equal(t, uint64(0), j.LastSeq())
	assert.Empty(t, replayAll(t, j))

	archive := "/data/records.journal." + fixedNow().Format("20060102_150405") + ".gz"
	f, err := fs.Open(archive)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	content, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Contains(t, string(content), `"id":"r1"`)

	seq, err := j.Append(record("r2"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
}

func TestRotateWithoutArchive(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/data", 0o755))
	j := openTestJournal(t, fs, Options{})
	defer j.Close()

	_, _ = j.Append(record("r1"))
	require.NoError(t, j.Rotate())

	matches, err := afero.Glob(fs, "/data/*.gz")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestClosedJournal(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/data", 0o755))
	j := openTestJournal(t, fs, Options{})
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	_, err := j.Append(record("r1"))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, j.Rotate(), ErrClosed)
}
