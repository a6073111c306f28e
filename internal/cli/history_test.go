package cli

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/telecommand/internal/ir"
)

// seedHistory executes a few commands into a fresh database.
func seedHistory(t *testing.T) string {
	t.Helper()
	db := filepath.Join(t.TempDir(), "history.db")

	_, err := executeCLI(t, "--db", db, "--operator", "alice", "exec", catalogDir, "/SAT/OBC/NOOP")
	require.NoError(t, err)
	_, err = executeCLI(t, "--db", db, "--operator", "bob", "exec", catalogDir, "/SAT/PAYLOAD/FIRE", "--world", worldFile)
	require.Error(t, err)
	_, err = executeCLI(t, "--db", db, "--operator", "alice", "exec", catalogDir, "/SAT/OBC/NOOP", "--args", `{"tag":"again"}`)
	require.NoError(t, err)
	return db
}

func TestHistory_All(t *testing.T) {
	db := seedHistory(t)

	output, err := executeCLI(t, "--db", db, "--format", "json", "history")
	require.NoError(t, err)

	resp := decodeResponse[RecordList](t, output)
	require.Len(t, resp.Data, 3)
	for i, rec := range resp.Data {
		assert.Equal(t, int64(i+1), rec.Seq)
	}
	assert.Equal(t, string(ir.StatusRejected), resp.Data[1].Status)
}

func TestHistory_Filters(t *testing.T) {
	db := seedHistory(t)

	tests := []struct {
		name    string
		args    []string
		wantSeq []int64
	}{
		{"namespace_prefix", []string{"--namespace", "/SAT/"}, []int64{1, 2, 3}},
		{"namespace_exact", []string{"--namespace", "/SAT/OBC"}, []int64{1, 3}},
		{"command", []string{"--command", "FIRE"}, []int64{2}},
		{"status", []string{"--status", "rejected"}, []int64{2}},
		{"statuses", []string{"--status", "rejected", "--status", "success"}, []int64{1, 2, 3}},
		{"issued_by", []string{"--issued-by", "alice"}, []int64{1, 3}},
		{"limit_offset", []string{"--limit", "1", "--offset", "1"}, []int64{2}},
		{"until_past", []string{"--until", "2000-01-01T00:00:00Z"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--db", db, "--format", "json", "history"}, tt.args...)
			output, err := executeCLI(t, args...)
			require.NoError(t, err)

			resp := decodeResponse[RecordList](t, output)
			var seqs []int64
			for _, rec := range resp.Data {
				seqs = append(seqs, rec.Seq)
			}
			assert.Equal(t, tt.wantSeq, seqs)
		})
	}
}

func TestHistory_TextEmpty(t *testing.T) {
	db := seedHistory(t)

	output, err := executeCLI(t, "--db", db, "history", "--run", "run-none")
	require.NoError(t, err)
	assert.Contains(t, output, "No records.")
}

func TestHistory_RequiresDatabase(t *testing.T) {
	t.Setenv("TELECOMMAND_DB", "")

	_, err := executeCLI(t, "history")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestHistoryOptions_BuildFilter(t *testing.T) {
	opts := &HistoryOptions{
		Namespace: "/SAT/",
		Statuses:  []string{"failed", "timeout"},
		Since:     "2026-01-01T00:00:00Z",
		Until:     "2026-02-01T00:00:00Z",
		Limit:     10,
	}
	f, err := opts.buildFilter()
	require.NoError(t, err)
	assert.Equal(t, "/SAT/", f.Namespace)
	assert.Equal(t, []ir.RecordStatus{ir.StatusFailed, ir.StatusTimeout}, f.Statuses)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), f.Since)
	assert.Equal(t, 10, f.Limit)

	invalid := []*HistoryOptions{
		{Statuses: []string{"lost"}},
		{Since: "yesterday"},
		{Since: "2026-02-01T00:00:00Z", Until: "2026-01-01T00:00:00Z"},
		{Limit: -1},
	}
	for _, o := range invalid {
		_, err := o.buildFilter()
		assert.Error(t, err, "%+v", o)
	}
}
