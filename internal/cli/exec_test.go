package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/telecommand/internal/ir"
)

// jsonResponse decodes a CLIResponse whose data is of type T.
type jsonResponse[T any] struct {
	Status string    `json:"status"`
	Data   T         `json:"data"`
	Error  *CLIError `json:"error"`
}

func decodeResponse[T any](t *testing.T, output string) jsonResponse[T] {
	t.Helper()
	var resp jsonResponse[T]
	require.NoError(t, json.Unmarshal([]byte(output), &resp), output)
	return resp
}

func TestExec_Success(t *testing.T) {
	output, err := executeCLI(t, "exec", catalogDir, "/SAT/OBC/NOOP", "--args", `{"tag":"hello"}`)
	require.NoError(t, err)
	assert.Contains(t, output, "#1 ")
	assert.Contains(t, output, "/SAT/OBC/NOOP success")
	assert.Contains(t, output, "by operator")
}

func TestExec_SuccessJSON(t *testing.T) {
	output, err := executeCLI(t, "--format", "json", "--operator", "alice",
		"exec", catalogDir, "/SAT/OBC/NOOP", "--comments", "pass start")
	require.NoError(t, err)

	resp := decodeResponse[RecordView](t, output)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "/SAT/OBC/NOOP", resp.Data.Command)
	assert.Equal(t, string(ir.StatusSuccess), resp.Data.Status)
	assert.Equal(t, "alice", resp.Data.Operator)
	assert.Equal(t, "ping", resp.Data.Args["tag"], "default applied")
	assert.NotEmpty(t, resp.Data.AckID)
	assert.NotNil(t, resp.Data.FinalizedAt)
}

func TestExec_RejectedByLink(t *testing.T) {
	output, err := executeCLI(t, "--format", "json", "exec", catalogDir, "/SAT/PAYLOAD/FIRE", "--world", worldFile)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	resp := decodeResponse[RecordView](t, output)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, string(ir.StatusRejected), resp.Data.Status)
	require.NotNil(t, resp.Error)
	assert.NotEmpty(t, resp.Error.Message)
}

func TestExec_TimeoutAborts(t *testing.T) {
	output, err := executeCLI(t, "--format", "json", "exec", catalogDir, "/SAT/OBC/PING",
		"--world", worldFile, "--timeout", "200ms")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	resp := decodeResponse[RecordView](t, output)
	assert.Equal(t, string(ir.StatusAborted), resp.Data.Status)
}

func TestExec_ArgumentErrors(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantCode string
	}{
		{"bad_key", []string{"NOOP"}, string(ir.CodeValidation)},
		{"bad_json", []string{"/SAT/OBC/NOOP", "--args", "{"}, string(ir.CodeValidation)},
		{"unknown_command", []string{"/SAT/OBC/NOPE"}, string(ir.CodeNotFound)},
		{"enum_violation", []string{"/SAT/ADCS/SET_MODE", "--args", `{"mode":"SPIN"}`}, string(ir.CodeValidation)},
		{"missing_required", []string{"/SAT/EPS/HEATER"}, string(ir.CodeValidation)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"--format", "json", "exec", catalogDir}, tt.args...)
			output, err := executeCLI(t, args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))

			resp := decodeResponse[json.RawMessage](t, output)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
		})
	}
}

func TestExec_BadCatalogOrWorld(t *testing.T) {
	_, err := executeCLI(t, "exec", "/nonexistent/catalog", "/SAT/OBC/NOOP")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = executeCLI(t, "exec", catalogDir, "/SAT/OBC/NOOP", "--world", "/nonexistent/world.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestExec_PersistsAcrossProcesses(t *testing.T) {
	db := filepath.Join(t.TempDir(), "history.db")

	_, err := executeCLI(t, "--db", db, "exec", catalogDir, "/SAT/OBC/NOOP", "--args", `{"tag":"one"}`)
	require.NoError(t, err)

	output, err := executeCLI(t, "--db", db, "--format", "json", "exec", catalogDir, "/SAT/OBC/NOOP", "--args", `{"tag":"two"}`)
	require.NoError(t, err)
	resp := decodeResponse[RecordView](t, output)
	assert.Equal(t, int64(2), resp.Data.Seq, "seq continues from the stored history")
}
