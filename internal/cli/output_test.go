package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stravasync/internal/compact"
	"github.com/roach88/stravasync/internal/config"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Success(map[string]int{"fetched": 3})
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
	assert.Empty(t, resp.RunID)
}

func TestOutputFormatter_JSONSuccessRun(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.SuccessRun("run-0001", CompactReport{RunID: "run-0001", Version: 2})
	require.NoError(t, err)

	var resp struct {
		Status string        `json:"status"`
		RunID  string        `json:"run_id"`
		Data   CompactReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "run-0001", resp.RunID)
	assert.Equal(t, int64(2), resp.Data.Version)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Error("E_CONFIG", "invalid config", map[string]string{"field": "per_page"})
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_CONFIG", resp.Error.Code)
	assert.Equal(t, "invalid config", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextSuccessUsesStringer(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	err := formatter.Success(ReconcileReport{Version: 4, Selected: 3, Fetched: 2, NotFound: 1})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Reconciled against canonical version 4")
	assert.Contains(t, buf.String(), "selected 3, fetched 2, not found 1")
}

func TestOutputFormatter_TextError(t *testing.T) {
	tests := []struct {
		name        string
		verbose     bool
		wantDetails bool
	}{
		{"quiet", false, false},
		{"verbose", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			formatter := &OutputFormatter{
				Format:  "text",
				Writer:  buf,
				Verbose: tt.verbose,
			}

			require.NoError(t, formatter.Error("E_UPSTREAM", "pull failed", "status 429"))
			assert.Contains(t, buf.String(), "Error [E_UPSTREAM]: pull failed")
			if tt.wantDetails {
				assert.Contains(t, buf.String(), "Details: status 429")
			} else {
				assert.NotContains(t, buf.String(), "Details:")
			}
		})
	}
}

func TestOutputFormatter_VerboseLogUsesErrWriter(t *testing.T) {
	out := &bytes.Buffer{}
	diag := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:    "json",
		Writer:    out,
		ErrWriter: diag,
		Verbose:   true,
	}

	formatter.VerboseLog("scanning %d shards", 3)
	assert.Empty(t, out.String())
	assert.Equal(t, "scanning 3 shards\n", diag.String())

	formatter.Verbose = false
	formatter.VerboseLog("dropped")
	assert.NotContains(t, diag.String(), "dropped")
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad flag")))
	assert.Equal(t, ExitConflict, GetExitCode(fmt.Errorf("wrapped: %w", NewExitError(ExitConflict, "locked"))))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
}

func TestStageError(t *testing.T) {
	conflict := &compact.ConflictError{Holder: "run-0001", AcquiredAt: time.Unix(0, 0)}

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"publish conflict", fmt.Errorf("compact: %w", conflict), ExitConflict},
		{"config", &config.Error{Source: "stravasync.yaml", Err: errors.New("per_page out of range")}, ExitCommandError},
		{"other", errors.New("disk full"), ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := stageError("stage failed", tt.err)
			assert.Equal(t, tt.want, err.Code)
			assert.ErrorIs(t, err, tt.err)
			assert.Contains(t, err.Error(), "stage failed: ")
		})
	}
}
