package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/korsify/internal/jobs"
)

func newFakeServer(t *testing.T, final jobs.StatusResponse) (*httptest.Server, *[]byte) {
	t.Helper()
	var polls atomic.Int32
	var started []byte

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "korsify_session", Value: "s", Path: "/"})
		w.Header().Set("X-CSRF-Token", "tok")
		_, _ = io.WriteString(w, `{"username":"alice","role":"creator"}`)
	})
	mux.HandleFunc("POST /api/generation", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok", r.Header.Get("X-CSRF-Token"))
		started, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"jobId":"job-1"}`)
	})
	mux.HandleFunc("GET /api/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) == 1 {
			_ = json.NewEncoder(w).Encode(jobs.StatusResponse{JobID: "job-1", Status: jobs.StatusProcessing, Phase: jobs.PhaseContentAnalysis, Progress: 20})
			return
		}
		_ = json.NewEncoder(w).Encode(final)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &started
}

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	app := New()
	app.Writer = &out
	app.ErrWriter = &errOut
	err := app.Run(context.Background(), append([]string{"korsify"}, args...))
	return out.String(), errOut.String(), err
}

func TestGenerateWaitCompleted(t *testing.T) {
	srv, started := newFakeServer(t, jobs.StatusResponse{
		JobID: "job-1", Status: jobs.StatusCompleted, Phase: jobs.PhaseFinalization, Progress: 100,
	})

	out, _, err := runCLI(t,
		"--server", srv.URL, "--username", "alice", "--password", "pw",
		"generate", "--course", "c1", "--doc", "d1", "--modules", "2", "--no-examples",
		"--wait", "--interval", "1ms",
	)
	require.NoError(t, err)
	assert.Contains(t, out, "job-1")
	assert.Contains(t, out, "content_analysis")
	assert.Contains(t, out, "100%")
	assert.Contains(t, out, "completed")

	var body struct {
		CourseID    string       `json:"courseId"`
		DocumentIDs []string     `json:"documentIds"`
		Options     jobs.Options `json:"options"`
	}
	require.NoError(t, json.Unmarshal(*started, &body))
	assert.Equal(t, "c1", body.CourseID)
	assert.Equal(t, []string{"d1"}, body.DocumentIDs)
	assert.Equal(t, 2, body.Options.ModuleCount)
	assert.False(t, body.Options.IncludeExamples)
	assert.True(t, body.Options.GenerateQuizzes)
}

func TestGenerateWaitFailed(t *testing.T) {
	srv, _ := newFakeServer(t, jobs.StatusResponse{
		JobID: "job-1", Status: jobs.StatusFailed, Phase: jobs.PhaseContentGeneration, Progress: 40,
		Error: "model unavailable", ErrorKind: jobs.KindUpstream,
	})

	out, _, err := runCLI(t,
		"--server", srv.URL, "--username", "alice", "--password", "pw",
		"status", "--wait", "--interval", "1ms", "job-1",
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UPSTREAM_ERROR")
	assert.Contains(t, out, "model unavailable")
}

func TestGenerateRejectsInvalidOptions(t *testing.T) {
	_, _, err := runCLI(t,
		"--server", "http://127.0.0.1:1", "--username", "alice", "--password", "pw",
		"generate", "--course", "c1", "--doc", "d1", "--modules", "9",
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "moduleCount")
}

func TestConnectRequiresCredentials(t *testing.T) {
	t.Setenv("KORSIFY_USERNAME", "")
	t.Setenv("KORSIFY_PASSWORD", "")
	_, _, err := runCLI(t, "--server", "http://127.0.0.1:1", "whoami")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--username")
}
