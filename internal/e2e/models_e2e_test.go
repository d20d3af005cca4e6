package e2e

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func ollamaServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/pull" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, l := range lines {
			_, _ = w.Write([]byte(l + "\n"))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type taskStatus struct {
	State    string `json:"state"`
	Progress int    `json:"progress"`
	Error    string `json:"error"`
}

func waitTerminal(t *testing.T, s *stack, id string) taskStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, b := call(t, http.MethodGet, s.srv.URL+"/api/v1/models/install/"+id, "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status: %d %s", resp.StatusCode, b)
		}
		var st taskStatus
		if err := json.Unmarshal(b, &st); err != nil {
			t.Fatalf("decode: %v", err)
		}
		switch st.State {
		case "completed", "error", "canceled":
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s did not finish", id)
	return taskStatus{}
}

func submitModel(t *testing.T, s *stack, server string) string {
	t.Helper()
	resp, b := call(t, http.MethodPost, s.srv.URL+"/api/v1/models/install", "",
		map[string]string{"name": "llama2", "server_url": server})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit: %d %s", resp.StatusCode, b)
	}
	var out struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(b, &out); err != nil || out.TaskID == "" {
		t.Fatalf("submit response %s: %v", b, err)
	}
	return out.TaskID
}

func TestE2E_ModelInstallCompletes(t *testing.T) {
	s := newStack(t)
	up := ollamaServer(t,
		`{"status":"pulling manifest"}`,
		`{"status":"downloading","total":100,"completed":40}`,
		`{"status":"verifying sha256 digest"}`,
		`{"status":"success"}`,
	)
	st := waitTerminal(t, s, submitModel(t, s, up.URL))
	if st.State != "completed" || st.Progress != 100 {
		t.Fatalf("final=%+v", st)
	}
}

func TestE2E_ModelInstallWithoutSuccessFails(t *testing.T) {
	s := newStack(t)
	up := ollamaServer(t, `{"status":"downloading","total":100,"completed":10}`)
	st := waitTerminal(t, s, submitModel(t, s, up.URL))
	if st.State != "error" || st.Error == "" {
		t.Fatalf("final=%+v", st)
	}
}
