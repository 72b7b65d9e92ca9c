package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"vibedeck/internal/command"
	"vibedeck/internal/event"
	"vibedeck/internal/gitws"
	"vibedeck/internal/metrics"
	"vibedeck/internal/ports"
	"vibedeck/internal/preview"
	"vibedeck/internal/terminal"
)

type noopGit struct {
	exists bool
}

func (g noopGit) BranchExists(ctx context.Context, repo, branch string) (bool, error) {
	return g.exists, nil
}

func (g noopGit) CloneOrUpdate(ctx context.Context, repo, branch, dir string) error {
	return nil
}

func (g noopGit) HeadCommit(ctx context.Context, dir string) (gitws.Commit, error) {
	return gitws.Commit{ShortHash: "deadbeef"}, nil
}

type noopRunner struct{}

func (noopRunner) Run(ctx context.Context, spec command.Spec) (command.Output, error) {
	return command.Output{}, nil
}

type noopHandle struct {
	done chan error
}

func (h *noopHandle) PID() int                       { return 12345 }
func (h *noopHandle) Done() <-chan error             { return h.done }
func (h *noopHandle) Stop(ctx context.Context) error { return nil }

type noopLauncher struct{}

func (noopLauncher) Launch(spec preview.LaunchSpec, onLine func(string)) (preview.Handle, error) {
	return &noopHandle{done: make(chan error, 1)}, nil
}

type instantHealth struct{}

func (instantHealth) Wait(ctx context.Context, port int) error { return nil }

func newTestServer(t *testing.T, token string) (*Server, *httptest.Server) {
	t.Helper()
	registry := &metrics.Registry{}
	allocator := ports.NewAllocator(4000, 4099)
	terminalBus := event.NewBus[event.TerminalEvent](context.Background(), event.BusOptions{Name: "t", Registry: registry})
	previewBus := event.NewBus[event.PreviewEvent](context.Background(), event.BusOptions{Name: "p", Registry: registry})
	t.Cleanup(terminalBus.Close)
	t.Cleanup(previewBus.Close)

	manager := terminal.NewManager(terminal.ManagerOptions{
		Shell:    "/bin/sh",
		Bus:      terminalBus,
		Registry: registry,
	})
	previews := preview.NewService(preview.Options{
		Git:           noopGit{exists: true},
		Runner:        noopRunner{},
		Launcher:      noopLauncher{},
		Allocator:     allocator,
		Bus:           previewBus,
		Registry:      registry,
		WorkspaceRoot: t.TempDir(),
		Health:        instantHealth{},
		Detect: func(dir string) preview.ProjectType {
			return preview.ProjectStatic
		},
	})

	server := &Server{
		Manager:     manager,
		Previews:    previews,
		Allocator:   allocator,
		Registry:    registry,
		TerminalBus: terminalBus,
		PreviewBus:  previewBus,
		AuthToken:   token,
	}
	ts := httptest.NewServer(server.Routes())
	t.Cleanup(ts.Close)
	return server, ts
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	response, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer response.Body.Close()
	if out != nil && response.StatusCode < 300 {
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return response.StatusCode
}

func TestStatusEndpoint(t *testing.T) {
	_, ts := newTestServer(t, "")

	var status statusResponse
	if code := getJSON(t, ts.URL+"/api/status", &status); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if status.Status != "ok" {
		t.Fatalf("status = %q", status.Status)
	}
	if status.Ports.Total != 100 {
		t.Fatalf("port total = %d, want 100", status.Ports.Total)
	}
}

func TestAuthTokenRequired(t *testing.T) {
	_, ts := newTestServer(t, "secret")

	if code := getJSON(t, ts.URL+"/api/status", nil); code != http.StatusUnauthorized {
		t.Fatalf("without token: code = %d, want 401", code)
	}
	if code := getJSON(t, ts.URL+"/api/status?token=secret", nil); code != http.StatusOK {
		t.Fatalf("with query token: code = %d, want 200", code)
	}

	request, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/status", nil)
	request.Header.Set("Authorization", "Bearer secret")
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatal(err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("with bearer token: code = %d, want 200", response.StatusCode)
	}
}

func TestSpawnRemoteTerminalRejected(t *testing.T) {
	_, ts := newTestServer(t, "")

	body := strings.NewReader(`{"agent_id":"a1","location":"remote","isolation":"docker"}`)
	response, err := http.Post(ts.URL+"/api/terminals", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("code = %d, want 422", response.StatusCode)
	}
}

func TestUnknownTerminalRoutes(t *testing.T) {
	_, ts := newTestServer(t, "")

	if code := getJSON(t, ts.URL+"/api/terminals/ghost", nil); code != http.StatusNotFound {
		t.Fatalf("get unknown: code = %d, want 404", code)
	}

	request, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/terminals/ghost", nil)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatal(err)
	}
	response.Body.Close()
	// Killing an unknown agent is a no-op.
	if response.StatusCode != http.StatusNoContent {
		t.Fatalf("delete unknown: code = %d, want 204", response.StatusCode)
	}
}

func TestCreatePreviewMissingBranch(t *testing.T) {
	server, ts := newTestServer(t, "")
	server.Previews = preview.NewService(preview.Options{
		Git:           noopGit{exists: false},
		Runner:        noopRunner{},
		Launcher:      noopLauncher{},
		Allocator:     server.Allocator,
		Registry:      server.Registry,
		WorkspaceRoot: t.TempDir(),
		Health:        instantHealth{},
	})

	body := strings.NewReader(`{"team_id":"team-a","branch":"gone","repo":"git@example.com:a/b.git"}`)
	response, err := http.Post(ts.URL+"/api/previews", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusNotFound {
		t.Fatalf("code = %d, want 404", response.StatusCode)
	}
}

func TestCreateAndFetchPreview(t *testing.T) {
	_, ts := newTestServer(t, "")

	body := strings.NewReader(`{"team_id":"team-a","branch":"main","repo":"git@example.com:a/b.git"}`)
	response, err := http.Post(ts.URL+"/api/previews", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	var created preview.Deployment
	if err := json.NewDecoder(response.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusAccepted {
		t.Fatalf("code = %d, want 202", response.StatusCode)
	}
	if created.Port == 0 {
		t.Fatal("no port assigned")
	}

	deadline := time.After(2 * time.Second)
	for {
		var fetched struct {
			preview.Deployment
			Logs []string `json:"logs"`
		}
		code := getJSON(t, ts.URL+"/api/previews/team-a/main", &fetched)
		if code == http.StatusOK && fetched.Status == preview.StatusRunning {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("preview never became running (last code %d, status %s)", code, fetched.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t, "secret")

	// Metrics are scrapeable without the token.
	response, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("code = %d, want 200", response.StatusCode)
	}
	buf := make([]byte, 4096)
	n, _ := response.Body.Read(buf)
	if !strings.Contains(string(buf[:n]), "vibedeck_sessions_spawned_total") {
		t.Fatalf("metrics output missing counters: %q", buf[:n])
	}
}
