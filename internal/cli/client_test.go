package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/iteratedev/iterate/internal/config"
	"github.com/iteratedev/iterate/internal/store"
)

func TestDaemonClientCreateIterationSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want %s", r.Method, http.MethodPost)
		}
		if r.URL.Path != "/api/iterations" {
			t.Errorf("path = %s, want /api/iterations", r.URL.Path)
		}
		var req map[string]string
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if req["name"] != "exp1" || req["baseBranch"] != "main" {
			t.Errorf("request = %v", req)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(store.Iteration{Name: "exp1", Status: store.StatusReady, Port: 3101})
	}))
	defer srv.Close()

	client := &DaemonClient{BaseURL: srv.URL, HTTPClient: srv.Client()}
	it, err := client.CreateIteration(context.Background(), "exp1", "main")
	if err != nil {
		t.Fatalf("CreateIteration: %v", err)
	}
	if it.Name != "exp1" || it.Status != store.StatusReady || it.Port != 3101 {
		t.Fatalf("iteration = %+v", it)
	}
}

func TestDaemonClientReturnsDaemonError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"iteration already exists: exp1"}`))
	}))
	defer srv.Close()

	client := &DaemonClient{BaseURL: srv.URL, HTTPClient: srv.Client()}
	_, err := client.CreateIteration(context.Background(), "exp1", "")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "(409): iteration already exists") {
		t.Fatalf("error = %q", err)
	}
}

func TestDaemonClientEscapesNames(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := &DaemonClient{BaseURL: srv.URL, HTTPClient: srv.Client()}
	err := client.RemoveIteration(context.Background(), "a/b")
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("error = %v, want 404", err)
	}
	if gotPath != "/api/iterations/a%2Fb" {
		t.Fatalf("path = %q, want /api/iterations/a%%2Fb", gotPath)
	}
}

func TestDaemonClientPickAndLogs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/iterations/pick":
			fmt.Fprint(w, `{"picked":"x","strategy":"squash","commit":"abc123"}`)
		case "/api/iterations/x/logs":
			fmt.Fprint(w, `{"name":"x","lines":["[x] one","[x] two"]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := &DaemonClient{BaseURL: srv.URL + "/", HTTPClient: srv.Client()}
	result, err := client.Pick(context.Background(), "x", "squash")
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}
	if result.Picked != "x" || result.Commit != "abc123" {
		t.Fatalf("pick = %+v", result)
	}
	lines, err := client.Logs(context.Background(), "x")
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if len(lines) != 2 || lines[1] != "[x] two" {
		t.Fatalf("lines = %v", lines)
	}
}

func TestConnectDaemonFallsBackToConfiguredPort(t *testing.T) {
	repo := t.TempDir()
	if err := os.MkdirAll(filepath.Join(repo, ".iterate"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(repo, ".iterate", "config.json"), []byte(`{"daemonPort": 4555}`), 0644); err != nil {
		t.Fatal(err)
	}

	client, err := connectDaemon(repo)
	if err != nil {
		t.Fatalf("connectDaemon: %v", err)
	}
	if client.BaseURL != "http://127.0.0.1:4555" {
		t.Fatalf("BaseURL = %q, want http://127.0.0.1:4555", client.BaseURL)
	}
}

func TestConnectDaemonUsesRuntimeState(t *testing.T) {
	repo := t.TempDir()
	if _, err := config.EnsureDir(repo); err != nil {
		t.Fatal(err)
	}
	state := daemonRuntimeState{PID: os.Getpid(), URL: "http://127.0.0.1:4999/", Port: 4999, Host: "127.0.0.1", Repo: repo}
	if err := writeDaemonRuntimeFiles(daemonPIDFilePath(repo), daemonStateFilePath(repo), state); err != nil {
		t.Fatalf("writeDaemonRuntimeFiles: %v", err)
	}

	client, err := connectDaemon(repo)
	if err != nil {
		t.Fatalf("connectDaemon: %v", err)
	}
	if client.BaseURL != "http://127.0.0.1:4999" {
		t.Fatalf("BaseURL = %q, want http://127.0.0.1:4999", client.BaseURL)
	}
}
