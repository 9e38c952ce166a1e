package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nvandessel/simcore/internal/lifecycle"
	"github.com/nvandessel/simcore/internal/models"
	"github.com/nvandessel/simcore/internal/ratelimit"
	"github.com/nvandessel/simcore/internal/store"
)

type fakeController struct {
	mu      sync.Mutex
	status  lifecycle.Status
	current *models.SimulationConfig
	started []*models.SimulationConfig
	stops   int
	editor  []string
}

func (c *fakeController) StartSimulation(cfg *models.SimulationConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != lifecycle.Idle {
		return lifecycle.ErrIllegalTransition
	}
	c.started = append(c.started, cfg)
	c.current = cfg
	c.status = lifecycle.Loading
	return nil
}

func (c *fakeController) StopAsync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
}

func (c *fakeController) EnterScenarioEditor() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.editor = append(c.editor, "enter")
}

func (c *fakeController) ExitScenarioEditor() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.editor = append(c.editor, "exit")
}

func (c *fakeController) Snapshot() lifecycle.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := lifecycle.Snapshot{Status: c.status, Label: c.status.External()}
	if c.current != nil {
		snap.SimulationID = c.current.ID
	}
	return snap
}

func (c *fakeController) Current() *models.SimulationConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

const scenarioYAML = `
id: sim-7
name: merge
map:
  id: map-1
  name: BorregasAve
vehicles:
  - name: Ego
    asset_id: veh-1
    bridge:
      type: ros2
      address: localhost:9090
    sensors:
      - name: Lidar
        plugin_id: lidar-1
template:
  id: scenario-runner
`

func setupTestServer(t *testing.T) (*Server, *fakeController, string) {
	t.Helper()
	dir := t.TempDir()
	ctrl := &fakeController{}
	st, err := store.NewSQLiteStore(filepath.Join(dir, "data"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	server, err := NewServer(&Config{
		Name:       "test-server",
		Version:    "v1.0.0",
		Controller: ctrl,
		History:    st,
		AuditDir:   dir,
	})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	t.Cleanup(func() { server.Close() })
	return server, ctrl, dir
}

func TestNewServer_RequiresController(t *testing.T) {
	if _, err := NewServer(&Config{Name: "x"}); err == nil {
		t.Error("expected error without controller")
	}
}

func TestHandleStart(t *testing.T) {
	ctx := context.Background()

	t.Run("inline scenario", func(t *testing.T) {
		server, ctrl, _ := setupTestServer(t)
		_, out, err := server.handleStart(ctx, nil, StartInput{Scenario: scenarioYAML})
		if err != nil {
			t.Fatalf("handleStart() error = %v", err)
		}
		if out.SimulationID != "sim-7" || out.TestReportID == "" {
			t.Errorf("output = %+v", out)
		}
		want := []string{"environment/map-1", "vehicle/veh-1", "sensor/lidar-1"}
		if strings.Join(out.Assets, ",") != strings.Join(want, ",") {
			t.Errorf("assets = %v, want %v", out.Assets, want)
		}
		if len(ctrl.started) != 1 || ctrl.started[0].Agents[0].Bridge == nil {
			t.Errorf("started = %+v", ctrl.started)
		}
	})

	t.Run("scenario file", func(t *testing.T) {
		server, ctrl, dir := setupTestServer(t)
		path := filepath.Join(dir, "scenario.yaml")
		if err := os.WriteFile(path, []byte(scenarioYAML), 0600); err != nil {
			t.Fatal(err)
		}
		if _, _, err := server.handleStart(ctx, nil, StartInput{ScenarioPath: path}); err != nil {
			t.Fatalf("handleStart() error = %v", err)
		}
		if len(ctrl.started) != 1 {
			t.Errorf("started = %d, want 1", len(ctrl.started))
		}
	})

	t.Run("scenario outside allowed dirs", func(t *testing.T) {
		server, ctrl, dir := setupTestServer(t)
		server.scenarioDirs = []string{filepath.Join(dir, "scenarios")}
		path := filepath.Join(dir, "scenario.yaml")
		if err := os.WriteFile(path, []byte(scenarioYAML), 0600); err != nil {
			t.Fatal(err)
		}
		_, _, err := server.handleStart(ctx, nil, StartInput{ScenarioPath: path})
		if err == nil || !strings.Contains(err.Error(), "outside the allowed directories") {
			t.Errorf("error = %v, want outside the allowed directories", err)
		}
		if len(ctrl.started) != 0 {
			t.Error("nothing should be started")
		}

		server.scenarioDirs = []string{dir}
		if _, _, err := server.handleStart(ctx, nil, StartInput{ScenarioPath: path}); err != nil {
			t.Errorf("handleStart() inside allowed dir error = %v", err)
		}
	})

	errCases := []struct {
		name  string
		input StartInput
		want  string
	}{
		{"nothing", StartInput{}, "required"},
		{"both", StartInput{ScenarioPath: "a.yaml", Scenario: scenarioYAML}, "mutually exclusive"},
		{"missing file", StartInput{ScenarioPath: "/nonexistent/a.yaml"}, "reading simulation request"},
		{"bad yaml", StartInput{Scenario: "vehicles: ["}, "parsing simulation request"},
		{"unknown bridge", StartInput{Scenario: "vehicles:\n  - name: Ego\n    asset_id: v\n    bridge:\n      type: carrier-pigeon\n"}, "bridge"},
	}
	for _, tt := range errCases {
		t.Run(tt.name, func(t *testing.T) {
			server, ctrl, _ := setupTestServer(t)
			_, _, err := server.handleStart(ctx, nil, tt.input)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want containing %q", err, tt.want)
			}
			if len(ctrl.started) != 0 {
				t.Error("nothing should be started")
			}
		})
	}

	t.Run("rejected while active", func(t *testing.T) {
		server, ctrl, _ := setupTestServer(t)
		ctrl.status = lifecycle.Running
		_, _, err := server.handleStart(ctx, nil, StartInput{Scenario: scenarioYAML})
		if !errors.Is(err, lifecycle.ErrIllegalTransition) {
			t.Errorf("error = %v, want ErrIllegalTransition", err)
		}
	})

	t.Run("rate limited", func(t *testing.T) {
		server, _, _ := setupTestServer(t)
		var err error
		for i := 0; i < 3; i++ {
			_, _, err = server.handleStart(ctx, nil, StartInput{})
		}
		if !errors.Is(err, ratelimit.ErrLimited) {
			t.Errorf("third call = %v, want ErrLimited", err)
		}
	})
}

func TestHandleStopAndStatus(t *testing.T) {
	server, ctrl, _ := setupTestServer(t)
	ctx := context.Background()

	_, out, err := server.handleStop(ctx, nil, StopInput{})
	if err != nil {
		t.Fatal(err)
	}
	if ctrl.stops != 0 || out.Status != "Idle" {
		t.Errorf("stop while idle: stops = %d, out = %+v", ctrl.stops, out)
	}

	if _, _, err := server.handleStart(ctx, nil, StartInput{Scenario: scenarioYAML}); err != nil {
		t.Fatal(err)
	}
	_, status, err := server.handleStatus(ctx, nil, StatusInput{})
	if err != nil {
		t.Fatal(err)
	}
	// Loading is reported as Starting.
	if status.Status != "Starting" || status.SimulationID != "sim-7" || status.MapName != "BorregasAve" || status.Agents != 1 {
		t.Errorf("status = %+v", status)
	}

	_, out, err = server.handleStop(ctx, nil, StopInput{})
	if err != nil {
		t.Fatal(err)
	}
	if ctrl.stops != 1 || !strings.Contains(out.Message, "sim-7") {
		t.Errorf("stops = %d, out = %+v", ctrl.stops, out)
	}
}

func TestHandleEditor(t *testing.T) {
	server, ctrl, _ := setupTestServer(t)
	ctx := context.Background()

	if _, _, err := server.handleEditor(ctx, nil, EditorInput{Action: "enter"}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := server.handleEditor(ctx, nil, EditorInput{Action: "exit"}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := server.handleEditor(ctx, nil, EditorInput{Action: "toggle"}); err == nil {
		t.Error("expected error for invalid action")
	}
	ctrl.status = lifecycle.Running
	if _, _, err := server.handleEditor(ctx, nil, EditorInput{Action: "enter"}); err == nil {
		t.Error("expected error entering the editor during a run")
	}
	if strings.Join(ctrl.editor, ",") != "enter,exit" {
		t.Errorf("editor calls = %v", ctrl.editor)
	}
}

func TestHandleHistory(t *testing.T) {
	server, _, _ := setupTestServer(t)
	ctx := context.Background()
	st := server.history.(*store.SQLiteStore)

	for _, id := range []string{"a", "b", "c"} {
		if err := st.SaveSimulation(ctx, &models.SimulationConfig{ID: id, Name: "run " + id}); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.UpdateStatus(ctx, "b", "Error", "map download failed"); err != nil {
		t.Fatal(err)
	}

	_, out, err := server.handleHistory(ctx, nil, HistoryInput{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if out.Count != 2 {
		t.Fatalf("count = %d, want 2", out.Count)
	}

	_, all, err := server.handleHistory(ctx, nil, HistoryInput{})
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, item := range all.Simulations {
		if item.ID == "b" {
			found = item.Status == "Error" && item.Message == "map download failed"
		}
	}
	if all.Count != 3 || !found {
		t.Errorf("history = %+v", all)
	}

	noHistory := &Server{controller: &fakeController{}, toolLimiters: ratelimit.NewToolLimiters()}
	if _, _, err := noHistory.handleHistory(ctx, nil, HistoryInput{}); err == nil {
		t.Error("expected error without a history store")
	}
}

func TestAudit_SanitizesScenario(t *testing.T) {
	server, _, dir := setupTestServer(t)
	ctx := context.Background()

	server.handleStart(ctx, nil, StartInput{Scenario: scenarioYAML})
	server.handleEditor(ctx, nil, EditorInput{Action: "toggle"})
	server.Close()

	f, err := os.Open(filepath.Join(dir, "audit.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var entries []AuditEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("invalid audit line %q: %v", scanner.Text(), err)
		}
		entries = append(entries, e)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Tool != "simulation_start" || entries[0].Status != "success" || entries[0].Params["scenario"] != "(set)" {
		t.Errorf("start entry = %+v", entries[0])
	}
	if _, ok := entries[0].Params["scenario_path"]; ok {
		t.Error("unset params should not be logged")
	}
	if entries[1].Status != "error" || entries[1].Params["action"] != "toggle" {
		t.Errorf("editor entry = %+v", entries[1])
	}
}

func TestAuditLogger_NilSafe(t *testing.T) {
	var a *AuditLogger
	a.Log(AuditEntry{Tool: "x"})
	if err := a.Close(); err != nil {
		t.Error(err)
	}
}

func TestServer_OverTransport(t *testing.T) {
	server, ctrl, _ := setupTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverTransport, clientTransport := sdk.NewInMemoryTransports()
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.RunTransport(ctx, serverTransport) }()

	client := sdk.NewClient(&sdk.Implementation{Name: "client", Version: "v0.0.1"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("connect client: %v", err)
	}
	defer session.Close()

	tools, err := session.ListTools(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, tool := range tools.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"simulation_start", "simulation_stop", "simulation_status", "scenario_editor", "simulation_history"} {
		if !names[want] {
			t.Errorf("tool %s not registered", want)
		}
	}

	res, err := session.CallTool(ctx, &sdk.CallToolParams{
		Name:      "simulation_start",
		Arguments: map[string]any{"scenario": scenarioYAML},
	})
	if err != nil {
		t.Fatalf("call simulation_start: %v", err)
	}
	if res.IsError {
		t.Fatalf("simulation_start failed: %+v", res)
	}
	if len(ctrl.started) != 1 {
		t.Errorf("started = %d, want 1", len(ctrl.started))
	}

	read, err := session.ReadResource(ctx, &sdk.ReadResourceParams{URI: statusResourceURI})
	if err != nil {
		t.Fatal(err)
	}
	var status StatusOutput
	if err := json.Unmarshal([]byte(read.Contents[0].Text), &status); err != nil {
		t.Fatal(err)
	}
	if status.SimulationID != "sim-7" {
		t.Errorf("status resource = %+v", status)
	}

	cancel()
	select {
	case err := <-serveErr:
		if err != nil {
			t.Errorf("RunTransport() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop after cancel")
	}
}
