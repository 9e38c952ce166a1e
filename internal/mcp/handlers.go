package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nvandessel/simcore/internal/models"
	"github.com/nvandessel/simcore/internal/pathutil"
	"github.com/nvandessel/simcore/internal/ratelimit"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 500

	statusResourceURI = "simcore://simulation/status"
)

// registerTools registers all simcore MCP tools with the server.
func (s *Server) registerTools() {
	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "simulation_start",
		Description: "Start a simulation run from a scenario file or inline scenario. Fails if a run is already active.",
	}, s.handleStart)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "simulation_stop",
		Description: "Stop the active simulation run and return to the idle scene",
	}, s.handleStop)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "simulation_status",
		Description: "Get the lifecycle status of the simulator and the active run",
	}, s.handleStatus)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "scenario_editor",
		Description: "Enter or exit the scenario editor",
	}, s.handleEditor)

	sdk.AddTool(s.server, &sdk.Tool{
		Name:        "simulation_history",
		Description: "List recent simulation runs with their final status",
	}, s.handleHistory)
}

// registerResources registers the status resource.
func (s *Server) registerResources() {
	s.server.AddResource(&sdk.Resource{
		URI:         statusResourceURI,
		Name:        "simcore-status",
		Description: "Current lifecycle status of the simulator.",
		MIMEType:    "application/json",
	}, s.handleStatusResource)
}

func (s *Server) handleStatusResource(ctx context.Context, req *sdk.ReadResourceRequest) (*sdk.ReadResourceResult, error) {
	out := s.status()
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal status: %w", err)
	}
	return &sdk.ReadResourceResult{
		Contents: []*sdk.ResourceContents{{
			URI:      statusResourceURI,
			MIMEType: "application/json",
			Text:     string(data),
		}},
	}, nil
}

func (s *Server) handleStart(ctx context.Context, req *sdk.CallToolRequest, args StartInput) (_ *sdk.CallToolResult, _ StartOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("simulation_start", start, retErr, auditParams(map[string]any{
			"scenario_path": args.ScenarioPath, "scenario": args.Scenario,
		}))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "simulation_start"); err != nil {
		return nil, StartOutput{}, err
	}

	var (
		request *models.Request
		err     error
	)
	switch {
	case args.ScenarioPath != "" && args.Scenario != "":
		return nil, StartOutput{}, fmt.Errorf("scenario_path and scenario are mutually exclusive")
	case args.ScenarioPath != "":
		if len(s.scenarioDirs) > 0 {
			if err := pathutil.Within(args.ScenarioPath, s.scenarioDirs); err != nil {
				return nil, StartOutput{}, fmt.Errorf("scenario_path rejected: %w", err)
			}
		}
		request, err = models.LoadRequest(args.ScenarioPath)
	case args.Scenario != "":
		request, err = models.ParseRequest([]byte(args.Scenario))
	default:
		return nil, StartOutput{}, fmt.Errorf("one of scenario_path or scenario is required")
	}
	if err != nil {
		return nil, StartOutput{}, err
	}

	cfg, err := models.BuildConfig(request, s.bridges)
	if err != nil {
		return nil, StartOutput{}, err
	}
	if err := s.controller.StartSimulation(cfg); err != nil {
		return nil, StartOutput{}, err
	}

	out := StartOutput{
		SimulationID: cfg.ID,
		TestReportID: cfg.TestReportID,
		Message:      fmt.Sprintf("Simulation %s requested", cfg.ID),
	}
	for _, k := range cfg.RequiredAssets() {
		out.Assets = append(out.Assets, string(k.Category)+"/"+k.ID)
	}
	s.logger.Info("simulation requested over mcp", "simulation", cfg.ID, "assets", len(out.Assets))
	return nil, out, nil
}

func (s *Server) handleStop(ctx context.Context, req *sdk.CallToolRequest, args StopInput) (_ *sdk.CallToolResult, _ StopOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("simulation_stop", start, retErr, nil)
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "simulation_stop"); err != nil {
		return nil, StopOutput{}, err
	}

	snap := s.controller.Snapshot()
	if !snap.Status.Active() {
		return nil, StopOutput{Status: snap.Label, Message: "No simulation is running"}, nil
	}
	s.controller.StopAsync()
	return nil, StopOutput{Status: snap.Label, Message: fmt.Sprintf("Stop requested for %s", snap.SimulationID)}, nil
}

func (s *Server) handleStatus(ctx context.Context, req *sdk.CallToolRequest, args StatusInput) (_ *sdk.CallToolResult, _ StatusOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("simulation_status", start, retErr, nil)
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "simulation_status"); err != nil {
		return nil, StatusOutput{}, err
	}
	return nil, s.status(), nil
}

func (s *Server) status() StatusOutput {
	snap := s.controller.Snapshot()
	out := StatusOutput{
		Status:       snap.Label,
		SimulationID: snap.SimulationID,
		LastError:    snap.LastError,
		Editor:       snap.Editor,
	}
	if cur := s.controller.Current(); cur != nil {
		out.MapName = cur.MapName
		out.Agents = len(cur.Agents)
	}
	return out
}

func (s *Server) handleEditor(ctx context.Context, req *sdk.CallToolRequest, args EditorInput) (_ *sdk.CallToolResult, _ EditorOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("scenario_editor", start, retErr, auditParams(map[string]any{
			"action": args.Action,
		}))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "scenario_editor"); err != nil {
		return nil, EditorOutput{}, err
	}

	switch args.Action {
	case "enter":
		if snap := s.controller.Snapshot(); snap.Status.Active() {
			return nil, EditorOutput{}, fmt.Errorf("cannot enter the scenario editor while %s", snap.Label)
		}
		s.controller.EnterScenarioEditor()
		return nil, EditorOutput{Message: "Entering scenario editor"}, nil
	case "exit":
		s.controller.ExitScenarioEditor()
		return nil, EditorOutput{Message: "Leaving scenario editor"}, nil
	default:
		return nil, EditorOutput{}, fmt.Errorf("invalid action %q (valid: enter, exit)", args.Action)
	}
}

func (s *Server) handleHistory(ctx context.Context, req *sdk.CallToolRequest, args HistoryInput) (_ *sdk.CallToolResult, _ HistoryOutput, retErr error) {
	start := time.Now()
	defer func() {
		s.auditTool("simulation_history", start, retErr, auditParams(map[string]any{
			"limit": args.Limit,
		}))
	}()

	if err := ratelimit.CheckLimit(s.toolLimiters, "simulation_history"); err != nil {
		return nil, HistoryOutput{}, err
	}
	if s.history == nil {
		return nil, HistoryOutput{}, fmt.Errorf("simulation history is not available")
	}

	limit := args.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	records, err := s.history.ListSimulations(ctx, limit)
	if err != nil {
		return nil, HistoryOutput{}, fmt.Errorf("failed to list simulations: %w", err)
	}
	items := make([]HistoryItem, 0, len(records))
	for _, r := range records {
		items = append(items, HistoryItem{
			ID:        r.ID,
			Name:      r.Name,
			MapName:   r.MapName,
			Status:    r.Status,
			Message:   r.Message,
			UpdatedAt: r.UpdatedAt,
		})
	}
	return nil, HistoryOutput{Simulations: items, Count: len(items)}, nil
}
