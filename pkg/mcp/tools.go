package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/sagaflow/internal/engine"
	"github.com/rendis/sagaflow/internal/store"
	"github.com/rendis/sagaflow/pkg/schema"
)

// handleStart starts a run and returns its StartResult.
func (s *Server) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("workflow")
	if err != nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	input := mcp.ParseStringMap(req, "input", nil)

	res, err := s.engine.Start(ctx, name, input)
	if err != nil {
		return errorResult("start failed", err), nil
	}
	if res.Status == "suspended" {
		s.captureSession(ctx, res.RunID)
	}
	return marshalResult(res)
}

// handleSignal resolves a suspension token.
func (s *Server) handleSignal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tokenID, err := req.RequireString("token_id")
	if err != nil {
		return mcp.NewToolResultError("token_id is required"), nil
	}

	outcome := schema.Outcome{
		Success: req.GetBool("success", true),
		Output:  req.GetArguments()["output"],
		Error:   req.GetString("error", ""),
	}
	res, err := s.engine.Signal(ctx, tokenID, outcome)
	if err != nil {
		return errorResult("signal failed", err), nil
	}
	return marshalResult(res)
}

// handleCancel cancels a suspended run.
func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	res, err := s.engine.Cancel(ctx, runID, engine.CancelOptions{
		SkipCompensation: req.GetBool("skip_compensation", false),
		Reason:           req.GetString("reason", ""),
	})
	if err != nil {
		return errorResult("cancel failed", err), nil
	}
	return marshalResult(res)
}

// handleStatus returns the persisted run.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, err := s.engine.Status(ctx, runID)
	if err != nil {
		return errorResult("status query failed", err), nil
	}
	return marshalResult(run)
}

// handleDefine registers a JSON flow with auto-versioning.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.flows == nil {
		return mcp.NewToolResultError("flow definitions are not enabled"), nil
	}
	flow := mcp.ParseStringMap(req, "flow", nil)
	if flow == nil {
		return mcp.NewToolResultError("flow is required"), nil
	}
	raw, err := json.Marshal(flow)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid flow: %v", err)), nil
	}

	res, err := s.flows.Define(ctx, raw)
	if err != nil {
		return errorResult("define failed", err), nil
	}
	return marshalResult(res)
}

// handleQuery lists a resource.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "runs":
		return s.queryRuns(ctx, filter)
	case "events":
		runID, _ := filter["run_id"].(string)
		if runID == "" {
			return mcp.NewToolResultError("event query requires 'run_id' in filter"), nil
		}
		events, err := s.engine.Events(ctx, runID, int64(extractInt(filter, "since", 0)))
		if err != nil {
			return errorResult("query failed", err), nil
		}
		return marshalResult(map[string]any{"events": events})
	case "timeline":
		runID, _ := filter["run_id"].(string)
		if runID == "" {
			return mcp.NewToolResultError("timeline query requires 'run_id' in filter"), nil
		}
		tl, err := s.engine.Timeline(ctx, runID)
		if err != nil {
			return errorResult("query failed", err), nil
		}
		return marshalResult(tl)
	case "flows":
		if s.flows == nil {
			return marshalResult(map[string]any{"flows": []*store.Flow{}})
		}
		list, err := s.flows.List(ctx)
		if err != nil {
			return errorResult("query failed", err), nil
		}
		return marshalResult(map[string]any{"flows": list})
	case "workflows":
		var names []string
		if s.workflows != nil {
			names = s.workflows()
		}
		return marshalResult(map[string]any{"workflows": names})
	case "operations":
		var ops any = []any{}
		if s.operations != nil {
			ops = s.operations()
		}
		return marshalResult(map[string]any{"operations": ops})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

func (s *Server) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{Limit: extractInt(filter, "limit", 50)}
	if status, ok := filter["status"].(string); ok {
		rf.Status = schema.RunStatus(status)
	}
	if wf, ok := filter["workflow"].(string); ok {
		rf.Workflow = wf
	}

	runs, err := s.engine.ListRuns(ctx, rf)
	if err != nil {
		return errorResult("query failed", err), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

// --- Internal helpers ---

// captureSession maps a suspended run to the calling session so its outcome
// can be pushed when a later signal or expiry finishes it.
func (s *Server) captureSession(ctx context.Context, runID string) {
	if s.notifier == nil {
		return
	}
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.notifier.Watch(runID, session.SessionID())
	}
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// errorResult renders err as a tool error, keeping the SagaError code visible.
func errorResult(prefix string, err error) *mcp.CallToolResult {
	se := schema.AsSagaError(err, schema.ErrCodeStore)
	data, mErr := json.Marshal(map[string]any{"error": se})
	if mErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %s", prefix, data))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
