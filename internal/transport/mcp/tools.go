package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mcpmcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/taskmesh/taskmesh/internal/domain/task"
	"github.com/taskmesh/taskmesh/internal/service/scheduler"
)

// RegisterTools registers the coordinator tool surface. Adding a tool is a
// new AddTool call here; server.go never changes.
func RegisterTools(s *mcpserver.MCPServer, sched *scheduler.Scheduler) {
	domainNames := make([]string, 0, len(task.Domains()))
	for _, d := range task.Domains() {
		domainNames = append(domainNames, string(d))
	}
	domainList := strings.Join(domainNames, ", ")

	s.AddTool(mcpmcp.NewTool("submit_task",
		mcpmcp.WithDescription("Submit an engineering task for dispatch to a domain worker. Returns a receipt with the task id, its status, and the assigned worker if one accepted immediately."),
		mcpmcp.WithString("query", mcpmcp.Required(), mcpmcp.Description("The task request (max 2000 characters)")),
		mcpmcp.WithString("domain", mcpmcp.Required(), mcpmcp.Description("Target domain, one of: "+domainList)),
	), submitTaskHandler(sched))

	s.AddTool(mcpmcp.NewTool("scheduler_status",
		mcpmcp.WithDescription("Returns scheduler counters (workers, queue depth, task totals) and per-worker performance metrics."),
	), schedulerStatusHandler(sched))

	s.AddTool(mcpmcp.NewTool("process_queue",
		mcpmcp.WithDescription("Run one dispatch pass over the pending queue. Returns how many tasks were dispatched and how many remain queued."),
	), processQueueHandler(sched))

	s.AddTool(mcpmcp.NewTool("list_workers",
		mcpmcp.WithDescription("Lists registered workers with domain, capacity, current load, and status."),
	), listWorkersHandler(sched))
}

func submitTaskHandler(sched *scheduler.Scheduler) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		query := mcpmcp.ParseString(req, "query", "")
		domain := task.Domain(mcpmcp.ParseString(req, "domain", ""))

		receipt, err := sched.Submit(ctx, query, domain, nil)
		if err != nil {
			var verr *task.ValidationError
			switch {
			case errors.As(err, &verr):
				return mcpmcp.NewToolResultText("error: " + verr.Error()), nil
			case errors.Is(err, scheduler.ErrQueueFull):
				return mcpmcp.NewToolResultText("error: queue full, retry later"), nil
			default:
				return mcpmcp.NewToolResultText("error: " + err.Error()), nil
			}
		}
		return jsonResult(receipt)
	}
}

func schedulerStatusHandler(sched *scheduler.Scheduler) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		return jsonResult(sched.GetStatus())
	}
}

func processQueueHandler(sched *scheduler.Scheduler) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		return jsonResult(sched.ProcessQueue(ctx))
	}
}

type workerSummary struct {
	ID       string      `json:"id"`
	Domain   task.Domain `json:"domain"`
	Capacity int         `json:"capacity"`
	Load     int         `json:"load"`
	Status   string      `json:"status"`
}

func listWorkersHandler(sched *scheduler.Scheduler) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcpmcp.CallToolRequest) (*mcpmcp.CallToolResult, error) {
		workers := sched.Registry().Workers()
		out := make([]workerSummary, 0, len(workers))
		for _, w := range workers {
			out = append(out, workerSummary{
				ID:       w.ID().String(),
				Domain:   w.Domain(),
				Capacity: w.Capacity(),
				Load:     w.Load(),
				Status:   string(w.Status()),
			})
		}
		return jsonResult(out)
	}
}

func jsonResult(v any) (*mcpmcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling tool result: %w", err)
	}
	return mcpmcp.NewToolResultText(string(data)), nil
}
