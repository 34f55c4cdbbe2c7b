package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	mcpproto "github.com/mark3labs/mcp-go/mcp"

	escrow "github.com/nacorid/x402-escrow"
	"github.com/nacorid/x402-escrow/ledger"
	mcpserver "github.com/nacorid/x402-escrow/mcp/server"
)

// statement is the paid per-session report.
type statement struct {
	Session     *ledger.Session              `json:"session"`
	State       ledger.State                 `json:"state"`
	Remaining   int64                        `json:"remaining"`
	Residual    int64                        `json:"residual"`
	Payments    []ledger.SessionPayment      `json:"payments"`
	Totals      map[ledger.PaymentKind]int64 `json:"totals"`
	GeneratedAt time.Time                    `json:"generatedAt"`
}

func buildStatement(ctx context.Context, svc *ledger.Service, id string) (*statement, error) {
	sess, err := svc.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	payments, err := svc.GetSessionPayments(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	st := &statement{
		Session:     sess,
		State:       sess.State(now),
		Remaining:   sess.Remaining(),
		Residual:    sess.Residual(),
		Payments:    payments,
		Totals:      make(map[ledger.PaymentKind]int64),
		GeneratedAt: now.UTC(),
	}
	for _, p := range payments {
		st.Totals[p.Kind] += p.Amount
	}
	return st, nil
}

// newMCPHandler exposes a free budget check and the paid statement as MCP tools.
func newMCPHandler(a *app) (http.Handler, error) {
	srv := mcpserver.NewX402Server("escrowd", "1.0.0", &mcpserver.Config{
		Gate:   a.gate,
		Logger: a.logger.With("component", "mcp"),
	})

	srv.AddTool(
		mcpproto.NewTool("check_budget",
			mcpproto.WithDescription("Check whether an escrow session can afford an amount (free)"),
			mcpproto.WithString("session_id", mcpproto.Required(), mcpproto.Description("Session id")),
			mcpproto.WithNumber("amount", mcpproto.Required(), mcpproto.Description("Amount in atomic units")),
		),
		func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
			args := req.GetArguments()
			id, _ := args["session_id"].(string)
			amount, _ := args["amount"].(float64)
			check, err := a.ledger.CheckBudget(ctx, id, int64(amount))
			if err != nil {
				return mcpproto.NewToolResultError(err.Error()), nil
			}
			return jsonResult(check)
		},
	)

	err := srv.AddPayableTool(
		mcpproto.NewTool("session_statement",
			mcpproto.WithDescription("Full statement of an escrow session (requires x402 payment)"),
			mcpproto.WithString("session_id", mcpproto.Required(), mcpproto.Description("Session id")),
		),
		escrow.ResourceInfo{Description: "Session statement", MimeType: "application/json"},
		a.statementPrice,
		func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
			id, _ := req.GetArguments()["session_id"].(string)
			st, err := buildStatement(ctx, a.ledger, id)
			if err != nil {
				return mcpproto.NewToolResultError(err.Error()), nil
			}
			return jsonResult(st)
		},
	)
	if err != nil {
		return nil, err
	}
	return srv.Handler()
}

func jsonResult(v any) (*mcpproto.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	return &mcpproto.CallToolResult{
		Content: []mcpproto.Content{mcpproto.NewTextContent(string(data))},
	}, nil
}
