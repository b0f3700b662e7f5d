package mcpadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kirillkom/ragfusion/internal/core/domain"
	"github.com/kirillkom/ragfusion/internal/core/ports"
)

const ToolRAGQuery = "rag_query"

type Server struct {
	runner       ports.PipelineRunner
	defaultAlpha float64
}

func New(runner ports.PipelineRunner, defaultAlpha float64) *Server {
	return &Server{runner: runner, defaultAlpha: defaultAlpha}
}

// MCPServer builds the protocol server with the rag_query tool registered.
func (s *Server) MCPServer(version string) *server.MCPServer {
	srv := server.NewMCPServer("ragfusion", version, server.WithToolCapabilities(false))
	srv.AddTool(ragQueryTool(), s.handleRAGQuery)
	return srv
}

func ragQueryTool() mcp.Tool {
	return mcp.NewTool(ToolRAGQuery,
		mcp.WithDescription("Answer a research question from the indexed paper collection using hybrid retrieval, reranking and grounded synthesis."),
		mcp.WithString("query", mcp.Required(), mcp.Description("The question to answer.")),
		mcp.WithNumber("expansion_count", mcp.Description("Number of query variants including the original.")),
		mcp.WithNumber("top_k", mcp.Description("Number of ranked documents to keep.")),
		mcp.WithNumber("alpha", mcp.Description("Vector weight in [0,1] for score fusion.")),
	)
}

func (s *Server) handleRAGQuery(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req, err := s.toPipelineRequest(request.GetArguments())
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := s.runner.Run(ctx, req)
	if err != nil {
		if domain.IsKind(err, domain.ErrInvalidInput) {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return nil, fmt.Errorf("rag_query: %w", err)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode rag_query result: %w", err)
	}
	return mcp.NewToolResultText(string(payload)), nil
}

func (s *Server) toPipelineRequest(args map[string]any) (domain.PipelineRequest, error) {
	query, _ := args["query"].(string)
	query = strings.TrimSpace(query)
	if query == "" {
		return domain.PipelineRequest{}, fmt.Errorf("query is required")
	}

	req := domain.PipelineRequest{Query: query, Alpha: s.defaultAlpha}
	if n, ok := numberArg(args, "expansion_count"); ok {
		req.ExpansionCount = int(n)
	}
	if n, ok := numberArg(args, "top_k"); ok {
		req.TopK = int(n)
	}
	if req.ExpansionCount < 0 || req.TopK < 0 {
		return domain.PipelineRequest{}, fmt.Errorf("expansion_count and top_k must not be negative")
	}
	if alpha, ok := numberArg(args, "alpha"); ok {
		if math.IsNaN(alpha) || alpha < 0 || alpha > 1 {
			return domain.PipelineRequest{}, fmt.Errorf("alpha must be within [0,1]")
		}
		req.Alpha = alpha
	}
	return req, nil
}

func numberArg(args map[string]any, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
