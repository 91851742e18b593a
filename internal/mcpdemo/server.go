// Package mcpdemo bundles a small MCP server used as the default workflow
// target. Its tools return deterministic canned data so the full protocol
// round trip can be exercised without external services.
package mcpdemo

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// weatherData is the canned forecast set.
var weatherData = map[string]string{
	"San Francisco": "Sunny, 72°F (22°C)",
	"New York":      "Cloudy, 65°F (18°C)",
	"London":        "Rainy, 55°F (13°C)",
	"Tokyo":         "Clear, 68°F (20°C)",
}

// docEntries is the canned documentation corpus for search_documentation.
var docEntries = []struct {
	topic string
	text  string
}{
	{
		topic: "s3 bucket naming",
		text: "S3 bucket names must be 3-63 characters, contain only lowercase " +
			"letters, numbers, dots and hyphens, begin and end with a letter or " +
			"number, and must not be formatted as an IP address.",
	},
	{
		topic: "lambda timeout",
		text: "Lambda functions can run for up to 15 minutes per invocation; " +
			"the default timeout is 3 seconds.",
	},
	{
		topic: "dynamodb partition key",
		text: "DynamoDB partition keys should have high cardinality to spread " +
			"load evenly; hot partitions throttle at 3000 RCU / 1000 WCU.",
	},
}

// Server wraps the demo MCP server.
type Server struct {
	mcpServer *mcpserver.MCPServer
	logger    *slog.Logger
}

// New creates the demo server with all tools registered.
func New(version string, logger *slog.Logger) *Server {
	s := &Server{logger: logger}

	s.mcpServer = mcpserver.NewMCPServer(
		"mcpscope-demo",
		version,
		mcpserver.WithToolCapabilities(true),
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("get_weather",
			mcplib.WithDescription("Get the current weather for a city"),
			mcplib.WithString("city", mcplib.Description("Name of the city"), mcplib.Required()),
		),
		s.handleGetWeather,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("calculate",
			mcplib.WithDescription("Evaluate a mathematical expression using +, -, *, / and parentheses"),
			mcplib.WithString("expression", mcplib.Description("Expression to evaluate, e.g. \"2 + 2 * 10\""), mcplib.Required()),
		),
		s.handleCalculate,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("search_documentation",
			mcplib.WithDescription("Search AWS documentation for a topic"),
			mcplib.WithString("query", mcplib.Description("Search query"), mcplib.Required()),
		),
		s.handleSearchDocumentation,
	)

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) handleGetWeather(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	city := request.GetString("city", "")
	if city == "" {
		return errorResult("city is required"), nil
	}

	report, ok := weatherData[city]
	if !ok {
		report = fmt.Sprintf("Weather data not available for %s. Showing default: Partly cloudy, 70°F (21°C)", city)
	}

	s.logger.Debug("mcpdemo: get_weather", "city", city)
	return textResult(report), nil
}

func (s *Server) handleCalculate(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	expr := request.GetString("expression", "")
	if expr == "" {
		return errorResult("expression is required"), nil
	}

	value, err := Evaluate(expr)
	if err != nil {
		return errorResult(fmt.Sprintf("cannot evaluate %q: %v", expr, err)), nil
	}

	s.logger.Debug("mcpdemo: calculate", "expression", expr, "result", value)
	return textResult(fmt.Sprintf("The result is: %g", value)), nil
}

func (s *Server) handleSearchDocumentation(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}

	s.logger.Debug("mcpdemo: search_documentation", "query", query)

	lower := strings.ToLower(query)
	var matches []string
	for _, entry := range docEntries {
		for _, word := range strings.Fields(entry.topic) {
			if strings.Contains(lower, word) {
				matches = append(matches, entry.text)
				break
			}
		}
	}

	if len(matches) == 0 {
		return textResult("No documentation found for: " + query), nil
	}
	return textResult(strings.Join(matches, "\n\n")), nil
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: text}},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{mcplib.TextContent{Type: "text", Text: msg}},
		IsError: true,
	}
}
