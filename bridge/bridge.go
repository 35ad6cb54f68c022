// Package bridge exposes the upstream back-office API and the shared
// browser automation as MCP tools. Each tool call is bound to the identity
// resolved from its transport: the bearer token for HTTP, a static identity
// for stdio.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"officebridge/browser"
	"officebridge/server"
	"officebridge/upstream"
)

// Deps are the services the bridge tools operate on.
type Deps struct {
	Sessions *upstream.SessionStore
	Browser  *browser.Store
	Registry *upstream.Registry
	Logger   *slog.Logger

	// StaticIdentity is the identity bound to the stdio transport.
	StaticIdentity string
}

// Bridge owns the MCP server and its tool handlers.
type Bridge struct {
	deps Deps
	mcp  *mcpserver.MCPServer
}

// New builds the MCP server and registers all tools.
func New(deps Deps) *Bridge {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := mcpserver.NewMCPServer(
		"officebridge",
		"1.0.0",
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithRecovery(),
	)
	b := &Bridge{deps: deps, mcp: s}
	b.registerTools()
	return b
}

func (b *Bridge) registerTools() {
	b.mcp.AddTool(
		mcp.NewTool("api_ping",
			mcp.WithDescription("Check connectivity and authentication against the back-office API"),
		),
		b.handleAPIPing,
	)

	b.mcp.AddTool(
		mcp.NewTool("user_list",
			mcp.WithDescription("List back-office users, paginated"),
			mcp.WithNumber("page",
				mcp.Description("Page number, starting at 1"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Results per page (default 50)"),
			),
		),
		b.handleUserList,
	)

	b.mcp.AddTool(
		mcp.NewTool("user_get",
			mcp.WithDescription("Fetch one back-office user by ID"),
			mcp.WithString("user_id",
				mcp.Description("The user ID"),
				mcp.Required(),
			),
		),
		b.handleUserGet,
	)

	b.mcp.AddTool(
		mcp.NewTool("browser_open",
			mcp.WithDescription("Open (and log in) the browser context for the calling identity"),
		),
		b.handleBrowserOpen,
	)

	b.mcp.AddTool(
		mcp.NewTool("browser_close",
			mcp.WithDescription("Close the calling identity's browser context"),
		),
		b.handleBrowserClose,
	)
}

// ServeHTTP returns a streamable HTTP handler. Bearer resolution happens in
// server.BearerAuthMiddleware, which the caller mounts in front of this
// handler; the context func carries the resolved identity over to tool calls.
func (b *Bridge) ServeHTTP() *mcpserver.StreamableHTTPServer {
	return mcpserver.NewStreamableHTTPServer(b.mcp,
		mcpserver.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if identity := server.IdentityFromContext(r.Context()); identity != "" {
				return server.ContextWithIdentity(ctx, identity)
			}
			return ctx
		}),
	)
}

// ServeStdio runs the MCP server over stdin/stdout with the configured
// static identity. Blocks until the stream closes.
func (b *Bridge) ServeStdio() error {
	return mcpserver.ServeStdio(b.mcp, mcpserver.WithStdioContextFunc(func(ctx context.Context) context.Context {
		return server.ContextWithIdentity(ctx, b.deps.StaticIdentity)
	}))
}

var errNoIdentity = errors.New("no authenticated identity on request")

func (b *Bridge) identityFor(ctx context.Context) (string, error) {
	identity := server.IdentityFromContext(ctx)
	if identity == "" {
		return "", errNoIdentity
	}
	return identity, nil
}

func (b *Bridge) clientFor(ctx context.Context) (*upstream.Client, error) {
	identity, err := b.identityFor(ctx)
	if err != nil {
		return nil, err
	}
	return b.deps.Sessions.Client(ctx, identity)
}

func (b *Bridge) handleAPIPing(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	client, err := b.clientFor(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if _, err := client.Get(ctx, "/1.0/ping", nil); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("ping failed: %v", err)), nil
	}
	return mcp.NewToolResultText(`{"status":"ok"}`), nil
}

func (b *Bridge) handleUserList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	client, err := b.clientFor(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	page := request.GetInt("page", 1)
	limit := request.GetInt("limit", 50)
	data, err := client.Get(ctx, "/1.0/users", map[string]string{
		"page":  strconv.Itoa(page),
		"limit": strconv.Itoa(limit),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list users: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (b *Bridge) handleUserGet(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	client, err := b.clientFor(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	userID, err := request.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id argument is required"), nil
	}
	data, err := client.Get(ctx, "/1.0/users/"+userID, nil)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("get user: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (b *Bridge) handleBrowserOpen(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	identity, err := b.identityFor(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	pair, err := b.deps.Registry.Resolve(identity)
	if err != nil {
		return mcp.NewToolResultError("identity has no registry entry"), nil
	}
	if pair.UpstreamWebURL == "" {
		return mcp.NewToolResultError("identity has no upstream web URL configured"), nil
	}

	entry, err := b.deps.Browser.Context(ctx, identity)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("open browser context: %v", err)), nil
	}
	if !entry.Authenticated {
		if err := b.deps.Browser.Login(ctx, entry, pair.UpstreamWebURL, pair.UpstreamUsername, pair.UpstreamPassword); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("browser login: %v", err)), nil
		}
	}
	return mcp.NewToolResultText(`{"status":"ready","authenticated":true}`), nil
}

func (b *Bridge) handleBrowserClose(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	identity, err := b.identityFor(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if b.deps.Browser.Close(identity) {
		return mcp.NewToolResultText(`{"status":"closed"}`), nil
	}
	return mcp.NewToolResultText(`{"status":"not_open"}`), nil
}
