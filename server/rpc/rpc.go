// Package rpc exposes the task access operations as MCP tools over
// streamable HTTP. Every call runs as the subject of the bearer token that
// authenticated the HTTP request carrying it.
package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	taskauth "github.com/GoCodeAlone/taskdeck/auth"
	"github.com/GoCodeAlone/taskdeck/internal/apperr"
	"github.com/GoCodeAlone/taskdeck/task"
)

// Path is where the daemon mounts Handler.
const Path = "/rpc"

const subjectKey = "sub"

// ListOutput is the result of tasks_list.
type ListOutput struct {
	Tasks []*task.Task `json:"tasks"`
}

// GetInput names a task by id.
type GetInput struct {
	ID string `json:"id" jsonschema:"the task id"`
}

// GetOutput is the result of tasks_get. Found is false when no task has the id.
type GetOutput struct {
	Found bool       `json:"found"`
	Task  *task.Task `json:"task,omitempty"`
}

// CreateInput are the tasks_create arguments.
type CreateInput struct {
	Name        string `json:"name" jsonschema:"short title, must not be blank"`
	Text        string `json:"text" jsonschema:"task body, must not be blank"`
	IsCompleted bool   `json:"isCompleted,omitempty" jsonschema:"initial completion state, defaults to false"`
}

// CreateOutput carries the new task id.
type CreateOutput struct {
	ID string `json:"id"`
}

// UpdateInput are the tasks_update arguments. Omitted fields are unchanged.
type UpdateInput struct {
	ID          string  `json:"id" jsonschema:"the task id"`
	Name        *string `json:"name,omitempty" jsonschema:"new title"`
	Text        *string `json:"text,omitempty" jsonschema:"new body"`
	IsCompleted *bool   `json:"isCompleted,omitempty" jsonschema:"new completion state"`
}

// OK acknowledges a mutation.
type OK struct {
	OK bool `json:"ok"`
}

// NewServer builds the MCP server with the task tools registered.
func NewServer(tasks *task.Service, version string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "taskdeck", Version: version}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "tasks_list",
		Description: "List every task owned by the caller, oldest first.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, ListOutput, error) {
		ctx, err := withCaller(ctx, req)
		if err != nil {
			return nil, ListOutput{}, err
		}
		list, err := tasks.ListMine(ctx)
		if err != nil {
			return nil, ListOutput{}, toolError(err)
		}
		return nil, ListOutput{Tasks: list}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "tasks_get",
		Description: "Fetch one of the caller's tasks by id.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in GetInput) (*mcp.CallToolResult, GetOutput, error) {
		ctx, err := withCaller(ctx, req)
		if err != nil {
			return nil, GetOutput{}, err
		}
		t, err := tasks.GetByID(ctx, in.ID)
		if err != nil {
			return nil, GetOutput{}, toolError(err)
		}
		return nil, GetOutput{Found: t != nil, Task: t}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "tasks_create",
		Description: "Create a task owned by the caller.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in CreateInput) (*mcp.CallToolResult, CreateOutput, error) {
		ctx, err := withCaller(ctx, req)
		if err != nil {
			return nil, CreateOutput{}, err
		}
		id, err := tasks.Create(ctx, task.CreateInput{Name: in.Name, Text: in.Text, IsCompleted: in.IsCompleted})
		if err != nil {
			return nil, CreateOutput{}, toolError(err)
		}
		return nil, CreateOutput{ID: id}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "tasks_update",
		Description: "Change the name, text or completion state of one of the caller's tasks.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in UpdateInput) (*mcp.CallToolResult, OK, error) {
		ctx, err := withCaller(ctx, req)
		if err != nil {
			return nil, OK{}, err
		}
		p := task.Patch{Name: in.Name, Text: in.Text, IsCompleted: in.IsCompleted}
		if err := tasks.Update(ctx, in.ID, p); err != nil {
			return nil, OK{}, toolError(err)
		}
		return nil, OK{OK: true}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "tasks_remove",
		Description: "Delete one of the caller's tasks.",
	}, func(ctx context.Context, req *mcp.CallToolRequest, in GetInput) (*mcp.CallToolResult, OK, error) {
		ctx, err := withCaller(ctx, req)
		if err != nil {
			return nil, OK{}, err
		}
		if err := tasks.Remove(ctx, in.ID); err != nil {
			return nil, OK{}, toolError(err)
		}
		return nil, OK{OK: true}, nil
	})

	return server
}

// Handler serves server over streamable HTTP behind bearer-token auth.
func Handler(server *mcp.Server, verifier *taskauth.Verifier, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)
	requireToken := auth.RequireBearerToken(func(_ context.Context, token string, _ *http.Request) (*auth.TokenInfo, error) {
		claims, err := verifier.Verify(token)
		if err != nil {
			logger.Debug("rpc token rejected", slog.Any("err", err))
			return nil, fmt.Errorf("%w: %v", auth.ErrInvalidToken, err)
		}
		info := &auth.TokenInfo{Extra: map[string]any{subjectKey: claims.Subject}}
		if claims.ExpiresAt != nil {
			info.Expiration = claims.ExpiresAt.Time
		}
		return info, nil
	}, nil)
	return requireToken(h)
}

// withCaller moves the token subject onto ctx where task.Service finds it.
func withCaller(ctx context.Context, req *mcp.CallToolRequest) (context.Context, error) {
	if req == nil || req.Extra == nil || req.Extra.TokenInfo == nil {
		return ctx, toolError(apperr.New(apperr.KindUnauthenticated, "rpc", "Unauthenticated"))
	}
	sub, _ := req.Extra.TokenInfo.Extra[subjectKey].(string)
	if sub == "" {
		return ctx, toolError(apperr.New(apperr.KindUnauthenticated, "rpc", "Unauthenticated"))
	}
	return taskauth.WithSubject(ctx, sub), nil
}

// toolError reports the caller-facing message with its kind so clients can
// tell NotFound from Forbidden.
func toolError(err error) error {
	kind := apperr.KindOf(err)
	if kind == apperr.KindInternal {
		return fmt.Errorf("%s: internal server error", kind)
	}
	return fmt.Errorf("%s: %s", kind, apperr.Message(err))
}
