package mcp

import (
	"context"
	"time"

	"github.com/ganot/capalloc/internal/domain/allocation"
	"github.com/ganot/capalloc/internal/domain/resource"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// AllocationService defines allocation operations needed by MCP.
type AllocationService interface {
	Propose(ctx context.Context, req allocation.ProposeRequest) (*allocation.Allocation, error)
	Approve(ctx context.Context, req allocation.ApproveRequest) (*allocation.Allocation, error)
	Reject(ctx context.Context, id, actor, reason string) error
	Amend(ctx context.Context, req allocation.AmendRequest) (*allocation.Allocation, error)
	Cancel(ctx context.Context, id, actor, reason string) error
	Activate(ctx context.Context, id, actor string) error
	Complete(ctx context.Context, id, actor string) error
	Get(ctx context.Context, id string) (*allocation.Allocation, error)
	QueryByResource(ctx context.Context, resourceID string, opts allocation.ListOptions) ([]allocation.Allocation, error)
	QueryByProject(ctx context.Context, projectID string, opts allocation.ListOptions) ([]allocation.Allocation, error)
	History(ctx context.Context, id string) ([]allocation.Transition, error)
}

// CatalogService defines catalog operations needed by MCP.
type CatalogService interface {
	ListResources(ctx context.Context, category string) ([]resource.Resource, error)
}

// Services contains all domain services needed by MCP.
type Services struct {
	Allocations AllocationService
	Catalog     CatalogService
}

type proposeArgs struct {
	ResourceID string `json:"resource_id" jsonschema:"resource to allocate"`
	ProjectID  string `json:"project_id" jsonschema:"project the capacity is committed to"`
	Start      string `json:"start" jsonschema:"interval start, RFC 3339, inclusive"`
	End        string `json:"end" jsonschema:"interval end, RFC 3339, exclusive"`
	Percent    int    `json:"percent" jsonschema:"capacity percentage, 1-100"`
}

type idArgs struct {
	ID              string `json:"id" jsonschema:"allocation id"`
	Reason          string `json:"reason,omitempty" jsonschema:"optional reason, recorded in the audit trail"`
	ExpectedVersion int64  `json:"expected_version,omitempty" jsonschema:"optional optimistic concurrency guard"`
}

type amendArgs struct {
	ID              string `json:"id" jsonschema:"allocation id"`
	Start           string `json:"start" jsonschema:"new interval start, RFC 3339"`
	End             string `json:"end" jsonschema:"new interval end, RFC 3339, exclusive"`
	Percent         int    `json:"percent" jsonschema:"new capacity percentage, 1-100"`
	ExpectedVersion int64  `json:"expected_version,omitempty" jsonschema:"optional optimistic concurrency guard"`
}

type queryArgs struct {
	ResourceID string   `json:"resource_id,omitempty" jsonschema:"query by resource (one of resource_id/project_id required)"`
	ProjectID  string   `json:"project_id,omitempty" jsonschema:"query by project"`
	From       string   `json:"from,omitempty" jsonschema:"overlap window start, RFC 3339"`
	To         string   `json:"to,omitempty" jsonschema:"overlap window end, RFC 3339"`
	States     []string `json:"states,omitempty" jsonschema:"filter by lifecycle states"`
	Limit      int      `json:"limit,omitempty"`
}

type listResourcesArgs struct {
	Category string `json:"category,omitempty" jsonschema:"filter by skill/category tag"`
}

type okOut struct {
	OK bool `json:"ok"`
}

type allocationsOut struct {
	Allocations []allocation.Allocation `json:"allocations"`
}

type transitionsOut struct {
	Transitions []allocation.Transition `json:"transitions"`
}

type resourcesOut struct {
	Resources []resource.Resource `json:"resources"`
}

// registerTools exposes the engine operations as MCP tools.
func registerTools(server *sdkmcp.Server, svcs Services) {
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "propose_allocation",
		Description: "Propose committing a percentage of a resource's capacity to a project over a time interval. Creates a PENDING allocation; warnings flag potential overcommit.",
	}, func(ctx context.Context, req *sdkmcp.CallToolRequest, args proposeArgs) (*sdkmcp.CallToolResult, *allocation.Allocation, error) {
		start, end, err := parseInterval(args.Start, args.End)
		if err != nil {
			return nil, nil, err
		}
		alloc, err := svcs.Allocations.Propose(ctx, allocation.ProposeRequest{
			ResourceID:  args.ResourceID,
			ProjectID:   args.ProjectID,
			Start:       start,
			End:         end,
			Percent:     args.Percent,
			RequestedBy: actorFromContext(ctx),
		})
		return nil, alloc, err
	})

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "approve_allocation",
		Description: "Approve a PENDING allocation, committing its capacity. Fails if the commitment would exceed the resource's base capacity in any overlapping window.",
	}, func(ctx context.Context, req *sdkmcp.CallToolRequest, args idArgs) (*sdkmcp.CallToolResult, *allocation.Allocation, error) {
		alloc, err := svcs.Allocations.Approve(ctx, allocation.ApproveRequest{
			ID:              args.ID,
			ApprovedBy:      actorFromContext(ctx),
			ExpectedVersion: args.ExpectedVersion,
		})
		return nil, alloc, err
	})

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "reject_allocation",
		Description: "Reject a PENDING allocation. No capacity effect.",
	}, func(ctx context.Context, req *sdkmcp.CallToolRequest, args idArgs) (*sdkmcp.CallToolResult, okOut, error) {
		err := svcs.Allocations.Reject(ctx, args.ID, actorFromContext(ctx), args.Reason)
		return nil, okOut{OK: err == nil}, err
	})

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "amend_allocation",
		Description: "Atomically change a PENDING or APPROVED allocation's interval and percentage. The old commitment is released and the new one checked as one step.",
	}, func(ctx context.Context, req *sdkmcp.CallToolRequest, args amendArgs) (*sdkmcp.CallToolResult, *allocation.Allocation, error) {
		start, end, err := parseInterval(args.Start, args.End)
		if err != nil {
			return nil, nil, err
		}
		alloc, err := svcs.Allocations.Amend(ctx, allocation.AmendRequest{
			ID:              args.ID,
			NewStart:        start,
			NewEnd:          end,
			NewPercent:      args.Percent,
			Actor:           actorFromContext(ctx),
			ExpectedVersion: args.ExpectedVersion,
		})
		return nil, alloc, err
	})

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "cancel_allocation",
		Description: "Cancel an APPROVED or ACTIVE allocation, releasing its capacity.",
	}, func(ctx context.Context, req *sdkmcp.CallToolRequest, args idArgs) (*sdkmcp.CallToolResult, okOut, error) {
		err := svcs.Allocations.Cancel(ctx, args.ID, actorFromContext(ctx), args.Reason)
		return nil, okOut{OK: err == nil}, err
	})

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "activate_allocation",
		Description: "Mark an APPROVED allocation as ACTIVE (work started).",
	}, func(ctx context.Context, req *sdkmcp.CallToolRequest, args idArgs) (*sdkmcp.CallToolResult, okOut, error) {
		err := svcs.Allocations.Activate(ctx, args.ID, actorFromContext(ctx))
		return nil, okOut{OK: err == nil}, err
	})

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "complete_allocation",
		Description: "Mark an ACTIVE allocation as COMPLETED. Historical commitments stay queryable.",
	}, func(ctx context.Context, req *sdkmcp.CallToolRequest, args idArgs) (*sdkmcp.CallToolResult, okOut, error) {
		err := svcs.Allocations.Complete(ctx, args.ID, actorFromContext(ctx))
		return nil, okOut{OK: err == nil}, err
	})

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "get_allocation",
		Description: "Fetch one allocation by id.",
	}, func(ctx context.Context, req *sdkmcp.CallToolRequest, args idArgs) (*sdkmcp.CallToolResult, *allocation.Allocation, error) {
		alloc, err := svcs.Allocations.Get(ctx, args.ID)
		return nil, alloc, err
	})

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "query_allocations",
		Description: "List allocations for a resource or project, optionally filtered by lifecycle state and overlap window.",
	}, func(ctx context.Context, req *sdkmcp.CallToolRequest, args queryArgs) (*sdkmcp.CallToolResult, allocationsOut, error) {
		opts, err := listOptions(args)
		if err != nil {
			return nil, allocationsOut{}, err
		}
		var allocs []allocation.Allocation
		switch {
		case args.ResourceID != "":
			allocs, err = svcs.Allocations.QueryByResource(ctx, args.ResourceID, opts)
		case args.ProjectID != "":
			allocs, err = svcs.Allocations.QueryByProject(ctx, args.ProjectID, opts)
		default:
			return nil, allocationsOut{}, &allocation.ValidationError{Field: "query", Reason: "resource_id or project_id required"}
		}
		return nil, allocationsOut{Allocations: allocs}, err
	})

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "get_allocation_history",
		Description: "Get the audited transition history for an allocation.",
	}, func(ctx context.Context, req *sdkmcp.CallToolRequest, args idArgs) (*sdkmcp.CallToolResult, transitionsOut, error) {
		transitions, err := svcs.Allocations.History(ctx, args.ID)
		return nil, transitionsOut{Transitions: transitions}, err
	})

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "list_resources",
		Description: "List resources from the catalog, optionally filtered by category.",
	}, func(ctx context.Context, req *sdkmcp.CallToolRequest, args listResourcesArgs) (*sdkmcp.CallToolResult, resourcesOut, error) {
		resources, err := svcs.Catalog.ListResources(ctx, args.Category)
		return nil, resourcesOut{Resources: resources}, err
	})
}

func parseInterval(start, end string) (time.Time, time.Time, error) {
	s, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return time.Time{}, time.Time{}, &allocation.ValidationError{Field: "start", Reason: "must be RFC 3339"}
	}
	e, err := time.Parse(time.RFC3339, end)
	if err != nil {
		return time.Time{}, time.Time{}, &allocation.ValidationError{Field: "end", Reason: "must be RFC 3339"}
	}
	return s, e, nil
}

func listOptions(args queryArgs) (allocation.ListOptions, error) {
	opts := allocation.ListOptions{Limit: args.Limit}
	for _, s := range args.States {
		state := allocation.State(s)
		if !allocation.ValidState(state) {
			return opts, &allocation.ValidationError{Field: "states", Reason: "unknown state " + s}
		}
		opts.States = append(opts.States, state)
	}
	if args.From != "" {
		from, err := time.Parse(time.RFC3339, args.From)
		if err != nil {
			return opts, &allocation.ValidationError{Field: "from", Reason: "must be RFC 3339"}
		}
		opts.From = from
	}
	if args.To != "" {
		to, err := time.Parse(time.RFC3339, args.To)
		if err != nil {
			return opts, &allocation.ValidationError{Field: "to", Reason: "must be RFC 3339"}
		}
		opts.To = to
	}
	return opts, nil
}
