package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ganot/capalloc/internal/domain/allocation"
	"github.com/ganot/capalloc/internal/domain/resource"
)

// CatalogView is the read side of the resource catalog exposed over the
// wire: strict listing plus the last-known snapshot for degraded mode.
type CatalogView interface {
	ListResources(ctx context.Context, category string) ([]resource.Resource, error)
	LastKnown() resource.Snapshot
}

// Handler dispatches JSON-RPC methods to the allocation engine.
type Handler struct {
	allocations *allocation.Service
	catalog     CatalogView
}

// NewHandler creates a new method dispatch handler.
func NewHandler(allocations *allocation.Service, catalog CatalogView) *Handler {
	return &Handler{allocations: allocations, catalog: catalog}
}

// ErrMethodUnknown is returned for unrecognized method names.
var ErrMethodUnknown = errors.New("method not found")

type proposeParams struct {
	ResourceID string    `json:"resource_id"`
	ProjectID  string    `json:"project_id"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
	Percent    int       `json:"percent"`
}

type idParams struct {
	ID              string `json:"id"`
	Reason          string `json:"reason,omitempty"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
}

type amendParams struct {
	ID              string    `json:"id"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	Percent         int       `json:"percent"`
	ExpectedVersion int64     `json:"expected_version,omitempty"`
}

type queryParams struct {
	ResourceID string             `json:"resource_id,omitempty"`
	ProjectID  string             `json:"project_id,omitempty"`
	From       time.Time          `json:"from,omitempty"`
	To         time.Time          `json:"to,omitempty"`
	States     []allocation.State `json:"states,omitempty"`
	Limit      int                `json:"limit,omitempty"`
	Offset     int                `json:"offset,omitempty"`
}

type listResourcesParams struct {
	Category string `json:"category,omitempty"`
}

type okResult struct {
	OK bool `json:"ok"`
}

// Handle dispatches a JSON-RPC method to the engine on behalf of actor.
func (h *Handler) Handle(ctx context.Context, actor, method string, params json.RawMessage) (any, error) {
	switch method {
	case "allocation.propose":
		var p proposeParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return h.allocations.Propose(ctx, allocation.ProposeRequest{
			ResourceID:  p.ResourceID,
			ProjectID:   p.ProjectID,
			Start:       p.Start,
			End:         p.End,
			Percent:     p.Percent,
			RequestedBy: actor,
		})
	case "allocation.approve":
		var p idParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return h.allocations.Approve(ctx, allocation.ApproveRequest{
			ID:              p.ID,
			ApprovedBy:      actor,
			ExpectedVersion: p.ExpectedVersion,
		})
	case "allocation.reject":
		var p idParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if err := h.allocations.Reject(ctx, p.ID, actor, p.Reason); err != nil {
			return nil, err
		}
		return okResult{OK: true}, nil
	case "allocation.amend":
		var p amendParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return h.allocations.Amend(ctx, allocation.AmendRequest{
			ID:              p.ID,
			NewStart:        p.Start,
			NewEnd:          p.End,
			NewPercent:      p.Percent,
			Actor:           actor,
			ExpectedVersion: p.ExpectedVersion,
		})
	case "allocation.cancel":
		var p idParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if err := h.allocations.Cancel(ctx, p.ID, actor, p.Reason); err != nil {
			return nil, err
		}
		return okResult{OK: true}, nil
	case "allocation.activate":
		var p idParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if err := h.allocations.Activate(ctx, p.ID, actor); err != nil {
			return nil, err
		}
		return okResult{OK: true}, nil
	case "allocation.complete":
		var p idParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if err := h.allocations.Complete(ctx, p.ID, actor); err != nil {
			return nil, err
		}
		return okResult{OK: true}, nil
	case "allocation.get":
		var p idParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return h.allocations.Get(ctx, p.ID)
	case "allocation.history":
		var p idParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return h.allocations.History(ctx, p.ID)
	case "allocation.query":
		var p queryParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		opts := allocation.ListOptions{
			States: p.States,
			From:   p.From,
			To:     p.To,
			Limit:  p.Limit,
			Offset: p.Offset,
		}
		switch {
		case p.ResourceID != "":
			return h.allocations.QueryByResource(ctx, p.ResourceID, opts)
		case p.ProjectID != "":
			return h.allocations.QueryByProject(ctx, p.ProjectID, opts)
		default:
			return nil, &allocation.ValidationError{Field: "query", Reason: "resource_id or project_id required"}
		}
	case "resource.list":
		var p listResourcesParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return h.listResources(ctx, p.Category)
	default:
		return nil, ErrMethodUnknown
	}
}

// listResources serves live data when the catalog is reachable and
// degrades to the last-known snapshot, flagged stale, when it isn't.
func (h *Handler) listResources(ctx context.Context, category string) (any, error) {
	resources, err := h.catalog.ListResources(ctx, category)
	if err == nil {
		return resource.Snapshot{Resources: resources, TakenAt: time.Now().UTC()}, nil
	}
	if !errors.Is(err, resource.ErrCatalogUnavailable) {
		return nil, err
	}
	snap := h.catalog.LastKnown()
	if len(snap.Resources) == 0 {
		return nil, err
	}
	if category != "" {
		var filtered []resource.Resource
		for _, r := range snap.Resources {
			if r.Category == category {
				filtered = append(filtered, r)
			}
		}
		snap.Resources = filtered
	}
	snap.Stale = true
	return snap, nil
}

func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("%w: %v", errBadParams, err)
	}
	return nil
}

var errBadParams = errors.New("invalid params")
