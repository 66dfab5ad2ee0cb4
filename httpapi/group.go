package httpapi

import (
	"net/http"

	"github.com/rollcall-app/rollcall/attend"
	"github.com/rollcall-app/rollcall/attend/coordinator"
	"github.com/rollcall-app/rollcall/core/binder"
	"github.com/rollcall-app/rollcall/core/handler"
	"github.com/rollcall-app/rollcall/core/response"
)

type startGroupRequest struct {
	Members []coordinator.GroupMemberInput `json:"members"`
	Mode    attend.Mode                    `json:"mode"`
}

type groupRefRequest struct {
	GroupID string `json:"groupId"`
}

func startGroup(coord *coordinator.Coordinator) handler.HandlerFunc[*Context] {
	return func(ctx *Context) handler.Response {
		var req startGroupRequest
		if err := binder.JSON()(ctx.Request(), &req); err != nil {
			return response.Error(response.ErrBadRequest.WithMessage(err.Error()))
		}
		g, err := coord.StartGroup(ctx, ctx.Identity().Faculty(), req.Members, req.Mode)
		if err != nil {
			return response.Error(err)
		}
		return response.JSONWithStatus(g, http.StatusCreated)
	}
}

// groupTransition covers lock, unlock, and start-attendance for groups.
func groupTransition(op func(*Context, string) (*attend.GroupSession, error)) handler.HandlerFunc[*Context] {
	return func(ctx *Context) handler.Response {
		var req groupRefRequest
		if err := binder.JSON()(ctx.Request(), &req); err != nil {
			return response.Error(response.ErrBadRequest.WithMessage(err.Error()))
		}
		if req.GroupID == "" {
			return response.Error(response.ErrBadRequest.WithMessage("groupId is required"))
		}
		g, err := op(ctx, req.GroupID)
		if err != nil {
			return response.Error(err)
		}
		return response.JSON(g)
	}
}

func endGroup(coord *coordinator.Coordinator) handler.HandlerFunc[*Context] {
	return func(ctx *Context) handler.Response {
		var req groupRefRequest
		if err := binder.JSON()(ctx.Request(), &req); err != nil {
			return response.Error(response.ErrBadRequest.WithMessage(err.Error()))
		}
		if req.GroupID == "" {
			return response.Error(response.ErrBadRequest.WithMessage("groupId is required"))
		}
		recs, err := coord.EndGroup(ctx, ctx.Identity().ID, req.GroupID)
		if err != nil {
			return response.Error(err)
		}
		return response.JSON(recs)
	}
}
