package httpapi

import (
	"github.com/rollcall-app/rollcall/attend/coordinator"
	"github.com/rollcall-app/rollcall/core/binder"
	"github.com/rollcall-app/rollcall/core/handler"
	"github.com/rollcall-app/rollcall/core/response"
)

// removeStudent handles a student's self-removal after a suspected proxy
// scan on their device.
func removeStudent(coord *coordinator.Coordinator) handler.HandlerFunc[*Context] {
	return func(ctx *Context) handler.Response {
		var req coordinator.RemovalRequest
		if err := binder.JSON()(ctx.Request(), &req); err != nil {
			return response.Error(response.ErrBadRequest.WithMessage(err.Error()))
		}
		res, err := coord.RemoveStudent(ctx, ctx.Identity().Student(), req)
		if err != nil {
			return response.Error(err)
		}
		return response.JSON(res)
	}
}

// studentStatus reports which membership sets currently hold the caller.
func studentStatus(coord *coordinator.Coordinator) handler.HandlerFunc[*Context] {
	return func(ctx *Context) handler.Response {
		res, err := coord.StudentStatus(ctx, ctx.Identity().Student())
		if err != nil {
			return response.Error(err)
		}
		return response.JSON(res)
	}
}

// sessionStats reads live counts for a faculty-owned session.
func sessionStats(coord *coordinator.Coordinator) handler.HandlerFunc[*Context] {
	return func(ctx *Context) handler.Response {
		stats, err := coord.Stats(ctx, ctx.Identity().ID, ctx.Param("sid"))
		if err != nil {
			return response.Error(err)
		}
		return response.JSON(stats)
	}
}
