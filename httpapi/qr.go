package httpapi

import (
	"net/http"

	"github.com/rollcall-app/rollcall/attend"
	"github.com/rollcall-app/rollcall/attend/coordinator"
	"github.com/rollcall-app/rollcall/core/binder"
	"github.com/rollcall-app/rollcall/core/handler"
	"github.com/rollcall-app/rollcall/core/response"
	"github.com/rollcall-app/rollcall/middleware"
	"github.com/rollcall-app/rollcall/pkg/qrcode"
)

// qrImageSize is the edge length in pixels of the PNG rendering.
const qrImageSize = 512

type startSessionRequest struct {
	Triple        attend.Triple `json:"triple"`
	TotalStudents int           `json:"totalStudents"`
	Mode          attend.Mode   `json:"mode"`
}

type sessionRefRequest struct {
	SessionID string `json:"sessionId"`
}

type scanRequest struct {
	Token       string `json:"token"`
	Fingerprint string `json:"fingerprint,omitempty"`
	PhotoRef    string `json:"photoRef,omitempty"`
}

type validateRequest struct {
	Token string `json:"token"`
}

type joinResponse struct {
	Session       *attend.Session `json:"session"`
	AlreadyJoined bool            `json:"alreadyJoined"`
}

func startSession(coord *coordinator.Coordinator) handler.HandlerFunc[*Context] {
	return func(ctx *Context) handler.Response {
		var req startSessionRequest
		if err := binder.JSON()(ctx.Request(), &req); err != nil {
			return response.Error(response.ErrBadRequest.WithMessage(err.Error()))
		}
		s, err := coord.StartSession(ctx, ctx.Identity().Faculty(), req.Triple, req.TotalStudents, req.Mode)
		if err != nil {
			return response.Error(err)
		}
		return response.JSONWithStatus(s, http.StatusCreated)
	}
}

// sessionTransition covers lock, unlock, and start-attendance: same input,
// same output, different coordinator call.
func sessionTransition(op func(*Context, string) (*attend.Session, error)) handler.HandlerFunc[*Context] {
	return func(ctx *Context) handler.Response {
		var req sessionRefRequest
		if err := binder.JSON()(ctx.Request(), &req); err != nil {
			return response.Error(response.ErrBadRequest.WithMessage(err.Error()))
		}
		if req.SessionID == "" {
			return response.Error(response.ErrBadRequest.WithMessage("sessionId is required"))
		}
		s, err := op(ctx, req.SessionID)
		if err != nil {
			return response.Error(err)
		}
		return response.JSON(s)
	}
}

func endSession(coord *coordinator.Coordinator) handler.HandlerFunc[*Context] {
	return func(ctx *Context) handler.Response {
		var req sessionRefRequest
		if err := binder.JSON()(ctx.Request(), &req); err != nil {
			return response.Error(response.ErrBadRequest.WithMessage(err.Error()))
		}
		if req.SessionID == "" {
			return response.Error(response.ErrBadRequest.WithMessage("sessionId is required"))
		}
		rec, err := coord.End(ctx, ctx.Identity().ID, req.SessionID)
		if err != nil {
			return response.Error(err)
		}
		return response.JSON(rec)
	}
}

// sessionQR renders the current token as a PNG for faculty clients that
// cannot draw the QR themselves.
func sessionQR(coord *coordinator.Coordinator) handler.HandlerFunc[*Context] {
	return func(ctx *Context) handler.Response {
		sid := ctx.Request().URL.Query().Get("sid")
		if sid == "" {
			return response.Error(response.ErrBadRequest.WithMessage("sid query parameter is required"))
		}
		stats, err := coord.Stats(ctx, ctx.Identity().ID, sid)
		if err != nil {
			return response.Error(err)
		}
		if stats.Session.CurrentToken == "" {
			return response.Error(response.ErrNotFound.WithMessage("session has no active token"))
		}
		png, err := qrcode.Generate(stats.Session.CurrentToken, qrImageSize)
		if err != nil {
			return response.Error(err)
		}
		return response.Bytes(png, "image/png")
	}
}

func joinSession(coord *coordinator.Coordinator) handler.HandlerFunc[*Context] {
	return func(ctx *Context) handler.Response {
		s, already, err := coord.Join(ctx, ctx.Identity().Student())
		if err != nil {
			return response.Error(err)
		}
		return response.JSON(joinResponse{Session: s, AlreadyJoined: already})
	}
}

func scanQR(coord *coordinator.Coordinator) handler.HandlerFunc[*Context] {
	return func(ctx *Context) handler.Response {
		var req scanRequest
		if err := binder.JSON()(ctx.Request(), &req); err != nil {
			return response.Error(response.ErrBadRequest.WithMessage(err.Error()))
		}
		if req.Token == "" {
			return response.Error(response.ErrBadRequest.WithMessage("token is required"))
		}
		// Clients without fingerprinting still get the binding check,
		// against the fingerprint the middleware derived from request
		// attributes.
		if req.Fingerprint == "" {
			req.Fingerprint, _ = middleware.GetFingerprint(ctx)
		}
		s, err := coord.Scan(ctx, ctx.Identity().Student(), req.Token, req.Fingerprint, req.PhotoRef)
		if err != nil {
			return response.Error(err)
		}
		return response.JSON(s)
	}
}

func validateQR(coord *coordinator.Coordinator) handler.HandlerFunc[*Context] {
	return func(ctx *Context) handler.Response {
		var req validateRequest
		if err := binder.JSON()(ctx.Request(), &req); err != nil {
			return response.Error(response.ErrBadRequest.WithMessage(err.Error()))
		}
		return response.JSON(coord.ValidateToken(req.Token))
	}
}

func sessionStatus(coord *coordinator.Coordinator) handler.HandlerFunc[*Context] {
	return func(ctx *Context) handler.Response {
		view, err := coord.SessionStatus(ctx, ctx.Identity().Student())
		if err != nil {
			return response.Error(err)
		}
		return response.JSON(view)
	}
}
