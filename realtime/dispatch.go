package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/rollcall-app/rollcall/attend"
	"github.com/rollcall-app/rollcall/attend/coordinator"
	"github.com/rollcall-app/rollcall/core/logger"
)

// Inbound event names. Faculty events drive the lifecycle; student events
// are queries plus the join handshake. Everything else a student needs
// arrives as room broadcasts.
const (
	eventStartSession         = "startSession"
	eventLockSession          = "lockSession"
	eventUnlockSession        = "unlockSession"
	eventStartAttendance      = "startAttendance"
	eventEndSession           = "endSession"
	eventBroadcastJoin        = "broadcastJoinAvailable"
	eventRequestTokenRefresh  = "requestTokenRefresh"
	eventStartGroup           = "group:startSession"
	eventLockGroup            = "group:lockSession"
	eventUnlockGroup          = "group:unlockSession"
	eventStartGroupAttendance = "group:startAttendance"
	eventEndGroup             = "group:endSession"
	eventJoinSession          = "joinSession"
	eventSessionStatus        = "getSessionStatus"

	// Direct replies.
	eventError       = "error"
	eventJoined      = "sessionJoined"
	eventAck         = "ack"
	eventStatusReply = "sessionStatus"
)

type errorPayload struct {
	Event   string `json:"event,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type ackPayload struct {
	Event     string `json:"event"`
	SessionID string `json:"sessionId,omitempty"`
	GroupID   string `json:"groupId,omitempty"`
}

type joinedPayload struct {
	SessionID     string `json:"sessionId"`
	AlreadyJoined bool   `json:"alreadyJoined"`
}

type startSessionPayload struct {
	Triple        attend.Triple `json:"triple"`
	TotalStudents int           `json:"totalStudents"`
	Mode          attend.Mode   `json:"mode"`
}

type sessionRefPayload struct {
	SessionID string `json:"sessionId"`
}

type groupRefPayload struct {
	GroupID string `json:"groupId"`
}

type startGroupPayload struct {
	Members []coordinator.GroupMemberInput `json:"members"`
	Mode    attend.Mode                    `json:"mode"`
}

// dispatcher routes inbound events to the coordinator.
type dispatcher struct {
	coord *coordinator.Coordinator
	log   *slog.Logger
}

func newDispatcher(coord *coordinator.Coordinator, log *slog.Logger) *dispatcher {
	if log == nil {
		log = logger.Noop()
	}
	return &dispatcher{coord: coord, log: log}
}

func (d *dispatcher) dispatch(ctx context.Context, c *Client, msg inbound) {
	var err error
	switch msg.Event {
	case eventStartSession:
		err = d.startSession(ctx, c, msg.Data)
	case eventLockSession:
		err = d.sessionOp(ctx, c, msg, d.coord.Lock)
	case eventUnlockSession:
		err = d.sessionOp(ctx, c, msg, d.coord.Unlock)
	case eventStartAttendance:
		err = d.sessionOp(ctx, c, msg, d.coord.StartAttendance)
	case eventEndSession:
		err = d.endSession(ctx, c, msg.Data)
	case eventBroadcastJoin:
		err = d.broadcastJoin(ctx, c, msg.Data)
	case eventRequestTokenRefresh:
		err = d.tokenRefresh(ctx, c, msg.Data)
	case eventStartGroup:
		err = d.startGroup(ctx, c, msg.Data)
	case eventLockGroup:
		err = d.groupOp(ctx, c, msg, d.coord.LockGroup)
	case eventUnlockGroup:
		err = d.groupOp(ctx, c, msg, d.coord.UnlockGroup)
	case eventStartGroupAttendance:
		err = d.groupOp(ctx, c, msg, d.coord.StartGroupAttendance)
	case eventEndGroup:
		err = d.endGroup(ctx, c, msg.Data)
	case eventJoinSession:
		err = d.joinSession(ctx, c)
	case eventSessionStatus:
		err = d.sessionStatus(ctx, c)
	default:
		err = attend.ErrInvalidInput.WithMessagef("unknown event %q", msg.Event)
	}
	if err != nil {
		c.reply(eventError, errorFor(msg.Event, err))
	}
}

func errorFor(event string, err error) errorPayload {
	var derr *attend.Error
	if errors.As(err, &derr) {
		return errorPayload{Event: event, Code: derr.Code, Message: derr.Message}
	}
	return errorPayload{Event: event, Code: attend.ErrInternal.Code, Message: attend.ErrInternal.Message}
}

func (d *dispatcher) startSession(ctx context.Context, c *Client, data json.RawMessage) error {
	if !c.identity.IsFaculty() {
		return attend.ErrNotFaculty
	}
	var p startSessionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return attend.ErrInvalidInput
	}
	s, err := d.coord.StartSession(ctx, c.identity.Faculty(), p.Triple, p.TotalStudents, p.Mode)
	if err != nil {
		return err
	}
	c.reply(eventAck, ackPayload{Event: eventStartSession, SessionID: s.ID})
	return nil
}

// sessionOp handles the transition events that only need a session id.
func (d *dispatcher) sessionOp(ctx context.Context, c *Client, msg inbound, op func(context.Context, string, string) (*attend.Session, error)) error {
	if !c.identity.IsFaculty() {
		return attend.ErrNotFaculty
	}
	var p sessionRefPayload
	if err := json.Unmarshal(msg.Data, &p); err != nil || p.SessionID == "" {
		return attend.ErrInvalidInput
	}
	s, err := op(ctx, c.identity.ID, p.SessionID)
	if err != nil {
		return err
	}
	c.reply(eventAck, ackPayload{Event: msg.Event, SessionID: s.ID})
	return nil
}

func (d *dispatcher) endSession(ctx context.Context, c *Client, data json.RawMessage) error {
	if !c.identity.IsFaculty() {
		return attend.ErrNotFaculty
	}
	var p sessionRefPayload
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" {
		return attend.ErrInvalidInput
	}
	rec, err := d.coord.End(ctx, c.identity.ID, p.SessionID)
	if err != nil {
		return err
	}
	c.reply(eventAck, ackPayload{Event: eventEndSession, SessionID: rec.SessionID})
	return nil
}

func (d *dispatcher) broadcastJoin(ctx context.Context, c *Client, data json.RawMessage) error {
	if !c.identity.IsFaculty() {
		return attend.ErrNotFaculty
	}
	var p sessionRefPayload
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" {
		return attend.ErrInvalidInput
	}
	return d.coord.BroadcastJoinAvailable(ctx, c.identity.ID, p.SessionID)
}

func (d *dispatcher) tokenRefresh(ctx context.Context, c *Client, data json.RawMessage) error {
	if !c.identity.IsFaculty() {
		return attend.ErrNotFaculty
	}
	var p sessionRefPayload
	if err := json.Unmarshal(data, &p); err != nil || p.SessionID == "" {
		return attend.ErrInvalidInput
	}
	return d.coord.RequestTokenRefresh(ctx, c.identity.ID, p.SessionID)
}

func (d *dispatcher) startGroup(ctx context.Context, c *Client, data json.RawMessage) error {
	if !c.identity.IsFaculty() {
		return attend.ErrNotFaculty
	}
	var p startGroupPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return attend.ErrInvalidInput
	}
	g, err := d.coord.StartGroup(ctx, c.identity.Faculty(), p.Members, p.Mode)
	if err != nil {
		return err
	}
	c.reply(eventAck, ackPayload{Event: eventStartGroup, GroupID: g.ID})
	return nil
}

func (d *dispatcher) groupOp(ctx context.Context, c *Client, msg inbound, op func(context.Context, string, string) (*attend.GroupSession, error)) error {
	if !c.identity.IsFaculty() {
		return attend.ErrNotFaculty
	}
	var p groupRefPayload
	if err := json.Unmarshal(msg.Data, &p); err != nil || p.GroupID == "" {
		return attend.ErrInvalidInput
	}
	g, err := op(ctx, c.identity.ID, p.GroupID)
	if err != nil {
		return err
	}
	c.reply(eventAck, ackPayload{Event: msg.Event, GroupID: g.ID})
	return nil
}

func (d *dispatcher) endGroup(ctx context.Context, c *Client, data json.RawMessage) error {
	if !c.identity.IsFaculty() {
		return attend.ErrNotFaculty
	}
	var p groupRefPayload
	if err := json.Unmarshal(data, &p); err != nil || p.GroupID == "" {
		return attend.ErrInvalidInput
	}
	_, err := d.coord.EndGroup(ctx, c.identity.ID, p.GroupID)
	if err != nil {
		return err
	}
	c.reply(eventAck, ackPayload{Event: eventEndGroup, GroupID: p.GroupID})
	return nil
}

func (d *dispatcher) joinSession(ctx context.Context, c *Client) error {
	if !c.identity.IsStudent() {
		return attend.ErrNotStudent
	}
	s, already, err := d.coord.Join(ctx, c.identity.Student())
	if err != nil {
		return err
	}
	c.reply(eventJoined, joinedPayload{SessionID: s.ID, AlreadyJoined: already})
	return nil
}

func (d *dispatcher) sessionStatus(ctx context.Context, c *Client) error {
	if !c.identity.IsStudent() {
		return attend.ErrNotStudent
	}
	view, err := d.coord.SessionStatus(ctx, c.identity.Student())
	if err != nil {
		return err
	}
	c.reply(eventStatusReply, view)
	return nil
}
