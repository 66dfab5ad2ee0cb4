// Package mongodb implements the durable session store over MongoDB. Status
// transitions are compare-and-set FindOneAndUpdate calls filtered on the
// expected status, which makes the collection the single linearization point
// for the session lifecycle.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/rollcall-app/rollcall/attend"
)

const (
	sessionsCollection = "sessions"
	groupsCollection   = "group_sessions"
	recordsCollection  = "attendance_records"
)

// Store is the MongoDB-backed attend.SessionStore.
type Store struct {
	sessions *mongo.Collection
	groups   *mongo.Collection
	records  *mongo.Collection
}

// New creates a Store over the given database handle.
func New(db *mongo.Database) *Store {
	return &Store{
		sessions: db.Collection(sessionsCollection),
		groups:   db.Collection(groupsCollection),
		records:  db.Collection(recordsCollection),
	}
}

// Sessions and groups expire from Mongo on their own: ended documents a
// day after endedAt (the field is absent on live documents, so the TTL
// monitor skips them), and any document 30 days after creation so an
// abandoned session cannot linger forever. Attendance records are the
// durable output and never expire.
const (
	endedExpiry   = int32(24 * 60 * 60)
	createdExpiry = int32(30 * 24 * 60 * 60)
)

func sessionIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{Keys: bson.D{{Key: "faculty.id", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{
			{Key: "triple.department", Value: 1},
			{Key: "triple.semester", Value: 1},
			{Key: "triple.section", Value: 1},
			{Key: "status", Value: 1},
		}},
		{Keys: bson.D{{Key: "currentToken", Value: 1}, {Key: "tokenExpiry", Value: 1}}},
		{
			Keys:    bson.D{{Key: "endedAt", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(endedExpiry),
		},
		{
			Keys:    bson.D{{Key: "createdAt", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(createdExpiry),
		},
	}
}

func groupIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{Keys: bson.D{{Key: "faculty.id", Value: 1}, {Key: "status", Value: 1}}},
		{
			Keys:    bson.D{{Key: "endedAt", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(endedExpiry),
		},
		{
			Keys:    bson.D{{Key: "createdAt", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(createdExpiry),
		},
	}
}

func recordIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{Keys: bson.D{{Key: "sessionId", Value: 1}}},
		{Keys: bson.D{
			{Key: "triple.department", Value: 1},
			{Key: "triple.semester", Value: 1},
			{Key: "triple.section", Value: 1},
			{Key: "createdAt", Value: -1},
		}},
	}
}

// EnsureIndexes creates the store's indexes. Idempotent; called at startup.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	if _, err := s.sessions.Indexes().CreateMany(ctx, sessionIndexes()); err != nil {
		return fmt.Errorf("mongodb: session indexes: %w", err)
	}
	if _, err := s.groups.Indexes().CreateMany(ctx, groupIndexes()); err != nil {
		return fmt.Errorf("mongodb: group indexes: %w", err)
	}
	if _, err := s.records.Indexes().CreateMany(ctx, recordIndexes()); err != nil {
		return fmt.Errorf("mongodb: record indexes: %w", err)
	}
	return nil
}

func liveFilter(t attend.Triple) bson.M {
	return bson.M{
		"triple.department": t.Department,
		"triple.semester":   t.Semester,
		"triple.section":    t.Section,
		"status":            bson.M{"$ne": attend.StatusEnded},
	}
}

func (s *Store) Create(ctx context.Context, sess *attend.Session) error {
	// The sibling check and insert are two steps; the coordinator ends
	// siblings beforehand, this guard only closes the obvious race.
	n, err := s.sessions.CountDocuments(ctx, liveFilter(sess.Triple))
	if err != nil {
		return storeErr("count siblings", err)
	}
	if n > 0 {
		return attend.ErrSiblingExists
	}
	if _, err := s.sessions.InsertOne(ctx, sess); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return attend.ErrSiblingExists
		}
		return storeErr("insert session", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, sid string) (*attend.Session, error) {
	var out attend.Session
	err := s.sessions.FindOne(ctx, bson.M{"_id": sid}).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, attend.ErrSessionNotFound
	}
	if err != nil {
		return nil, storeErr("get session", err)
	}
	return &out, nil
}

func (s *Store) FindLiveForTriple(ctx context.Context, t attend.Triple) (*attend.Session, error) {
	var out attend.Session
	err := s.sessions.FindOne(ctx, liveFilter(t),
		options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: -1}}),
	).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, attend.ErrNoActiveSession
	}
	if err != nil {
		return nil, storeErr("find live session", err)
	}
	return &out, nil
}

func (s *Store) FindByStatus(ctx context.Context, status attend.Status) ([]*attend.Session, error) {
	cur, err := s.sessions.Find(ctx, bson.M{"status": status})
	if err != nil {
		return nil, storeErr("find by status", err)
	}
	var out []*attend.Session
	if err := cur.All(ctx, &out); err != nil {
		return nil, storeErr("decode sessions", err)
	}
	return out, nil
}

func (s *Store) Transition(ctx context.Context, sid string, expected, next attend.Status, update attend.TransitionUpdate) (*attend.Session, error) {
	var out attend.Session
	err := s.sessions.FindOneAndUpdate(ctx,
		bson.M{"_id": sid, "status": expected},
		transitionDoc(next, update),
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, s.transitionConflict(ctx, sid)
	}
	if err != nil {
		return nil, storeErr("transition", err)
	}
	return &out, nil
}

// transitionConflict distinguishes a missing session from a CAS miss.
func (s *Store) transitionConflict(ctx context.Context, sid string) error {
	n, err := s.sessions.CountDocuments(ctx, bson.M{"_id": sid})
	if err == nil && n == 0 {
		return attend.ErrSessionNotFound
	}
	return attend.ErrCASConflict
}

func (s *Store) Incr(ctx context.Context, sid string, delta attend.CounterDelta) (*attend.Session, error) {
	inc := bson.M{}
	for field, v := range map[string]int64{
		"counters.joined":               delta.Joined,
		"counters.present":              delta.Present,
		"counters.totalScans":           delta.TotalScans,
		"counters.uniqueDevices":        delta.UniqueDevices,
		"counters.duplicateAttempts":    delta.DuplicateAttempts,
		"counters.invalidTokenAttempts": delta.InvalidTokenAttempts,
	} {
		if v != 0 {
			inc[field] = v
		}
	}
	if len(inc) == 0 {
		return s.Get(ctx, sid)
	}

	var out attend.Session
	err := s.sessions.FindOneAndUpdate(ctx,
		bson.M{"_id": sid},
		bson.M{"$inc": inc},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, attend.ErrSessionNotFound
	}
	if err != nil {
		return nil, storeErr("incr counters", err)
	}
	return &out, nil
}

func (s *Store) UpdateToken(ctx context.Context, sid, token string, expiry time.Time) (*attend.Session, error) {
	var out attend.Session
	err := s.sessions.FindOneAndUpdate(ctx,
		bson.M{"_id": sid, "status": attend.StatusActive},
		bson.M{
			"$set": bson.M{"currentToken": token, "tokenExpiry": expiry},
			"$inc": bson.M{"refreshCount": 1},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// Not active anymore; the rotator stops on this.
		return nil, attend.ErrBadTransition
	}
	if err != nil {
		return nil, storeErr("update token", err)
	}
	return &out, nil
}

func (s *Store) MirrorToken(ctx context.Context, sids []string, token string, expiry time.Time) error {
	_, err := s.sessions.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": sids}, "status": attend.StatusActive},
		bson.M{
			"$set": bson.M{"currentToken": token, "tokenExpiry": expiry},
			"$inc": bson.M{"refreshCount": 1},
		},
	)
	if err != nil {
		return storeErr("mirror token", err)
	}
	return nil
}

func (s *Store) Reap(ctx context.Context, endedBefore time.Time) (int64, error) {
	res, err := s.sessions.DeleteMany(ctx, bson.M{
		"status":  attend.StatusEnded,
		"endedAt": bson.M{"$lt": endedBefore},
	})
	if err != nil {
		return 0, storeErr("reap sessions", err)
	}
	return res.DeletedCount, nil
}

func (s *Store) CreateGroup(ctx context.Context, g *attend.GroupSession) error {
	if _, err := s.groups.InsertOne(ctx, g); err != nil {
		return storeErr("insert group", err)
	}
	return nil
}

func (s *Store) GetGroup(ctx context.Context, gid string) (*attend.GroupSession, error) {
	var out attend.GroupSession
	err := s.groups.FindOne(ctx, bson.M{"_id": gid}).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, attend.ErrGroupNotFound
	}
	if err != nil {
		return nil, storeErr("get group", err)
	}
	return &out, nil
}

func (s *Store) FindGroupsByStatus(ctx context.Context, status attend.Status) ([]*attend.GroupSession, error) {
	cur, err := s.groups.Find(ctx, bson.M{"status": status})
	if err != nil {
		return nil, storeErr("find groups by status", err)
	}
	var out []*attend.GroupSession
	if err := cur.All(ctx, &out); err != nil {
		return nil, storeErr("decode groups", err)
	}
	return out, nil
}

func (s *Store) TransitionGroup(ctx context.Context, gid string, expected, next attend.Status, update attend.TransitionUpdate) (*attend.GroupSession, error) {
	var out attend.GroupSession
	err := s.groups.FindOneAndUpdate(ctx,
		bson.M{"_id": gid, "status": expected},
		transitionDoc(next, update),
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		n, cerr := s.groups.CountDocuments(ctx, bson.M{"_id": gid})
		if cerr == nil && n == 0 {
			return nil, attend.ErrGroupNotFound
		}
		return nil, attend.ErrCASConflict
	}
	if err != nil {
		return nil, storeErr("transition group", err)
	}
	return &out, nil
}

func (s *Store) UpdateGroupToken(ctx context.Context, gid, token string, expiry time.Time) (*attend.GroupSession, error) {
	var out attend.GroupSession
	err := s.groups.FindOneAndUpdate(ctx,
		bson.M{"_id": gid, "status": attend.StatusActive},
		bson.M{
			"$set": bson.M{"currentToken": token, "tokenExpiry": expiry},
			"$inc": bson.M{"refreshCount": 1},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, attend.ErrBadTransition
	}
	if err != nil {
		return nil, storeErr("update group token", err)
	}
	return &out, nil
}

func (s *Store) SaveRecord(ctx context.Context, r *attend.Record) error {
	if _, err := s.records.InsertOne(ctx, r); err != nil {
		return storeErr("insert record", err)
	}
	return nil
}

// transitionDoc renders a TransitionUpdate into a Mongo update document.
func transitionDoc(next attend.Status, u attend.TransitionUpdate) bson.M {
	set := bson.M{"status": next}
	unset := bson.M{}

	if u.SetLockedAt != nil {
		set["lockedAt"] = *u.SetLockedAt
	}
	if u.ClearLockedAt {
		unset["lockedAt"] = ""
	}
	if u.SetStartedAt != nil {
		set["startedAt"] = *u.SetStartedAt
	}
	if u.SetEndedAt != nil {
		set["endedAt"] = *u.SetEndedAt
	}
	if u.SetToken != "" {
		set["currentToken"] = u.SetToken
		set["tokenExpiry"] = u.SetTokenExpiry
		set["refreshCount"] = int64(1)
	}
	if u.ClearToken {
		unset["currentToken"] = ""
		unset["tokenExpiry"] = ""
	}

	doc := bson.M{"$set": set}
	if len(unset) > 0 {
		doc["$unset"] = unset
	}
	return doc
}

// storeErr wraps driver failures as retriable transient errors; callers
// surface them as 503 rather than 500.
func storeErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return attend.ErrStoreUnavailable
	}
	return attend.ErrStoreUnavailable.WithMessagef("session store %s failed: %v", op, err)
}
