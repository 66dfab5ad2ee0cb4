package livecache

import "github.com/rollcall-app/rollcall/attend"

// Key layout shared by every worker. Session-scoped keys are deleted at
// reconciliation; the TTLs are a safety net for sessions that never end
// cleanly.

func joinedKey(sid string) string { return "session:" + sid + ":joined" }

func attendedKey(sid string) string { return "session:" + sid + ":attended" }

func deviceKey(studentID string) string { return "device:" + studentID }

func sectionKey(t attend.Triple) string { return "section:" + t.Key() }

func leaseKey(sid string) string { return "rotator:" + sid }
