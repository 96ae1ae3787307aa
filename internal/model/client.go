package model

import "github.com/google/uuid"

// anonNamespace scopes synthetic anonymous identities so they can never
// collide with real user or session IDs.
var anonNamespace = uuid.MustParse("8f3c1c6e-5b7a-4d02-9c49-2f6f1d1a7e30")

// ClientContext identifies the caller for fair-share accounting. It is scoped
// to a single request and never persisted.
type ClientContext struct {
	UserID     string `json:"user_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
}

// Key returns the identity used for rate-limit bucketing, in preference
// order: authenticated user, then session, then a stable synthetic identity
// derived from request characteristics. Repeated anonymous traffic from the
// same source therefore shares one bucket.
func (c ClientContext) Key() string {
	if c.UserID != "" {
		return "user:" + c.UserID
	}
	if c.SessionID != "" {
		return "session:" + c.SessionID
	}
	return "anon:" + c.fingerprint()
}

// Anonymous reports whether no authenticated or session identity is present.
func (c ClientContext) Anonymous() bool {
	return c.UserID == "" && c.SessionID == ""
}

// fingerprint derives a deterministic identity from stable request
// characteristics.
func (c ClientContext) fingerprint() string {
	return uuid.NewSHA1(anonNamespace, []byte(c.RemoteAddr+"|"+c.UserAgent)).String()
}
