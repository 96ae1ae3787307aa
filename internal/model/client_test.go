package model

import "testing"

func TestClientContextKey_PreferenceOrder(t *testing.T) {
	full := ClientContext{UserID: "u1", SessionID: "s1", RemoteAddr: "10.0.0.1"}
	if full.Key() != "user:u1" {
		t.Errorf("expected user identity to win, got %s", full.Key())
	}

	sess := ClientContext{SessionID: "s1", RemoteAddr: "10.0.0.1"}
	if sess.Key() != "session:s1" {
		t.Errorf("expected session identity, got %s", sess.Key())
	}
}

func TestClientContextKey_AnonymousIsStable(t *testing.T) {
	a := ClientContext{RemoteAddr: "10.0.0.1:55001", UserAgent: "curl/8.0"}
	b := ClientContext{RemoteAddr: "10.0.0.1:55001", UserAgent: "curl/8.0"}
	c := ClientContext{RemoteAddr: "10.0.0.2:55001", UserAgent: "curl/8.0"}

	if !a.Anonymous() {
		t.Fatal("expected anonymous context")
	}
	if a.Key() != b.Key() {
		t.Error("same source must map to the same synthetic identity")
	}
	if a.Key() == c.Key() {
		t.Error("different sources must not share a synthetic identity")
	}
}

func TestFailureKindMatching(t *testing.T) {
	err := NewFailure(FailRateLimit, 0, nil)
	if !IsFailure(err, FailRateLimit) {
		t.Error("expected rate limit failure to match")
	}
	if IsFailure(err, FailCapacity) {
		t.Error("kind mismatch should not match")
	}
	if !err.Recoverable() {
		t.Error("rate limit failures are recoverable")
	}
	hard := NewFailure(FailNoProvider, 0, nil)
	if hard.Recoverable() {
		t.Error("no-provider failures are not recoverable")
	}
}
