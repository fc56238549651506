package dht

import "testing"

func TestTokenIssueVerify(t *testing.T) {
	tm := NewTokenManager()
	tok := tm.Issue("10.0.0.1:4444")

	if !tm.Verify("10.0.0.1:4444", tok) {
		t.Fatal("token must verify for the address it was issued to")
	}
	if tm.Verify("10.0.0.2:4444", tok) {
		t.Fatal("token must not verify for a different address")
	}
	if tm.Verify("10.0.0.1:4444", "not-a-token") {
		t.Fatal("garbage must not verify")
	}
}

// TestTokenSurvivesOneRotation verifies the grace window: a token issued
// under the previous secret is still accepted, but two rotations kill it.
func TestTokenSurvivesOneRotation(t *testing.T) {
	tm := NewTokenManager()
	tok := tm.Issue("addr")

	tm.Rotate()
	if !tm.Verify("addr", tok) {
		t.Fatal("token must survive one rotation")
	}
	tm.Rotate()
	if tm.Verify("addr", tok) {
		t.Fatal("token must expire after two rotations")
	}
}

func TestTokenChangesAfterRotation(t *testing.T) {
	tm := NewTokenManager()
	before := tm.Issue("addr")
	tm.Rotate()
	after := tm.Issue("addr")
	if before == after {
		t.Fatal("rotation must change issued tokens")
	}
}
