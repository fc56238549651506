package dht

import "time"

// Contact is the public identity of a DHT peer: its node ID, the address
// of its RPC endpoint, and the TCP address of its blob exchange server.
type Contact struct {
	ID       NodeID `json:"id"`
	Address  string `json:"address"`
	BlobAddr string `json:"blob_addr,omitempty"`
}

// Credibility classifies a contact's liveness history.
type Credibility int

const (
	// Unknown means insufficient history to judge the contact.
	Unknown Credibility = iota
	// Good means the contact replied to us recently with no run of
	// failures since. A contact is never promoted to Good without a
	// direct successful round-trip.
	Good
	// Bad means the contact failed too many consecutive requests with
	// no intervening success. Bad contacts are dropped from the routing
	// table and excluded from lookup results until they reply again.
	Bad
)

func (c Credibility) String() string {
	switch c {
	case Good:
		return "good"
	case Bad:
		return "bad"
	default:
		return "unknown"
	}
}

// contactState is the credibility record kept in the routing table's
// contact arena. RPC bookkeeping references contacts by NodeID, never by
// pointer, so there are no ownership cycles between pending RPCs, the
// table, and the contacts themselves.
type contactState struct {
	contact       Contact
	lastReplied   time.Time
	lastRequested time.Time
	failures      []time.Time // failure timestamps since the last reply

	// token is the most recent write token this contact issued to us,
	// learned from its find_value responses.
	token   string
	tokenAt time.Time
}

// classify applies the credibility rules. maxFailures is the consecutive
// failure threshold; refreshWindow bounds how recent a reply must be to
// count as "recent".
func (cs *contactState) classify(now time.Time, maxFailures int, refreshWindow time.Duration) Credibility {
	if len(cs.failures) >= maxFailures {
		return Bad
	}
	if !cs.lastReplied.IsZero() && now.Sub(cs.lastReplied) < refreshWindow {
		return Good
	}
	if !cs.lastReplied.IsZero() && !cs.lastRequested.IsZero() && now.Sub(cs.lastRequested) < refreshWindow {
		return Good
	}
	return Unknown
}

// recordSuccess notes a successful reply, clearing the failure run.
func (cs *contactState) recordSuccess(now time.Time) {
	cs.lastReplied = now
	cs.failures = nil
}

// recordFailure appends a failure timestamp.
func (cs *contactState) recordFailure(now time.Time) {
	cs.failures = append(cs.failures, now)
}
