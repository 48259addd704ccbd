package chat

import "time"

const (
	// OwnEchoWindow bounds createdAt skew between a local send and the push
	// echo of that same send.
	OwnEchoWindow = 10 * time.Second
	// PeerPathWindow bounds skew for pushes arriving on the new-message path.
	PeerPathWindow = 5 * time.Second
)

// correlation says how a confirmation was matched to a pending entry.
type correlation string

const (
	byToken     correlation = "token"
	byHeuristic correlation = "heuristic"
	byAck       correlation = "ack"
)

// Windows holds the createdAt tolerances used by the heuristic match.
type Windows struct {
	OwnEcho  time.Duration
	PeerPath time.Duration
}

func (w Windows) forKind(kind EventKind) time.Duration {
	if kind == EventMessageSent {
		return w.OwnEcho
	}
	return w.PeerPath
}

// matchPending finds the pending entry that confirmed describes. An exact
// client token wins. Without one, the sender, content, media presence and a
// createdAt window must all agree; among several candidates the oldest
// submission is picked so repeated identical sends confirm in order.
func matchPending(pending []Message, confirmed Message, window time.Duration) (Message, correlation, bool) {
	if confirmed.ClientToken != "" {
		for _, p := range pending {
			if p.ClientToken == confirmed.ClientToken {
				return p, byToken, true
			}
		}
	}
	for _, p := range pending {
		if p.ClientToken != "" && confirmed.ClientToken != "" {
			continue
		}
		if sameLogicalMessage(p, confirmed, window) {
			return p, byHeuristic, true
		}
	}
	return Message{}, "", false
}

func sameLogicalMessage(a, b Message, window time.Duration) bool {
	if a.SenderID != b.SenderID {
		return false
	}
	if a.Content != b.Content || a.HasMedia() != b.HasMedia() {
		return false
	}
	d := a.CreatedAt.Sub(b.CreatedAt)
	if d < 0 {
		d = -d
	}
	return d <= window
}
