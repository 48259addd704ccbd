package chat

import (
	"sort"
	"time"
)

type entry struct {
	msg Message
	seq uint64 // arrival order, kept across Replace
}

func (e entry) before(o entry) bool {
	if !e.msg.CreatedAt.Equal(o.msg.CreatedAt) {
		return e.msg.CreatedAt.Before(o.msg.CreatedAt)
	}
	return e.seq < o.seq
}

// Timeline holds every peer's ordered messages, confirmed and pending mixed.
// Entries are ordered by createdAt, then arrival. It is not safe for
// concurrent use; the Engine owns it from a single goroutine.
type Timeline struct {
	peers map[string][]entry
	owner map[string]string // message id -> peer id
	seq   uint64
}

func NewTimeline() *Timeline {
	return &Timeline{
		peers: make(map[string][]entry),
		owner: make(map[string]string),
	}
}

// Append inserts msg into peerID's timeline at its ordered position.
func (t *Timeline) Append(peerID string, msg Message) {
	t.seq++
	e := entry{msg: msg, seq: t.seq}
	list := t.peers[peerID]
	i := sort.Search(len(list), func(i int) bool { return e.before(list[i]) })
	list = append(list, entry{})
	copy(list[i+1:], list[i:])
	list[i] = e
	t.peers[peerID] = list
	t.owner[msg.ID] = peerID
}

// Replace swaps the first entry matching match for newMsg, keeping its
// arrival position. It reports whether anything was replaced.
func (t *Timeline) Replace(peerID string, match func(Message) bool, newMsg Message) bool {
	list := t.peers[peerID]
	for i := range list {
		if !match(list[i].msg) {
			continue
		}
		old := list[i].msg
		list[i].msg = newMsg
		if t.owner[old.ID] == peerID {
			delete(t.owner, old.ID)
		}
		t.owner[newMsg.ID] = peerID
		if !old.CreatedAt.Equal(newMsg.CreatedAt) {
			sort.SliceStable(list, func(a, b int) bool { return list[a].before(list[b]) })
		}
		return true
	}
	return false
}

// Remove deletes messageID from peerID's timeline.
func (t *Timeline) Remove(peerID, messageID string) bool {
	list := t.peers[peerID]
	for i := range list {
		if list[i].msg.ID != messageID {
			continue
		}
		t.peers[peerID] = append(list[:i], list[i+1:]...)
		delete(t.owner, messageID)
		return true
	}
	return false
}

// RemoveByID deletes messageID from whichever timeline holds it.
func (t *Timeline) RemoveByID(messageID string) (string, bool) {
	peerID, ok := t.owner[messageID]
	if !ok {
		return "", false
	}
	return peerID, t.Remove(peerID, messageID)
}

// Find returns the message with id and the peer holding it.
func (t *Timeline) Find(messageID string) (Message, string, bool) {
	peerID, ok := t.owner[messageID]
	if !ok {
		return Message{}, "", false
	}
	for _, e := range t.peers[peerID] {
		if e.msg.ID == messageID {
			return e.msg, peerID, true
		}
	}
	return Message{}, "", false
}

// List returns a fresh copy of peerID's ordered timeline.
func (t *Timeline) List(peerID string) []Message {
	list := t.peers[peerID]
	out := make([]Message, len(list))
	for i, e := range list {
		out[i] = e.msg
	}
	return out
}

// Last returns the newest message of peerID's timeline.
func (t *Timeline) Last(peerID string) (Message, bool) {
	list := t.peers[peerID]
	if len(list) == 0 {
		return Message{}, false
	}
	return list[len(list)-1].msg, true
}

// Pending returns every PENDING message created before cutoff, across peers.
// A zero cutoff returns all of them.
func (t *Timeline) Pending(cutoff time.Time) []Message {
	var out []Message
	for _, list := range t.peers {
		for _, e := range list {
			if e.msg.State != StatePending {
				continue
			}
			if !cutoff.IsZero() && !e.msg.CreatedAt.Before(cutoff) {
				continue
			}
			out = append(out, e.msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// PendingIn returns peerID's PENDING messages in submission order.
func (t *Timeline) PendingIn(peerID string) []Message {
	var out []Message
	for _, e := range t.peers[peerID] {
		if e.msg.State == StatePending {
			out = append(out, e.msg)
		}
	}
	return out
}
