package chat

import (
	"sort"
	"time"
)

// Directory is the recency-ordered set of conversation summaries. Like
// Timeline it is owned by the Engine goroutine.
type Directory struct {
	summaries map[string]*ConversationSummary
	order     []string
	active    string
	now       func() time.Time

	// Server state from Seed, restored when the local timeline empties.
	baselines map[string]baseline
	// Identities learned before the peer had a summary.
	known map[string]Profile
}

type baseline struct {
	last      *Message
	updatedAt time.Time
}

// NewDirectory returns an empty directory. now stamps summaries created
// without a message; nil means time.Now.
func NewDirectory(now func() time.Time) *Directory {
	if now == nil {
		now = time.Now
	}
	return &Directory{
		summaries: make(map[string]*ConversationSummary),
		now:       now,
		baselines: make(map[string]baseline),
		known:     make(map[string]Profile),
	}
}

// Upsert points peerID's summary at msg, creating the summary on first
// contact. Identity is taken from, in order: identity, the profile embedded
// in msg, the stored summary, and finally a placeholder built from peerID.
func (d *Directory) Upsert(peerID string, msg *Message, identity *Profile) {
	s, ok := d.summaries[peerID]
	if !ok {
		s = &ConversationSummary{Peer: Profile{ID: peerID, Username: peerID}}
		if p, seen := d.known[peerID]; seen {
			s.Peer = mergeProfile(p, s.Peer)
			delete(d.known, peerID)
		}
		d.summaries[peerID] = s
		d.order = append(d.order, peerID)
	}

	switch {
	case identity != nil:
		s.Peer = mergeProfile(*identity, s.Peer)
	case msg != nil && msg.ProfileOf(peerID) != nil:
		s.Peer = mergeProfile(*msg.ProfileOf(peerID), s.Peer)
	}
	s.Peer.ID = peerID

	if msg != nil && (s.LastMessage == nil || !msg.CreatedAt.Before(s.LastMessage.CreatedAt) || s.LastMessage.ID == msg.ID) {
		m := *msg
		s.LastMessage = &m
		s.UpdatedAt = msg.CreatedAt
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = d.now()
	}
	d.resort()
}

// Refresh sets peerID's last message after the timeline changed underneath
// it, e.g. on delete or when a pending entry was confirmed or dropped. A nil
// last means the timeline is empty: the summary falls back to what the
// server reported, if anything.
func (d *Directory) Refresh(peerID string, last *Message) {
	s, ok := d.summaries[peerID]
	if !ok {
		return
	}
	b, seeded := d.baselines[peerID]
	switch {
	case last != nil && (!seeded || b.last == nil || !b.last.CreatedAt.After(last.CreatedAt)):
		s.LastMessage = copyMessage(last)
		s.UpdatedAt = last.CreatedAt
	case seeded:
		s.LastMessage = copyMessage(b.last)
		s.UpdatedAt = b.updatedAt
	default:
		s.LastMessage = nil
	}
	d.resort()
}

// DropLast clears the last message of any summary pointing at messageID.
func (d *Directory) DropLast(messageID string) (string, bool) {
	for peerID, s := range d.summaries {
		if s.LastMessage != nil && s.LastMessage.ID == messageID {
			s.LastMessage = nil
			d.resort()
			return peerID, true
		}
	}
	return "", false
}

// Forget drops messageID from the server baselines so a later Refresh
// cannot bring a deleted message back.
func (d *Directory) Forget(messageID string) {
	for peerID, b := range d.baselines {
		if b.last != nil && b.last.ID == messageID {
			b.last = nil
			d.baselines[peerID] = b
		}
	}
}

// Seed installs a summary fetched from the backend if none exists yet. It
// reports whether the summary was added.
func (d *Directory) Seed(summary ConversationSummary) bool {
	peerID := summary.Peer.ID
	if peerID == "" {
		return false
	}
	if _, ok := d.summaries[peerID]; ok {
		return false
	}
	s := summary
	s.LastMessage = copyMessage(summary.LastMessage)
	if s.UpdatedAt.IsZero() && s.LastMessage != nil {
		s.UpdatedAt = s.LastMessage.CreatedAt
	}
	if s.UnreadCount < 0 || peerID == d.active {
		s.UnreadCount = 0
	}
	if p, seen := d.known[peerID]; seen {
		s.Peer = mergeProfile(s.Peer, p)
		delete(d.known, peerID)
	}
	d.baselines[peerID] = baseline{last: copyMessage(s.LastMessage), updatedAt: s.UpdatedAt}
	d.summaries[peerID] = &s
	d.order = append(d.order, peerID)
	d.resort()
	return true
}

// SetIdentity updates peerID's display attributes. Without a summary the
// identity is kept for when one is created.
func (d *Directory) SetIdentity(peerID string, p Profile) {
	p.ID = peerID
	s, ok := d.summaries[peerID]
	if !ok {
		d.known[peerID] = mergeProfile(p, d.known[peerID])
		return
	}
	s.Peer = mergeProfile(p, s.Peer)
	s.Peer.ID = peerID
}

func (d *Directory) MarkPeerActive(peerID string) { d.active = peerID }

func (d *Directory) MarkPeerInactive() { d.active = "" }

func (d *Directory) ActivePeer() string { return d.active }

// IncrementUnread bumps peerID's unread counter unless peerID is active.
func (d *Directory) IncrementUnread(peerID string) bool {
	s, ok := d.summaries[peerID]
	if !ok || peerID == d.active {
		return false
	}
	s.UnreadCount++
	return true
}

// ResetUnread zeroes peerID's unread counter and returns the previous value.
func (d *Directory) ResetUnread(peerID string) int {
	s, ok := d.summaries[peerID]
	if !ok {
		return 0
	}
	n := s.UnreadCount
	s.UnreadCount = 0
	return n
}

// Get returns a copy of peerID's summary.
func (d *Directory) Get(peerID string) (ConversationSummary, bool) {
	s, ok := d.summaries[peerID]
	if !ok {
		return ConversationSummary{}, false
	}
	return copySummary(s), true
}

// List returns copies of all summaries, most recent first.
func (d *Directory) List() []ConversationSummary {
	out := make([]ConversationSummary, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, copySummary(d.summaries[id]))
	}
	return out
}

func (d *Directory) resort() {
	sort.SliceStable(d.order, func(i, j int) bool {
		a, b := d.summaries[d.order[i]].sortTime(), d.summaries[d.order[j]].sortTime()
		return a.After(b)
	})
}

func copySummary(s *ConversationSummary) ConversationSummary {
	out := *s
	out.LastMessage = copyMessage(s.LastMessage)
	return out
}

func copyMessage(m *Message) *Message {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

// mergeProfile fills the empty fields of p from fallback.
func mergeProfile(p, fallback Profile) Profile {
	if p.Username == "" {
		p.Username = fallback.Username
	}
	if p.DisplayName == "" {
		p.DisplayName = fallback.DisplayName
	}
	if p.Avatar == "" {
		p.Avatar = fallback.Avatar
	}
	return p
}
