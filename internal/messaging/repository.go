package messaging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"chatsync/internal/chat"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const messageColumns = `m.id, m.sender_id, m.receiver_id, m.content, COALESCE(m.media, '') AS media,
	COALESCE(m.parent_id::text, '') AS parent_id, COALESCE(m.client_token, '') AS client_token, m.created_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row scanner, extra ...interface{}) (chat.Message, error) {
	var (
		id, sender, receiver int64
		m                    chat.Message
	)
	dest := []interface{}{&id, &sender, &receiver, &m.Content, &m.Media, &m.ParentID, &m.ClientToken, &m.CreatedAt}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return chat.Message{}, err
	}
	m.ID = strconv.FormatInt(id, 10)
	m.SenderID = strconv.FormatInt(sender, 10)
	m.ReceiverID = strconv.FormatInt(receiver, 10)
	m.CreatedAt = m.CreatedAt.UTC()
	m.State = chat.StateConfirmed
	return m, nil
}

// SaveMessage stores a message from senderID. A repeated client token
// returns the row stored the first time and created=false.
func (r *Repository) SaveMessage(ctx context.Context, senderID int, in chat.OutgoingMessage) (chat.Message, bool, error) {
	receiverID, err := strconv.Atoi(in.ReceiverID)
	if err != nil {
		return chat.Message{}, false, fmt.Errorf("receiver id %q: %w", in.ReceiverID, err)
	}
	var parent interface{}
	if in.ParentID != "" {
		pid, err := strconv.ParseInt(in.ParentID, 10, 64)
		if err != nil {
			return chat.Message{}, false, fmt.Errorf("parent id %q: %w", in.ParentID, err)
		}
		parent = pid
	}

	query := `
		INSERT INTO messages AS m (sender_id, receiver_id, content, media, parent_id, client_token)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, NULLIF($6, ''))
		ON CONFLICT (sender_id, client_token) WHERE client_token IS NOT NULL DO NOTHING
		RETURNING ` + messageColumns
	msg, err := scanMessage(r.db.QueryRowContext(ctx, query, senderID, receiverID, in.Content, in.Media, parent, in.ClientToken))
	if err == nil {
		return msg, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, false, fmt.Errorf("insert message: %w", err)
	}

	existing := `SELECT ` + messageColumns + ` FROM messages m WHERE m.sender_id = $1 AND m.client_token = $2`
	msg, err = scanMessage(r.db.QueryRowContext(ctx, existing, senderID, in.ClientToken))
	if err != nil {
		return chat.Message{}, false, fmt.Errorf("load message for token %q: %w", in.ClientToken, err)
	}
	return msg, false, nil
}

// Conversation returns the latest limit messages between selfID and peerID,
// oldest first.
func (r *Repository) Conversation(ctx context.Context, selfID, peerID, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT * FROM (
			SELECT ` + messageColumns + `
			FROM messages m
			WHERE (m.sender_id = $1 AND m.receiver_id = $2) OR (m.sender_id = $2 AND m.receiver_id = $1)
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT $3
		) recent
		ORDER BY created_at ASC, id ASC`
	rows, err := r.db.QueryContext(ctx, query, selfID, peerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversation %d/%d: %w", selfID, peerID, err)
	}
	defer rows.Close()

	messages := make([]chat.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.PeerID = strconv.Itoa(peerID)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// Conversations lists one summary per peer selfID has exchanged messages
// with, most recent first.
func (r *Repository) Conversations(ctx context.Context, selfID int) ([]chat.ConversationSummary, error) {
	query := `
		WITH mine AS (
			SELECT m.*, CASE WHEN m.sender_id = $1 THEN m.receiver_id ELSE m.sender_id END AS peer_id
			FROM messages m
			WHERE m.sender_id = $1 OR m.receiver_id = $1
		), last AS (
			SELECT DISTINCT ON (peer_id) * FROM mine ORDER BY peer_id, created_at DESC, id DESC
		)
		SELECT ` + messageColumns + `,
			u.id, u.username, COALESCE(u.display_name, ''), COALESCE(u.avatar, ''),
			(SELECT COUNT(*) FROM messages x
				WHERE x.sender_id = m.peer_id AND x.receiver_id = $1 AND x.read_at IS NULL)
		FROM last m
		JOIN users u ON u.id = m.peer_id
		ORDER BY m.created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, selfID)
	if err != nil {
		return nil, fmt.Errorf("query conversations for %d: %w", selfID, err)
	}
	defer rows.Close()

	out := make([]chat.ConversationSummary, 0)
	for rows.Next() {
		var (
			peerID int
			s      chat.ConversationSummary
		)
		msg, err := scanMessage(rows, &peerID, &s.Peer.Username, &s.Peer.DisplayName, &s.Peer.Avatar, &s.UnreadCount)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		s.Peer.ID = strconv.Itoa(peerID)
		msg.PeerID = s.Peer.ID
		s.LastMessage = &msg
		s.UpdatedAt = msg.CreatedAt
		out = append(out, s)
	}
	return out, rows.Err()
}

// MarkRead stamps every unread message from peerID to selfID.
func (r *Repository) MarkRead(ctx context.Context, selfID, peerID int) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE messages SET read_at = $3 WHERE receiver_id = $1 AND sender_id = $2 AND read_at IS NULL`,
		selfID, peerID, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("mark read %d/%d: %w", selfID, peerID, err)
	}
	return res.RowsAffected()
}

// DeleteMessage removes a message selfID sent and returns it.
func (r *Repository) DeleteMessage(ctx context.Context, selfID int, messageID int64) (chat.Message, error) {
	query := `DELETE FROM messages m WHERE m.id = $1 AND m.sender_id = $2 RETURNING ` + messageColumns
	msg, err := scanMessage(r.db.QueryRowContext(ctx, query, messageID, selfID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chat.Message{}, fmt.Errorf("message %d: %w", messageID, chat.ErrNotFound)
		}
		return chat.Message{}, fmt.Errorf("delete message %d: %w", messageID, err)
	}
	return msg, nil
}
