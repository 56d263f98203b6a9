package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/groupchat/internal/logger"
	"github.com/groupchat/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

// readByExpr aggregates the read set for a message row, oldest reader first.
const readByExpr = `COALESCE((SELECT array_agg(mr.user_id ORDER BY mr.read_at) FROM message_reads mr WHERE mr.message_id = m.id), '{}')`

// Create persists the message and moves the owning group's last-message
// pointer in one transaction: no reader observes the message without the
// pointer update or vice versa. The pointer update is guarded so that when
// two sends race, the strictly later timestamp wins regardless of commit
// order. The sender's read row is written in the same transaction, so
// ReadBy = {sender} from the moment the message exists.
func (r *MessageRepository) Create(ctx context.Context, m *model.Message) error {
	defer logger.DeferLogDuration("msg.Create", time.Now())()
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("msgRepo.Create begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO messages (id, group_id, sender_id, text, attachments, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.GroupID, m.SenderID, m.Text, m.Attachments, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create insert: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO message_reads (message_id, user_id, read_at)
		 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		m.ID, m.SenderID, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create sender read: %w", err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE groups SET last_message_id = $1, updated_at = $2
		 WHERE id = $3 AND updated_at <= $2`,
		m.ID, m.CreatedAt, m.GroupID,
	)
	if err != nil {
		return fmt.Errorf("msgRepo.Create pointer: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("msgRepo.Create commit: %w", err)
	}
	m.ReadBy = []string{m.SenderID}
	return nil
}

func (r *MessageRepository) GetByID(ctx context.Context, id string) (*model.Message, error) {
	defer logger.DeferLogDuration("msg.GetByID", time.Now())()
	m := &model.Message{}
	sender := &model.UserPublic{}
	err := r.pool.QueryRow(ctx,
		`SELECT m.id, m.group_id, m.sender_id, m.text, m.attachments, m.created_at, `+readByExpr+`,
		        u.id, u.username, u.avatar_url, u.is_online, u.last_seen_at
		 FROM messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.id = $1`, id,
	).Scan(&m.ID, &m.GroupID, &m.SenderID, &m.Text, &m.Attachments, &m.CreatedAt, &m.ReadBy,
		&sender.ID, &sender.Username, &sender.AvatarURL, &sender.IsOnline, &sender.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("msgRepo.GetByID: %w", err)
	}
	m.Sender = sender
	return m, nil
}

// ListByGroup returns messages newest first.
func (r *MessageRepository) ListByGroup(ctx context.Context, groupID string, limit, offset int) ([]model.Message, error) {
	defer logger.DeferLogDuration("msg.ListByGroup", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT m.id, m.group_id, m.sender_id, m.text, m.attachments, m.created_at, `+readByExpr+`,
		        u.id, u.username, u.avatar_url, u.is_online, u.last_seen_at
		 FROM messages m
		 JOIN users u ON u.id = m.sender_id
		 WHERE m.group_id = $1
		 ORDER BY m.created_at DESC
		 LIMIT $2 OFFSET $3`, groupID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("msgRepo.ListByGroup query: %w", err)
	}
	defer rows.Close()

	messages := make([]model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		sender := &model.UserPublic{}
		if err := rows.Scan(&m.ID, &m.GroupID, &m.SenderID, &m.Text, &m.Attachments, &m.CreatedAt, &m.ReadBy,
			&sender.ID, &sender.Username, &sender.AvatarURL, &sender.IsOnline, &sender.LastSeenAt); err != nil {
			return nil, fmt.Errorf("msgRepo.ListByGroup scan: %w", err)
		}
		m.Sender = sender
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("msgRepo.ListByGroup rows: %w", err)
	}
	return messages, nil
}

// MarkRead adds the user to the message's read set. Idempotent: re-marking
// is a no-op, and the returned bool reports whether this call actually added
// the row (read receipts are broadcast only on the first read).
func (r *MessageRepository) MarkRead(ctx context.Context, messageID, userID string) (bool, error) {
	defer logger.DeferLogDuration("msg.MarkRead", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM messages WHERE id = $1)`, messageID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("msgRepo.MarkRead exists: %w", err)
	}
	if !exists {
		return false, ErrNotFound
	}
	ct, err := r.pool.Exec(ctx,
		`INSERT INTO message_reads (message_id, user_id, read_at)
		 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		messageID, userID, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("msgRepo.MarkRead: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// UnreadTotal counts, across every group the user belongs to, the messages
// the user has not read and did not send.
func (r *MessageRepository) UnreadTotal(ctx context.Context, userID string) (int, error) {
	defer logger.DeferLogDuration("msg.UnreadTotal", time.Now())()
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*)
		 FROM messages m
		 JOIN group_members gm ON gm.group_id = m.group_id AND gm.user_id = $1
		 WHERE m.sender_id != $1
		   AND NOT EXISTS (SELECT 1 FROM message_reads mr WHERE mr.message_id = m.id AND mr.user_id = $1)`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.UnreadTotal: %w", err)
	}
	return count, nil
}

// UnreadInGroup is UnreadTotal scoped to one group.
func (r *MessageRepository) UnreadInGroup(ctx context.Context, userID, groupID string) (int, error) {
	defer logger.DeferLogDuration("msg.UnreadInGroup", time.Now())()
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*)
		 FROM messages m
		 JOIN group_members gm ON gm.group_id = m.group_id AND gm.user_id = $1
		 WHERE m.group_id = $2 AND m.sender_id != $1
		   AND NOT EXISTS (SELECT 1 FROM message_reads mr WHERE mr.message_id = m.id AND mr.user_id = $1)`,
		userID, groupID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("msgRepo.UnreadInGroup: %w", err)
	}
	return count, nil
}
