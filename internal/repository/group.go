package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/groupchat/internal/logger"
	"github.com/groupchat/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrEmptyMembers   = errors.New("members must not be empty")
	ErrNotMember      = errors.New("not a group member")
	ErrDuplicateGroup = errors.New("group with the same subject and members already exists")
)

// pgUniqueViolation is the Postgres error code for unique constraint violations.
const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

const groupCols = `id, name, subject_id, member_key, created_by, last_message_id, created_at, updated_at`

type GroupRepository struct {
	pool *pgxpool.Pool
}

func NewGroupRepository(pool *pgxpool.Pool) *GroupRepository {
	return &GroupRepository{pool: pool}
}

func scanGroup(s interface{ Scan(dest ...any) error }, g *model.Group) error {
	return s.Scan(&g.ID, &g.Name, &g.SubjectID, &g.MemberKey, &g.CreatedBy, &g.LastMessageID, &g.CreatedAt, &g.UpdatedAt)
}

// Create persists a new group with the given member set. This is the raw
// constructor: it does not look for an existing group with the same natural
// key, but the (subject_id, member_key) unique index still rejects exact
// duplicates with ErrDuplicateGroup.
func (r *GroupRepository) Create(ctx context.Context, g *model.Group, members []string) error {
	defer logger.DeferLogDuration("group.Create", time.Now())()
	members = model.NormalizeMembers(members)
	if len(members) == 0 {
		return ErrEmptyMembers
	}
	g.MemberKey = model.CanonicalMemberKey(members)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("groupRepo.Create begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO groups (id, name, subject_id, member_key, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		g.ID, g.Name, g.SubjectID, g.MemberKey, g.CreatedBy, g.CreatedAt, g.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateGroup
		}
		return fmt.Errorf("groupRepo.Create: %w", err)
	}
	for i, uid := range members {
		_, err = tx.Exec(ctx,
			`INSERT INTO group_members (group_id, user_id, position, joined_at)
			 VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
			g.ID, uid, i, g.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("groupRepo.Create member: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateGroup
		}
		return fmt.Errorf("groupRepo.Create commit: %w", err)
	}
	return nil
}

// GetOrCreate resolves the group for (subjectID, members): member order is
// irrelevant, repeated calls with any permutation of the same set return the
// same group unchanged (the existing group's name is never touched). The
// returned bool reports whether a group was created by this call.
func (r *GroupRepository) GetOrCreate(ctx context.Context, name, subjectID string, members []string) (*model.Group, bool, error) {
	defer logger.DeferLogDuration("group.GetOrCreate", time.Now())()
	normalized := model.NormalizeMembers(members)
	if len(normalized) == 0 {
		return nil, false, ErrEmptyMembers
	}
	key := model.CanonicalMemberKey(normalized)

	existing, err := r.findByNaturalKey(ctx, subjectID, key)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	now := time.Now().UTC()
	g := &model.Group{
		ID:        uuid.New().String(),
		Name:      name,
		SubjectID: subjectID,
		CreatedBy: normalized[0],
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.Create(ctx, g, normalized); err != nil {
		if errors.Is(err, ErrDuplicateGroup) {
			// Lost a creation race: the winner holds the natural key.
			winner, ferr := r.findByNaturalKey(ctx, subjectID, key)
			if ferr != nil {
				return nil, false, ferr
			}
			return winner, false, nil
		}
		return nil, false, err
	}
	return g, true, nil
}

func (r *GroupRepository) findByNaturalKey(ctx context.Context, subjectID, memberKey string) (*model.Group, error) {
	g := &model.Group{}
	row := r.pool.QueryRow(ctx,
		`SELECT `+groupCols+` FROM groups WHERE subject_id = $1 AND member_key = $2`,
		subjectID, memberKey,
	)
	if err := scanGroup(row, g); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("groupRepo.findByNaturalKey: %w", err)
	}
	return g, nil
}

func (r *GroupRepository) GetByID(ctx context.Context, id string) (*model.Group, error) {
	defer logger.DeferLogDuration("group.GetByID", time.Now())()
	g := &model.Group{}
	row := r.pool.QueryRow(ctx, `SELECT `+groupCols+` FROM groups WHERE id = $1`, id)
	if err := scanGroup(row, g); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("groupRepo.GetByID: %w", err)
	}
	return g, nil
}

// GetGroupsForUser lists groups the user belongs to, most recently updated
// first (the updated_at pointer moves with every new message).
func (r *GroupRepository) GetGroupsForUser(ctx context.Context, userID string, limit, offset int) ([]model.Group, error) {
	defer logger.DeferLogDuration("group.GetGroupsForUser", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT g.id, g.name, g.subject_id, g.member_key, g.created_by, g.last_message_id, g.created_at, g.updated_at
		 FROM groups g
		 JOIN group_members gm ON gm.group_id = g.id
		 WHERE gm.user_id = $1
		 ORDER BY g.updated_at DESC
		 LIMIT $2 OFFSET $3`, userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("groupRepo.GetGroupsForUser query: %w", err)
	}
	defer rows.Close()

	groups := make([]model.Group, 0, limit)
	for rows.Next() {
		var g model.Group
		if err := scanGroup(rows, &g); err != nil {
			return nil, fmt.Errorf("groupRepo.GetGroupsForUser scan: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("groupRepo.GetGroupsForUser rows: %w", err)
	}
	return groups, nil
}

func (r *GroupRepository) UpdateGroup(ctx context.Context, id, name string) error {
	defer logger.DeferLogDuration("group.UpdateGroup", time.Now())()
	ct, err := r.pool.Exec(ctx, `UPDATE groups SET name = $1 WHERE id = $2`, name, id)
	if err != nil {
		return fmt.Errorf("groupRepo.UpdateGroup: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateMembers replaces the membership in full and recomputes the canonical
// member key. Fails with ErrEmptyMembers before touching anything; a natural
// key collision with another group rolls back and returns ErrDuplicateGroup,
// leaving the prior membership intact.
func (r *GroupRepository) UpdateMembers(ctx context.Context, id string, members []string) error {
	defer logger.DeferLogDuration("group.UpdateMembers", time.Now())()
	members = model.NormalizeMembers(members)
	if len(members) == 0 {
		return ErrEmptyMembers
	}
	key := model.CanonicalMemberKey(members)
	now := time.Now().UTC()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("groupRepo.UpdateMembers begin: %w", err)
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx, `UPDATE groups SET member_key = $1 WHERE id = $2`, key, id)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateGroup
		}
		return fmt.Errorf("groupRepo.UpdateMembers key: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	if _, err := tx.Exec(ctx, `DELETE FROM group_members WHERE group_id = $1`, id); err != nil {
		return fmt.Errorf("groupRepo.UpdateMembers clear: %w", err)
	}
	for i, uid := range members {
		_, err := tx.Exec(ctx,
			`INSERT INTO group_members (group_id, user_id, position, joined_at)
			 VALUES ($1, $2, $3, $4)`,
			id, uid, i, now,
		)
		if err != nil {
			return fmt.Errorf("groupRepo.UpdateMembers insert: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateGroup
		}
		return fmt.Errorf("groupRepo.UpdateMembers commit: %w", err)
	}
	return nil
}

// GetMembers returns the group's members in insertion order.
func (r *GroupRepository) GetMembers(ctx context.Context, groupID string) ([]model.UserPublic, error) {
	defer logger.DeferLogDuration("group.GetMembers", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT u.id, u.username, u.avatar_url, u.is_online, u.last_seen_at
		 FROM users u
		 JOIN group_members gm ON gm.user_id = u.id
		 WHERE gm.group_id = $1
		 ORDER BY gm.position`, groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("groupRepo.GetMembers query: %w", err)
	}
	defer rows.Close()

	users := make([]model.UserPublic, 0, 8)
	for rows.Next() {
		var u model.UserPublic
		if err := rows.Scan(&u.ID, &u.Username, &u.AvatarURL, &u.IsOnline, &u.LastSeenAt); err != nil {
			return nil, fmt.Errorf("groupRepo.GetMembers scan: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("groupRepo.GetMembers rows: %w", err)
	}
	return users, nil
}

func (r *GroupRepository) GetMemberIDs(ctx context.Context, groupID string) ([]string, error) {
	defer logger.DeferLogDuration("group.GetMemberIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT user_id FROM group_members WHERE group_id = $1 ORDER BY position`, groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("groupRepo.GetMemberIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 8)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("groupRepo.GetMemberIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("groupRepo.GetMemberIDs rows: %w", err)
	}
	return ids, nil
}

func (r *GroupRepository) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	defer logger.DeferLogDuration("group.IsMember", time.Now())()
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM group_members WHERE group_id = $1 AND user_id = $2)`,
		groupID, userID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("groupRepo.IsMember: %w", err)
	}
	return exists, nil
}

// PeerIDs returns every distinct user who shares at least one group with the
// given user. Used to scope presence-changed broadcasts.
func (r *GroupRepository) PeerIDs(ctx context.Context, userID string) ([]string, error) {
	defer logger.DeferLogDuration("group.PeerIDs", time.Now())()
	rows, err := r.pool.Query(ctx,
		`SELECT DISTINCT peer.user_id
		 FROM group_members own
		 JOIN group_members peer ON peer.group_id = own.group_id
		 WHERE own.user_id = $1 AND peer.user_id != $1`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("groupRepo.PeerIDs query: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("groupRepo.PeerIDs scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("groupRepo.PeerIDs rows: %w", err)
	}
	return ids, nil
}
