// Package postgres is the production Store backed by a pgx connection pool.
//
// Admission control happens inside transactions holding a row lock on the
// room, so two concurrent joins can never both be admitted as the second
// participant.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hushroom/hushroom/internal/v1/store"
	"github.com/hushroom/hushroom/internal/v1/types"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New connects to Postgres, verifies the connection, and applies the schema.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	cfg.MaxConns = 25
	cfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Ping reports pool health for the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Rooms ---

func (s *Store) CreateRoom(ctx context.Context, id types.RoomID, now time.Time) (*types.Room, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO rooms (room_id, status, created_at)
		VALUES ($1, $2, $3)
		RETURNING room_id, status, created_at, accepted_at, expires_at, closed_at, archive_key`,
		id, types.StatusPending, now)

	room, err := scanRoom(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, fmt.Errorf("creating room: %w", err)
	}
	return room, nil
}

func (s *Store) GetRoom(ctx context.Context, id types.RoomID) (*types.Room, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT room_id, status, created_at, accepted_at, expires_at, closed_at, archive_key
		FROM rooms WHERE room_id = $1`, id)

	room, err := scanRoom(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("getting room: %w", err)
	}
	return room, nil
}

func (s *Store) AcceptRoom(ctx context.Context, p store.AcceptParams) (*types.Room, *types.Participant, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("beginning accept tx: %w", err)
	}
	defer tx.Rollback(ctx)

	expiresAt := p.Now.Add(types.RoomTTL)
	row := tx.QueryRow(ctx, `
		UPDATE rooms
		SET status = $2, accepted_at = $3, expires_at = $4
		WHERE room_id = $1 AND status = $5
		RETURNING room_id, status, created_at, accepted_at, expires_at, closed_at, archive_key`,
		p.RoomID, types.StatusActive, p.Now, expiresAt, types.StatusPending)

	room, err := scanRoom(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Distinguish a missing room from a room already past pending.
			var exists bool
			if qerr := s.pool.QueryRow(ctx,
				`SELECT EXISTS(SELECT 1 FROM rooms WHERE room_id = $1)`, p.RoomID).Scan(&exists); qerr == nil && !exists {
				return nil, nil, store.ErrNotFound
			}
			return nil, nil, store.ErrConflict
		}
		return nil, nil, fmt.Errorf("activating room: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO room_keys (room_id, wrapped_key, created_at)
		VALUES ($1, $2, $3)`,
		p.RoomID, p.WrappedKey, p.Now); err != nil {
		return nil, nil, fmt.Errorf("storing room key: %w", err)
	}

	hostRow := tx.QueryRow(ctx, `
		INSERT INTO participants (room_id, role, device_id, ip_address, joined_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, room_id, role, device_id, display_name, ip_address, joined_at`,
		p.RoomID, types.RoleHost, p.HostDevice, p.HostIP, p.Now)

	host, err := scanParticipant(hostRow)
	if err != nil {
		return nil, nil, fmt.Errorf("inserting host participant: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("committing accept tx: %w", err)
	}
	return room, host, nil
}

func (s *Store) UpdateRoomStatus(ctx context.Context, id types.RoomID, from, to types.RoomStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE rooms SET status = $3 WHERE room_id = $1 AND status = $2`,
		id, from, to)
	if err != nil {
		return fmt.Errorf("updating room status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if qerr := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM rooms WHERE room_id = $1)`, id).Scan(&exists); qerr == nil && !exists {
			return store.ErrNotFound
		}
		return store.ErrConflict
	}
	return nil
}

func (s *Store) CloseRoom(ctx context.Context, id types.RoomID, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE rooms SET status = $2, closed_at = $3
		WHERE room_id = $1 AND status IN ($4, $5)`,
		id, types.StatusClosed, at, types.StatusActive, types.StatusLocked)
	if err != nil {
		return fmt.Errorf("closing room: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if qerr := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM rooms WHERE room_id = $1)`, id).Scan(&exists); qerr == nil && !exists {
			return store.ErrNotFound
		}
		return store.ErrConflict
	}
	return nil
}

func (s *Store) ListExpiredRooms(ctx context.Context, now time.Time, limit int) ([]types.Room, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT room_id, status, created_at, accepted_at, expires_at, closed_at, archive_key
		FROM rooms
		WHERE status <> $1 AND (status = $2 OR (expires_at IS NOT NULL AND expires_at < $3))
		ORDER BY created_at
		LIMIT $4`,
		types.StatusArchived, types.StatusClosed, now, limit)
	if err != nil {
		return nil, fmt.Errorf("listing expired rooms: %w", err)
	}
	defer rows.Close()

	var out []types.Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning expired room: %w", err)
		}
		out = append(out, *room)
	}
	return out, rows.Err()
}

func (s *Store) MarkArchived(ctx context.Context, id types.RoomID, archiveKey string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE rooms
		SET status = $2, archive_key = $3, closed_at = COALESCE(closed_at, $4)
		WHERE room_id = $1 AND status = $5`,
		id, types.StatusArchived, archiveKey, at, types.StatusClosed)
	if err != nil {
		return fmt.Errorf("marking room archived: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if qerr := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM rooms WHERE room_id = $1)`, id).Scan(&exists); qerr == nil && !exists {
			return store.ErrNotFound
		}
		return store.ErrConflict
	}
	return nil
}

func (s *Store) PurgeRoomData(ctx context.Context, id types.RoomID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning purge tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM rooms WHERE room_id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("checking room: %w", err)
	}
	if !exists {
		return store.ErrNotFound
	}

	for _, q := range []string{
		`DELETE FROM messages WHERE room_id = $1`,
		`DELETE FROM participants WHERE room_id = $1`,
		`DELETE FROM attachments WHERE room_id = $1`,
		`DELETE FROM room_keys WHERE room_id = $1`,
	} {
		if _, err := tx.Exec(ctx, q, id); err != nil {
			return fmt.Errorf("purging room data: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// --- Room keys ---

func (s *Store) GetWrappedKey(ctx context.Context, id types.RoomID) ([]byte, error) {
	var wrapped []byte
	err := s.pool.QueryRow(ctx,
		`SELECT wrapped_key FROM room_keys WHERE room_id = $1`, id).Scan(&wrapped)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting wrapped key: %w", err)
	}
	return wrapped, nil
}

// --- Participants ---

func (s *Store) AddParticipant(ctx context.Context, p store.NewParticipant) (*types.Participant, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning join tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock the room row so concurrent joins serialize on the count check.
	var status types.RoomStatus
	err = tx.QueryRow(ctx,
		`SELECT status FROM rooms WHERE room_id = $1 FOR UPDATE`, p.RoomID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("locking room: %w", err)
	}

	var count int
	if err := tx.QueryRow(ctx,
		`SELECT count(*) FROM participants WHERE room_id = $1`, p.RoomID).Scan(&count); err != nil {
		return nil, fmt.Errorf("counting participants: %w", err)
	}
	if count >= types.MaxParticipants {
		return nil, store.ErrRoomFull
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO participants (room_id, role, device_id, ip_address, joined_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, room_id, role, device_id, display_name, ip_address, joined_at`,
		p.RoomID, p.Role, p.DeviceID, p.IPAddress, p.Now)

	participant, err := scanParticipant(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, fmt.Errorf("inserting participant: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing join tx: %w", err)
	}
	return participant, nil
}

func (s *Store) GetParticipant(ctx context.Context, id types.ParticipantID) (*types.Participant, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, room_id, role, device_id, display_name, ip_address, joined_at
		FROM participants WHERE id = $1`, id)

	participant, err := scanParticipant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting participant: %w", err)
	}
	return participant, nil
}

func (s *Store) GetParticipantByDevice(ctx context.Context, roomID types.RoomID, deviceID types.DeviceID) (*types.Participant, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, room_id, role, device_id, display_name, ip_address, joined_at
		FROM participants WHERE room_id = $1 AND device_id = $2`, roomID, deviceID)

	participant, err := scanParticipant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting participant by device: %w", err)
	}
	return participant, nil
}

func (s *Store) ListParticipants(ctx context.Context, roomID types.RoomID) ([]types.Participant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, room_id, role, device_id, display_name, ip_address, joined_at
		FROM participants WHERE room_id = $1 ORDER BY id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("listing participants: %w", err)
	}
	defer rows.Close()

	var out []types.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning participant: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *Store) CountParticipants(ctx context.Context, roomID types.RoomID) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM participants WHERE room_id = $1`, roomID).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting participants: %w", err)
	}
	return count, nil
}

func (s *Store) SetDisplayName(ctx context.Context, id types.ParticipantID, name string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE participants SET display_name = $2 WHERE id = $1`, id, name)
	if err != nil {
		return fmt.Errorf("setting display name: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) RemoveParticipant(ctx context.Context, id types.ParticipantID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM participants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("removing participant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CleanupParticipants(ctx context.Context, roomID types.RoomID, keep []types.ParticipantID) error {
	ids := make([]int64, 0, len(keep))
	for _, id := range keep {
		ids = append(ids, int64(id))
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM participants WHERE room_id = $1 AND NOT (id = ANY($2))`,
		roomID, ids); err != nil {
		return fmt.Errorf("cleaning up participants: %w", err)
	}
	return nil
}

// --- Messages ---

func (s *Store) InsertMessage(ctx context.Context, m store.NewMessage) (*types.Message, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO messages (room_id, participant_id, created_at, body_ct, nonce, tag, msg_type, ip_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`,
		m.RoomID, m.ParticipantID, m.Now, m.BodyCT, m.Nonce, m.Tag, m.MsgType, m.IPAddress)

	msg := &types.Message{
		RoomID:        m.RoomID,
		ParticipantID: m.ParticipantID,
		BodyCT:        m.BodyCT,
		Nonce:         m.Nonce,
		Tag:           m.Tag,
		MsgType:       m.MsgType,
		IPAddress:     m.IPAddress,
	}
	if err := row.Scan(&msg.ID, &msg.CreatedAt); err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}
	return msg, nil
}

func (s *Store) ListMessages(ctx context.Context, roomID types.RoomID) ([]types.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT m.id, m.room_id, m.participant_id, m.created_at,
		       m.body_ct, m.nonce, m.tag, m.msg_type, m.ip_address,
		       p.display_name, p.role
		FROM messages m
		LEFT JOIN participants p ON p.id = m.participant_id
		WHERE m.room_id = $1
		ORDER BY m.id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	var out []types.Message
	for rows.Next() {
		var m types.Message
		var role *types.RoleType
		if err := rows.Scan(&m.ID, &m.RoomID, &m.ParticipantID, &m.CreatedAt,
			&m.BodyCT, &m.Nonce, &m.Tag, &m.MsgType, &m.IPAddress,
			&m.DisplayName, &role); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if role != nil {
			m.Role = *role
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- Attachments ---

func (s *Store) CreateAttachment(ctx context.Context, a store.NewAttachment) (*types.Attachment, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO attachments (room_id, object_key, mime_type, size_bytes)
		VALUES ($1, $2, $3, $4)
		RETURNING id, room_id, object_key, mime_type, size_bytes, available, message_id`,
		a.RoomID, a.ObjectKey, a.MimeType, a.SizeBytes)

	att, err := scanAttachment(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("creating attachment: %w", err)
	}
	return att, nil
}

func (s *Store) GetAttachment(ctx context.Context, id int64) (*types.Attachment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, room_id, object_key, mime_type, size_bytes, available, message_id
		FROM attachments WHERE id = $1`, id)

	att, err := scanAttachment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting attachment: %w", err)
	}
	return att, nil
}

func (s *Store) MarkAttachmentAvailable(ctx context.Context, id int64) (*types.Attachment, error) {
	// The available = FALSE predicate makes a repeat confirmation a conflict.
	row := s.pool.QueryRow(ctx, `
		UPDATE attachments SET available = TRUE
		WHERE id = $1 AND available = FALSE
		RETURNING id, room_id, object_key, mime_type, size_bytes, available, message_id`,
		id)

	att, err := scanAttachment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		exists, checkErr := s.attachmentExists(ctx, id)
		if checkErr != nil {
			return nil, checkErr
		}
		if exists {
			return nil, store.ErrConflict
		}
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("marking attachment available: %w", err)
	}
	return att, nil
}

func (s *Store) attachmentExists(ctx context.Context, id int64) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM attachments WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking attachment: %w", err)
	}
	return exists, nil
}

func (s *Store) LinkAttachment(ctx context.Context, attachmentID, messageID int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE attachments SET message_id = $2 WHERE id = $1`, attachmentID, messageID)
	if err != nil {
		return fmt.Errorf("linking attachment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- Scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (*types.Room, error) {
	var r types.Room
	if err := row.Scan(&r.RoomID, &r.Status, &r.CreatedAt,
		&r.AcceptedAt, &r.ExpiresAt, &r.ClosedAt, &r.ArchiveKey); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanParticipant(row rowScanner) (*types.Participant, error) {
	var p types.Participant
	if err := row.Scan(&p.ID, &p.RoomID, &p.Role, &p.DeviceID,
		&p.DisplayName, &p.IPAddress, &p.JoinedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanAttachment(row rowScanner) (*types.Attachment, error) {
	var a types.Attachment
	if err := row.Scan(&a.ID, &a.RoomID, &a.ObjectKey, &a.MimeType,
		&a.SizeBytes, &a.Available, &a.MessageID); err != nil {
		return nil, err
	}
	return &a, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
