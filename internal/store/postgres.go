package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists sessions and messages in PostgreSQL. The schema is
// owned by the migrations package and applied by avamigrate.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, rec SessionRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO voice_sessions (id, user_id, status, started_at)
		 VALUES ($1, $2, $3, $4)`,
		rec.ID,
		rec.UserID,
		rec.Status,
		rec.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateSession(ctx context.Context, rec SessionRecord) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE voice_sessions
		 SET status=$2, reason=$3, ended_at=$4, duration_ms=$5, message_count=$6, audio_seconds=$7
		 WHERE id=$1`,
		rec.ID,
		rec.Status,
		rec.Reason,
		rec.EndedAt,
		rec.DurationMS,
		rec.MessageCount,
		rec.AudioSeconds,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SaveMessage(ctx context.Context, rec MessageRecord) error {
	rec = prepareMessage(rec)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO voice_messages (id, session_id, user_id, role, content, response_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID,
		rec.SessionID,
		rec.UserID,
		rec.Role,
		rec.Content,
		rec.ResponseID,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	var rec SessionRecord
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, status, reason, started_at, ended_at, duration_ms, message_count, audio_seconds
		 FROM voice_sessions WHERE id=$1`,
		id,
	).Scan(&rec.ID, &rec.UserID, &rec.Status, &rec.Reason, &rec.StartedAt, &rec.EndedAt,
		&rec.DurationMS, &rec.MessageCount, &rec.AudioSeconds)
	if errors.Is(err, pgx.ErrNoRows) {
		return SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("get session: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) RecentMessages(ctx context.Context, sessionID string, limit int) ([]MessageRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, user_id, role, content, response_id, created_at
		 FROM voice_messages WHERE session_id=$1 ORDER BY id DESC LIMIT $2`,
		sessionID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	items := make([]MessageRecord, 0, limit)
	for rows.Next() {
		var r MessageRecord
		if err := rows.Scan(&r.ID, &r.SessionID, &r.UserID, &r.Role, &r.Content, &r.ResponseID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
