package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mkarlsen/parlor/internal/history"
)

// InsertRoomActionTx inserts one audit record into room_actions inside the
// given transaction, upserting the room row first so the foreign key always
// resolves. A room_end action finalizes the room.
func InsertRoomActionTx(ctx context.Context, tx pgx.Tx, rec history.RoomActionRecord) error {
	upsertRoomQ := `
		INSERT INTO rooms (code, status, start_time)
		VALUES ($1, 'in_progress', NOW())
		ON CONFLICT (code)
		DO UPDATE SET status = 'in_progress'
	`
	if _, err := tx.Exec(ctx, upsertRoomQ, rec.RoomCode); err != nil {
		return err
	}

	actionInsertQ := `
		INSERT INTO room_actions (
			room_code, action_index, actor_id, action_type, action_payload, ts
		) VALUES ($1, $2, $3, $4, $5, to_timestamp($6 / 1000.0))
	`
	jsonPayload, err := json.Marshal(rec.ActionPayload)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, actionInsertQ,
		rec.RoomCode, rec.ActionIndex, rec.ActorID, rec.ActionType, jsonPayload, rec.Timestamp,
	); err != nil {
		return err
	}

	if rec.ActionType == "room_end" {
		finalizeQ := `
			UPDATE rooms
			SET status = 'completed', end_time = NOW()
			WHERE code = $1 AND status = 'in_progress'
		`
		if _, err := tx.Exec(ctx, finalizeQ, rec.RoomCode); err != nil {
			return err
		}
	}
	return nil
}

// MarkRoomAbandonedTx marks a room abandoned if it is still in progress.
// Used by the historian's inactivity sweep.
func MarkRoomAbandonedTx(ctx context.Context, tx pgx.Tx, code string) error {
	q := `
		UPDATE rooms
		SET status = 'abandoned', end_time = NOW()
		WHERE code = $1 AND status = 'in_progress'
	`
	_, err := tx.Exec(ctx, q, code)
	return err
}

// BeginTxFunc starts a transaction on the pool, calls f, and commits or
// rolls back depending on f's error.
func BeginTxFunc(ctx context.Context, pool *pgxpool.Pool, txOptions pgx.TxOptions, f func(tx pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return err
	}
	if err := f(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("tx rollback error: %v; original error: %w", rbErr, err)
		}
		return err
	}
	return tx.Commit(ctx)
}
