package store

import (
	"context"
	"fmt"

	"github.com/openmesh-labs/pool-coordinator/model"
)

// GetUser loads a user by id. The auth layer that resolves a Principal is
// external; no operation in this module calls GetUser.
func GetUser(ctx context.Context, db Querier, id int64) (model.User, error) {
	var u model.User
	err := db.QueryRow(ctx, `
		SELECT id, role, active, password_hash, created_at FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Role, &u.Active, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		return model.User{}, fmt.Errorf("get user %d: %w", id, err)
	}
	return u, nil
}

// WorkerOwnedBy reports whether workerID exists and whether it belongs to
// userID - the owner check every ProtocolSurface worker-facing operation
// performs before touching the row. The two booleans let the surface answer
// 404 for a worker that is not visible and 403 for somebody else's.
func WorkerOwnedBy(ctx context.Context, db Querier, workerID, userID int64) (exists, owned bool, err error) {
	var owner int64
	err = db.QueryRow(ctx, `SELECT owner_user_id FROM workers WHERE id = $1`, workerID).Scan(&owner)
	if err != nil {
		if isNoRows(err) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("lookup owner for worker %d: %w", workerID, err)
	}
	return true, owner == userID, nil
}
