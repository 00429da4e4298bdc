package store

import (
	"context"
	"fmt"

	"github.com/openmesh-labs/pool-coordinator/model"
)

// ListPeers returns every known federated pool - the P2P adapter's
// registration/forwarding transport is external; this table only gives
// RecordInterpoolFee a peer to point the audit entry at.
func ListPeers(ctx context.Context, db Querier) ([]model.Peer, error) {
	rows, err := db.Query(ctx, `SELECT id, pool_name, endpoint, created_at FROM peers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	var out []model.Peer
	for rows.Next() {
		var p model.Peer
		if err := rows.Scan(&p.ID, &p.PoolName, &p.Endpoint, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan peer: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertPeer registers or updates a federated pool's endpoint by name.
func UpsertPeer(ctx context.Context, db Querier, poolName, endpoint string) (model.Peer, error) {
	var p model.Peer
	err := db.QueryRow(ctx, `
		INSERT INTO peers (pool_name, endpoint)
		VALUES ($1, $2)
		ON CONFLICT (pool_name) DO UPDATE SET endpoint = EXCLUDED.endpoint
		RETURNING id, pool_name, endpoint, created_at`,
		poolName, endpoint,
	).Scan(&p.ID, &p.PoolName, &p.Endpoint, &p.CreatedAt)
	if err != nil {
		return model.Peer{}, fmt.Errorf("upsert peer %q: %w", poolName, err)
	}
	return p, nil
}
