package store

import (
	"context"
	"fmt"

	"github.com/openmesh-labs/pool-coordinator/model"
)

// GetOrCreateAccount returns the TOK account for (ownerType, ownerID,
// currency), inserting a zero-balance row the first time it is referenced.
// Accounting and Emission both call through this rather than assuming the
// account pre-exists.
func GetOrCreateAccount(ctx context.Context, db Querier, ownerType model.OwnerType, ownerID int64, currency string) (model.Account, error) {
	var a model.Account
	err := db.QueryRow(ctx, `
		SELECT id, owner_type, owner_id, currency, balance
		FROM accounts WHERE owner_type = $1 AND owner_id = $2 AND currency = $3`,
		ownerType, ownerID, currency,
	).Scan(&a.ID, &a.OwnerType, &a.OwnerID, &a.Currency, &a.Balance)
	if err == nil {
		return a, nil
	}
	if !isNoRows(err) {
		return model.Account{}, fmt.Errorf("lookup account: %w", err)
	}

	err = db.QueryRow(ctx, `
		INSERT INTO accounts (owner_type, owner_id, currency, balance)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (owner_type, owner_id, currency) DO UPDATE SET owner_type = EXCLUDED.owner_type
		RETURNING id, owner_type, owner_id, currency, balance`,
		ownerType, ownerID, currency,
	).Scan(&a.ID, &a.OwnerType, &a.OwnerID, &a.Currency, &a.Balance)
	if err != nil {
		return model.Account{}, fmt.Errorf("create account: %w", err)
	}
	return a, nil
}

// GetAccountBalance is a Reporting helper: the running balance for one
// account, independent of the ledger entries that produced it. Audits
// compare this against a summed recomputation of the entries.
func GetAccountBalance(ctx context.Context, db Querier, accountID int64) (float64, error) {
	var balance float64
	err := db.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1`, accountID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("get account %d balance: %w", accountID, err)
	}
	return balance, nil
}
