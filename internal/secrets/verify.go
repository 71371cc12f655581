package secrets

import (
	"context"
	"database/sql"
	"fmt"
)

// VerifyAll attempts to decrypt every stored secret to confirm the node's
// envelope key is the one that sealed them. Used as a startup health check
// so a misconfigured RENDERFARM_NODE_KEY fails fast instead of silently
// returning garbage the first time a secret is read.
func VerifyAll(ctx context.Context, db *sql.DB, svc *Service) error {
	rows, err := db.QueryContext(ctx, `SELECT name FROM secrets`)
	if err != nil {
		return err
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, name := range names {
		if _, err := svc.Get(ctx, name); err != nil {
			return fmt.Errorf("decrypt %s: %w", name, err)
		}
	}
	return nil
}
