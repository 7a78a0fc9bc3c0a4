package billing

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies every pending goose migration against databaseURL, using
// a short-lived database/sql handle (pgx's stdlib adapter) since goose's
// provider API speaks database/sql, not pgxpool (§11 DOMAIN STACK).
func Migrate(ctx context.Context, databaseURL string) error {
	conn, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("billing: open migration connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := conn.PingContext(ctx); err != nil {
		return fmt.Errorf("billing: ping migration connection: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, conn, migrationFS)
	if err != nil {
		return fmt.Errorf("billing: create migration provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("billing: apply migrations: %w", err)
	}
	return nil
}
