// migrate runs AutoMigrate for the contract tables. Use it when the API runs
// with SKIP_MIGRATIONS=true.
//
// Usage (from backend directory):
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/migrate
package main

import (
	"fmt"
	"os"

	"github.com/mmdatafocus/heartavtal_backend/config"
	"github.com/mmdatafocus/heartavtal_backend/models"
)

func main() {
	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	models.MigrateTable()
	fmt.Println("contract tables migrated")
}
