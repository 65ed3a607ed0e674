package schedule

import (
	"database/sql"
	"testing"

	mundotest "github.com/teranos/mundo/internal/testing"
)

// createTestDB creates an in-memory test database.
func createTestDB(t *testing.T) *sql.DB {
	return mundotest.CreateTestDB(t)
}
