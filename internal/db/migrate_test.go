package db

import (
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestMigrateCreatesUsageRecordDedupIndex(t *testing.T) {
	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}

	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	for _, column := range []string{"auth_index", "model", "requested_at", "source", "api_key_id", "user_id"} {
		if !conn.Migrator().HasColumn("usage_records", column) {
			t.Fatalf("usage_records missing column %s", column)
		}
	}
	if !conn.Migrator().HasIndex("usage_records", "idx_usage_records_dedup") {
		t.Fatalf("usage_records missing dedup index")
	}
}

func TestMigrateCreatesCollectorStateTable(t *testing.T) {
	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}

	if errMigrate := Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	for _, column := range []string{"last_collected_at", "last_status", "records_stored", "error_message", "run_detail"} {
		if !conn.Migrator().HasColumn("collector_states", column) {
			t.Fatalf("collector_states missing column %s", column)
		}
	}
}
