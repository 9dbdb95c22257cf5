package migrations

import (
	"context"
	"io/fs"
	"strings"
	"testing"

	integrations "github.com/goliatone/go-integrations"
)

func TestFilesystems_ReturnsPostgresAndSQLite(t *testing.T) {
	filesystems, err := Filesystems()
	if err != nil {
		t.Fatalf("filesystems: %v", err)
	}
	if len(filesystems) != 2 {
		t.Fatalf("expected 2 filesystems, got %d", len(filesystems))
	}
	dialects := map[string]bool{}
	for _, entry := range filesystems {
		dialects[entry.Dialect] = true
	}
	if !dialects[DialectPostgres] || !dialects[DialectSQLite] {
		t.Fatalf("expected postgres and sqlite filesystems, got %v", dialects)
	}
}

func TestRegister_UsesValidationTargets(t *testing.T) {
	var calls []string
	reg, err := Register(context.Background(), func(_ context.Context, dialect string, label string, _ fs.FS) error {
		calls = append(calls, dialect+":"+label)
		return nil
	}, WithValidationTargets(" SQLite "), WithSourceLabel("host-app"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(calls) != 1 || calls[0] != "sqlite:host-app" {
		t.Fatalf("expected a single sqlite registration, got %v", calls)
	}
	if reg.SourceLabel != "host-app" {
		t.Fatalf("expected source label override, got %q", reg.SourceLabel)
	}
}

func TestRegister_RequiresRegisterFunc(t *testing.T) {
	if _, err := Register(context.Background(), nil); err == nil {
		t.Fatalf("expected missing register func to fail")
	}
}

func TestCoreSchema_DeclaresEveryTableForBothDialects(t *testing.T) {
	root := integrations.GetMigrationsFS()
	tables := []string{
		"integration_credentials",
		"integration_data_keys",
		"integration_rate_limit_state",
		"integration_webhook_deliveries",
	}
	for _, path := range []string{
		"data/sql/migrations/00001_integrations_core_schema.up.sql",
		"data/sql/migrations/sqlite/00001_integrations_core_schema.up.sql",
	} {
		content, err := fs.ReadFile(root, path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		for _, table := range tables {
			if !strings.Contains(string(content), "CREATE TABLE IF NOT EXISTS "+table) {
				t.Fatalf("%s: missing table %s", path, table)
			}
		}
	}
	for _, path := range []string{
		"data/sql/migrations/00001_integrations_core_schema.down.sql",
		"data/sql/migrations/sqlite/00001_integrations_core_schema.down.sql",
	} {
		if _, err := fs.ReadFile(root, path); err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
	}
}
