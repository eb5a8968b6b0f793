package db

import (
	"testing"
	"testing/fstest"
)

func TestLoadMigrationsSortsAndFilters(t *testing.T) {
	fsys := fstest.MapFS{
		"002_second.sql": {Data: []byte("CREATE TABLE b ();")},
		"001_first.sql":  {Data: []byte("CREATE TABLE a ();")},
		"010_tenth.sql":  {Data: []byte("CREATE TABLE c ();")},
		"notes.txt":      {Data: []byte("not sql")},
		"README.sql":     {Data: []byte("no version prefix")},
		"abc_nonnum.sql": {Data: []byte("non-numeric prefix")},
		"003_third.skip": {Data: []byte("wrong extension")},
	}

	m := NewMigratorFS(nil, fsys)
	migrations, err := m.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}

	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	wantVersions := []int{1, 2, 10}
	wantNames := []string{"001_first.sql", "002_second.sql", "010_tenth.sql"}
	for i, mig := range migrations {
		if mig.Version != wantVersions[i] {
			t.Errorf("migration %d: version = %d, want %d", i, mig.Version, wantVersions[i])
		}
		if mig.Name != wantNames[i] {
			t.Errorf("migration %d: name = %s, want %s", i, mig.Name, wantNames[i])
		}
		if mig.SQL == "" {
			t.Errorf("migration %d: empty SQL", i)
		}
	}
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	m := NewMigrator(nil)
	migrations, err := m.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("expected at least one embedded migration")
	}
	if migrations[0].Name != "001_mtls_configs.sql" {
		t.Errorf("first migration = %s, want 001_mtls_configs.sql", migrations[0].Name)
	}
}
