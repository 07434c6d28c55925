package database

import (
	"context"
	"io/fs"
	"path/filepath"
	"reflect"
	"testing"
	"testing/fstest"

	"github.com/multi-agent/go-agui/internal/config"
	"github.com/multi-agent/go-agui/migrations"
)

func TestLoadAppliedVersions_NilPool(t *testing.T) {
	_, err := loadAppliedVersions(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error for nil pool")
	}
}

func TestApplyOneMigration_NilPool(t *testing.T) {
	err := applyOneMigration(context.Background(), nil, fstest.MapFS{}, "001_init.sql")
	if err == nil {
		t.Fatal("expected error for nil pool")
	}
}

func TestMigrateFS_NilPool(t *testing.T) {
	if err := MigrateFS(context.Background(), nil, migrations.FS); err == nil {
		t.Fatal("expected error for nil pool")
	}
}

func TestMigrate_MissingDirSkips(t *testing.T) {
	// 目录不存在时在触碰 pool 之前返回
	dir := filepath.Join(t.TempDir(), "nope")
	if err := Migrate(context.Background(), nil, dir); err != nil {
		t.Fatalf("Migrate(missing dir) = %v, want nil", err)
	}
}

func TestListMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"010_later.sql":   {Data: []byte("SELECT 1")},
		"001_init.sql":    {Data: []byte("SELECT 1")},
		"README.md":       {Data: []byte("docs")},
		"002_second.sql":  {Data: []byte("SELECT 1")},
		"sub/003_sub.sql": {Data: []byte("SELECT 1")},
	}
	got, err := listMigrations(fsys)
	if err != nil {
		t.Fatalf("listMigrations: %v", err)
	}
	want := []string{"001_init.sql", "002_second.sql", "010_later.sql"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("listMigrations = %v, want %v", got, want)
	}
}

func TestListMigrations_Embedded(t *testing.T) {
	got, err := listMigrations(migrations.FS)
	if err != nil {
		t.Fatalf("listMigrations: %v", err)
	}
	if len(got) == 0 || got[0] != "001_init.sql" {
		t.Fatalf("embedded migrations = %v, want 001_init.sql first", got)
	}
	for _, name := range got {
		data, err := fs.ReadFile(migrations.FS, name)
		if err != nil || len(data) == 0 {
			t.Errorf("read %s: len=%d err=%v", name, len(data), err)
		}
	}
}

func TestPendingMigrations(t *testing.T) {
	files := []string{"001.sql", "002.sql", "003.sql"}
	tests := []struct {
		name    string
		applied map[string]bool
		want    []string
	}{
		{"none applied", map[string]bool{}, []string{"001.sql", "002.sql", "003.sql"}},
		{"partial", map[string]bool{"001.sql": true}, []string{"002.sql", "003.sql"}},
		{"all applied", map[string]bool{"001.sql": true, "002.sql": true, "003.sql": true}, nil},
		{"gap", map[string]bool{"002.sql": true}, []string{"001.sql", "003.sql"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PendingMigrations(files, tt.applied)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("PendingMigrations = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewPool_RequiresConnString(t *testing.T) {
	if _, err := NewPool(context.Background(), &config.Config{}); err == nil {
		t.Fatal("expected error for empty connection string")
	}
	if _, err := NewPool(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestSafeInt32(t *testing.T) {
	tests := []struct {
		in   int
		want int32
	}{
		{5, 5},
		{-1, 0},
		{1 << 40, 1<<31 - 1},
	}
	for _, tt := range tests {
		if got := safeInt32(tt.in, "x"); got != tt.want {
			t.Errorf("safeInt32(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
