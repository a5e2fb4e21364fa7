package store

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	migrationsDir := filepath.Join("..", "..", "db", "migrations")
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		match := pattern.FindStringSubmatch(name)
		if match == nil {
			continue
		}
		version := match[1]
		direction := match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		if byVersion[version][direction] {
			t.Fatalf("duplicate %s migration file for version %s", direction, version)
		}
		byVersion[version][direction] = true
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}

	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestNegotiationMigrationEnforcesCoreConstraints(t *testing.T) {
	contents, err := os.ReadFile(filepath.Join("..", "..", "db", "migrations", "0003_negotiation.up.sql"))
	if err != nil {
		t.Fatalf("read negotiation migration: %v", err)
	}
	schema := string(contents)

	for _, required := range []string{
		"CONSTRAINT chats_product_buyer_unique UNIQUE (product_id, buyer_id)",
		"CONSTRAINT chats_distinct_parties CHECK (buyer_id <> seller_id)",
		"idx_offers_one_pending_per_sender",
		"WHERE status = 'PENDING'",
	} {
		if !strings.Contains(schema, required) {
			t.Fatalf("negotiation migration missing %q", required)
		}
	}
}
