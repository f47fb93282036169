package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bryanchriswhite/streammanager/internal/config"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

const sharedDocument = `{
  "Minecraft": {
    "appdata": {"path": {"linux": "minecraft-launcher,java", "windows": "Minecraft.exe"}, "category": "Minecraft"},
    "assignations": {"Twitch": {"name": "Minecraft"}}
  },
  "Just Chatting": {
    "assignations": {"Twitch": {"name": "Just Chatting"}, "Youtube": {"name": "People & Blogs"}}
  }
}`

func TestImportAndLookup(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	n, err := store.Import(ctx, strings.NewReader(sharedDocument))
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("Import() = %d, want 2", n)
	}

	entry, ok, err := store.Lookup(ctx, "Minecraft")
	if err != nil || !ok {
		t.Fatalf("Lookup() = %v, %v", ok, err)
	}
	if entry.AppData == nil || entry.AppData.Path["linux"] != "minecraft-launcher,java" {
		t.Fatalf("AppData = %+v", entry.AppData)
	}
	if entry.Assignations["Twitch"].Name != "Minecraft" {
		t.Errorf("Assignations = %+v", entry.Assignations)
	}

	chat, ok, err := store.Lookup(ctx, "Just Chatting")
	if err != nil || !ok {
		t.Fatalf("Lookup(Just Chatting) = %v, %v", ok, err)
	}
	if chat.AppData != nil {
		t.Errorf("category entry has app data: %+v", chat.AppData)
	}
	if len(chat.Assignations) != 2 {
		t.Errorf("Assignations = %+v", chat.Assignations)
	}

	if _, ok, err := store.Lookup(ctx, "missing"); err != nil || ok {
		t.Errorf("Lookup(missing) = %v, %v", ok, err)
	}

	keys, err := store.Keys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0] != "Minecraft" {
		t.Errorf("Keys() = %v", keys)
	}
}

func TestUpsertMergesAssignations(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Upsert(ctx, "Chess", Entry{Assignations: map[string]Assignation{"Twitch": {Name: "Chess"}}}); err != nil {
		t.Fatal(err)
	}
	if err := store.Upsert(ctx, "Chess", Entry{Assignations: map[string]Assignation{"Youtube": {Name: "Gaming"}}}); err != nil {
		t.Fatal(err)
	}
	if err := store.Upsert(ctx, "Chess", Entry{Assignations: map[string]Assignation{"Twitch": {Name: "Chess Variants"}}}); err != nil {
		t.Fatal(err)
	}

	entry, _, err := store.Lookup(ctx, "Chess")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Assignations["Twitch"].Name != "Chess Variants" || entry.Assignations["Youtube"].Name != "Gaming" {
		t.Errorf("Assignations = %+v", entry.Assignations)
	}
}

func TestSeedUsesCategoryAssignations(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if _, err := store.Import(ctx, strings.NewReader(sharedDocument)); err != nil {
		t.Fatal(err)
	}

	entry, assignations, found, err := store.Seed(ctx, "Minecraft")
	if err != nil || !found {
		t.Fatalf("Seed() = %v, %v", found, err)
	}
	if entry.Category != "Minecraft" || entry.Path["windows"] != "Minecraft.exe" {
		t.Errorf("entry = %+v", entry)
	}
	if _, ok := entry.Path["darwin"]; !ok {
		t.Errorf("every platform key should be present: %+v", entry.Path)
	}
	if assignations["Twitch"].Name != "Minecraft" || assignations["Twitch"].Known() {
		t.Errorf("assignations = %+v", assignations)
	}

	_, _, found, err = store.Seed(ctx, "Unknown Game")
	if err != nil || found {
		t.Errorf("Seed(unknown) = %v, %v", found, err)
	}
}

func TestExportDropsValidity(t *testing.T) {
	cfg := &config.Config{
		AppData: map[string]config.AppEntry{
			"Factorio": {Path: map[string]string{"linux": "factorio"}, Category: "Factorio", Title: "local only"},
		},
		Assignations: config.Assignations{
			"Factorio": {"Twitch": {Name: "Factorio", Valid: config.Bool(true)}},
			"Empty":    {},
		},
	}

	var buf bytes.Buffer
	if err := Export(cfg, &buf); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if strings.Contains(buf.String(), "valid") || strings.Contains(buf.String(), "local only") {
		t.Errorf("export leaked local fields:\n%s", buf.String())
	}

	var doc map[string]Entry
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatal(err)
	}
	if _, ok := doc["Empty"]; ok {
		t.Error("categories without assignations should not be exported")
	}
	got := doc["Factorio"]
	if got.AppData == nil || got.AppData.Category != "Factorio" || got.Assignations["Twitch"].Name != "Factorio" {
		t.Errorf("Factorio = %+v", got)
	}

	// an export can be imported back
	store := openTestStore(t)
	if _, err := store.Import(context.Background(), &buf); err != nil {
		t.Fatalf("Import(export) error = %v", err)
	}
}

func TestReopenChecksSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	store, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.db.Exec("UPDATE schema_version SET version = 99"); err != nil {
		t.Fatal(err)
	}
	_ = store.Close()

	_, err = Open(path)
	if !errors.Is(err, ErrSchemaMismatch) {
		t.Fatalf("Open() error = %v, want ErrSchemaMismatch", err)
	}
}

func TestImportRejectsMalformedDocument(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.Import(context.Background(), strings.NewReader("[1, 2")); err == nil {
		t.Fatal("expected decode error")
	}
}
