package template

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	bolt "go.etcd.io/bbolt"
)

func setupTestDB(t *testing.T) *bolt.DB {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "template.db"), 0600, nil)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStorage_Create(t *testing.T) {
	storage, err := NewStorage(setupTestDB(t))
	if err != nil {
		t.Fatalf("NewStorage() error = %v", err)
	}

	ctx := context.Background()
	tmpl := &Template{
		Name:    "welcome",
		Content: "Hello {{name}}, thanks for {{purchase_count}} orders",
	}

	if err := storage.Create(ctx, tmpl); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if tmpl.ID == "" {
		t.Error("Create() did not set ID")
	}
	if tmpl.CreatedAt.IsZero() {
		t.Error("Create() did not set CreatedAt")
	}
	if len(tmpl.Placeholders) != 2 {
		t.Errorf("Create() placeholders = %v, want 2", tmpl.Placeholders)
	}

	// Duplicate name
	if err := storage.Create(ctx, &Template{Name: "welcome", Content: "x"}); !errors.Is(err, ErrTemplateExists) {
		t.Errorf("Create() error = %v, want ErrTemplateExists", err)
	}

	// Missing fields
	if err := storage.Create(ctx, &Template{Content: "x"}); !errors.Is(err, ErrInvalidTemplate) {
		t.Errorf("Create() error = %v, want ErrInvalidTemplate", err)
	}
	if err := storage.Create(ctx, &Template{Name: "empty"}); !errors.Is(err, ErrInvalidTemplate) {
		t.Errorf("Create() error = %v, want ErrInvalidTemplate", err)
	}
}

func TestStorage_GetAndDelete(t *testing.T) {
	storage, _ := NewStorage(setupTestDB(t))
	ctx := context.Background()

	tmpl := &Template{Name: "promo", Content: "Sale for {{name}}"}
	storage.Create(ctx, tmpl)

	got, err := storage.Get(ctx, tmpl.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Content != tmpl.Content {
		t.Errorf("Get().Content = %q, want %q", got.Content, tmpl.Content)
	}

	byName, err := storage.GetByName(ctx, "promo")
	if err != nil || byName.ID != tmpl.ID {
		t.Errorf("GetByName() = %v, %v", byName, err)
	}

	if _, err := storage.Get(ctx, "missing"); !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("Get() error = %v, want ErrTemplateNotFound", err)
	}

	if err := storage.Delete(ctx, tmpl.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := storage.Get(ctx, tmpl.ID); !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrTemplateNotFound", err)
	}
	if err := storage.Delete(ctx, tmpl.ID); !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("Delete() error = %v, want ErrTemplateNotFound", err)
	}

	// The name is free again
	if err := storage.Create(ctx, &Template{Name: "promo", Content: "again"}); err != nil {
		t.Errorf("Create() after delete error = %v", err)
	}
}

func TestStorage_List(t *testing.T) {
	storage, _ := NewStorage(setupTestDB(t))
	ctx := context.Background()

	for _, name := range []string{"alpha", "beta", "gamma"} {
		storage.Create(ctx, &Template{Name: name, Content: "Hi {{name}}"})
	}

	all, err := storage.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 3 {
		t.Errorf("List() returned %d, want 3", len(all))
	}

	limited, _ := storage.List(ctx, ListFilter{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("List(limit) returned %d, want 2", len(limited))
	}

	search, _ := storage.List(ctx, ListFilter{Search: "ALP"})
	if len(search) != 1 || search[0].Name != "alpha" {
		t.Errorf("List(search) = %v, want alpha", search)
	}

	stats, err := storage.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Stats().Total = %d, want 3", stats.Total)
	}
}
