package metadata

import (
	"context"
	"testing"

	"cryptometrics/internal/blob"
)

func TestCatalogRecordsVersions(t *testing.T) {
	ctx := context.Background()
	b, err := blob.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cat := NewCatalog(b, "metrics/", 2)

	empty, err := cat.Load(ctx)
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if len(empty.Versions) != 0 || empty.TableUUID == "" {
		t.Fatalf("unexpected empty catalog %+v", empty)
	}

	for seq := uint64(1); seq <= 3; seq++ {
		if err := cat.Record(ctx, Version{Sequence: seq, Key: "metrics/v", RowCount: int64(seq)}); err != nil {
			t.Fatalf("record %d: %v", seq, err)
		}
	}

	tm, err := cat.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tm.CurrentVersion != 3 {
		t.Fatalf("current version = %d, want 3", tm.CurrentVersion)
	}
	if len(tm.Versions) != 2 || tm.Versions[0].Sequence != 2 {
		t.Fatalf("versions = %+v, want the last two", tm.Versions)
	}
	if tm.Versions[1].CommittedAt.IsZero() {
		t.Fatalf("commit time not set")
	}

	uuidBefore := tm.TableUUID
	_ = cat.Record(ctx, Version{Sequence: 4})
	tm, _ = cat.Load(ctx)
	if tm.TableUUID != uuidBefore {
		t.Fatalf("table uuid changed across commits")
	}
}

func TestCatalogRecordOutOfOrderKeepsCurrent(t *testing.T) {
	ctx := context.Background()
	b, err := blob.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cat := NewCatalog(b, "metrics/", 3)

	for _, seq := range []uint64{1, 3, 2} {
		if err := cat.Record(ctx, Version{Sequence: seq}); err != nil {
			t.Fatal(err)
		}
	}
	tm, err := cat.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if tm.CurrentVersion != 3 {
		t.Fatalf("current version = %d, want 3", tm.CurrentVersion)
	}
	for i, v := range tm.Versions {
		if v.Sequence != uint64(i+1) {
			t.Fatalf("versions out of order: %+v", tm.Versions)
		}
	}
}
