package backup

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/fiskalni/fiskalni/internal/db"
	"github.com/fiskalni/fiskalni/internal/logging"
	"github.com/fiskalni/fiskalni/internal/schema"
)

var baseTime = time.Date(2024, 2, 14, 8, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "local.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return store
}

func fixtures() []schema.Record {
	receiptID := int64(1)
	return []schema.Record{
		schema.Device{
			ID: 10, ReceiptID: &receiptID, Brand: "LG", Model: "OLED55", Category: "tv",
			PurchaseDate: baseTime, WarrantyDuration: 24, WarrantyExpiry: baseTime.AddDate(2, 0, 0),
			Status: schema.DeviceActive, CreatedAt: baseTime, UpdatedAt: baseTime, SyncStatus: schema.StatusSynced,
		},
		schema.Receipt{
			ID: 1, MerchantName: "Tehnomanija", Date: baseTime, Time: "08:00", TotalAmount: 89999,
			Category: "electronics", CreatedAt: baseTime, UpdatedAt: baseTime, SyncStatus: schema.StatusSynced,
		},
		schema.HouseholdBill{
			ID: 5, BillType: "electricity", Provider: "EPS", Amount: 4200,
			BillingPeriodStart: baseTime, BillingPeriodEnd: baseTime.AddDate(0, 1, 0), DueDate: baseTime.AddDate(0, 1, 15),
			Status: schema.BillPending, Consumption: &schema.Consumption{Value: 312, Unit: "kWh"},
			CreatedAt: baseTime, UpdatedAt: baseTime, SyncStatus: schema.StatusPending,
		},
	}
}

func seed(t *testing.T, local *db.DB, recs ...schema.Record) {
	t.Helper()
	for _, rec := range recs {
		if err := db.Put(context.Background(), local, rec); err != nil {
			t.Fatalf("Put() failed: %v", err)
		}
	}
}

func export(t *testing.T, local *db.DB) string {
	t.Helper()
	var buf bytes.Buffer
	if _, err := Export(context.Background(), local, &buf); err != nil {
		t.Fatalf("Export() failed: %v", err)
	}
	return buf.String()
}

func TestExport_OrderAndCounts(t *testing.T) {
	local := setupTestDB(t)
	seed(t, local, fixtures()...)

	var buf bytes.Buffer
	res, err := Export(context.Background(), local, &buf)
	if err != nil {
		t.Fatalf("Export() failed: %v", err)
	}
	if res.Total() != 3 {
		t.Errorf("Total() = %d, want 3", res.Total())
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	for i, prefix := range []string{`{"kind":"receipt"`, `{"kind":"device"`, `{"kind":"householdBill"`} {
		if !strings.HasPrefix(lines[i], prefix) {
			t.Errorf("line %d = %s, want prefix %s", i+1, lines[i], prefix)
		}
	}
}

func TestImport_RestoresAsPending(t *testing.T) {
	ctx := context.Background()
	src := setupTestDB(t)
	seed(t, src, fixtures()...)
	data := export(t, src)

	dst := setupTestDB(t)
	res, err := Import(ctx, dst, strings.NewReader(data), ImportOptions{Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	want := map[schema.EntityType]int{schema.EntityReceipt: 1, schema.EntityDevice: 1, schema.EntityHouseholdBill: 1}
	if diff := cmp.Diff(want, res.Records); diff != "" {
		t.Errorf("imported mismatch (-want +got):\n%s", diff)
	}

	got, ok, err := db.Get[schema.Receipt](ctx, dst, 1)
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v", ok, err)
	}
	if got.MerchantName != "Tehnomanija" || got.SyncStatus != schema.StatusPending {
		t.Errorf("restored receipt = %+v", got)
	}

	entries, err := db.PendingQueue(ctx, dst, 0)
	if err != nil {
		t.Fatalf("PendingQueue() failed: %v", err)
	}
	var queued []string
	for _, e := range entries {
		queued = append(queued, string(e.Operation)+" "+string(e.EntityType))
	}
	wantQueued := []string{"create receipt", "create device", "create householdBill"}
	if diff := cmp.Diff(wantQueued, queued); diff != "" {
		t.Errorf("queue mismatch (-want +got):\n%s", diff)
	}
}

func TestImport_KeepsNewerLocal(t *testing.T) {
	ctx := context.Background()
	src := setupTestDB(t)
	seed(t, src, fixtures()...)
	data := export(t, src)

	dst := setupTestDB(t)
	newer := fixtures()[1].(schema.Receipt)
	newer.MerchantName = "Tehnomanija Ušće"
	newer.UpdatedAt = baseTime.Add(time.Hour)
	seed(t, dst, newer)

	res, err := Import(ctx, dst, strings.NewReader(data), ImportOptions{Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	if res.Skipped != 1 || res.Total() != 2 {
		t.Errorf("result = %+v, want 2 imported and 1 skipped", res)
	}
	got, _, _ := db.Get[schema.Receipt](ctx, dst, 1)
	if got.MerchantName != "Tehnomanija Ušće" {
		t.Errorf("newer local receipt overwritten: %q", got.MerchantName)
	}
}

func TestImport_UpdatesOlderLocal(t *testing.T) {
	ctx := context.Background()
	src := setupTestDB(t)
	seed(t, src, fixtures()...)
	data := export(t, src)

	dst := setupTestDB(t)
	older := fixtures()[2].(schema.HouseholdBill)
	older.UpdatedAt = baseTime.Add(-time.Hour)
	older.Amount = 1
	seed(t, dst, older)

	if _, err := Import(ctx, dst, strings.NewReader(data), ImportOptions{Logger: logging.Discard()}); err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	entries, _ := db.PendingQueue(ctx, dst, 0)
	last := entries[len(entries)-1]
	if last.EntityType != schema.EntityHouseholdBill || last.Operation != schema.OpUpdate {
		t.Errorf("last queued = %+v, want bill update", last)
	}
}

func TestImport_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"bad json", `{"kind":"receipt","record":{` + "\n"},
		{"unknown kind", `{"kind":"invoice","record":{}}` + "\n"},
		{"invalid record", `{"kind":"receipt","record":{"id":0}}` + "\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			src := setupTestDB(t)
			seed(t, src, fixtures()...)
			input := export(t, src) + tt.input

			dst := setupTestDB(t)
			if _, err := Import(ctx, dst, strings.NewReader(input), ImportOptions{Logger: logging.Discard()}); err == nil {
				t.Fatal("Import() succeeded")
			}
			if n, _ := db.QueueLength(ctx, dst); n != 0 {
				t.Errorf("queue length = %d after a failed import", n)
			}
			if _, ok, _ := db.Get[schema.Receipt](ctx, dst, 1); ok {
				t.Error("records written by a failed import")
			}
		})
	}
}

func TestImport_DryRun(t *testing.T) {
	ctx := context.Background()
	src := setupTestDB(t)
	seed(t, src, fixtures()...)

	dst := setupTestDB(t)
	res, err := Import(ctx, dst, strings.NewReader(export(t, src)), ImportOptions{DryRun: true, Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("Import() failed: %v", err)
	}
	if res.Total() != 3 {
		t.Errorf("Total() = %d, want 3", res.Total())
	}
	if stats, _ := db.GetStats(ctx, dst); stats.Total(schema.EntityReceipt) != 0 || stats.Queued != 0 {
		t.Errorf("dry run wrote data: %+v", stats)
	}
}
