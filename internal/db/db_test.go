package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/fiskalni/fiskalni/internal/schema"
)

var baseTime = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

// setupTestDB opens a fresh store with the schema applied.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return store
}

func newReceipt(id int64, status schema.SyncStatus) schema.Receipt {
	return schema.Receipt{
		ID:           id,
		MerchantName: "Maxi",
		Date:         baseTime,
		Time:         "10:00",
		TotalAmount:  1250.5,
		Category:     "groceries",
		Items:        []schema.ReceiptItem{{Name: "Hleb", Quantity: 2, Price: 80, Total: 160}},
		CreatedAt:    baseTime,
		UpdatedAt:    baseTime,
		SyncStatus:   status,
	}
}

func newDevice(id int64, receiptID *int64, status schema.SyncStatus) schema.Device {
	return schema.Device{
		ID:               id,
		ReceiptID:        receiptID,
		Brand:            "Bosch",
		Model:            "WAN28",
		Category:         "appliance",
		PurchaseDate:     baseTime,
		WarrantyDuration: 24,
		WarrantyExpiry:   baseTime.AddDate(2, 0, 0),
		Status:           schema.DeviceActive,
		CreatedAt:        baseTime,
		UpdatedAt:        baseTime,
		SyncStatus:       status,
	}
}

func ptr[T any](v T) *T { return &v }

func TestOpen_Success(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "local.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer store.Close()

	if store.Path() != path {
		t.Errorf("Path() = %q, want %q", store.Path(), path)
	}
}

func TestInitSchema_CreatesTables(t *testing.T) {
	store := setupTestDB(t)

	for _, table := range []string{"receipts", "devices", "household_bills", "sync_queue", "sync_state"} {
		var count int
		err := store.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s does not exist", table)
		}
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	store := setupTestDB(t)
	if err := store.InitSchema(); err != nil {
		t.Errorf("second InitSchema() failed: %v", err)
	}
}

func TestClose_Twice(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
}

func TestPutGet_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	want := newReceipt(1, schema.StatusSynced)
	want.VATAmount = ptr(208.42)
	if err := Put(ctx, store, want); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	got, ok, err := Get[schema.Receipt](ctx, store, 1)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !ok {
		t.Fatal("Get() did not find the receipt")
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Get() mismatch (-want +got):\n%s", diff)
	}
}

func TestGet_Missing(t *testing.T) {
	store := setupTestDB(t)

	_, ok, err := Get[schema.HouseholdBill](context.Background(), store, 42)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if ok {
		t.Error("Get() found a record that was never stored")
	}
}

func TestPut_Upserts(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	r := newReceipt(1, schema.StatusSynced)
	if err := Put(ctx, store, r); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	r.MerchantName = "Idea"
	r.UpdatedAt = baseTime.Add(time.Hour)
	if err := Put(ctx, store, r); err != nil {
		t.Fatalf("second Put() failed: %v", err)
	}

	got, _, err := Get[schema.Receipt](ctx, store, 1)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.MerchantName != "Idea" {
		t.Errorf("MerchantName = %q, want Idea", got.MerchantName)
	}

	stats, err := GetStats(ctx, store)
	if err != nil {
		t.Fatalf("GetStats() failed: %v", err)
	}
	if n := stats.Total(schema.EntityReceipt); n != 1 {
		t.Errorf("receipt count = %d, want 1", n)
	}
}

func TestPut_RejectsInvalid(t *testing.T) {
	r := newReceipt(0, schema.StatusSynced)
	if err := Put(context.Background(), setupTestDB(t), r); err == nil {
		t.Error("Put() accepted a receipt with id 0")
	}
}

func TestGetRecord_Dispatch(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	if err := Put(ctx, store, newDevice(7, nil, schema.StatusLocal)); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	rec, ok, err := GetRecord(ctx, store, schema.EntityDevice, 7)
	if err != nil || !ok {
		t.Fatalf("GetRecord() = %v, %v, %v", rec, ok, err)
	}
	if _, isDevice := rec.(schema.Device); !isDevice {
		t.Errorf("GetRecord() returned %T, want schema.Device", rec)
	}

	rec, ok, err = GetRecord(ctx, store, schema.EntityReceipt, 7)
	if err != nil {
		t.Fatalf("GetRecord() failed: %v", err)
	}
	if ok || rec != nil {
		t.Errorf("GetRecord() of missing receipt = %v, %v", rec, ok)
	}

	if _, _, err := GetRecord(ctx, store, "invoice", 1); err == nil {
		t.Error("GetRecord() accepted an unknown kind")
	}
}

func TestDeleteReceiptCascade(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	for _, rec := range []schema.Record{
		newReceipt(1, schema.StatusSynced),
		newReceipt(2, schema.StatusSynced),
		newDevice(10, ptr(int64(1)), schema.StatusSynced),
		newDevice(11, ptr(int64(1)), schema.StatusPending),
		newDevice(12, ptr(int64(2)), schema.StatusSynced),
		newDevice(13, nil, schema.StatusSynced),
	} {
		if err := Put(ctx, store, rec); err != nil {
			t.Fatalf("Put() failed: %v", err)
		}
	}

	var deleted []int64
	err := store.WithTx(ctx, func(ctx context.Context, q Querier) error {
		var err error
		deleted, err = DeleteReceiptCascade(ctx, q, 1)
		return err
	})
	if err != nil {
		t.Fatalf("DeleteReceiptCascade() failed: %v", err)
	}

	if diff := cmp.Diff([]int64{10, 11}, deleted); diff != "" {
		t.Errorf("deleted devices mismatch (-want +got):\n%s", diff)
	}

	if _, ok, _ := Get[schema.Receipt](ctx, store, 1); ok {
		t.Error("receipt 1 still exists")
	}
	for id, want := range map[int64]bool{10: false, 11: false, 12: true, 13: true} {
		if _, ok, _ := Get[schema.Device](ctx, store, id); ok != want {
			t.Errorf("device %d exists = %v, want %v", id, ok, want)
		}
	}
}

func TestDelete_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	if err := Delete(ctx, store, schema.EntityHouseholdBill, 99); err != nil {
		t.Errorf("Delete() of missing record failed: %v", err)
	}
}

func TestIDsByStatus(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	statuses := []schema.SyncStatus{schema.StatusSynced, schema.StatusPending, schema.StatusSynced, schema.StatusError}
	for i, s := range statuses {
		if err := Put(ctx, store, newReceipt(int64(i+1), s)); err != nil {
			t.Fatalf("Put() failed: %v", err)
		}
	}

	tests := []struct {
		status schema.SyncStatus
		want   []int64
	}{
		{schema.StatusSynced, []int64{1, 3}},
		{schema.StatusPending, []int64{2}},
		{schema.StatusError, []int64{4}},
		{schema.StatusLocal, nil},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			got, err := IDsByStatus(ctx, store, schema.EntityReceipt, tt.status)
			if err != nil {
				t.Fatalf("IDsByStatus() failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("IDsByStatus() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSetStatus_UpdatesDocument(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	if err := Put(ctx, store, newReceipt(1, schema.StatusPending)); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := SetStatus(ctx, store, schema.EntityReceipt, 1, schema.StatusError); err != nil {
		t.Fatalf("SetStatus() failed: %v", err)
	}

	got, _, err := Get[schema.Receipt](ctx, store, 1)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.SyncStatus != schema.StatusError {
		t.Errorf("SyncStatus = %q, want error", got.SyncStatus)
	}
	ids, _ := IDsByStatus(ctx, store, schema.EntityReceipt, schema.StatusError)
	if len(ids) != 1 {
		t.Errorf("IDsByStatus(error) = %v, want [1]", ids)
	}
}

func TestMarkSyncedIfUnchanged(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	if err := Put(ctx, store, newReceipt(1, schema.StatusPending)); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	changed, err := MarkSyncedIfUnchanged(ctx, store, schema.EntityReceipt, 1, baseTime.Add(-time.Minute))
	if err != nil {
		t.Fatalf("MarkSyncedIfUnchanged() failed: %v", err)
	}
	if changed {
		t.Error("record with a newer edit was marked synced")
	}

	changed, err = MarkSyncedIfUnchanged(ctx, store, schema.EntityReceipt, 1, baseTime)
	if err != nil {
		t.Fatalf("MarkSyncedIfUnchanged() failed: %v", err)
	}
	if !changed {
		t.Error("unchanged record was not marked synced")
	}

	got, _, _ := Get[schema.Receipt](ctx, store, 1)
	if got.SyncStatus != schema.StatusSynced {
		t.Errorf("SyncStatus = %q, want synced", got.SyncStatus)
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(ctx context.Context, q Querier) error {
		if err := Put(ctx, q, newReceipt(1, schema.StatusSynced)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx() error = %v, want boom", err)
	}

	if _, ok, _ := Get[schema.Receipt](ctx, store, 1); ok {
		t.Error("receipt written inside a failed transaction was committed")
	}
}

func TestForEachRaw(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	for _, id := range []int64{3, 1, 2} {
		if err := Put(ctx, store, newReceipt(id, schema.StatusSynced)); err != nil {
			t.Fatalf("Put() failed: %v", err)
		}
	}

	var seen []int64
	err := ForEachRaw(ctx, store, schema.EntityReceipt, func(id int64, data []byte) error {
		if len(data) == 0 {
			t.Errorf("record %d has empty data", id)
		}
		seen = append(seen, id)
		return nil
	})
	if err != nil {
		t.Fatalf("ForEachRaw() failed: %v", err)
	}
	if diff := cmp.Diff([]int64{1, 2, 3}, seen); diff != "" {
		t.Errorf("ForEachRaw() order mismatch (-want +got):\n%s", diff)
	}
}

func TestQueue_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	entries := []schema.QueueEntry{
		{EntityType: schema.EntityReceipt, EntityID: 1, Operation: schema.OpCreate},
		{EntityType: schema.EntityDevice, EntityID: 5, Operation: schema.OpUpdate},
		{EntityType: schema.EntityReceipt, EntityID: 2, Operation: schema.OpDelete},
	}
	var ids []int64
	for _, e := range entries {
		id, err := Enqueue(ctx, store, e)
		if err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
		ids = append(ids, id)
	}

	n, err := QueueLength(ctx, store)
	if err != nil {
		t.Fatalf("QueueLength() failed: %v", err)
	}
	if n != 3 {
		t.Errorf("QueueLength() = %d, want 3", n)
	}

	pending, err := PendingQueue(ctx, store, 2)
	if err != nil {
		t.Fatalf("PendingQueue() failed: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != ids[0] || pending[1].ID != ids[1] {
		t.Fatalf("PendingQueue(2) = %+v, want the two oldest entries", pending)
	}
	if pending[1].EntityType != schema.EntityDevice || pending[1].Operation != schema.OpUpdate {
		t.Errorf("second entry = %+v", pending[1])
	}

	if err := MarkQueueFailure(ctx, store, ids[0], errors.New("network down")); err != nil {
		t.Fatalf("MarkQueueFailure() failed: %v", err)
	}
	entry, err := GetQueueEntry(ctx, store, ids[0])
	if err != nil {
		t.Fatalf("GetQueueEntry() failed: %v", err)
	}
	if entry.Attempts != 1 || entry.LastError != "network down" {
		t.Errorf("entry after failure = %+v", entry)
	}

	if err := RemoveQueueEntry(ctx, store, ids[0]); err != nil {
		t.Fatalf("RemoveQueueEntry() failed: %v", err)
	}
	if _, err := GetQueueEntry(ctx, store, ids[0]); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetQueueEntry() after remove error = %v, want ErrNotFound", err)
	}
	if err := MarkQueueFailure(ctx, store, ids[0], nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkQueueFailure() on removed entry error = %v, want ErrNotFound", err)
	}
}

func TestEnqueue_RejectsInvalid(t *testing.T) {
	_, err := Enqueue(context.Background(), setupTestDB(t), schema.QueueEntry{
		EntityType: schema.EntityReceipt,
		Operation:  schema.OpCreate,
	})
	if err == nil {
		t.Error("Enqueue() accepted an entry without entity id")
	}
}

func TestState(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	if _, err := GetState(ctx, store, StateUserID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetState() on empty store error = %v, want ErrNotFound", err)
	}

	if err := SetState(ctx, store, StateUserID, "u1"); err != nil {
		t.Fatalf("SetState() failed: %v", err)
	}
	if err := SetState(ctx, store, StateUserID, "u2"); err != nil {
		t.Fatalf("second SetState() failed: %v", err)
	}
	got, err := GetState(ctx, store, StateUserID)
	if err != nil {
		t.Fatalf("GetState() failed: %v", err)
	}
	if got != "u2" {
		t.Errorf("GetState() = %q, want u2", got)
	}

	zero, err := GetStateTime(ctx, store, StateLastPullAt)
	if err != nil || !zero.IsZero() {
		t.Errorf("GetStateTime() on unset key = %v, %v", zero, err)
	}
	if err := SetStateTime(ctx, store, StateLastPullAt, baseTime); err != nil {
		t.Fatalf("SetStateTime() failed: %v", err)
	}
	pulled, err := GetStateTime(ctx, store, StateLastPullAt)
	if err != nil {
		t.Fatalf("GetStateTime() failed: %v", err)
	}
	if !pulled.Equal(baseTime) {
		t.Errorf("GetStateTime() = %v, want %v", pulled, baseTime)
	}
}

func TestGetStats(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	for _, rec := range []schema.Record{
		newReceipt(1, schema.StatusSynced),
		newReceipt(2, schema.StatusPending),
		newDevice(3, nil, schema.StatusSynced),
	} {
		if err := Put(ctx, store, rec); err != nil {
			t.Fatalf("Put() failed: %v", err)
		}
	}
	if _, err := Enqueue(ctx, store, schema.QueueEntry{EntityType: schema.EntityReceipt, EntityID: 2, Operation: schema.OpUpdate}); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	stats, err := GetStats(ctx, store)
	if err != nil {
		t.Fatalf("GetStats() failed: %v", err)
	}

	want := Stats{
		ByKind: map[schema.EntityType]map[schema.SyncStatus]int{
			schema.EntityReceipt:       {schema.StatusSynced: 1, schema.StatusPending: 1},
			schema.EntityDevice:        {schema.StatusSynced: 1},
			schema.EntityHouseholdBill: {},
		},
		Queued: 1,
	}
	if diff := cmp.Diff(want, stats); diff != "" {
		t.Errorf("GetStats() mismatch (-want +got):\n%s", diff)
	}
}
