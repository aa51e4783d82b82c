package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/segmentio/encoding/json"

	"github.com/fiskalni/fiskalni/internal/db"
	"github.com/fiskalni/fiskalni/internal/identity"
	"github.com/fiskalni/fiskalni/internal/remote"
	"github.com/fiskalni/fiskalni/internal/schema"
)

func TestIsRemoteNewer(t *testing.T) {
	tests := []struct {
		name   string
		remote time.Time
		local  time.Time
		want   bool
	}{
		{"remote newer", day2, day1, true},
		{"remote older", day1, day2, false},
		{"equal keeps local", day1, day1, false},
		{"no local record", day1, time.Time{}, true},
		{"no local record, zero remote", time.Time{}, time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRemoteNewer(tt.remote, tt.local); got != tt.want {
				t.Errorf("IsRemoteNewer(%v, %v) = %v, want %v", tt.remote, tt.local, got, tt.want)
			}
		})
	}
}

func TestIsRemoteNewerRaw(t *testing.T) {
	now := day3
	tests := []struct {
		raw   string
		local time.Time
		want  bool
	}{
		{"2024-01-02T00:00:00Z", day1, true},
		{"2024-01-02T00:00:00Z", day2, false},
		{"not-a-date", day2, true},
		{"not-a-date", day3, false},
		{"", day1, true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			if got := IsRemoteNewerRaw(tt.raw, tt.local, now); got != tt.want {
				t.Errorf("IsRemoteNewerRaw(%q, %v) = %v, want %v", tt.raw, tt.local, got, tt.want)
			}
		})
	}
}

func TestSyncFromRemote_VendorExample(t *testing.T) {
	ctx := context.Background()
	env := setupEngine(t)

	env.put(t, localReceipt(7, "Old name", day1, schema.StatusSynced))
	env.remote.seed(schema.EntityReceipt, "u1", `{"id":7,"user_id":"u1","vendor":"Maxi",`+
		`"date":"2024-01-01T10:00:00Z","created_at":"2024-01-01T00:00:00Z","updated_at":"2024-01-02T00:00:00Z"}`)

	if _, err := env.engine.SyncFromRemote(ctx); err != nil {
		t.Fatalf("SyncFromRemote() failed: %v", err)
	}

	got, ok, err := db.Get[schema.Receipt](ctx, env.local, 7)
	if err != nil || !ok {
		t.Fatalf("Get(7) = %v, %v", ok, err)
	}
	if got.MerchantName != "Maxi" {
		t.Errorf("MerchantName = %q, want Maxi", got.MerchantName)
	}
	if !got.UpdatedAt.Equal(day2) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, day2)
	}
	if got.SyncStatus != schema.StatusSynced {
		t.Errorf("SyncStatus = %q, want synced", got.SyncStatus)
	}
}

func TestSyncFromRemote_CorruptTimestampWins(t *testing.T) {
	ctx := context.Background()
	env := setupEngine(t)

	env.put(t, localReceipt(3, "Local", day2, schema.StatusPending))
	env.remote.seed(schema.EntityReceipt, "u1", receiptRow(3, "Remote", "not-a-date"))

	if _, err := env.engine.SyncEntity(ctx, schema.EntityReceipt); err != nil {
		t.Fatalf("SyncEntity() failed: %v", err)
	}

	got, _, _ := db.Get[schema.Receipt](ctx, env.local, 3)
	if got.MerchantName != "Remote" {
		t.Errorf("MerchantName = %q, want Remote", got.MerchantName)
	}
	if !got.UpdatedAt.Equal(env.clock.Now()) {
		t.Errorf("UpdatedAt = %v, want now (%v)", got.UpdatedAt, env.clock.Now())
	}
}

func TestSyncEntity_LastWriteWins(t *testing.T) {
	tests := []struct {
		name       string
		localTime  time.Time
		remoteTime string
		wantRemote bool
	}{
		{"remote newer", day1, "2024-01-02T00:00:00Z", true},
		{"remote older", day2, "2024-01-01T00:00:00Z", false},
		{"same time", day2, "2024-01-02T00:00:00Z", false},
		{"remote newer by a microsecond", day2, "2024-01-02T00:00:00.000001Z", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			env := setupEngine(t)

			local := localReceipt(1, "Local", tt.localTime, schema.StatusSynced)
			env.put(t, local)
			env.remote.seed(schema.EntityReceipt, "u1", receiptRow(1, "Remote", tt.remoteTime))

			res, err := env.engine.SyncEntity(ctx, schema.EntityReceipt)
			if err != nil {
				t.Fatalf("SyncEntity() failed: %v", err)
			}

			got, _, _ := db.Get[schema.Receipt](ctx, env.local, 1)
			if tt.wantRemote {
				if got.MerchantName != "Remote" || res.Applied != 1 {
					t.Errorf("remote version not applied: %+v (result %+v)", got, res)
				}
				return
			}
			if diff := cmp.Diff(local, got); diff != "" {
				t.Errorf("local record changed (-want +got):\n%s", diff)
			}
			if res.Unchanged != 1 {
				t.Errorf("Unchanged = %d, want 1", res.Unchanged)
			}
		})
	}
}

func TestSyncEntity_AcceptsAnyRowWithoutLocalRecord(t *testing.T) {
	ctx := context.Background()
	env := setupEngine(t)

	env.remote.seed(schema.EntityReceipt, "u1", receiptRow(9, "Ancient", "1999-01-01T00:00:00Z"))

	if _, err := env.engine.SyncEntity(ctx, schema.EntityReceipt); err != nil {
		t.Fatalf("SyncEntity() failed: %v", err)
	}
	if !env.exists(t, schema.EntityReceipt, 9) {
		t.Error("row without a local record was not inserted")
	}
}

func TestSyncFromRemote_Idempotent(t *testing.T) {
	ctx := context.Background()
	env := setupEngine(t)

	env.remote.seed(schema.EntityReceipt, "u1", receiptRow(1, "Maxi", "2024-01-02T00:00:00Z"))
	env.remote.seed(schema.EntityReceipt, "u1", receiptRow(2, "Idea", "2024-01-02T00:00:00Z"))
	env.remote.seed(schema.EntityDevice, "u1", deviceRow(10, 1, "2024-01-02T00:00:00Z"))
	env.remote.seed(schema.EntityHouseholdBill, "u1", `{"id":20,"user_id":"u1","bill_type":"power","provider":"EPS",`+
		`"amount":"4200.00","status":"pending","consumption":{"value":312,"unit":"kWh"},`+
		`"billing_period_start":"2024-01-01","billing_period_end":"2024-01-31","updated_at":"2024-02-01T00:00:00Z"}`)

	first, err := env.engine.SyncFromRemote(ctx)
	if err != nil {
		t.Fatalf("first SyncFromRemote() failed: %v", err)
	}
	before := env.snapshot(t)

	second, err := env.engine.SyncFromRemote(ctx)
	if err != nil {
		t.Fatalf("second SyncFromRemote() failed: %v", err)
	}
	after := env.snapshot(t)

	if len(before) != 4 {
		t.Errorf("stored %d records, want 4", len(before))
	}
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("second pull changed the store (-first +second):\n%s", diff)
	}

	wantFirst := []PullResult{
		{Kind: schema.EntityReceipt, Fetched: 2, Applied: 2},
		{Kind: schema.EntityDevice, Fetched: 1, Applied: 1},
		{Kind: schema.EntityHouseholdBill, Fetched: 1, Applied: 1},
	}
	if diff := cmp.Diff(wantFirst, first); diff != "" {
		t.Errorf("first results mismatch (-want +got):\n%s", diff)
	}
	for _, res := range second {
		if res.Applied != 0 || res.Unchanged != res.Fetched {
			t.Errorf("second pull of %s = %+v, want all unchanged", res.Kind, res)
		}
	}
	if env.events.pulls != 2 {
		t.Errorf("SyncCompleted called %d times, want 2", env.events.pulls)
	}

	pulled, err := db.GetStateTime(ctx, env.local, db.StateLastPullAt)
	if err != nil || !pulled.Equal(env.clock.Now()) {
		t.Errorf("last pull time = %v, %v", pulled, err)
	}
}

func TestSyncFromRemote_PrunesOnlySyncedRecords(t *testing.T) {
	ctx := context.Background()
	env := setupEngine(t)

	env.put(t,
		localReceipt(1, "Kept", day1, schema.StatusSynced),
		localReceipt(2, "Deleted elsewhere", day1, schema.StatusSynced),
		localReceipt(3, "Unpushed edit", day1, schema.StatusPending),
		localReceipt(4, "Failed push", day1, schema.StatusError),
		localDevice(10, 2, day1, schema.StatusPending),
		localDevice(11, 1, day1, schema.StatusSynced),
		localDevice(12, 0, day1, schema.StatusSynced),
	)
	env.remote.seed(schema.EntityReceipt, "u1", receiptRow(1, "Kept", "2024-01-01T00:00:00Z"))
	env.remote.seed(schema.EntityDevice, "u1", deviceRow(11, 1, "2024-01-01T00:00:00Z"))

	results, err := env.engine.SyncFromRemote(ctx)
	if err != nil {
		t.Fatalf("SyncFromRemote() failed: %v", err)
	}

	want := map[string]bool{
		"receipt 1": true, "receipt 2": false, "receipt 3": true, "receipt 4": true,
		"device 10": false, "device 11": true, "device 12": false,
	}
	got := map[string]bool{
		"receipt 1": env.exists(t, schema.EntityReceipt, 1),
		"receipt 2": env.exists(t, schema.EntityReceipt, 2),
		"receipt 3": env.exists(t, schema.EntityReceipt, 3),
		"receipt 4": env.exists(t, schema.EntityReceipt, 4),
		"device 10": env.exists(t, schema.EntityDevice, 10),
		"device 11": env.exists(t, schema.EntityDevice, 11),
		"device 12": env.exists(t, schema.EntityDevice, 12),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("store after prune mismatch (-want +got):\n%s", diff)
	}

	if results[0].Pruned != 1 || results[0].Cascaded != 1 {
		t.Errorf("receipt result = %+v, want 1 pruned with 1 cascaded device", results[0])
	}
	if results[1].Pruned != 1 {
		t.Errorf("device result = %+v, want 1 pruned", results[1])
	}
}

func TestSyncEntity_SkipsMalformedRows(t *testing.T) {
	ctx := context.Background()
	env := setupEngine(t)

	env.put(t, localReceipt(5, "Local", day1, schema.StatusSynced))
	env.remote.seed(schema.EntityReceipt, "u1", `{"id":"abc","vendor":"Nope"}`)
	env.remote.seed(schema.EntityReceipt, "u1", `{"id":5,"vendor":42}`)
	env.remote.seed(schema.EntityReceipt, "u1", receiptRow(6, "Good", "2024-01-02T00:00:00Z"))

	res, err := env.engine.SyncEntity(ctx, schema.EntityReceipt)
	if err != nil {
		t.Fatalf("SyncEntity() failed: %v", err)
	}

	want := PullResult{Kind: schema.EntityReceipt, Fetched: 3, Applied: 1, Skipped: 2}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	if !env.exists(t, schema.EntityReceipt, 6) {
		t.Error("valid row after malformed rows was not applied")
	}
	if !env.exists(t, schema.EntityReceipt, 5) {
		t.Error("record whose remote row is malformed was pruned")
	}
}

func TestSyncFromRemote_RemoteErrorPropagates(t *testing.T) {
	ctx := context.Background()
	env := setupEngine(t)
	boom := errors.New("connection reset")

	env.remote.seed(schema.EntityReceipt, "u1", receiptRow(1, "Maxi", "2024-01-02T00:00:00Z"))
	env.remote.selectErr[schema.EntityDevice] = boom

	results, err := env.engine.SyncFromRemote(ctx)
	if !errors.Is(err, boom) {
		t.Fatalf("SyncFromRemote() error = %v, want %v", err, boom)
	}
	if len(results) != 2 {
		t.Errorf("got %d results, want receipts and bills", len(results))
	}
	if !env.exists(t, schema.EntityReceipt, 1) {
		t.Error("receipts were not pulled")
	}
	if env.events.pulls != 0 {
		t.Error("SyncCompleted called for a failed pull")
	}
	if pulled, _ := db.GetStateTime(ctx, env.local, db.StateLastPullAt); !pulled.IsZero() {
		t.Errorf("last pull time recorded for a failed pull: %v", pulled)
	}
}

func TestSyncFromRemote_NoUser(t *testing.T) {
	env := setupEngineAs(t, identity.Static{})

	results, err := env.engine.SyncFromRemote(context.Background())
	if err != nil || results != nil {
		t.Errorf("SyncFromRemote() = %v, %v, want nil, nil", results, err)
	}
	if env.remote.selects != 0 {
		t.Errorf("remote queried %d times without a user", env.remote.selects)
	}
}

func TestSyncFromRemote_OnlyOwnRows(t *testing.T) {
	ctx := context.Background()
	env := setupEngine(t)

	env.remote.seed(schema.EntityReceipt, "u1", receiptRow(1, "Mine", "2024-01-02T00:00:00Z"))
	env.remote.seed(schema.EntityReceipt, "u2", receiptRow(2, "Theirs", "2024-01-02T00:00:00Z"))

	if _, err := env.engine.SyncFromRemote(ctx); err != nil {
		t.Fatalf("SyncFromRemote() failed: %v", err)
	}
	if !env.exists(t, schema.EntityReceipt, 1) || env.exists(t, schema.EntityReceipt, 2) {
		t.Error("pull did not respect row ownership")
	}
}

func TestSyncToRemote(t *testing.T) {
	ctx := context.Background()
	env := setupEngine(t)

	r := localReceipt(7, "Maxi", day2, schema.StatusPending)
	env.put(t, r)

	entry := schema.QueueEntry{ID: 1, EntityType: schema.EntityReceipt, EntityID: 7, Operation: schema.OpCreate}
	if err := env.engine.SyncToRemote(ctx, entry); err != nil {
		t.Fatalf("SyncToRemote(create) failed: %v", err)
	}
	// Replaying the same entry is safe.
	if err := env.engine.SyncToRemote(ctx, entry); err != nil {
		t.Fatalf("SyncToRemote(create) replay failed: %v", err)
	}

	rows, _ := env.remote.SelectAll(ctx, schema.EntityReceipt, "u1")
	if len(rows) != 1 {
		t.Fatalf("remote has %d rows, want 1", len(rows))
	}
	var cols map[string]any
	if err := json.Unmarshal(rows[0], &cols); err != nil {
		t.Fatal(err)
	}
	if cols["vendor"] != "Maxi" || cols["user_id"] != "u1" || cols["updated_at"] != "2024-01-02T00:00:00Z" {
		t.Errorf("remote row = %v", cols)
	}
	if cols["pib"] != nil {
		t.Errorf("absent optional pib = %v, want null", cols["pib"])
	}

	del := schema.QueueEntry{ID: 2, EntityType: schema.EntityReceipt, EntityID: 7, Operation: schema.OpDelete}
	if err := env.engine.SyncToRemote(ctx, del); err != nil {
		t.Fatalf("SyncToRemote(delete) failed: %v", err)
	}
	if diff := cmp.Diff([]string{"receipt:u1:7"}, env.remote.deletes); diff != "" {
		t.Errorf("deletes mismatch (-want +got):\n%s", diff)
	}
}

func TestSyncToRemote_MissingLocalRecord(t *testing.T) {
	env := setupEngine(t)

	entry := schema.QueueEntry{ID: 1, EntityType: schema.EntityDevice, EntityID: 99, Operation: schema.OpUpdate}
	if err := env.engine.SyncToRemote(context.Background(), entry); err != nil {
		t.Errorf("SyncToRemote() = %v, want nil", err)
	}
	if len(env.remote.upserts) != 0 {
		t.Errorf("upserted %d rows for a missing record", len(env.remote.upserts))
	}
}

func TestSyncToRemote_Errors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("503 service unavailable")

	t.Run("no user", func(t *testing.T) {
		env := setupEngineAs(t, identity.Static{})
		entry := schema.QueueEntry{EntityType: schema.EntityReceipt, EntityID: 1, Operation: schema.OpDelete}
		if err := env.engine.SyncToRemote(ctx, entry); !errors.Is(err, ErrNoUser) {
			t.Errorf("SyncToRemote() = %v, want ErrNoUser", err)
		}
	})

	t.Run("upsert failure", func(t *testing.T) {
		env := setupEngine(t)
		env.put(t, localReceipt(1, "Maxi", day1, schema.StatusPending))
		env.remote.upsertErr = boom

		entry := schema.QueueEntry{EntityType: schema.EntityReceipt, EntityID: 1, Operation: schema.OpUpdate}
		if err := env.engine.SyncToRemote(ctx, entry); !errors.Is(err, boom) {
			t.Errorf("SyncToRemote() = %v, want wrapped %v", err, boom)
		}
	})

	t.Run("delete failure", func(t *testing.T) {
		env := setupEngine(t)
		env.remote.deleteErr = boom

		entry := schema.QueueEntry{EntityType: schema.EntityHouseholdBill, EntityID: 1, Operation: schema.OpDelete}
		if err := env.engine.SyncToRemote(ctx, entry); !errors.Is(err, boom) {
			t.Errorf("SyncToRemote() = %v, want wrapped %v", err, boom)
		}
	})

	t.Run("invalid entry", func(t *testing.T) {
		env := setupEngine(t)
		entry := schema.QueueEntry{EntityType: schema.EntityReceipt, EntityID: 1, Operation: "merge"}
		if err := env.engine.SyncToRemote(ctx, entry); err == nil {
			t.Error("SyncToRemote() accepted an unknown operation")
		}
	})
}

func TestApplyChange_InsertAndUpdate(t *testing.T) {
	ctx := context.Background()
	env := setupEngine(t)

	insert := remote.ChangeEvent{Type: remote.EventInsert, New: json.RawMessage(receiptRow(7, "Maxi", "2024-01-02T00:00:00Z"))}
	if err := env.engine.ApplyChange(ctx, schema.EntityReceipt, insert); err != nil {
		t.Fatalf("ApplyChange(insert) failed: %v", err)
	}

	stale := remote.ChangeEvent{Type: remote.EventUpdate, New: json.RawMessage(receiptRow(7, "Stale", "2024-01-01T00:00:00Z"))}
	if err := env.engine.ApplyChange(ctx, schema.EntityReceipt, stale); err != nil {
		t.Fatalf("ApplyChange(stale update) failed: %v", err)
	}

	fresh := remote.ChangeEvent{Type: remote.EventUpdate, New: json.RawMessage(receiptRow(7, "Maxi Centar", "2024-01-03T00:00:00Z"))}
	if err := env.engine.ApplyChange(ctx, schema.EntityReceipt, fresh); err != nil {
		t.Fatalf("ApplyChange(update) failed: %v", err)
	}

	got, _, _ := db.Get[schema.Receipt](ctx, env.local, 7)
	if got.MerchantName != "Maxi Centar" {
		t.Errorf("MerchantName = %q, want Maxi Centar", got.MerchantName)
	}
	if diff := cmp.Diff([]string{"receipt:7:put", "receipt:7:put"}, env.events.changes); diff != "" {
		t.Errorf("observer calls mismatch (-want +got):\n%s", diff)
	}

	malformed := remote.ChangeEvent{Type: remote.EventInsert, New: json.RawMessage(`{"id":"x"}`)}
	if err := env.engine.ApplyChange(ctx, schema.EntityReceipt, malformed); err != nil {
		t.Errorf("ApplyChange(malformed) = %v, want nil", err)
	}
}

func TestApplyChange_DeleteReceiptCascades(t *testing.T) {
	ctx := context.Background()
	env := setupEngine(t)

	env.put(t,
		localReceipt(1, "Maxi", day1, schema.StatusSynced),
		localDevice(10, 1, day1, schema.StatusSynced),
		localDevice(11, 1, day1, schema.StatusPending),
		localDevice(12, 2, day1, schema.StatusSynced),
	)

	ev := remote.ChangeEvent{Type: remote.EventDelete, Old: json.RawMessage(`{"id":"1"}`)}
	if err := env.engine.ApplyChange(ctx, schema.EntityReceipt, ev); err != nil {
		t.Fatalf("ApplyChange(delete) failed: %v", err)
	}

	if env.exists(t, schema.EntityReceipt, 1) || env.exists(t, schema.EntityDevice, 10) || env.exists(t, schema.EntityDevice, 11) {
		t.Error("receipt or its devices survived the delete")
	}
	if !env.exists(t, schema.EntityDevice, 12) {
		t.Error("device of another receipt was deleted")
	}

	want := []string{"device:10:del", "device:11:del", "receipt:1:del"}
	if diff := cmp.Diff(want, env.events.changes); diff != "" {
		t.Errorf("observer calls mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyChange_IgnoredEvents(t *testing.T) {
	ctx := context.Background()
	env := setupEngine(t)
	env.put(t, localDevice(10, 0, day1, schema.StatusSynced))

	events := []remote.ChangeEvent{
		{Type: remote.EventDelete, Old: json.RawMessage(`{}`)},
		{Type: remote.EventDelete},
		{Type: remote.EventUpdate},
		{Type: "TRUNCATE", Old: json.RawMessage(`{"id":10}`)},
	}
	for _, ev := range events {
		if err := env.engine.ApplyChange(ctx, schema.EntityDevice, ev); err != nil {
			t.Errorf("ApplyChange(%+v) = %v, want nil", ev, err)
		}
	}
	if !env.exists(t, schema.EntityDevice, 10) {
		t.Error("ignored event deleted a device")
	}
	if len(env.events.changes) != 0 {
		t.Errorf("observer called for ignored events: %v", env.events.changes)
	}
}
