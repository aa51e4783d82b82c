package sync

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/segmentio/encoding/json"

	"github.com/fiskalni/fiskalni/internal/clock"
	"github.com/fiskalni/fiskalni/internal/db"
	"github.com/fiskalni/fiskalni/internal/identity"
	"github.com/fiskalni/fiskalni/internal/logging"
	"github.com/fiskalni/fiskalni/internal/rowmap"
	"github.com/fiskalni/fiskalni/internal/schema"
)

type fakeRow struct {
	userID string
	id     int64
	data   json.RawMessage
}

// fakeStore is an in-memory remote.Store.
type fakeStore struct {
	rows map[schema.EntityType][]fakeRow

	selectErr map[schema.EntityType]error
	upsertErr error
	deleteErr error

	selects int
	upserts []json.RawMessage
	deletes []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rows:      make(map[schema.EntityType][]fakeRow),
		selectErr: make(map[schema.EntityType]error),
	}
}

// seed stores raw as-is, valid or not.
func (f *fakeStore) seed(kind schema.EntityType, userID, raw string) {
	id, _ := rowmap.RowID(json.RawMessage(raw))
	f.rows[kind] = append(f.rows[kind], fakeRow{userID: userID, id: id, data: json.RawMessage(raw)})
}

func (f *fakeStore) SelectAll(ctx context.Context, kind schema.EntityType, userID string) ([]json.RawMessage, error) {
	f.selects++
	if err := f.selectErr[kind]; err != nil {
		return nil, err
	}
	var out []json.RawMessage
	for _, r := range f.rows[kind] {
		if r.userID == userID {
			out = append(out, r.data)
		}
	}
	return out, nil
}

func (f *fakeStore) Upsert(ctx context.Context, kind schema.EntityType, row json.RawMessage) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserts = append(f.upserts, row)

	var head struct {
		ID     rowmap.ID `json:"id"`
		UserID string    `json:"user_id"`
	}
	if err := json.Unmarshal(row, &head); err != nil {
		return err
	}
	rows := f.rows[kind]
	for i, r := range rows {
		if r.id == int64(head.ID) {
			rows[i] = fakeRow{userID: head.UserID, id: r.id, data: row}
			return nil
		}
	}
	f.rows[kind] = append(rows, fakeRow{userID: head.UserID, id: int64(head.ID), data: row})
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, kind schema.EntityType, userID string, id int64) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deletes = append(f.deletes, fmt.Sprintf("%s:%s:%d", kind, userID, id))
	rows := f.rows[kind][:0]
	for _, r := range f.rows[kind] {
		if r.id == id && r.userID == userID {
			continue
		}
		rows = append(rows, r)
	}
	f.rows[kind] = rows
	return nil
}

// recorder is an Observer that remembers every call.
type recorder struct {
	changes []string
	pulls   int
}

func (r *recorder) RecordChanged(kind schema.EntityType, id int64, deleted bool) {
	op := "put"
	if deleted {
		op = "del"
	}
	r.changes = append(r.changes, fmt.Sprintf("%s:%d:%s", kind, id, op))
}

func (r *recorder) SyncCompleted(results []PullResult) { r.pulls++ }

type testEnv struct {
	engine *Engine
	local  *db.DB
	remote *fakeStore
	clock  *clock.Mock
	events *recorder
}

var (
	day1 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	day2 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	day3 = time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
)

// setupEngine wires an engine to a temp local store and a fake remote,
// signed in as user u1.
func setupEngine(t *testing.T) *testEnv {
	t.Helper()
	return setupEngineAs(t, identity.Static{UserID: "u1"})
}

func setupEngineAs(t *testing.T, ids identity.Provider) *testEnv {
	t.Helper()

	local, err := db.Open(filepath.Join(t.TempDir(), "local.db"))
	if err != nil {
		t.Fatalf("failed to open local store: %v", err)
	}
	t.Cleanup(func() { local.Close() })
	if err := local.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	clk := clock.NewMock()
	clk.SetNow(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

	env := &testEnv{
		local:  local,
		remote: newFakeStore(),
		clock:  clk,
		events: &recorder{},
	}
	env.engine = New(local, env.remote, ids, Options{
		Clock:    clk,
		Logger:   logging.Discard(),
		Observer: env.events,
	})
	return env
}

func (env *testEnv) put(t *testing.T, recs ...schema.Record) {
	t.Helper()
	for _, rec := range recs {
		if err := db.Put(context.Background(), env.local, rec); err != nil {
			t.Fatalf("failed to store %s %d: %v", rec.Kind(), rec.RecordID(), err)
		}
	}
}

func (env *testEnv) exists(t *testing.T, kind schema.EntityType, id int64) bool {
	t.Helper()
	_, ok, err := db.GetRecord(context.Background(), env.local, kind, id)
	if err != nil {
		t.Fatalf("GetRecord(%s, %d) failed: %v", kind, id, err)
	}
	return ok
}

// snapshot returns every stored document keyed by kind and id.
func (env *testEnv) snapshot(t *testing.T) map[string]string {
	t.Helper()
	out := make(map[string]string)
	for _, kind := range schema.EntityTypes {
		err := db.ForEachRaw(context.Background(), env.local, kind, func(id int64, data []byte) error {
			out[fmt.Sprintf("%s:%d", kind, id)] = string(data)
			return nil
		})
		if err != nil {
			t.Fatalf("ForEachRaw() failed: %v", err)
		}
	}
	return out
}

func localReceipt(id int64, merchant string, updated time.Time, status schema.SyncStatus) schema.Receipt {
	return schema.Receipt{
		ID:           id,
		MerchantName: merchant,
		Date:         day1,
		Time:         "00:00",
		Category:     "groceries",
		CreatedAt:    day1,
		UpdatedAt:    updated,
		SyncStatus:   status,
	}
}

func localDevice(id, receiptID int64, updated time.Time, status schema.SyncStatus) schema.Device {
	d := schema.Device{
		ID:               id,
		Brand:            "Bosch",
		Model:            "WAN28",
		PurchaseDate:     day1,
		WarrantyDuration: 24,
		WarrantyExpiry:   day1.AddDate(2, 0, 0),
		Status:           schema.DeviceActive,
		CreatedAt:        day1,
		UpdatedAt:        updated,
		SyncStatus:       status,
	}
	if receiptID > 0 {
		d.ReceiptID = &receiptID
	}
	return d
}

func receiptRow(id int64, vendor string, updated string) string {
	return fmt.Sprintf(`{"id":%d,"user_id":"u1","vendor":%q,"date":"2024-01-01T00:00:00Z",`+
		`"total_amount":100,"category":"groceries","created_at":"2024-01-01T00:00:00Z","updated_at":%q}`,
		id, vendor, updated)
}

func deviceRow(id, receiptID int64, updated string) string {
	return fmt.Sprintf(`{"id":%d,"user_id":"u1","receipt_id":%d,"brand":"Bosch","model":"WAN28",`+
		`"purchase_date":"2024-01-01T00:00:00Z","warranty_duration":24,"status":"active",`+
		`"created_at":"2024-01-01T00:00:00Z","updated_at":%q}`, id, receiptID, updated)
}
