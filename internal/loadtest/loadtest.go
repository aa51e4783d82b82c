// Package loadtest measures how the sync engine copes with a large account.
//
// Generate builds a deterministic data set of receipts with their devices
// and household bills, Seed writes it to a remote store with concurrent
// workers, and MeasurePulls times repeated bulk pulls into the local store.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"slices"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/sourcegraph/conc/pool"

	"github.com/fiskalni/fiskalni/internal/rowmap"
	"github.com/fiskalni/fiskalni/internal/schema"
	syncengine "github.com/fiskalni/fiskalni/internal/sync"
)

// Sizes is the shape of a generated account.
type Sizes struct {
	Receipts int
	// DevicesPerReceipt is the fraction of receipts that bought a device.
	DevicesPerReceipt float64
	Bills             int
}

// DefaultSizes is roughly two years of a busy household.
func DefaultSizes() Sizes {
	return Sizes{Receipts: 2000, DevicesPerReceipt: 0.1, Bills: 300}
}

// Upserter writes remote rows.
type Upserter interface {
	Upsert(ctx context.Context, kind schema.EntityType, row json.RawMessage) error
}

// Puller runs one bulk pull.
type Puller interface {
	SyncFromRemote(ctx context.Context) ([]syncengine.PullResult, error)
}

// LatencyStats captures timings of repeated operations.
type LatencyStats struct {
	Min    time.Duration
	Max    time.Duration
	Mean   time.Duration
	P50    time.Duration
	P95    time.Duration
	P99    time.Duration
	Runs   int
	Errors int
}

var (
	merchants  = []string{"Maxi", "Idea", "Lidl", "Gigatron", "Tehnomanija", "DM", "Lilly", "NIS Petrol"}
	categories = []string{"groceries", "electronics", "pharmacy", "fuel", "household"}
	brands     = []string{"Samsung", "Gorenje", "Bosch", "LG", "Apple", "Xiaomi"}
	billTypes  = []struct{ typ, provider, unit string }{
		{"electricity", "EPS", "kWh"},
		{"water", "BVK", "m3"},
		{"gas", "Srbijagas", "m3"},
		{"internet", "SBB", ""},
	}
)

// Generate builds a data set ending at now. The same sizes and now always
// give the same records.
func Generate(sizes Sizes, now time.Time) []schema.Record {
	rng := rand.New(rand.NewSource(42))
	start := now.AddDate(-2, 0, 0)
	span := now.Sub(start)

	recs := make([]schema.Record, 0, sizes.Receipts+sizes.Bills)
	var nextDevice int64 = 1

	for i := 0; i < sizes.Receipts; i++ {
		id := int64(i + 1)
		date := start.Add(time.Duration(rng.Int63n(int64(span)))).Truncate(time.Minute)
		total := float64(rng.Intn(2000000)) / 100
		vat := total * 0.2
		items := make([]schema.ReceiptItem, 1+rng.Intn(4))
		for j := range items {
			items[j] = schema.ReceiptItem{Name: fmt.Sprintf("item %d", j+1), Quantity: 1, Price: total / float64(len(items)), Total: total / float64(len(items))}
		}
		recs = append(recs, schema.Receipt{
			ID:           id,
			MerchantName: merchants[i%len(merchants)],
			Date:         date,
			Time:         schema.ClockTime(date),
			TotalAmount:  total,
			VATAmount:    &vat,
			Category:     categories[i%len(categories)],
			Items:        items,
			CreatedAt:    date,
			UpdatedAt:    date,
			SyncStatus:   schema.StatusSynced,
		})

		if rng.Float64() >= sizes.DevicesPerReceipt {
			continue
		}
		months := 12 * (1 + rng.Intn(3))
		expiry := date.AddDate(0, months, 0)
		status := schema.DeviceActive
		if expiry.Before(now) {
			status = schema.DeviceExpired
		}
		receiptID := id
		recs = append(recs, schema.Device{
			ID:               nextDevice,
			ReceiptID:        &receiptID,
			Brand:            brands[int(nextDevice)%len(brands)],
			Model:            fmt.Sprintf("M-%04d", rng.Intn(10000)),
			Category:         "electronics",
			PurchaseDate:     date,
			WarrantyDuration: months,
			WarrantyExpiry:   expiry,
			Status:           status,
			CreatedAt:        date,
			UpdatedAt:        date,
			SyncStatus:       schema.StatusSynced,
		})
		nextDevice++
	}

	for i := 0; i < sizes.Bills; i++ {
		bt := billTypes[i%len(billTypes)]
		periodStart := start.AddDate(0, (i/len(billTypes))%24, 0)
		periodEnd := periodStart.AddDate(0, 1, -1)
		due := periodEnd.AddDate(0, 0, 15)
		bill := schema.HouseholdBill{
			ID:                 int64(i + 1),
			BillType:           bt.typ,
			Provider:           bt.provider,
			Amount:             float64(1000+rng.Intn(9000)) + 0.5,
			BillingPeriodStart: periodStart,
			BillingPeriodEnd:   periodEnd,
			DueDate:            due,
			Status:             schema.BillPending,
			CreatedAt:          periodEnd,
			UpdatedAt:          periodEnd,
			SyncStatus:         schema.StatusSynced,
		}
		if bt.unit != "" {
			bill.Consumption = &schema.Consumption{Value: float64(rng.Intn(500)), Unit: bt.unit}
		}
		if due.Before(now) {
			paid := due.AddDate(0, 0, -rng.Intn(10))
			bill.PaymentDate = &paid
			bill.Status = schema.BillPaid
		}
		recs = append(recs, bill)
	}
	return recs
}

// Seed upserts recs for userID with up to workers concurrent writes. Rows
// of one kind may land in any order.
func Seed(ctx context.Context, store Upserter, mapper *rowmap.Mapper, userID string, recs []schema.Record, workers int) error {
	if workers < 1 {
		workers = 1
	}
	p := pool.New().WithMaxGoroutines(workers).WithErrors().WithContext(ctx).WithCancelOnError()
	for _, rec := range recs {
		p.Go(func(ctx context.Context) error {
			row, err := mapper.ToRemote(rec, userID)
			if err != nil {
				return err
			}
			data, err := rowmap.Marshal(row)
			if err != nil {
				return err
			}
			if err := store.Upsert(ctx, rec.Kind(), data); err != nil {
				return fmt.Errorf("failed to seed %s %d: %w", rec.Kind(), rec.RecordID(), err)
			}
			return nil
		})
	}
	return p.Wait()
}

// MeasurePulls runs rounds bulk pulls one after another. Failed pulls are
// counted and their errors returned joined; they are not timed.
func MeasurePulls(ctx context.Context, puller Puller, rounds int) (*LatencyStats, error) {
	var durations []time.Duration
	var errs []error

	for i := 0; i < rounds; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		_, err := puller.SyncFromRemote(ctx)
		elapsed := time.Since(start)
		if err != nil {
			errs = append(errs, fmt.Errorf("pull %d: %w", i+1, err))
			continue
		}
		durations = append(durations, elapsed)
	}

	if len(durations) == 0 {
		return nil, errors.Join(append([]error{errors.New("no pull succeeded")}, errs...)...)
	}
	stats := ComputeLatencyStats(durations)
	stats.Errors = len(errs)
	return stats, errors.Join(errs...)
}

// ComputeLatencyStats summarizes durations.
func ComputeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := slices.Clone(durations)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return &LatencyStats{
		Min:  sorted[0],
		Max:  sorted[len(sorted)-1],
		Mean: sum / time.Duration(len(sorted)),
		P50:  sorted[len(sorted)*50/100],
		P95:  sorted[len(sorted)*95/100],
		P99:  sorted[len(sorted)*99/100],
		Runs: len(sorted),
	}
}

// Print writes the stats as an aligned table.
func (s *LatencyStats) Print(w io.Writer) {
	fmt.Fprintf(w, "Pull latency:\n")
	fmt.Fprintf(w, "  Runs:          %d\n", s.Runs)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}

// Count returns the number of records of each kind in recs.
func Count(recs []schema.Record) map[schema.EntityType]int {
	out := make(map[schema.EntityType]int)
	for _, r := range recs {
		out[r.Kind()]++
	}
	return out
}
