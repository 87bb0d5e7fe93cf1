package order

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"execution_core/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeOrder(id string, created time.Time) *core.Order {
	return &core.Order{
		ID:         id,
		Status:     core.OrderStatusSubmitted,
		Instrument: "F.US.MGC",
		ContractID: "CON.F.US.MGC.Z25",
		Side:       core.SideBuy,
		Quantity:   2,
		AccountID:  "ACC-1",
		CreatedAt:  created,
	}
}

func TestOrderStores(t *testing.T) {
	stores := map[string]func(t *testing.T) core.IOrderStore{
		"memory": func(*testing.T) core.IOrderStore { return NewMemoryStore() },
		"sqlite": func(t *testing.T) core.IOrderStore {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "orders.db"))
			require.NoError(t, err)
			return s
		},
	}

	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := open(t)
			defer store.Close()

			base := time.Date(2025, 11, 3, 14, 0, 0, 0, time.UTC)
			second := storeOrder("ord-2", base.Add(time.Second))
			first := storeOrder("ord-1", base)
			require.NoError(t, store.SaveOrder(ctx, second))
			require.NoError(t, store.SaveOrder(ctx, first))

			first.Status = core.OrderStatusFilled
			first.VenueOrderID = "V-1"
			first.FillPrice = decimal.RequireFromString("2000.5")
			require.NoError(t, store.SaveOrder(ctx, first))

			got, err := store.GetOrder(ctx, "ord-1")
			require.NoError(t, err)
			assert.Equal(t, core.OrderStatusFilled, got.Status)
			assert.Equal(t, "V-1", got.VenueOrderID)
			assert.True(t, got.FillPrice.Equal(decimal.RequireFromString("2000.5")))
			assert.True(t, got.CreatedAt.Equal(base))

			_, err = store.GetOrder(ctx, "missing")
			assert.Error(t, err)

			all, err := store.ListOrders(ctx)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "ord-1", all[0].ID)
			assert.Equal(t, "ord-2", all[1].ID)
		})
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	o := storeOrder("ord-1", time.Now())
	require.NoError(t, store.SaveOrder(ctx, o))

	o.Status = core.OrderStatusFailed
	got, err := store.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusSubmitted, got.Status)
}

func TestSQLiteStore_DetectsCorruption(t *testing.T) {
	ctx := context.Background()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "orders.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.SaveOrder(ctx, storeOrder("ord-1", time.Now())))
	_, err = store.db.Exec(`UPDATE orders SET data = replace(data, '"quantity":2', '"quantity":20') WHERE id = ?`, "ord-1")
	require.NoError(t, err)

	_, err = store.GetOrder(ctx, "ord-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum")
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "orders.db")

	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, store.SaveOrder(ctx, storeOrder("ord-1", time.Now())))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, "ACC-1", got.AccountID)
}
