package catalog

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/barstock/barstock/internal/ledger"
)

type countingSource struct {
	mu        sync.Mutex
	products  []ledger.Product
	locations []Location
	listCalls atomic.Int32
	locCalls  atomic.Int32
}

func (s *countingSource) GetProduct(ctx context.Context, id int64) (ledger.Product, error) {
	panic("cached catalog must not read single products from the source")
}

func (s *countingSource) GetProducts(ctx context.Context, ids []int64) (map[int64]ledger.Product, error) {
	panic("cached catalog must not read product sets from the source")
}

func (s *countingSource) ListProducts(ctx context.Context) ([]ledger.Product, error) {
	s.listCalls.Add(1)
	time.Sleep(50 * time.Millisecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ledger.Product(nil), s.products...), nil
}

func (s *countingSource) LocationExists(ctx context.Context, id int64) (bool, error) {
	s.locCalls.Add(1)
	for _, l := range s.locations {
		if l.ID == id {
			return true, nil
		}
	}
	return false, nil
}

func (s *countingSource) ListLocations(ctx context.Context) ([]Location, error) {
	return s.locations, nil
}

func newSource() *countingSource {
	return &countingSource{
		products: []ledger.Product{
			{ID: 1, Name: "Gin", Category: "spirits", CostPrice: decimal.RequireFromString("10.50"), SellingPrice: decimal.NewFromInt(25)},
			{ID: 2, Name: "Tonic", Category: "mixers", CostPrice: decimal.NewFromInt(1), SellingPrice: decimal.NewFromInt(3)},
		},
		locations: []Location{{ID: 1, Name: "Main bar"}},
	}
}

func setupCached(t *testing.T, src Source) (*Cached, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCached(src, client, time.Minute, nil), mr
}

func TestCachedServesProductsFromRedis(t *testing.T) {
	src := newSource()
	cached, mr := setupCached(t, src)
	ctx := context.Background()

	p, err := cached.GetProduct(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "Gin", p.Name)
	require.True(t, decimal.RequireFromString("10.5").Equal(p.CostPrice))

	got, err := cached.GetProducts(ctx, []int64{1, 2, 3})
	require.NoError(t, err)
	require.Len(t, got, 2)

	_, err = cached.GetProduct(ctx, 3)
	require.ErrorIs(t, err, ledger.ErrProductNotFound)
	require.ErrorIs(t, err, ledger.ErrNotFound)

	require.Equal(t, int32(1), src.listCalls.Load())
	require.True(t, mr.Exists("catalog:products:1"))
	require.Greater(t, mr.TTL("catalog:products:1"), time.Duration(0))
}

func TestCachedBumpInvalidates(t *testing.T) {
	src := newSource()
	cached, _ := setupCached(t, src)
	ctx := context.Background()

	_, err := cached.ListProducts(ctx)
	require.NoError(t, err)

	src.mu.Lock()
	src.products = append(src.products, ledger.Product{ID: 3, Name: "Lime"})
	src.mu.Unlock()

	products, err := cached.ListProducts(ctx)
	require.NoError(t, err)
	require.Len(t, products, 2)

	ver, err := cached.Bump(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), ver)

	products, err = cached.ListProducts(ctx)
	require.NoError(t, err)
	require.Len(t, products, 3)
	require.Equal(t, int32(2), src.listCalls.Load())
}

func TestCachedConcurrentMissesShareOneLoad(t *testing.T) {
	src := newSource()
	cached, _ := setupCached(t, src)
	ctx := context.Background()
	_, err := cached.Version(ctx)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 16)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = cached.ListProducts(ctx)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), src.listCalls.Load())
}

func TestCachedLocationExists(t *testing.T) {
	src := newSource()
	cached, _ := setupCached(t, src)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := cached.LocationExists(ctx, 1)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, err := cached.LocationExists(ctx, 9)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, int32(2), src.locCalls.Load())
}

func TestCachedFallsBackWhenRedisIsDown(t *testing.T) {
	src := newSource()
	cached, mr := setupCached(t, src)
	mr.Close()

	products, err := cached.ListProducts(context.Background())
	require.NoError(t, err)
	require.Len(t, products, 2)

	direct := NewCached(src, nil, time.Minute, nil)
	ok, err := direct.LocationExists(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, ok)
}
