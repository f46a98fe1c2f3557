package metrics

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func lazyPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	// The pool connects lazily, so a blank DSN still yields valid stats.
	pool, err := pgxpool.New(context.Background(), "")
	if err != nil {
		t.Skipf("unable to create pgxpool (no database): %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestRegisterPoolMetrics(t *testing.T) {
	pool := lazyPool(t)

	reg := prometheus.NewPedanticRegistry()
	RegisterPoolMetrics(reg, pool)

	expected := fmt.Sprintf(`
# HELP regionflagz_db_pool_acquired Number of currently acquired database connections.
# TYPE regionflagz_db_pool_acquired gauge
regionflagz_db_pool_acquired 0
# HELP regionflagz_db_pool_acquire_wait_seconds_total Total time spent acquiring database connections.
# TYPE regionflagz_db_pool_acquire_wait_seconds_total counter
regionflagz_db_pool_acquire_wait_seconds_total 0
# HELP regionflagz_db_pool_empty_acquire_total Acquires that waited because the pool had no idle connection.
# TYPE regionflagz_db_pool_empty_acquire_total counter
regionflagz_db_pool_empty_acquire_total 0
# HELP regionflagz_db_pool_idle Number of idle database connections in the pool.
# TYPE regionflagz_db_pool_idle gauge
regionflagz_db_pool_idle 0
# HELP regionflagz_db_pool_max Maximum number of database connections allowed in the pool.
# TYPE regionflagz_db_pool_max gauge
regionflagz_db_pool_max %d
# HELP regionflagz_db_pool_total Total number of database connections in the pool.
# TYPE regionflagz_db_pool_total gauge
regionflagz_db_pool_total 0
`, pool.Stat().MaxConns())

	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"regionflagz_db_pool_acquired",
		"regionflagz_db_pool_idle",
		"regionflagz_db_pool_total",
		"regionflagz_db_pool_max",
		"regionflagz_db_pool_empty_acquire_total",
		"regionflagz_db_pool_acquire_wait_seconds_total",
	); err != nil {
		t.Errorf("unexpected metrics output:\n%v", err)
	}
}

func TestRegisterPoolMetrics_AlongsideServerMetrics(t *testing.T) {
	pool := lazyPool(t)

	m := New()
	RegisterPoolMetrics(m.Registry, pool)

	mfs, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	pooled := 0
	for _, mf := range mfs {
		if strings.HasPrefix(mf.GetName(), "regionflagz_db_pool_") {
			pooled++
		}
	}
	if pooled != 6 {
		t.Errorf("expected 6 pool metric families, got %d", pooled)
	}
}
