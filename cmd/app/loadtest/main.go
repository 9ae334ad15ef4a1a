package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pvzzle/ordertrack/internal/ledger"
	"github.com/pvzzle/ordertrack/internal/storage"
	"github.com/pvzzle/ordertrack/internal/storage/pg"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// loadConfig drives one run of mirror-shaped traffic: upserts of ledger
// records interleaved with per-owner history reads.
type loadConfig struct {
	workers   int
	avgRPS    int
	peakRPS   int
	ramp      time.Duration
	reads     int
	owners    int
	listLimit int
	orderPct  int
}

type counters struct {
	total  atomic.Uint64
	reads  atomic.Uint64
	writes atomic.Uint64
	errs   atomic.Uint64

	mu        sync.Mutex
	latencies []time.Duration
}

func (c *counters) observe(write bool, d time.Duration, err error, collect bool) {
	c.total.Add(1)
	if write {
		c.writes.Add(1)
	} else {
		c.reads.Add(1)
	}
	if err != nil {
		c.errs.Add(1)
		return
	}
	if collect {
		c.mu.Lock()
		c.latencies = append(c.latencies, d)
		c.mu.Unlock()
	}
}

func main() {
	var (
		dsn    = flag.String("dsn", "", "Postgres DSN")
		dur    = flag.Duration("dur", 60*time.Second, "measured duration")
		warmup = flag.Duration("warmup", 5*time.Second, "warmup duration (not measured)")
		cfg    loadConfig
	)
	flag.IntVar(&cfg.workers, "workers", 64, "concurrent workers")
	flag.IntVar(&cfg.avgRPS, "avg-rps", 300, "steady request rate")
	flag.IntVar(&cfg.peakRPS, "peak-rps", 1500, "request rate reached at the end of the ramp")
	flag.DurationVar(&cfg.ramp, "ramp", 10*time.Second, "ramp-up duration to peak")
	flag.IntVar(&cfg.reads, "rw", 15, "history reads per record upsert")
	flag.IntVar(&cfg.owners, "owners", 20000, "distinct owner addresses")
	flag.IntVar(&cfg.listLimit, "list-limit", 10, "rows per history read")
	flag.IntVar(&cfg.orderPct, "order-pct", 30, "share of upserts that are orders, in percent")
	flag.Parse()

	if *dsn == "" {
		log.Fatal("dsn required")
	}

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, *dsn)
	if err != nil {
		log.WithError(err).Fatal("pgxpool new")
	}
	defer pool.Close()

	repo := pg.New(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		log.WithError(err).Fatal("ensure schema")
	}

	owners := makeOwners(cfg.owners)

	log.WithField("duration", *warmup).Info("warmup")
	warm := cfg
	warm.peakRPS, warm.ramp = cfg.avgRPS, 0
	runPhase(ctx, repo, owners, warm, *warmup, false)

	log.WithField("duration", *dur).Info("measured run")
	started := time.Now()
	c := runPhase(ctx, repo, owners, cfg, *dur, true)
	report(c, time.Since(started))
}

func makeOwners(n int) []common.Address {
	out := make([]common.Address, n)
	for i := range out {
		out[i] = common.BigToAddress(big.NewInt(int64(i + 1)))
	}
	return out
}

func runPhase(ctx context.Context, repo storage.Repository, owners []common.Address, cfg loadConfig, dur time.Duration, collect bool) *counters {
	ctx, cancel := context.WithTimeout(ctx, dur)
	defer cancel()

	lim := rate.NewLimiter(rate.Limit(cfg.avgRPS), cfg.avgRPS)
	writes := make(chan bool, 1024)
	c := &counters{}

	var wg sync.WaitGroup
	for i := 0; i < cfg.workers; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			r := rand.New(rand.NewSource(seed))
			for write := range writes {
				owner := owners[r.Intn(len(owners))]
				t0 := time.Now()
				var err error
				if write {
					err = repo.UpsertTx(ctx, fakeRecord(r, owner, cfg.orderPct))
				} else {
					_, err = repo.ListByOwner(ctx, owner, cfg.listLimit)
				}
				c.observe(write, time.Since(t0), err, collect)
			}
		}(time.Now().UnixNano() + int64(i))
	}

	go func() {
		defer close(writes)
		rampStart := time.Now()
		for n := 0; ; n++ {
			if err := lim.Wait(ctx); err != nil {
				return
			}
			lim.SetLimit(rampedLimit(cfg, time.Since(rampStart)))
			writes <- n%(cfg.reads+1) == cfg.reads
		}
	}()

	wg.Wait()
	return c
}

// rampedLimit grows linearly from avgRPS to peakRPS over the ramp.
func rampedLimit(cfg loadConfig, elapsed time.Duration) rate.Limit {
	if cfg.ramp <= 0 || elapsed >= cfg.ramp {
		return rate.Limit(cfg.peakRPS)
	}
	frac := float64(elapsed) / float64(cfg.ramp)
	return rate.Limit(float64(cfg.avgRPS) + float64(cfg.peakRPS-cfg.avgRPS)*frac)
}

func fakeRecord(r *rand.Rand, owner common.Address, orderPct int) ledger.TransactionRecord {
	to := common.BigToAddress(new(big.Int).SetUint64(r.Uint64()))
	rec := ledger.TransactionRecord{
		ChainID: 1,
		ID:      uuid.NewString(),
		From:    owner,
		Kind:    ledger.KindClassic,
		Status:  ledger.StatusPending,
		Request: &ledger.TxRequest{
			From:                 owner,
			To:                   &to,
			Nonce:                uint64(r.Intn(1000)),
			Value:                big.NewInt(1_000_000_000_000_000_000),
			GasLimit:             21000,
			MaxFeePerGas:         big.NewInt(int64(30_000_000_000 + r.Intn(1_000_000_000))),
			MaxPriorityFeePerGas: big.NewInt(1_000_000_000),
		},
		AddedTime: time.Now().UTC(),
	}
	if r.Intn(100) < orderPct {
		rec.Kind = ledger.KindOrder
		rec.Request = nil
		rec.OrderHash = fmt.Sprintf("0x%016x%016x", r.Uint64(), r.Uint64())
		rec.QueueStatus = ledger.QueueSubmitted
	}
	return rec
}

func report(c *counters, d time.Duration) {
	total := c.total.Load()

	fmt.Printf("\n== REPORT ==\n")
	fmt.Printf("duration: %s\n", d)
	fmt.Printf("ops: total=%d read=%d write=%d errors=%d\n", total, c.reads.Load(), c.writes.Load(), c.errs.Load())
	if d > 0 {
		fmt.Printf("throughput: %.2f ops/s\n", float64(total)/d.Seconds())
	}

	lat := c.latencies
	if len(lat) == 0 {
		fmt.Println("no latency samples")
		return
	}
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
	q := func(p float64) time.Duration { return lat[int(p*float64(len(lat)-1))] }
	fmt.Printf("latency p50=%s p95=%s p99=%s max=%s\n", q(0.50), q(0.95), q(0.99), lat[len(lat)-1])
}
