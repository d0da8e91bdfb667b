package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	vmetrics "github.com/VictoriaMetrics/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/prefcache/cache"
	pmet "github.com/IvanBrykalov/prefcache/metrics/prom"
	"github.com/IvanBrykalov/prefcache/metrics/vm"
	"github.com/IvanBrykalov/prefcache/prefs"
	"github.com/IvanBrykalov/prefcache/store"
)

type benchFlags struct {
	duration time.Duration
	workers  int
	readPct  int
	batchPct int
	keys     int
	zipfS    float64
	zipfV    float64
	seed     int64
	preload  int

	metrics     string
	metricsAddr string
	pprofAddr   string
}

func (a *app) benchCmd() *cobra.Command {
	var bf benchFlags
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "run a synthetic preference workload against the configured store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runBench(cmd, bf)
		},
	}
	f := cmd.Flags()
	f.DurationVar(&bf.duration, "duration", 10*time.Second, "benchmark duration")
	f.IntVar(&bf.workers, "workers", 2*runtime.GOMAXPROCS(0), "number of worker goroutines")
	f.IntVar(&bf.readPct, "reads", 80, "read percentage [0..100]")
	f.IntVar(&bf.batchPct, "batch", 10, "percentage of writes done as BatchUpdate increments")
	f.IntVar(&bf.keys, "keys", 10_000, "keyspace size")
	f.Float64Var(&bf.zipfS, "zipf-s", 1.1, "Zipf s > 1 (skew)")
	f.Float64Var(&bf.zipfV, "zipf-v", 1.0, "Zipf v")
	f.Int64Var(&bf.seed, "seed", time.Now().UnixNano(), "random seed")
	f.IntVar(&bf.preload, "preload", -1, "preload keys (-1 = keys/2)")
	f.StringVar(&bf.metrics, "metrics", "prom", "metrics adapter: prom, vm or none")
	f.StringVar(&bf.metricsAddr, "http", "", "serve metrics at addr (e.g. :8080); empty = disabled")
	f.StringVar(&bf.pprofAddr, "pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
	return cmd
}

// benchMetrics builds the adapter and the handler that exposes it.
func benchMetrics(kind string) (cache.Metrics, http.Handler, error) {
	switch kind {
	case "prom":
		reg := prometheus.NewRegistry()
		return pmet.New(reg, "", "bench", nil), promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
	case "vm":
		a := vm.New(vmetrics.NewSet(), "prefs_bench")
		return a, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			a.Set().WritePrometheus(w)
		}), nil
	case "none", "":
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown metrics adapter %q (use prom, vm or none)", kind)
	}
}

func (a *app) runBench(cmd *cobra.Command, bf benchFlags) error {
	if bf.keys < 1 {
		return errors.New("--keys must be positive")
	}
	if bf.zipfS <= 1 {
		return errors.New("--zipf-s must be > 1")
	}
	workers := bf.workers
	if workers <= 0 {
		workers = 1
	}

	met, handler, err := benchMetrics(bf.metrics)
	if err != nil {
		return err
	}

	if bf.pprofAddr != "" {
		go func() {
			plog.Infof("pprof: serving at %s", bf.pprofAddr)
			plog.Warningf("pprof: %v", http.ListenAndServe(bf.pprofAddr, nil))
		}()
	}
	if handler != nil && bf.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", handler)
		srv := &http.Server{Addr: bf.metricsAddr, Handler: mux}
		go func() {
			plog.Infof("metrics: serving at %s", bf.metricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				plog.Warningf("metrics: %v", err)
			}
		}()
		defer func() { _ = srv.Close() }()
	}

	// A dedicated manager so the workload's metrics and stats start clean.
	opt := a.cfg.ManagerOptions(met)
	opt.RecordStats = true
	m, err := prefs.NewManager(a.st, opt)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	handles := make([]*prefs.Preference[int], bf.keys)
	for i := range handles {
		handles[i] = prefs.Int("bench:k:"+strconv.Itoa(i), 0)
	}

	// ---- Preload ----
	pl := bf.preload
	if pl < 0 {
		pl = bf.keys / 2
	}
	if pl > bf.keys {
		pl = bf.keys
	}
	const chunk = 512
	for lo := 0; lo < pl; lo += chunk {
		hi := min(lo+chunk, pl)
		if err := m.BatchWrite(cmd.Context(), func(s prefs.WriteScope) error {
			for i := lo; i < hi; i++ {
				handles[i].Write(s, i)
			}
			return nil
		}); err != nil {
			return fmt.Errorf("preload: %w", err)
		}
	}

	// ---- Load generation ----
	var reads, writes, batches, conflicts, total atomic.Uint64
	ctx, cancel := context.WithTimeout(cmd.Context(), bf.duration)
	defer cancel()

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		id := w
		g.Go(func() error {
			// rand.Rand is not goroutine-safe; one per worker.
			r := rand.New(rand.NewSource(bf.seed + int64(id)*9973))
			zipf := rand.NewZipf(r, bf.zipfS, bf.zipfV, uint64(bf.keys-1))

			for gctx.Err() == nil {
				total.Add(1)
				p := handles[zipf.Uint64()]
				switch {
				case int(r.Int31n(100)) < bf.readPct:
					reads.Add(1)
					p.Get(gctx, m)
				case int(r.Int31n(100)) < bf.batchPct:
					batches.Add(1)
					q := handles[zipf.Uint64()]
					err := m.BatchUpdate(gctx, func(s prefs.UpdateScope) error {
						p.Write(s, p.Read(s)+1)
						q.Write(s, q.Read(s)+1)
						return nil
					})
					switch {
					case errors.Is(err, store.ErrConflict):
						conflicts.Add(1)
					case err != nil && gctx.Err() == nil:
						return err
					}
				default:
					writes.Add(1)
					err := p.Set(gctx, m, r.Int())
					switch {
					case errors.Is(err, store.ErrConflict):
						conflicts.Add(1)
					case err != nil && gctx.Err() == nil:
						return err
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	// ---- Report ----
	st := m.CacheStats()
	ops := total.Load()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "backend=%s policy=%s size=%d segments=%d workers=%d keys=%d dur=%v seed=%d\n",
		a.cfg.Store.Backend, opt.Policy, opt.CacheSize, opt.CacheSegments, workers, bf.keys, elapsed.Round(time.Millisecond), bf.seed)
	fmt.Fprintf(out, "ops=%d (%.0f ops/s)  reads=%d  writes=%d  batches=%d  conflicts=%d\n",
		ops, float64(ops)/elapsed.Seconds(), reads.Load(), writes.Load(), batches.Load(), conflicts.Load())
	fmt.Fprintf(out, "hits=%d  misses=%d  hit-rate=%.2f%%  evictions=%d  len=%d\n",
		st.Hits, st.Misses, st.HitRate()*100, st.Evictions, m.CacheLen())
	return nil
}
