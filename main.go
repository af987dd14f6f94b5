package main

import (
	"log"
	"os"
	"sync"

	"github.com/alephrt/shmrt/config"
	"github.com/alephrt/shmrt/envelope"
	"github.com/alephrt/shmrt/mpmc"
	"github.com/alephrt/shmrt/primitives"
	"github.com/alephrt/shmrt/sjb"
	"github.com/alephrt/shmrt/telemetry"
	"github.com/alephrt/shmrt/workerpool"
)

func main() {
	log.Println("🧵 shmrt demo starting...")

	cfgPath := "shmrt.toml"
	if p := os.Getenv("SHMRT_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config %s: %v", cfgPath, err)
	}

	obs := telemetry.NewSink(cfg.Telemetry)
	defer obs.Close()

	// Shared game state in an arena, guarded by a shared-memory mutex.
	// The mutex wraps the arena's envelope as its guarded view: workers
	// reach the state only through a held guard, and reconstruct their
	// own handle from the raw region the way it would cross a real
	// thread boundary.
	arena, err := sjb.NewFromJSON(cfg.Arena.Size, `{"score":0,"players":["main"]}`)
	if err != nil {
		log.Fatalf("arena: %v", err)
	}
	env, err := envelope.Wrap(arena)
	if err != nil {
		log.Fatalf("envelope: %v", err)
	}
	mu, err := primitives.NewMutexWithView(env)
	if err != nil {
		log.Fatalf("mutex: %v", err)
	}

	pool, err := workerpool.New(cfg.Pool.Workers, cfg.Pool.QueueCapacity)
	if err != nil {
		log.Fatalf("pool: %v", err)
	}
	barrier, err := primitives.NewBarrier(int32(cfg.Pool.Workers))
	if err != nil {
		log.Fatalf("barrier: %v", err)
	}

	for w := 0; w < cfg.Pool.Workers; w++ {
		w := w
		if err := pool.Submit(func() {
			g := mu.LockBlocking()
			view, err := g.Value()
			if err != nil {
				g.Release()
				log.Printf("worker %d: %v", w, err)
				return
			}
			out, err := envelope.Unwrap(view.(*envelope.Envelope))
			if err != nil {
				g.Release()
				log.Printf("worker %d: %v", w, err)
				return
			}
			remote := out.(*sjb.Arena)
			root := remote.Root()
			score, _ := root.Get("score")
			root.Set("score", score.(float64)+100)
			if players, err := root.Get("players"); err == nil {
				players.(*sjb.Proxy).Append("worker")
			}
			g.Release()

			if barrier.Wait().Leader {
				log.Printf("🚧 worker %d led the cohort", w)
				obs.BarrierCohort(w)
			}
		}); err != nil {
			log.Fatalf("submit: %v", err)
		}
	}
	if err := pool.Close(); err != nil {
		log.Fatalf("pool: %v", err)
	}

	// A small MPMC pipeline: one producer, two consumers, auto-close on
	// sender dispose.
	tx, rx, err := mpmc.New(cfg.Channel.Capacity)
	if err != nil {
		log.Fatalf("channel: %v", err)
	}
	var consumers sync.WaitGroup
	var delivered sync.Map
	for c := 0; c < 2; c++ {
		recv := rx
		if c > 0 {
			if recv, err = rx.Clone(); err != nil {
				log.Fatalf("clone: %v", err)
			}
		}
		consumers.Add(1)
		go func(r *mpmc.Receiver) {
			defer consumers.Done()
			defer r.Dispose()
			r.Range(func(v any) bool {
				delivered.Store(v.(float64), true)
				return true
			})
		}(recv)
	}
	for i := 0; i < 100; i++ {
		if err := tx.SendBlocking(i); err != nil {
			log.Fatalf("send: %v", err)
		}
	}
	tx.Dispose()
	consumers.Wait()

	count := 0
	delivered.Range(func(_, _ any) bool { count++; return true })
	log.Printf("📬 channel delivered %d/100 items", count)
	obs.ChannelClosed(cfg.Channel.Capacity, count)

	g := mu.LockBlocking()
	state := arena.Root().PrettyJSON()
	g.Release()
	log.Printf("🏁 final state (after %d GC cycles):\n%s", arena.GCCycles(), state)
	obs.GCCycle(arena.GCCycles())
}
