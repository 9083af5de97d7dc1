package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yanun0323/pkg/sys"

	"main/internal/backoff"
	"main/internal/bead"
	"main/internal/breaker"
	"main/internal/broker"
	"main/internal/governor"
	"main/internal/halt"
	"main/internal/health"
	"main/internal/obs"
	"main/internal/ops"
	"main/internal/position"
)

type circuitRecord struct {
	Resource string    `json:"resource"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	At       time.Time `json:"at"`
}

type driftRecord struct {
	ConfigPath string    `json:"configPath"`
	At         time.Time `json:"at"`
}

// teeSink appends to the primary store, mirrors into the optional
// archive, and counts the bead type.
type teeSink struct {
	store    *bead.Store
	archiver *bead.Archiver
}

func (s *teeSink) Append(t bead.Type, payload any) (bead.Bead, error) {
	b, err := s.store.Append(t, payload)
	if err != nil {
		return b, err
	}
	obs.IncBead(t.String())
	if s.archiver != nil {
		s.archiver.Mirror(b)
	}
	return b, nil
}

func main() {
	configPath := flag.String("config", "helm.json", "Path to JSON config")
	configReload := flag.Duration("config-reload-interval", 2*time.Second, "Config reload interval (0=disable)")
	cartridgePath := flag.String("cartridge", "", "Cartridge manifest to insert at startup")
	leasePath := flag.String("lease", "", "Lease document to create against the cartridge")
	attestBy := flag.String("attest-by", "", "Operator attesting the lease")
	attestRef := flag.String("attest-ref", "", "Attestation reference for lease activation")
	follow := flag.Bool("follow", false, "Join an existing halt cascade as listener instead of hosting it")
	pyroscopeAddr := flag.String("pyroscope-addr", "", "Pyroscope server address (empty=disabled)")
	flag.Parse()

	if err := run(*configPath, *configReload, *cartridgePath, *leasePath, *attestBy, *attestRef, *follow, *pyroscopeAddr); err != nil {
		log.Printf("helm: %v", err)
		os.Exit(1)
	}
}

func run(configPath string, configReload time.Duration, cartridgePath, leasePath, attestBy, attestRef string, follow bool, pyroscopeAddr string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-sys.Shutdown()
		cancel()
	}()

	if pyroscopeAddr != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "helm",
			ServerAddress:   pyroscopeAddr,
			Tags:            map[string]string{"role": "governance"},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			return err
		}
		defer func() { _ = profiler.Stop() }()
	}

	loaded, err := ops.Load(configPath)
	if err != nil {
		return err
	}

	store, err := bead.Open(loaded.Bead)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("close bead store: %v", err)
		}
	}()

	sink := &teeSink{store: store}
	if loaded.Archive != nil {
		archiver, err := bead.NewArchiver(*loaded.Archive)
		if err != nil {
			return err
		}
		go archiver.Run(ctx)
		defer archiver.Close()
		sink.archiver = archiver
	}

	mgr := halt.NewManager(loaded.Origin, sink)
	defer mgr.Close()

	if loaded.HaltSocket != "" {
		if follow {
			listener, err := halt.NewListener(loaded.HaltSocket, mgr)
			if err != nil {
				return err
			}
			go listener.Run(ctx)
		} else {
			bc, err := halt.NewBroadcaster(loaded.HaltSocket, loaded.CascadeBudget)
			if err != nil {
				return err
			}
			if err := bc.Listen(ctx); err != nil {
				return err
			}
			defer bc.Close()
			go cascadeLoop(ctx, mgr, bc)
		}
	}

	brk := breaker.New("broker", loaded.Breaker, func(name string, from, to breaker.State) {
		obs.SetBreakerState(name, int(to))
		_, _ = sink.Append(bead.TypeCircuitTransition, circuitRecord{
			Resource: name,
			From:     from.String(),
			To:       to.String(),
			At:       time.Now().UTC(),
		})
		log.Printf("breaker %s: %s -> %s", name, from, to)
	})
	bo, err := backoff.New(loaded.Backoff)
	if err != nil {
		return err
	}

	conn := broker.NewSimConn()
	fsm := health.New(loaded.Health, sink,
		func(level health.Level, reason string) {
			obs.IncAlert(level.String())
			log.Printf("ALERT [%s] %s", level, reason)
		},
		func(reason string) { mgr.HaltLocal(reason) },
		conn.Ping,
	)
	sup := broker.NewSupervisor(loaded.Broker, conn, brk, bo, fsm, mgr, sink)
	sup.OnReconnectAttempt(func(int) { obs.IncReconnectAttempt() })
	go sup.Run(ctx)

	gov := governor.New(sink, mgr)
	issuer := position.NewIssuer(loaded.TokenTTL, sink)
	tracker := position.NewTracker(issuer, sink, loaded.FillTimeout)
	go tracker.Run(ctx, loaded.SweepInterval)

	// Reloaded thresholds are pushed into the running components; each
	// reload is governance-relevant and leaves a drift bead on the chain.
	if configReload > 0 {
		go watchConfig(ctx, configPath, configReload, func(l ops.Loaded) {
			sup.UpdateConfig(l.Broker)
			fsm.UpdateConfig(l.Health)
			tracker.SetFillTimeout(l.FillTimeout)
			_, _ = sink.Append(bead.TypeDrift, driftRecord{ConfigPath: configPath, At: time.Now().UTC()})
		})
	}

	if cartridgePath != "" {
		if err := loadGovernance(gov, cartridgePath, leasePath, attestBy, attestRef); err != nil {
			return err
		}
	}

	// A global halt freezes every live position.
	haltCh, unsubscribe := mgr.Subscribe()
	defer unsubscribe()
	go func() {
		for ev := range haltCh {
			obs.IncHalt(ev.Origin)
			n := tracker.HaltAll(ev.Reason)
			log.Printf("halt received from %s (%s), froze %d positions", ev.Origin, ev.Reason, n)
		}
	}()

	go gaugeLoop(ctx, fsm, tracker)

	srv := &http.Server{Addr: loaded.MetricsAddr, Handler: serveMux(mgr, fsm, sup, brk, gov, tracker, store)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server: %v", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("helm started, origin=%s metrics=%s", loaded.Origin, loaded.MetricsAddr)
	<-ctx.Done()
	log.Printf("helm shutting down")
	return nil
}

func loadGovernance(gov *governor.Governor, cartridgePath, leasePath, attestBy, attestRef string) error {
	c, err := governor.LoadCartridge(cartridgePath)
	if err != nil {
		return err
	}
	if err := gov.InsertCartridge(c); err != nil {
		return err
	}
	if leasePath == "" {
		return nil
	}
	doc, err := governor.LoadLeaseDoc(leasePath)
	if err != nil {
		return err
	}
	lease, err := gov.CreateLease(doc)
	if err != nil {
		return err
	}
	if attestBy == "" || attestRef == "" {
		log.Printf("lease %s created in DRAFT, activation requires -attest-by and -attest-ref", lease.ID)
		return nil
	}
	return gov.Activate(lease.ID, attestBy, attestRef)
}

func cascadeLoop(ctx context.Context, mgr *halt.Manager, bc *halt.Broadcaster) {
	events, unsubscribe := mgr.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			start := time.Now()
			unconfirmed := bc.Broadcast(ctx, ev)
			obs.ObserveCascade(time.Since(start))
			if unconfirmed > 0 {
				log.Printf("halt cascade: %d subscribers unconfirmed", unconfirmed)
			}
		}
	}
}

func gaugeLoop(ctx context.Context, fsm *health.FSM, tracker *position.Tracker) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			obs.SetHealthLevel(int(fsm.Level()))
			counts := make(map[string]int)
			for state, n := range tracker.CountByState() {
				counts[state.String()] = n
			}
			obs.SetPositions(counts)
		}
	}
}

func serveMux(mgr *halt.Manager, fsm *health.FSM, sup *broker.Supervisor, brk *breaker.Breaker, gov *governor.Governor, tracker *position.Tracker, store *bead.Store) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/status", obs.StatusHandler(func() obs.Status {
		counts := make(map[string]int)
		for state, n := range tracker.CountByState() {
			counts[state.String()] = n
		}
		origin := ""
		if ev, ok := mgr.Event(); ok {
			origin = ev.Origin
		}
		return obs.Status{
			Halted:         mgr.IsHalted(),
			HaltOrigin:     origin,
			HealthLevel:    fsm.Level().String(),
			FailureCount:   fsm.FailureCount(),
			BrokerTier:     sup.Tier().String(),
			BreakerStates:  map[string]string{brk.Name(): brk.State().String()},
			LeaseStates:    gov.LeaseStates(),
			PositionCounts: counts,
			BeadCount:      store.Len(),
		}
	}))
	return mux
}

func watchConfig(ctx context.Context, path string, interval time.Duration, update func(ops.Loaded)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastMod time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				log.Printf("config stat failed: %v", err)
				continue
			}
			if !info.ModTime().After(lastMod) {
				continue
			}
			loaded, err := ops.Load(path)
			if err != nil {
				log.Printf("config reload failed: %v", err)
				continue
			}
			update(loaded)
			lastMod = info.ModTime()
			log.Printf("config reloaded: %s", path)
		}
	}
}
