package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"

	"chatsync/internal/chat"
	"chatsync/internal/config"
	"chatsync/internal/msgstore"
	"chatsync/internal/transport"
)

var (
	baseURL   = flag.String("server", "http://localhost:8080", "message store base URL")
	pairCount = flag.Int("pairs", 50, "number of user pairs") // ⚠️ Start small. Database might choke on 1000 immediately.
	msgCount  = flag.Int("messages", 20, "messages per user")
	settle    = flag.Duration("settle", 30*time.Second, "how long to wait for timelines to converge")
	metricsAt = flag.String("metrics-addr", "", "serve the engines' metrics on this address while the test runs")
)

// All engines in the run report into one registry.
var (
	registry = prometheus.NewRegistry()
	metrics  = chat.NewMetrics(registry)
)

type stats struct {
	converged atomic.Int64
	diverged  atomic.Int64
	failed    atomic.Int64
}

func main() {
	flag.Parse()
	log.Printf("🔥 STARTING STRESS TEST: %d Users, %d Messages each...", *pairCount*2, *msgCount)

	var (
		wg sync.WaitGroup
		st stats
	)
	start := time.Now()

	if *metricsAt != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(*metricsAt, mux); err != nil {
				log.Printf("⚠️ metrics server: %v", err)
			}
		}()
	}

	// We will create pairs: User 0 talks to User 1, User 2 talks to User 3...
	for i := 0; i < *pairCount; i++ {
		wg.Add(1)
		go func(pairID int) {
			defer wg.Done()
			if err := runPair(pairID, &st); err != nil {
				log.Printf("❌ Pair %d: %v", pairID, err)
			}
		}(i)
	}

	wg.Wait()
	log.Printf("✅ LOAD TEST COMPLETE in %s: %d timelines converged, %d diverged, %d sends failed",
		time.Since(start).Round(time.Millisecond), st.converged.Load(), st.diverged.Load(), st.failed.Load())
	if err := reportMetrics(); err != nil {
		log.Printf("⚠️ gather metrics: %v", err)
	}
}

// reportMetrics logs how pending sends were confirmed and what was dropped.
func reportMetrics() error {
	families, err := registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			log.Printf("📊 %s%s = %v", mf.GetName(), labels(m), value(m))
		}
	}
	return nil
}

func labels(m *dto.Metric) string {
	if len(m.GetLabel()) == 0 {
		return ""
	}
	parts := make([]string, 0, len(m.GetLabel()))
	for _, l := range m.GetLabel() {
		parts = append(parts, l.GetName()+"="+l.GetValue())
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func value(m *dto.Metric) float64 {
	switch {
	case m.GetCounter() != nil:
		return m.GetCounter().GetValue()
	case m.GetGauge() != nil:
		return m.GetGauge().GetValue()
	}
	return 0
}

// peer is one logged in user with a running engine.
type peer struct {
	name   string
	id     string
	engine *chat.Engine
	stop   context.CancelFunc
}

func runPair(pairID int, st *stats) error {
	ctx := context.Background()
	a, err := login(ctx, fmt.Sprintf("u_%d_a", pairID))
	if err != nil {
		return err
	}
	defer a.stop()
	b, err := login(ctx, fmt.Sprintf("u_%d_b", pairID))
	if err != nil {
		return err
	}
	defer b.stop()

	// Both sides send at once, so acks and echoes interleave.
	var wg sync.WaitGroup
	wg.Add(2)
	go spam(&wg, a, b.id, st)
	go spam(&wg, b, a.id, st)
	wg.Wait()

	if waitConverged(a, b) {
		st.converged.Add(1)
	} else {
		st.diverged.Add(1)
		log.Printf("⚠️ %s and %s did not converge", a.name, b.name)
	}
	return nil
}

// login registers (ignores error if exists), logs in and starts an engine
// connected to the push channel.
func login(ctx context.Context, username string) (*peer, error) {
	const pass = "password123"
	store := msgstore.New(*baseURL, "", nil)
	store.Register(ctx, username, pass)

	res, err := store.Login(ctx, username, pass)
	if err != nil {
		return nil, fmt.Errorf("login %s: %w", username, err)
	}

	engine := chat.NewEngine(chat.Options{
		SelfID:    res.ID,
		Transport: transport.NewWebsocket(config.PushURLFor(*baseURL), nil),
		Backend:   store.WithToken(res.AccessToken),
		Logger:    zap.NewNop(),
		Metrics:   metrics,
	})
	runCtx, cancel := context.WithCancel(context.Background())
	go engine.Run(runCtx)

	if err := engine.Connect(ctx, res.AccessToken); err != nil {
		cancel()
		return nil, fmt.Errorf("connect %s: %w", username, err)
	}
	return &peer{
		name:   username,
		id:     res.ID,
		engine: engine,
		stop: func() {
			engine.Disconnect()
			cancel()
		},
	}, nil
}

func spam(wg *sync.WaitGroup, p *peer, to string, st *stats) {
	defer wg.Done()

	for i := 0; i < *msgCount; i++ {
		_, err := p.engine.SubmitOutgoing(to, fmt.Sprintf("LoadTest Msg %d from %s", i, p.name), "", "")
		if err != nil {
			if errors.Is(err, chat.ErrStopped) {
				return
			}
			st.failed.Add(1)
			continue
		}
		// Small sleep to prevent instant localhost bottleneck (simulate real network)
		time.Sleep(10 * time.Millisecond)
	}
	log.Printf("✅ %s finished sending %d msgs", p.name, *msgCount)
}

// waitConverged reports whether both sides hold the same confirmed messages,
// in the same order, with nothing pending before the settle deadline.
func waitConverged(a, b *peer) bool {
	deadline := time.Now().Add(*settle)
	for time.Now().Before(deadline) {
		ta, okA := confirmedIDs(a.engine.Timeline(b.id))
		tb, okB := confirmedIDs(b.engine.Timeline(a.id))
		if okA && okB && ta == tb {
			return true
		}
		select {
		case n := <-a.engine.Notices():
			log.Printf("❌ Send Fail [%s]: %v", a.name, n.Err)
		case n := <-b.engine.Notices():
			log.Printf("❌ Send Fail [%s]: %v", b.name, n.Err)
		case <-time.After(200 * time.Millisecond):
		}
	}
	return false
}

// confirmedIDs joins the timeline's ids; ok is false while anything is pending.
func confirmedIDs(timeline []chat.Message) (string, bool) {
	ids := make([]string, 0, len(timeline))
	for _, m := range timeline {
		if m.State != chat.StateConfirmed {
			return "", false
		}
		ids = append(ids, m.ID)
	}
	return strings.Join(ids, ","), true
}
