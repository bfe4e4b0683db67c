package telegram

import (
	"context"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "medbot/internal/transport"
	"medbot/pkg/logx"
)

// countingPoller blocks until telebot hands it the stop signal, recording how
// many poll sessions started and ended.
type countingPoller struct {
	mu    sync.Mutex
	polls int
	ends  int
}

func (p *countingPoller) Poll(_ *tele.Bot, _ chan tele.Update, stop chan struct{}) {
	p.mu.Lock()
	p.polls++
	p.mu.Unlock()
	<-stop
	p.mu.Lock()
	p.ends++
	p.mu.Unlock()
}

func (p *countingPoller) counts() (polls, ends int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.polls, p.ends
}

func newTestAdapter(t *testing.T, p tele.Poller) *Adapter {
	t.Helper()
	b, err := tele.NewBot(tele.Settings{Token: "42:test", Offline: true, Poller: p})
	if err != nil {
		t.Fatalf("new bot: %v", err)
	}
	a := &Adapter{cfg: Config{Token: "42:test"}, log: logx.Nop(), bot: b}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.registerHandlers()
	return a
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Stop must hand the single bot.Stop handshake to the cancel watcher; a stray
// extra handshake survives the shutdown and kills the next poll session the
// moment it starts.
func TestStopThenRestartKeepsPolling(t *testing.T) {
	p := &countingPoller{}
	a := newTestAdapter(t, p)
	out := make(chan kit.Update, 1)

	if err := a.Start(context.Background(), out); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { polls, _ := p.counts(); return polls == 1 }, "first poll session never started")

	sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	err := a.Stop(sctx)
	cancel()
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitFor(t, func() bool { _, ends := p.counts(); return ends == 1 }, "first poll session never stopped")

	if err := a.Start(context.Background(), out); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitFor(t, func() bool { polls, _ := p.counts(); return polls == 2 }, "second poll session never started")

	// The restarted session must survive; only a leftover stop handshake
	// from the previous shutdown could end it this early.
	time.Sleep(300 * time.Millisecond)
	if _, ends := p.counts(); ends != 1 {
		t.Fatalf("poll session ended %d times after restart, want 1", ends)
	}

	sctx, cancel = context.WithTimeout(context.Background(), 3*time.Second)
	err = a.Stop(sctx)
	cancel()
	if err != nil {
		t.Fatalf("final stop: %v", err)
	}
	waitFor(t, func() bool { _, ends := p.counts(); return ends == 2 }, "second poll session never stopped")
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	a := newTestAdapter(t, &countingPoller{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("stop before start: %v", err)
	}
}
