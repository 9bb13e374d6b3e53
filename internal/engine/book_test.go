package engine

import (
	"fmt"
	"testing"

	"fundarb/internal/models"
)

// ============================================================
// Book Tests
// ============================================================

func liveArb(token, state string) *models.Arbitrage {
	return &models.Arbitrage{
		Token:      token,
		State:      state,
		LongVenue:  "binance",
		ShortVenue: "bybit",
	}
}

func TestBookSingleLivePerToken(t *testing.T) {
	b := newBook()

	if !b.insert(liveArb("BTC", models.StatePending)) {
		t.Fatal("first insert must succeed")
	}
	if b.insert(liveArb("BTC", models.StatePending)) {
		t.Error("second live arbitrage for the same token must be refused")
	}
	if !b.insert(liveArb("ETH", models.StateActive)) {
		t.Error("another token must be free")
	}

	if _, ok := b.get("BTC"); !ok {
		t.Error("BTC must be live")
	}
}

func TestBookCloseMovesToArchive(t *testing.T) {
	b := newBook()
	b.insert(liveArb("BTC", models.StateActive))

	b.close("BTC")
	if _, ok := b.get("BTC"); ok {
		t.Error("closed arbitrage must leave the live table")
	}
	if got := len(b.snapshotArchive("BTC")); got != 1 {
		t.Errorf("archive = %d entries, want 1", got)
	}

	// Токен снова свободен
	if !b.insert(liveArb("BTC", models.StatePending)) {
		t.Error("token must be reusable after close")
	}
}

func TestBookArchiveEviction(t *testing.T) {
	b := newBook()
	for i := 0; i < defaultArchiveCap+5; i++ {
		a := liveArb("BTC", models.StateActive)
		a.CloseReason = fmt.Sprintf("close-%d", i)
		b.insert(a)
		b.close("BTC")
	}

	arch := b.snapshotArchive("BTC")
	if len(arch) != defaultArchiveCap {
		t.Fatalf("archive = %d entries, want cap %d", len(arch), defaultArchiveCap)
	}
	// Старейшие вытеснены, новейшая запись в конце
	if arch[0].CloseReason != "close-5" {
		t.Errorf("oldest kept = %s, want close-5", arch[0].CloseReason)
	}
	if arch[len(arch)-1].CloseReason != fmt.Sprintf("close-%d", defaultArchiveCap+4) {
		t.Errorf("newest = %s", arch[len(arch)-1].CloseReason)
	}
}

func TestBookInStateAndCounts(t *testing.T) {
	b := newBook()
	b.insert(liveArb("BTC", models.StatePending))
	b.insert(liveArb("ETH", models.StateActive))
	b.insert(liveArb("SOL", models.StateActive))
	b.insert(liveArb("XRP", models.StateClosing))

	if got := len(b.inState(models.StateActive)); got != 2 {
		t.Errorf("active = %d, want 2", got)
	}
	pending, active, closing := b.counts()
	if pending != 1 || active != 2 || closing != 1 {
		t.Errorf("counts = (%d, %d, %d), want (1, 2, 1)", pending, active, closing)
	}
}

func TestBookCountTouching(t *testing.T) {
	b := newBook()
	b.insert(liveArb("BTC", models.StateActive))
	eth := liveArb("ETH", models.StateActive)
	eth.LongVenue, eth.ShortVenue = "okx", "bybit"
	b.insert(eth)

	if got := b.countTouching("bybit"); got != 2 {
		t.Errorf("touching bybit = %d, want 2", got)
	}
	if got := b.countTouching("binance"); got != 1 {
		t.Errorf("touching binance = %d, want 1", got)
	}
	if got := b.countTouching("kraken"); got != 0 {
		t.Errorf("touching kraken = %d, want 0", got)
	}
}

func TestBookSnapshotIsolation(t *testing.T) {
	b := newBook()
	b.insert(liveArb("BTC", models.StateActive))

	snap := b.snapshotLive()
	if len(snap) != 1 {
		t.Fatalf("snapshot = %d, want 1", len(snap))
	}
	snap[0].State = models.StateClosed

	if a, _ := b.get("BTC"); a.State != models.StateActive {
		t.Error("mutating a snapshot must not touch the live table")
	}
}
