package cleanup

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/calrelay/internal/dedup"
)

type gaugeRecorder struct {
	entries int
	set     bool
}

func (g *gaugeRecorder) RecordNotification(string) {}
func (g *gaugeRecorder) RecordFanout(int, int) {}
func (g *gaugeRecorder) RecordChannelOperation(string, string) {}
func (g *gaugeRecorder) SetActiveChannels(int) {}
func (g *gaugeRecorder) RecordMappingRefresh(string) {}
func (g *gaugeRecorder) SetActiveMappings(int) {}
func (g *gaugeRecorder) ObserveWebhookLatency(time.Duration) {}
func (g *gaugeRecorder) SetDedupEntries(n int) {
	g.entries = n
	g.set = true
}

// fakeCache はSweeperのテスト用実装。
type fakeCache struct {
	removed   int
	remaining int
	saturated bool
}

func (f *fakeCache) Sweep() int { return f.removed }
func (f *fakeCache) Len() int { return f.remaining }
func (f *fakeCache) Saturated() bool { return f.saturated }

func TestDedupSweeper_Run_ReportsGauge(t *testing.T) {
	var buf bytes.Buffer
	g := &gaugeRecorder{}
	j := NewDedupSweeper(&fakeCache{removed: 3, remaining: 7}, g, slog.New(slog.NewJSONHandler(&buf, nil)))

	if got := j.Run(); got != 3 {
		t.Errorf("Run() = %d, want 3", got)
	}
	if !g.set || g.entries != 7 {
		t.Errorf("dedup entries gauge = %d (set=%v), want 7", g.entries, g.set)
	}
}

func TestDedupSweeper_Run_WarnsWhenSaturated(t *testing.T) {
	var buf bytes.Buffer
	j := NewDedupSweeper(&fakeCache{remaining: 10, saturated: true}, nil, slog.New(slog.NewJSONHandler(&buf, nil)))
	j.Run()

	if !strings.Contains(buf.String(), `"level":"WARN"`) {
		t.Errorf("飽和時は警告すべき: %s", buf.String())
	}
}

func TestDedupSweeper_WithRealCache(t *testing.T) {
	var buf bytes.Buffer
	cache := dedup.NewCache(time.Millisecond, 0)
	cache.SeenRecently("a")
	time.Sleep(5 * time.Millisecond)

	j := NewDedupSweeper(cache, nil, slog.New(slog.NewJSONHandler(&buf, nil)))
	if got := j.Run(); got != 1 {
		t.Errorf("Run() = %d, want 1", got)
	}
	if cache.Len() != 0 {
		t.Errorf("Len() = %d, want 0", cache.Len())
	}
}
