package capture

import "testing"

func feedN(m *silenceMonitor, level float64, n int) silenceEvent {
	var last silenceEvent
	for i := 0; i < n; i++ {
		if ev := m.tick(level); ev != silenceNone {
			last = ev
		}
	}
	return last
}

func TestSilenceWarnsWhenWindowFills(t *testing.T) {
	var m silenceMonitor
	for i := 0; i < silenceWindow-1; i++ {
		if ev := m.tick(0); ev != silenceNone {
			t.Fatalf("tick %d: unexpected event %d", i, ev)
		}
	}
	if ev := m.tick(0); ev != silenceWarn {
		t.Fatalf("expected warn when the window fills, got %d", ev)
	}
	if ev := feedN(&m, 0, silenceWindow); ev != silenceNone {
		t.Errorf("warning should fire once, got %d", ev)
	}
}

func TestSilenceClearsOnSpeech(t *testing.T) {
	var m silenceMonitor
	feedN(&m, 0, silenceWindow)
	// 25% of 12 blocks
	for i := 0; i < 2; i++ {
		if ev := m.tick(0.3); ev != silenceNone {
			t.Fatalf("cleared too early at %d", i)
		}
	}
	if ev := m.tick(0.3); ev != silenceClear {
		t.Fatalf("expected clear after 3 loud blocks, got %d", ev)
	}
}

func TestNoWarnDuringSpeech(t *testing.T) {
	var m silenceMonitor
	if ev := feedN(&m, 0.2, 5*silenceWindow); ev != silenceNone {
		t.Errorf("unexpected event %d during speech", ev)
	}
}

func TestSparseSpeechStaysQuiet(t *testing.T) {
	var m silenceMonitor
	// one loud block in every six keeps the ratio above 10%
	for i := 0; i < 6*silenceWindow; i++ {
		level := 0.0
		if i%6 == 0 {
			level = 0.5
		}
		if ev := m.tick(level); ev == silenceWarn {
			t.Fatalf("warned at block %d", i)
		}
	}
}

func TestBlockLevel(t *testing.T) {
	if blockLevel(nil) != 0 {
		t.Error("empty block should be silent")
	}
	block := make([]int16, 100)
	for i := range block {
		block[i] = 16384
	}
	if got := blockLevel(block); got != 0.5 {
		t.Errorf("blockLevel = %v, want 0.5", got)
	}
}
