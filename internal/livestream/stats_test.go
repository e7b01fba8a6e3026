package livestream

import (
	"testing"
	"time"
)

func TestParseStatsLine(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("fps_and_bitrate", func(t *testing.T) {
		s, ok := ParseStatsLine("frame=120 fps=29 q=1.0 size=900kB bitrate=1500.0kbits/s", now)
		if !ok {
			t.Fatal("expected a sample")
		}
		if s.FPS == nil || *s.FPS != 29 {
			t.Errorf("fps: got %v, want 29", s.FPS)
		}
		if s.BitrateKbps == nil || *s.BitrateKbps != 1500.0 {
			t.Errorf("bitrate: got %v, want 1500.0", s.BitrateKbps)
		}
		if !s.CapturedAt.Equal(now) {
			t.Errorf("capturedAt: got %v", s.CapturedAt)
		}
	})

	t.Run("no_tokens", func(t *testing.T) {
		s, ok := ParseStatsLine("Opening input...", now)
		if ok {
			t.Errorf("expected no sample, got %+v", s)
		}
	})

	t.Run("fps_only", func(t *testing.T) {
		s, ok := ParseStatsLine("frame=  10 fps= 25 q=-1.0", now)
		if !ok || s.FPS == nil || *s.FPS != 25 {
			t.Fatalf("expected fps 25, got ok=%v %+v", ok, s)
		}
		if s.BitrateKbps != nil {
			t.Errorf("bitrate should be absent, got %v", *s.BitrateKbps)
		}
	})

	t.Run("bitrate_only", func(t *testing.T) {
		s, ok := ParseStatsLine("size=  1024kB time=00:00:05.00 bitrate= 2048.5kbits/s speed=1x", now)
		if !ok || s.BitrateKbps == nil || *s.BitrateKbps != 2048.5 {
			t.Fatalf("expected bitrate 2048.5, got ok=%v %+v", ok, s)
		}
		if s.FPS != nil {
			t.Errorf("fps should be absent, got %v", *s.FPS)
		}
	})

	t.Run("fractional_fps_truncated", func(t *testing.T) {
		s, ok := ParseStatsLine("frame=300 fps=29.97 q=23.0", now)
		if !ok || s.FPS == nil || *s.FPS != 29 {
			t.Fatalf("expected fps 29, got ok=%v %+v", ok, s)
		}
	})

	t.Run("bitrate_not_available", func(t *testing.T) {
		if _, ok := ParseStatsLine("frame=1 size=N/A time=N/A bitrate=N/A speed=N/A", now); ok {
			t.Error("N/A bitrate without fps should not produce a sample")
		}
	})

	t.Run("empty_line", func(t *testing.T) {
		if _, ok := ParseStatsLine("", now); ok {
			t.Error("empty line should not produce a sample")
		}
	})
}
