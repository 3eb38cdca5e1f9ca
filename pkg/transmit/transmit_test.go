package transmit

import (
	"bytes"
	"errors"
	"log/slog"
	"net/netip"
	"strings"
	"testing"

	"github.com/psaab/dyntrack/pkg/flow"
	"github.com/psaab/dyntrack/pkg/segment"
)

func TestFunc(t *testing.T) {
	var got []segment.Segment
	tx := Func(func(s segment.Segment) error {
		got = append(got, s)
		if s.Flags&flow.FlagRST != 0 {
			return errors.New("refused")
		}
		return nil
	})

	id := flow.ID{
		Proto: flow.ProtoTCP,
		Src:   netip.MustParseAddr("10.0.0.1"),
		Dst:   netip.MustParseAddr("10.0.0.2"),
	}
	if err := tx.Transmit(segment.Keepalive(id, 1, 2)); err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	if err := tx.Transmit(segment.Segment{Flow: id, Flags: flow.FlagRST}); err == nil {
		t.Fatal("expected error from wrapped func")
	}
	if len(got) != 2 {
		t.Fatalf("got %d segments, want 2", len(got))
	}
}

func TestLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	id := flow.ID{
		Proto:   flow.ProtoTCP,
		Src:     netip.MustParseAddr("10.0.0.1"),
		Dst:     netip.MustParseAddr("10.0.0.2"),
		SrcPort: 1000,
		DstPort: 80,
	}
	if err := Log(logger).Transmit(segment.Keepalive(id, 1, 2)); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "dry run") {
		t.Errorf("log output: %q", buf.String())
	}
}
