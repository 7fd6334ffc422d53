package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
)

func TestNewFanoutHandlerCollapses(t *testing.T) {
	if _, ok := newFanoutHandler(nil, nil).(NoopHandler); !ok {
		t.Fatal("expected NoopHandler when every handler is nil")
	}

	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, nil)
	if h := newFanoutHandler(nil, inner, nil); h != inner {
		t.Fatal("expected single non-nil handler to be returned unwrapped")
	}
}

func TestFanoutHandlerRespectsPerHandlerLevel(t *testing.T) {
	var infoBuf, debugBuf bytes.Buffer
	infoHandler := slog.NewJSONHandler(&infoBuf, &slog.HandlerOptions{Level: slog.LevelInfo})
	debugHandler := slog.NewJSONHandler(&debugBuf, &slog.HandlerOptions{Level: slog.LevelDebug})

	h := newFanoutHandler(infoHandler, debugHandler)
	if !h.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("expected fanout enabled for debug when one handler accepts it")
	}

	logger := slog.New(h)
	logger.Debug("debug only")
	if infoBuf.Len() != 0 {
		t.Fatal("info handler should not receive debug records")
	}
	if debugBuf.Len() == 0 {
		t.Fatal("debug handler should receive debug records")
	}
}

func TestTeeLoggerCarriesAttrsToEveryHandler(t *testing.T) {
	var baseBuf, teeBuf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&baseBuf, nil))
	logger := TeeLogger(base, slog.NewJSONHandler(&teeBuf, nil)).With(String(FieldWorkerID, "w-1"))

	logger.Info("teed", String(FieldItemRef, "05-1"))

	for name, buf := range map[string]*bytes.Buffer{"base": &baseBuf, "tee": &teeBuf} {
		if !bytes.Contains(buf.Bytes(), []byte(`"worker_id":"w-1"`)) {
			t.Fatalf("%s output missing worker_id: %s", name, buf.String())
		}
		if !bytes.Contains(buf.Bytes(), []byte(`"item_ref":"05-1"`)) {
			t.Fatalf("%s output missing item_ref: %s", name, buf.String())
		}
	}
}

func TestTeeLoggerNilBase(t *testing.T) {
	var teeBuf bytes.Buffer
	logger := TeeLogger(nil, slog.NewJSONHandler(&teeBuf, nil))
	logger.Info("no base")
	if teeBuf.Len() == 0 {
		t.Fatal("expected output in tee buffer")
	}
}

func TestNewFanoutHandlerFlattensNested(t *testing.T) {
	var a, b, c bytes.Buffer
	inner := newFanoutHandler(slog.NewJSONHandler(&a, nil), slog.NewJSONHandler(&b, nil))
	h, ok := newFanoutHandler(inner, slog.NewJSONHandler(&c, nil)).(*fanoutHandler)
	if !ok {
		t.Fatal("expected fanout handler")
	}
	if len(h.sinks) != 3 {
		t.Fatalf("sinks = %d, want 3", len(h.sinks))
	}
}
