package zap

import (
	"errors"
	"testing"

	"github.com/unkn0wn-root/modsync"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLoggerFieldsAndWith(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	var l modsync.Logger = ZapLogger{L: zap.New(core)}

	l.With(modsync.Fields{"ns": "blocks"}).Warn("revision lookup failed", modsync.Fields{
		"key": "A",
		"err": errors.New("reset"),
	})

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("entries=%d", len(entries))
	}
	e := entries[0]
	if e.Level != zapcore.WarnLevel || e.Message != "revision lookup failed" {
		t.Fatalf("entry=%+v", e)
	}
	ctx := e.ContextMap()
	if ctx["ns"] != "blocks" || ctx["key"] != "A" || ctx["err"] != "reset" {
		t.Fatalf("context=%v", ctx)
	}
}
