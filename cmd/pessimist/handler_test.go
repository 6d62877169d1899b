package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"testing/slogtest"

	"github.com/google/go-cmp/cmp"
	"github.com/quay/claircore/toolkit/log"
)

func TestCtxHandler(t *testing.T) {
	var buf bytes.Buffer
	decode := func() (out []map[string]any) {
		dec := json.NewDecoder(&buf)
		for {
			v := make(map[string]any)
			err := dec.Decode(&v)
			switch {
			case err == nil:
			case errors.Is(err, io.EOF):
				return out
			default:
				t.Error(err)
				return out
			}
			out = append(out, v)
		}
	}
	results := func() []map[string]any {
		out := decode()
		for _, m := range out {
			delete(m, slog.TimeKey)
		}
		return out
	}

	t.Run("Slogtest", func(t *testing.T) {
		h := ctxHandler{next: slog.NewJSONHandler(&buf, nil)}
		if err := slogtest.TestHandler(h, decode); err != nil {
			t.Error(err)
		}
	})

	t.Run("With", func(t *testing.T) {
		h := ctxHandler{next: slog.NewJSONHandler(&buf, nil)}
		ctx := log.With(context.Background(), "component", "liblock/Manager.Acquire", "holder", "x")
		ctx = log.With(ctx, "holder", "dr_green")
		slog.New(h).Log(ctx, slog.LevelInfo, "acquired", "count", 2)
		want := []map[string]any{
			{
				"level":     "INFO",
				"msg":       "acquired",
				"count":     2.0,
				"component": "liblock/Manager.Acquire",
				"holder":    "dr_green",
			},
		}
		got := results()
		if !cmp.Equal(got, want) {
			t.Error(cmp.Diff(got, want))
		}
	})

	t.Run("DerivedLogger", func(t *testing.T) {
		h := ctxHandler{next: slog.NewJSONHandler(&buf, nil)}
		ctx := log.With(context.Background(), "holder", "dr_green")
		slog.New(h).With("command", "acquire").InfoContext(ctx, "acquired")
		want := []map[string]any{
			{
				"level":   "INFO",
				"msg":     "acquired",
				"command": "acquire",
				"holder":  "dr_green",
			},
		}
		got := results()
		if !cmp.Equal(got, want) {
			t.Error(cmp.Diff(got, want))
		}
	})

	t.Run("WithLevel", func(t *testing.T) {
		h := ctxHandler{next: slog.NewJSONHandler(&buf, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})}
		l := slog.New(h)
		ctx := context.Background()
		l.Log(ctx, slog.LevelDebug, "dropped", "call", 1)
		ctx = log.WithLevel(ctx, slog.LevelDebug)
		l.Log(ctx, slog.LevelDebug, "kept", "call", 2)

		want := []map[string]any{
			{
				"level": "DEBUG",
				"msg":   "kept",
				"call":  2.0,
			},
		}
		got := results()
		if !cmp.Equal(got, want) {
			t.Error(cmp.Diff(got, want))
		}
	})
}
