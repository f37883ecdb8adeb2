// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/renderguard/breaker"
	"github.com/AleutianAI/renderguard/diagnostics"
	"github.com/AleutianAI/renderguard/recovery"
	"github.com/AleutianAI/renderguard/registry"
	"github.com/AleutianAI/renderguard/schedule"
)

type serverFixture struct {
	srv      *Server
	handlers *Handlers
	loops    *registry.LoopRegistry
	store    *breaker.MutationBreaker
	recorder *diagnostics.Recorder
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &serverFixture{
		loops:    registry.New(),
		store:    breaker.New(breaker.DefaultConfig()),
		recorder: diagnostics.NewRecorder(),
	}
	logger := slog.New(slog.DiscardHandler)
	f.handlers = NewHandlers(f.loops, f.store, f.recorder, logger)
	f.srv = New(DefaultConfig(), f.handlers, logger)
	return f
}

func (f *serverFixture) do(method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	f.srv.Engine().ServeHTTP(w, req)
	return w
}

// exhaustedCoordinator builds a coordinator in the Exhausted state for
// manual-action tests.
func exhaustedCoordinator(t *testing.T, f *serverFixture, entity string) (*recovery.Coordinator, *schedule.Manual) {
	t.Helper()
	sched := schedule.NewManual(time.Unix(3000, 0))
	coord := recovery.New(recovery.DefaultConfig(entity), f.loops,
		recovery.WithScheduler(sched),
		recovery.WithLogger(slog.New(slog.DiscardHandler)),
	)
	require.NoError(t, coord.Catch(errors.New("maximum update depth exceeded")))
	for i := 0; i < 3; i++ {
		sched.Advance(120 * time.Millisecond)
	}
	require.Equal(t, recovery.StateExhausted, coord.State())
	return coord, sched
}

func TestHandleHealth(t *testing.T) {
	f := newServerFixture(t)
	w := f.do(http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestHandleReport(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(http.MethodGet, "/v1/renderguard/reports/canvas")
	assert.Equal(t, http.StatusNotFound, w.Code)

	f.loops.Notify("canvas", registry.Evidence{
		Severity: registry.SeverityCritical,
		Reason:   "update storm",
		Metrics:  registry.ReportMetrics{RenderCount: 45},
	})

	w = f.do(http.MethodGet, "/v1/renderguard/reports/canvas")
	require.Equal(t, http.StatusOK, w.Code)

	var report registry.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, "canvas", report.Entity)
	assert.Equal(t, registry.SeverityCritical, report.Severity)
	assert.Equal(t, 45, report.Metrics.RenderCount)
}

func TestHandleFlags(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(http.MethodGet, "/v1/renderguard/flags/canvas")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"entity":"canvas","flagged":false}`, w.Body.String())

	f.loops.Notify("canvas", registry.Evidence{Severity: registry.SeverityCritical, Reason: "storm"})

	w = f.do(http.MethodGet, "/v1/renderguard/flags/canvas")
	assert.JSONEq(t, `{"entity":"canvas","flagged":true}`, w.Body.String())

	w = f.do(http.MethodGet, "/v1/renderguard/flags")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"flagged":["canvas"]}`, w.Body.String())
}

func TestHandleEvents(t *testing.T) {
	f := newServerFixture(t)
	f.recorder.Record(diagnostics.KindCapture, "canvas", diagnostics.CaptureData{Reason: "storm"})
	f.recorder.Record(diagnostics.KindMemorySpike, "canvas", diagnostics.MemorySpikeData{DeltaBytes: 1})
	f.recorder.Record(diagnostics.KindCapture, "sidebar", diagnostics.CaptureData{Reason: "storm"})

	w := f.do(http.MethodGet, "/v1/renderguard/events")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Events []diagnostics.Event `json:"events"`
		Count  int                 `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Count)

	w = f.do(http.MethodGet, "/v1/renderguard/events?entity=canvas")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)

	w = f.do(http.MethodGet, "/v1/renderguard/events?entity=canvas&kind=capture")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)

	w = f.do(http.MethodGet, "/v1/renderguard/events?limit=1")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "sidebar", resp.Events[0].Entity)
}

func TestHandleBreaker(t *testing.T) {
	f := newServerFixture(t)
	w := f.do(http.MethodGet, "/v1/renderguard/breaker")
	require.Equal(t, http.StatusOK, w.Code)

	var snap breaker.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.False(t, snap.Open)
}

func TestHandleRetryAndResume(t *testing.T) {
	f := newServerFixture(t)

	w := f.do(http.MethodPost, "/v1/renderguard/recovery/ghost/retry")
	assert.Equal(t, http.StatusNotFound, w.Code)

	coord, sched := exhaustedCoordinator(t, f, "canvas")
	f.handlers.RegisterCoordinator("canvas", coord)

	w = f.do(http.MethodPost, "/v1/renderguard/recovery/canvas/retry")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, recovery.StateRecovering, coord.State())

	// Not exhausted anymore: further manual actions conflict.
	w = f.do(http.MethodPost, "/v1/renderguard/recovery/canvas/resume")
	assert.Equal(t, http.StatusConflict, w.Code)

	// Let the retry run out again, then resume.
	for i := 0; i < 3; i++ {
		sched.Advance(120 * time.Millisecond)
	}
	require.Equal(t, recovery.StateExhausted, coord.State())

	w = f.do(http.MethodPost, "/v1/renderguard/recovery/canvas/resume")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, recovery.StateHealthy, coord.State())
	assert.False(t, f.loops.IsFlagged("canvas"))
}

func TestHandleStream(t *testing.T) {
	f := newServerFixture(t)

	ts := httptest.NewServer(f.srv.Engine())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/renderguard/stream"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer ws.Close()

	// Give the subscription a moment to land before recording.
	require.Eventually(t, func() bool {
		f.recorder.Record(diagnostics.KindCapture, "canvas", diagnostics.CaptureData{Reason: "storm"})
		_ = ws.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		var event diagnostics.Event
		return ws.ReadJSON(&event) == nil && event.Entity == "canvas"
	}, 2*time.Second, 50*time.Millisecond)
}

func TestRunShutsDownOnContextCancel(t *testing.T) {
	f := newServerFixture(t)
	// Port 0 picks an ephemeral port so tests don't collide.
	f.srv.config.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not shut down after context cancel")
	}
}
