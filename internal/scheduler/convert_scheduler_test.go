package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basekick-labs/elf/internal/elf"
	"github.com/basekick-labs/elf/internal/export"
	"github.com/basekick-labs/elf/internal/history"
	"github.com/basekick-labs/elf/internal/pipeline"
	"github.com/basekick-labs/elf/internal/storage"
	"github.com/rs/zerolog"
)

const sampleLog = "#Version: 1.0\n#Fields: date time cs-uri-stem sc-status\n2021-01-01 00:00:01 /a 200\n"

type ndjsonFactory struct {
	backend storage.Backend
}

func (f ndjsonFactory) New(ctx context.Context, outputPath string) (export.Exporter, error) {
	return export.NewNDJSON(export.StorageSink(ctx, f.backend, outputPath), false), nil
}

func (f ndjsonFactory) Extension() string { return ".ndjson" }

func newTestScheduler(t *testing.T, schedule string) (*ConvertScheduler, *storage.LocalBackend) {
	t.Helper()
	backend, err := storage.NewLocalBackend(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewLocalBackend failed: %v", err)
	}
	t.Cleanup(func() { backend.Close() })

	runner := pipeline.NewRunner(backend, ndjsonFactory{backend}, pipeline.Config{
		Concurrency:  2,
		InputPrefix:  "logs/",
		OutputPrefix: "converted/",
	}, zerolog.Nop())

	s, err := NewConvertScheduler(&ConvertSchedulerConfig{
		Runner:      runner,
		Backend:     backend,
		InputPrefix: "logs/",
		Suffixes:    []string{".log"},
		Schedule:    schedule,
		Logger:      zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewConvertScheduler failed: %v", err)
	}
	return s, backend
}

func TestConvertScheduler_DefaultSchedule(t *testing.T) {
	s, _ := newTestScheduler(t, "")

	if s.GetSchedule() != "*/15 * * * *" {
		t.Errorf("schedule = %v, want default */15 * * * *", s.GetSchedule())
	}
	if s.IsRunning() {
		t.Error("scheduler should not be running after creation")
	}
}

func TestConvertScheduler_InvalidSchedule(t *testing.T) {
	_, err := NewConvertScheduler(&ConvertSchedulerConfig{
		Schedule: "invalid schedule",
		Logger:   zerolog.Nop(),
	})
	if err == nil {
		t.Error("expected error for invalid cron schedule")
	}
}

func TestConvertScheduler_RunNowSkipsConverted(t *testing.T) {
	s, backend := newTestScheduler(t, "0 * * * *")
	ctx := context.Background()

	for _, p := range []string{"logs/a.log", "logs/b.log", "logs/readme.txt"} {
		if err := backend.Write(ctx, p, []byte(sampleLog)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	// converted by an earlier process
	if err := backend.Write(ctx, "converted/b.ndjson", []byte("{}\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	results, err := s.RunNow(ctx)
	if err != nil {
		t.Fatalf("RunNow failed: %v", err)
	}
	if len(results) != 1 || results[0].Path != "logs/a.log" {
		t.Fatalf("results = %+v, want only logs/a.log", results)
	}
	if results[0].Err != nil {
		t.Fatalf("conversion failed: %v", results[0].Err)
	}

	exists, err := backend.Exists(ctx, "converted/a.ndjson")
	if err != nil || !exists {
		t.Fatalf("converted/a.ndjson exists = %v, err = %v", exists, err)
	}

	results, err = s.RunNow(ctx)
	if err != nil {
		t.Fatalf("second RunNow failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("second run converted %d files, want 0", len(results))
	}
}

// countingFactory exports nowhere, like the sql and mqtt formats
type countingFactory struct{ records int }

func (f *countingFactory) New(context.Context, string) (export.Exporter, error) {
	return &countingExporter{f}, nil
}

func (f *countingFactory) Extension() string { return "" }

type countingExporter struct{ f *countingFactory }

func (e *countingExporter) Begin(*elf.Schema) error { return nil }
func (e *countingExporter) Write(*elf.Record) error { e.f.records++; return nil }
func (e *countingExporter) Close() error            { return nil }
func (e *countingExporter) Abort(error) error       { return nil }

func TestConvertScheduler_HistorySurvivesRestart(t *testing.T) {
	ctx := context.Background()
	backend, err := storage.NewLocalBackend(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewLocalBackend failed: %v", err)
	}
	defer backend.Close()
	if err := backend.Write(ctx, "logs/a.log", []byte(sampleLog)); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	dbPath := filepath.Join(t.TempDir(), "history.db")
	factory := &countingFactory{}

	newScheduler := func() (*ConvertScheduler, *history.Store) {
		store, err := history.Open(dbPath, "sql", zerolog.Nop())
		if err != nil {
			t.Fatalf("history.Open failed: %v", err)
		}
		runner := pipeline.NewRunner(backend, factory, pipeline.Config{Concurrency: 1}, zerolog.Nop())
		s, err := NewConvertScheduler(&ConvertSchedulerConfig{
			Runner:      runner,
			Backend:     backend,
			InputPrefix: "logs/",
			Suffixes:    []string{".log"},
			Logger:      zerolog.Nop(),
			History:     store,
		})
		if err != nil {
			t.Fatalf("NewConvertScheduler failed: %v", err)
		}
		return s, store
	}

	s, store := newScheduler()
	results, err := s.RunNow(ctx)
	if err != nil {
		t.Fatalf("RunNow failed: %v", err)
	}
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("results = %+v", results)
	}
	store.Close()

	// a new process has an empty tracker and no output file to look at
	s, store = newScheduler()
	defer store.Close()
	results, err = s.RunNow(ctx)
	if err != nil {
		t.Fatalf("RunNow after restart failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("restart converted %d files again, want 0", len(results))
	}
	if factory.records != 1 {
		t.Errorf("exported %d records, want 1", factory.records)
	}
}

func TestConvertScheduler_RunNowInProgress(t *testing.T) {
	s, _ := newTestScheduler(t, "0 * * * *")

	s.runMu.Lock()
	defer s.runMu.Unlock()

	if _, err := s.RunNow(context.Background()); err != ErrRunInProgress {
		t.Errorf("err = %v, want ErrRunInProgress", err)
	}
}

func TestConvertScheduler_StartStop(t *testing.T) {
	s, _ := newTestScheduler(t, "0 3 * * *")

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !s.IsRunning() {
		t.Error("scheduler should be running after Start")
	}

	status := s.Status()
	if status["running"] != true {
		t.Errorf("status running = %v", status["running"])
	}
	if _, ok := status["next_run"]; !ok {
		t.Error("status missing next_run")
	}

	next := s.NextRun()
	if next.Hour() != 3 || next.Minute() != 0 || !next.After(time.Now()) {
		t.Errorf("NextRun = %v, want next 03:00", next)
	}

	// second Start is a no-op
	if err := s.Start(); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}

	s.Stop()
	if s.IsRunning() {
		t.Error("scheduler should not be running after Stop")
	}
	s.Stop()
}

func TestConvertScheduler_StatusDuringStop(t *testing.T) {
	s, _ := newTestScheduler(t, "0 * * * *")
	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// a conversion is in flight
	s.runMu.Lock()

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	statusDone := make(chan map[string]interface{})
	go func() {
		for s.IsRunning() {
			time.Sleep(time.Millisecond)
		}
		statusDone <- s.Status()
	}()

	select {
	case status := <-statusDone:
		if status["running"] != false {
			t.Errorf("running = %v while stopping, want false", status["running"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Status blocked while Stop waited for the running conversion")
	}

	select {
	case <-stopped:
		t.Fatal("Stop returned before the running conversion finished")
	default:
	}

	s.runMu.Unlock()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the conversion finished")
	}
}
