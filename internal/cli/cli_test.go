// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/tomtom215/offlinesync/internal/cache"
	"github.com/tomtom215/offlinesync/internal/config"
	"github.com/tomtom215/offlinesync/internal/mutation"
	"github.com/tomtom215/offlinesync/internal/store"
	"github.com/tomtom215/offlinesync/internal/value"
)

// seedStore creates an on-disk store with two queued mutations and one
// cached table, then closes it so the CLI can take the lock.
func seedStore(t *testing.T) string {
	t.Helper()
	t.Setenv(config.ConfigPathEnvVar, "/non/existent/config.yaml")
	dir := t.TempDir()

	cfg := store.DefaultConfig()
	cfg.Path = dir
	cfg.SyncWrites = false
	s, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	ctx := context.Background()
	q := mutation.NewQueue(s)
	if _, err := q.Enqueue(ctx, "students", mutation.OpInsert, value.Map{"full_name": value.String("Jane")}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, "students", mutation.OpDelete, value.Map{"id": value.Int(7)}); err != nil {
		t.Fatal(err)
	}
	if err := cache.NewTables(s, 0, 0).Put(ctx, "classes", []value.Map{{"id": value.Int(1)}, {"id": value.Int(2)}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	return dir
}

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Execute(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, path := range [][]string{
		{"status"}, {"queue", "list"}, {"queue", "dead"}, {"queue", "drop"},
		{"tables"}, {"cleanup"}, {"reset"}, {"sync"},
	} {
		sub, _, err := cmd.Find(path)
		if err != nil || sub.Name() != path[len(path)-1] {
			t.Errorf("command %v missing: %v", path, err)
		}
	}
	if f := cmd.PersistentFlags().Lookup("format"); f == nil || f.DefValue != "text" {
		t.Error("format flag missing or wrong default")
	}
}

func TestInvalidFormat(t *testing.T) {
	code, _, stderr := run(t, "status", "--format", "yaml")
	if code != ExitCommandError || !strings.Contains(stderr, "invalid format") {
		t.Errorf("code %d stderr %q", code, stderr)
	}
}

func TestQueueListAndDrop(t *testing.T) {
	dir := seedStore(t)

	code, stdout, stderr := run(t, "queue", "list", "--store", dir, "--format", "json")
	if code != ExitSuccess {
		t.Fatalf("code %d: %s", code, stderr)
	}
	var resp struct {
		Status string            `json:"status"`
		Data   []mutation.Record `json:"data"`
	}
	if err := json.Unmarshal([]byte(stdout), &resp); err != nil {
		t.Fatalf("decode %q: %v", stdout, err)
	}
	if resp.Status != "ok" || len(resp.Data) != 2 || resp.Data[0].Op != mutation.OpInsert {
		t.Fatalf("unexpected queue %+v", resp)
	}

	first := resp.Data[0].ID
	if code, _, stderr := run(t, "queue", "drop", "--store", dir, mustJSON(t, first)); code != ExitSuccess {
		t.Fatalf("drop: %d %s", code, stderr)
	}
	if code, _, _ := run(t, "queue", "drop", "--store", dir, mustJSON(t, first)); code != ExitFailure {
		t.Errorf("second drop should fail with %d, got %d", ExitFailure, code)
	}
	if code, _, _ := run(t, "queue", "drop", "--store", dir, "abc"); code != ExitCommandError {
		t.Errorf("bad id: code %d", code)
	}

	_, stdout, _ = run(t, "queue", "list", "--store", dir)
	if strings.Count(stdout, "students") != 1 || !strings.Contains(stdout, "delete") {
		t.Errorf("text listing after drop:\n%s", stdout)
	}
}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestTablesStatusAndReset(t *testing.T) {
	dir := seedStore(t)

	code, stdout, _ := run(t, "tables", "--store", dir)
	if code != ExitSuccess || !strings.Contains(stdout, "classes") {
		t.Errorf("tables: %d\n%s", code, stdout)
	}

	code, stdout, _ = run(t, "status", "--store", dir, "--format", "json")
	if code != ExitSuccess || !strings.Contains(stdout, `"mutations": 2`) {
		t.Errorf("status: %d\n%s", code, stdout)
	}

	if code, _, _ := run(t, "reset", "--store", dir); code != ExitCommandError {
		t.Errorf("reset without --yes: code %d", code)
	}
	code, stdout, _ = run(t, "reset", "--store", dir, "--yes")
	if code != ExitSuccess || !strings.Contains(stdout, "2 queued mutations discarded") {
		t.Errorf("reset: %d %q", code, stdout)
	}

	_, stdout, _ = run(t, "tables", "--store", dir, "--format", "json")
	if !strings.Contains(stdout, `"data": []`) {
		t.Errorf("snapshots survived reset: %s", stdout)
	}
}

func TestCleanup(t *testing.T) {
	dir := seedStore(t)
	code, stdout, _ := run(t, "cleanup", "--store", dir, "--max-age", "1h")
	if code != ExitSuccess || !strings.Contains(stdout, "removed 0 cached queries") {
		t.Errorf("cleanup: %d %q", code, stdout)
	}
}

func TestSyncRequiresBackend(t *testing.T) {
	dir := seedStore(t)
	code, _, stderr := run(t, "sync", "--store", dir)
	if code != ExitCommandError || !strings.Contains(stderr, "load configuration") {
		t.Errorf("code %d stderr %q", code, stderr)
	}
}

func TestGetExitCode(t *testing.T) {
	if GetExitCode(nil) != ExitSuccess {
		t.Error("nil error should succeed")
	}
	if GetExitCode(context.Canceled) != ExitFailure {
		t.Error("plain errors map to ExitFailure")
	}
	if GetExitCode(WrapExitError(ExitCommandError, "x", nil)) != ExitCommandError {
		t.Error("exit code lost")
	}
}
