package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

// buildTestArchive produces an in-memory zip containing a single
// top-level file named role.exe whose content is a shell script. On
// non-unix the tests that use it are skipped (see requireUnix), since
// the probe shells out to /bin/sh.
func buildTestArchive(t *testing.T, role Role, script string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	hdr := &zip.FileHeader{Name: role.exeName(), Method: zip.Store}
	hdr.SetMode(0o755)
	f, err := w.CreateHeader(hdr)
	if err != nil {
		t.Fatalf("CreateHeader: %v", err)
	}
	if _, err := f.Write([]byte(script)); err != nil {
		t.Fatalf("write entry: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}
	return buf.Bytes()
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("probe test shells out to /bin/sh")
	}
}

func TestInstallSucceedsAndCaches(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	in := New(dir)

	archive := buildTestArchive(t, Worker, "#!/bin/sh\nexit 0\n")
	if err := in.Install(archive, Worker); err != nil {
		t.Fatalf("Install: %v", err)
	}

	exePath := in.ExecutablePath(Worker)
	if info, err := os.Stat(exePath); err != nil || info.Mode()&0o100 == 0 {
		t.Fatalf("expected executable at %s: err=%v", exePath, err)
	}

	cached, ok := in.Cached(Worker)
	if !ok || !bytes.Equal(cached, archive) {
		t.Fatal("expected cached bytes to match installed archive")
	}

	if _, err := os.Stat(filepath.Join(dir, "worker.zip")); err != nil {
		t.Fatalf("expected worker.zip written: %v", err)
	}
}

func TestInstallIsIdempotent(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	in := New(dir)
	archive := buildTestArchive(t, Manager, "#!/bin/sh\nexit 0\n")

	if err := in.Install(archive, Manager); err != nil {
		t.Fatalf("first Install: %v", err)
	}
	first, _ := os.ReadFile(in.ExecutablePath(Manager))

	if err := in.Install(archive, Manager); err != nil {
		t.Fatalf("second Install: %v", err)
	}
	second, _ := os.ReadFile(in.ExecutablePath(Manager))

	if !bytes.Equal(first, second) {
		t.Fatal("expected identical filesystem state after repeat install")
	}
}

func TestInstallMissingExecutableIsArchiveError(t *testing.T) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, _ := w.Create("readme.txt")
	f.Write([]byte("no executable here"))
	w.Close()

	dir := t.TempDir()
	in := New(dir)
	err := in.Install(buf.Bytes(), Worker)
	if err == nil {
		t.Fatal("expected error")
	}
	var archErr *ArchiveError
	if !errors.As(err, &archErr) {
		t.Fatalf("got %T: %v, want *ArchiveError", err, err)
	}
}

func TestInstallProbeFailureIsProbeFailed(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	in := New(dir)
	archive := buildTestArchive(t, Worker, "#!/bin/sh\nkill -9 $$\n")

	err := in.Install(archive, Worker)
	if err == nil {
		t.Fatal("expected error")
	}
	var probeErr *ErrProbeFailed
	if !errors.As(err, &probeErr) {
		t.Fatalf("got %T: %v, want *ErrProbeFailed", err, err)
	}
}

func TestInstallProbeTimeout(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	in := New(dir)
	archive := buildTestArchive(t, Worker, "#!/bin/sh\nsleep 30\n")

	err := in.Install(archive, Worker)
	if err == nil {
		t.Fatal("expected error")
	}
	var timeoutErr *ErrProbeTimeout
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("got %T: %v, want *ErrProbeTimeout", err, err)
	}
}

func TestZipSlipRejected(t *testing.T) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	f, _ := w.Create("../../evil.txt")
	f.Write([]byte("escape"))
	w.Close()

	dir := t.TempDir()
	in := New(dir)
	err := in.Install(buf.Bytes(), Worker)
	if err == nil {
		t.Fatal("expected zip-slip entry to be rejected")
	}
}

func TestWatchCacheReloadsOnExternalWrite(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()
	in := New(dir)
	archive := buildTestArchive(t, Worker, "#!/bin/sh\nexit 0\n")
	if err := in.Install(archive, Worker); err != nil {
		t.Fatalf("Install: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan struct{}, 1)
	if err := in.WatchCache(ctx, Worker, func() { reloaded <- struct{}{} }); err != nil {
		t.Fatalf("WatchCache: %v", err)
	}

	updated := buildTestArchive(t, Worker, "#!/bin/sh\nexit 1\n")
	if err := os.WriteFile(filepath.Join(dir, "worker.zip"), updated, 0o644); err != nil {
		t.Fatalf("write updated archive: %v", err)
	}

	select {
	case <-reloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cache reload")
	}

	cached, ok := in.Cached(Worker)
	if !ok || !bytes.Equal(cached, updated) {
		t.Fatal("expected cache to reflect externally written archive")
	}
}

