package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"coffeeledger/pkg/domain"

	"github.com/fatih/color"
)

type result struct {
	code   int
	stdout string
	stderr string
}

func invoke(t *testing.T, args ...string) result {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func useTempStore(t *testing.T) {
	t.Helper()
	color.NoColor = true
	t.Setenv("COFFEELEDGER_STORAGE_DRIVER", "sqlite")
	t.Setenv("COFFEELEDGER_STORAGE_SQLITE_PATH", filepath.Join(t.TempDir(), "ledger.db"))
	t.Setenv(callerEnv, "")
}

func mustSucceed(t *testing.T, args ...string) result {
	t.Helper()
	r := invoke(t, args...)
	if r.code != 0 {
		if strings.Contains(r.stderr, "sqlite") {
			t.Skipf("sqlite unavailable: %s", r.stderr)
		}
		t.Fatalf("ledgerctl %v: code %d stderr %s", args, r.code, r.stderr)
	}
	return r
}

func TestCustodyChainAcrossInvocations(t *testing.T) {
	useTempStore(t)
	r := mustSucceed(t, "-as", "C", "create", "-id", "B1", "-producer", "Farm X", "-holder", "H1", "-hash", "h1")
	var batch domain.Batch
	if err := json.Unmarshal([]byte(r.stdout), &batch); err != nil {
		t.Fatalf("decode create output: %v\n%s", err, r.stdout)
	}
	if batch.Address != domain.BatchAddress("B1") || batch.CurrentHolder != "H1" {
		t.Fatalf("unexpected batch %+v", batch)
	}

	mustSucceed(t, "-as", "H1", "add-stage", "-batch", "B1", "-name", "Harvest", "-hash", "s1")
	mustSucceed(t, "-as", "H1", "transfer", "-batch", batch.Address, "-to", "H2")
	mustSucceed(t, "-as", "H2", "add-stage", "-batch", "B1", "-name", "Roast", "-hash", "s2")
	mustSucceed(t, "-as", "C", "finalize", "-batch", "B1")

	r = mustSucceed(t, "history", "-batch", "B1")
	for _, want := range []string{"Batch B1 (Farm X)", "completed", "holder   H2", "#0", "Harvest", "#1", "Roast", "by H2"} {
		if !strings.Contains(r.stdout, want) {
			t.Fatalf("history missing %q:\n%s", want, r.stdout)
		}
	}

	r = mustSucceed(t, "show", "-batch", batch.Address)
	var shown struct {
		Batch  domain.Batch   `json:"batch"`
		Stages []domain.Stage `json:"stages"`
	}
	if err := json.Unmarshal([]byte(r.stdout), &shown); err != nil {
		t.Fatalf("decode show: %v", err)
	}
	if len(shown.Stages) != 2 || shown.Batch.Status != domain.BatchStatusCompleted {
		t.Fatalf("unexpected show output %+v", shown)
	}

	r = mustSucceed(t, "list", "-user", "C")
	if !strings.Contains(r.stdout, "B1") {
		t.Fatalf("list missing B1: %s", r.stdout)
	}
	r = mustSucceed(t, "-as", "H1", "list")
	if strings.TrimSpace(r.stdout) != "" {
		t.Fatalf("former holder should see nothing, got %s", r.stdout)
	}

	r = mustSucceed(t, "-as", "C", "finalize", "-batch", "B1")
	if !strings.Contains(r.stderr, "warning [finalize_reentry]") {
		t.Fatalf("expected re-finalize warning, got %q", r.stderr)
	}
}

func TestRejectionsExitNonZero(t *testing.T) {
	useTempStore(t)
	mustSucceed(t, "-as", "C", "create", "-id", "B1", "-holder", "H1", "-hash", "h1")
	cases := []struct {
		name string
		args []string
		code int
		want string
	}{
		{"creator cannot add stage", []string{"-as", "C", "add-stage", "-batch", "B1", "-name", "x", "-hash", "h"}, 1, "not authorized"},
		{"holder cannot finalize", []string{"-as", "H1", "finalize", "-batch", "B1"}, 1, "not authorized"},
		{"duplicate id", []string{"-as", "C", "create", "-id", "B1", "-hash", "h"}, 1, "already occupied"},
		{"unknown batch", []string{"history", "-batch", "B404"}, 1, "not found"},
		{"missing caller", []string{"transfer", "-batch", "B1", "-to", "H2"}, 2, "requires -as"},
		{"missing flag", []string{"-as", "H1", "transfer", "-batch", "B1"}, 2, "-to is required"},
		{"unknown command", []string{"burn"}, 2, "unknown command"},
		{"no command", nil, 2, "usage: ledgerctl"},
		{"bad subcommand flag", []string{"show", "-bogus"}, 2, "flag provided but not defined"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := invoke(t, tc.args...)
			if r.code != tc.code || !strings.Contains(r.stderr, tc.want) {
				t.Fatalf("code %d stderr %q, want %d containing %q", r.code, r.stderr, tc.code, tc.want)
			}
		})
	}
}

func TestCallerFromEnvironment(t *testing.T) {
	useTempStore(t)
	t.Setenv(callerEnv, "C")
	r := mustSucceed(t, "create", "-id", "B7", "-hash", "h")
	var batch domain.Batch
	if err := json.Unmarshal([]byte(r.stdout), &batch); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if batch.Creator != "C" || batch.CurrentHolder != "C" {
		t.Fatalf("expected caller as creator and default holder, got %+v", batch)
	}
}

func TestConfigErrors(t *testing.T) {
	useTempStore(t)
	r := invoke(t, "-config", filepath.Join(t.TempDir(), "missing.yaml"), "list", "-user", "C")
	if r.code != 1 {
		t.Fatalf("expected config failure, got %d", r.code)
	}
	t.Setenv("COFFEELEDGER_STORAGE_DRIVER", "mongo")
	if r := invoke(t, "list", "-user", "C"); r.code != 1 {
		t.Fatalf("expected invalid driver failure, got %d", r.code)
	}
}

func TestRenderHelpers(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	renderTimeline(&buf, domain.Batch{ID: "B1", Status: domain.BatchStatusInProgress}, nil)
	if !strings.Contains(buf.String(), "(no stages)") {
		t.Fatalf("expected empty marker: %s", buf.String())
	}
	if got := short("0123456789abcdef"); got != "0123456789ab…" {
		t.Fatalf("short = %q", got)
	}
	if got := short("abc"); got != "abc" {
		t.Fatalf("short = %q", got)
	}
	if statusColor(domain.BatchStatusCancelled) == nil {
		t.Fatalf("expected color")
	}
}
