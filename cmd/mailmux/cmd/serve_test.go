package cmd

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mailmux/mailmux/internal/config"
	"github.com/mailmux/mailmux/internal/mail"
	"github.com/mailmux/mailmux/internal/scheduler"
	"github.com/mailmux/mailmux/internal/store"
)

func TestServeConfigParsing(t *testing.T) {
	tmpDir := t.TempDir()
	configContent := `
[server]
api_port = 9090
api_key = "test-key"

[maintenance]
enabled = true
prune_schedule = "0 3 * * *"
pattern_ttl_days = 30
`
	configPath := filepath.Join(tmpDir, "config.toml")
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(configPath, "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.APIPort != 9090 {
		t.Errorf("APIPort = %d, want 9090", cfg.Server.APIPort)
	}
	if cfg.Server.APIKey != "test-key" {
		t.Errorf("APIKey = %q, want test-key", cfg.Server.APIKey)
	}
	if !cfg.Maintenance.Enabled {
		t.Error("Maintenance.Enabled = false, want true")
	}
	if cfg.Maintenance.PruneSchedule != "0 3 * * *" {
		t.Errorf("PruneSchedule = %q, want '0 3 * * *'", cfg.Maintenance.PruneSchedule)
	}
	if cfg.Maintenance.PatternTTLDays != 30 {
		t.Errorf("PatternTTLDays = %d, want 30", cfg.Maintenance.PatternTTLDays)
	}

	// Unset sections keep their defaults.
	if cfg.Fetch.BatchSize != 200 {
		t.Errorf("BatchSize = %d, want 200", cfg.Fetch.BatchSize)
	}
	if cfg.Fetch.Concurrency != 8 {
		t.Errorf("Concurrency = %d, want 8", cfg.Fetch.Concurrency)
	}
}

func TestServeConfigDisablesMaintenance(t *testing.T) {
	tmpDir := t.TempDir()
	configContent := `
[maintenance]
enabled = false
`
	configPath := filepath.Join(tmpDir, "config.toml")
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(configPath, "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Maintenance.Enabled {
		t.Error("Maintenance.Enabled = true, want false")
	}
}

// TestMaintenanceJobPrunesStalePatterns wires a prune job the way runServe
// does and triggers it against a real store.
func TestMaintenanceJobPrunesStalePatterns(t *testing.T) {
	tmpDir := t.TempDir()
	s, err := store.Open(filepath.Join(tmpDir, "mailmux.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	if err := s.InitSchema(); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	if err := s.SavePattern(&mail.FetchPattern{
		UserID: "u", FolderID: "INBOX", OptimalHours: 24, EmailsInLastFetch: 200,
	}); err != nil {
		t.Fatalf("save fresh pattern: %v", err)
	}
	if err := s.SavePattern(&mail.FetchPattern{
		UserID: "u", FolderID: "SENT", OptimalHours: 120, EmailsInLastFetch: 200,
	}); err != nil {
		t.Fatalf("save stale pattern: %v", err)
	}
	if _, err := s.DB().Exec(`
		UPDATE fetch_patterns SET last_fetched_at = datetime('now', '-90 days')
		WHERE user_id = 'u' AND folder_id = 'SENT'
	`); err != nil {
		t.Fatalf("backdate: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sched := scheduler.New().WithLogger(log)
	ttl := 30 * 24 * time.Hour
	err = sched.AddJob("prune-patterns", "0 4 * * *", func(ctx context.Context) error {
		_, err := s.PrunePatterns(ttl)
		return err
	})
	if err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	sched.Start()
	defer sched.Stop()

	if err := sched.TriggerJob("prune-patterns"); err != nil {
		t.Fatalf("TriggerJob: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		statuses := sched.Status()
		if len(statuses) == 1 && !statuses[0].Running && !statuses[0].LastRun.IsZero() {
			if statuses[0].LastError != "" {
				t.Fatalf("prune job error: %s", statuses[0].LastError)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("prune job did not finish in time")
		}
		time.Sleep(10 * time.Millisecond)
	}

	p, err := s.Pattern("u", "SENT")
	if err != nil {
		t.Fatalf("Pattern SENT: %v", err)
	}
	if p != nil {
		t.Error("stale pattern survived prune")
	}
	p, err = s.Pattern("u", "INBOX")
	if err != nil {
		t.Fatalf("Pattern INBOX: %v", err)
	}
	if p == nil {
		t.Error("fresh pattern was pruned")
	}
}

func TestCronExpressionValidation(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{"daily at 3am", "0 3 * * *", false},
		{"every 15 min", "*/15 * * * *", false},
		{"weekly sunday", "0 0 * * 0", false},
		{"invalid", "not a cron", true},
		{"empty", "", true},
		{"too many fields", "* * * * * *", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := scheduler.ValidateCronExpr(tt.expr)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateCronExpr(%q) error = %v, wantErr = %v", tt.expr, err, tt.wantErr)
			}
		})
	}
}
