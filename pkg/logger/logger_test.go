package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesAuditToRotatingFile(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit", "audit.log")
	appPath := filepath.Join(dir, "app.log")

	if err := Init(Config{
		Level:       "debug",
		Format:      "text",
		OutputPaths: []string{appPath},
		Audit:       AuditConfig{Enabled: true, Path: auditPath},
	}); err != nil {
		t.Fatalf("init logger: %v", err)
	}
	t.Cleanup(func() { _ = Init(Config{}) })

	L().Info("application event", "key", "value")
	Audit().Info("audit event", "execution_id", "exec-1")
	Named("scheduler").Debug("named event")

	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	app, err := os.ReadFile(appPath)
	if err != nil {
		t.Fatalf("read app log: %v", err)
	}
	if !strings.Contains(string(app), "application event") || !strings.Contains(string(app), "component=scheduler") {
		t.Fatalf("unexpected app log content: %s", app)
	}
	audit, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(audit), `"execution_id":"exec-1"`) {
		t.Fatalf("unexpected audit log content: %s", audit)
	}
}

func TestInitRejectsEmptyAuditPath(t *testing.T) {
	if err := Init(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatal("expected error for empty audit path")
	}
}
