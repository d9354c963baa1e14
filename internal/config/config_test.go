package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpfile, err := os.CreateTemp("", "sovereign-test-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Remove(tmpfile.Name()) })

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}
	return tmpfile.Name()
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
node:
  id: node1
  state_path: /tmp/sovereign

persistence:
  auto_snapshot_threshold: 50
  wal_retention: 200
  snapshot_keep: 3
  sync_writes: false

verify:
  interval: 5s

audit:
  driver: sqlite

alerts:
  enabled: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Node.ID != "node1" {
		t.Errorf("expected node.id=node1, got %s", cfg.Node.ID)
	}
	if cfg.Persistence.AutoSnapshotThreshold != 50 {
		t.Errorf("expected threshold 50, got %d", cfg.Persistence.AutoSnapshotThreshold)
	}
	if cfg.Persistence.WALRetention != 200 {
		t.Errorf("expected wal_retention 200, got %d", cfg.Persistence.WALRetention)
	}
	if cfg.Persistence.SnapshotKeep != 3 {
		t.Errorf("expected snapshot_keep 3, got %d", cfg.Persistence.SnapshotKeep)
	}
	if cfg.Persistence.SyncWrites {
		t.Error("expected sync_writes=false")
	}
	if !cfg.Persistence.Ledger {
		t.Error("expected ledger to default to true")
	}
	if cfg.VerifyInterval() != 5*time.Second {
		t.Errorf("expected verify interval 5s, got %s", cfg.VerifyInterval())
	}
	if cfg.Audit.DSN != filepath.Join("/tmp/sovereign", "audit.db") {
		t.Errorf("expected sqlite dsn under state path, got %s", cfg.Audit.DSN)
	}
	if cfg.WALPath() != "/tmp/sovereign/wal.log" {
		t.Errorf("unexpected wal path %s", cfg.WALPath())
	}
	if cfg.SnapshotDir() != "/tmp/sovereign/snapshots" {
		t.Errorf("unexpected snapshot dir %s", cfg.SnapshotDir())
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Persistence.AutoSnapshotThreshold != DefaultAutoSnapshotThreshold {
		t.Errorf("expected default threshold, got %d", cfg.Persistence.AutoSnapshotThreshold)
	}
	if cfg.Persistence.WALRetention != DefaultWALRetention {
		t.Errorf("expected default retention, got %d", cfg.Persistence.WALRetention)
	}
	if cfg.Persistence.SnapshotKeep != DefaultSnapshotKeep {
		t.Errorf("expected default keep, got %d", cfg.Persistence.SnapshotKeep)
	}
	if !cfg.Persistence.SyncWrites {
		t.Error("expected sync_writes to default to true")
	}
	if cfg.Audit.Driver != "none" {
		t.Errorf("expected audit driver none, got %s", cfg.Audit.Driver)
	}
	if cfg.Logging.Level != DefaultLogLevel {
		t.Errorf("expected log level %s, got %s", DefaultLogLevel, cfg.Logging.Level)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SOVEREIGN_NODE_ID", "from-env")
	t.Setenv("SOVEREIGN_PERSISTENCE_SNAPSHOT_KEEP", "4")
	t.Setenv("WEBHOOK_URL", "https://hooks.slack.com/services/x")

	path := writeConfig(t, `
node:
  id: node1
  state_path: /tmp/sovereign
alerts:
  enabled: true
  slack_webhook: ${WEBHOOK_URL}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Node.ID != "from-env" {
		t.Errorf("expected node.id from env, got %s", cfg.Node.ID)
	}
	if cfg.Persistence.SnapshotKeep != 4 {
		t.Errorf("expected snapshot_keep from env, got %d", cfg.Persistence.SnapshotKeep)
	}
	if cfg.Alerts.SlackWebhook != "https://hooks.slack.com/services/x" {
		t.Errorf("expected expanded webhook, got %s", cfg.Alerts.SlackWebhook)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name: "valid config",
			config: Config{
				Node: NodeConfig{ID: "node1", StatePath: "/data"},
			},
			wantErr: false,
		},
		{
			name: "missing node id",
			config: Config{
				Node: NodeConfig{StatePath: "/data"},
			},
			wantErr: true,
		},
		{
			name: "missing state path",
			config: Config{
				Node: NodeConfig{ID: "node1"},
			},
			wantErr: true,
		},
		{
			name: "bad verify interval",
			config: Config{
				Node:   NodeConfig{ID: "node1", StatePath: "/data"},
				Verify: VerifyConfig{Interval: "soon"},
			},
			wantErr: true,
		},
		{
			name: "alerts without webhook",
			config: Config{
				Node:   NodeConfig{ID: "node1", StatePath: "/data"},
				Alerts: AlertsConfig{Enabled: true},
			},
			wantErr: true,
		},
		{
			name: "postgres audit without dsn",
			config: Config{
				Node:  NodeConfig{ID: "node1", StatePath: "/data"},
				Audit: AuditConfig{Driver: "postgres"},
			},
			wantErr: true,
		},
		{
			name: "unknown audit driver",
			config: Config{
				Node:  NodeConfig{ID: "node1", StatePath: "/data"},
				Audit: AuditConfig{Driver: "mysql"},
			},
			wantErr: true,
		},
		{
			name: "unknown log level",
			config: Config{
				Node:    NodeConfig{ID: "node1", StatePath: "/data"},
				Logging: LoggingConfig{Level: "loud"},
			},
			wantErr: true,
		},
		{
			name: "negative keep",
			config: Config{
				Node:        NodeConfig{ID: "node1", StatePath: "/data"},
				Persistence: PersistenceConfig{SnapshotKeep: -1},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateAppliesDefaults(t *testing.T) {
	cfg := Config{Node: NodeConfig{ID: "node1", StatePath: "/data"}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if cfg.Persistence.AutoSnapshotThreshold != DefaultAutoSnapshotThreshold {
		t.Errorf("expected threshold default, got %d", cfg.Persistence.AutoSnapshotThreshold)
	}
	if cfg.Verify.Interval != DefaultVerifyInterval {
		t.Errorf("expected interval default, got %s", cfg.Verify.Interval)
	}
	if cfg.Metrics.Addr != DefaultMetricsAddr {
		t.Errorf("expected metrics addr default, got %s", cfg.Metrics.Addr)
	}
}
