package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestDecodeJSONStrict(t *testing.T) {
	t.Parallel()

	_, err := Decode("c.json", []byte(`{"telegram":{"token":"x"},"nope":1}`))
	if err == nil {
		t.Fatalf("expected unknown field error")
	}
	_, err = Decode("c.json", []byte(`{"telegram":{}} {"telegram":{}}`))
	if err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestDecodeYAML(t *testing.T) {
	t.Parallel()

	raw := []byte(`
telegram:
  token: abc
  owner_user_ids: [1, 2]
mtproto:
  api_id: 12345
  api_hash: deadbeef
broadcast:
  cycle_delay: 300s
  window_size: 3
  mode: round_robin
storage:
  driver: sqlite
  path: ./data.db
`)
	cfg, err := Decode("c.yaml", raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Telegram.Token != "abc" || !reflect.DeepEqual(cfg.Telegram.OwnerUserIDs, []int64{1, 2}) {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.MTProto.APIID != 12345 || cfg.Broadcast.WindowSize != 3 || cfg.Broadcast.Mode != "round_robin" {
		t.Fatalf("unexpected cfg: %+v / %+v", cfg.MTProto, cfg.Broadcast)
	}
	if cfg.Redis != nil {
		t.Fatalf("redis should be nil when omitted")
	}
}

func TestDecodeExpandsSecrets(t *testing.T) {
	t.Setenv("ADSBOT_TEST_TOKEN", "tok-123")
	cfg, err := Decode("c.json", []byte(`{"telegram":{"token":"${ADSBOT_TEST_TOKEN}"}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Telegram.Token != "tok-123" {
		t.Fatalf("token = %q, want tok-123", cfg.Telegram.Token)
	}
}

func TestLoadRunsValidator(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"broadcast":{"window_size":42}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	want := errors.New("window too big")
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Broadcast.WindowSize > 10 {
			return want
		}
		return nil
	})
	if _, err := m.Load(); !errors.Is(err, want) {
		t.Fatalf("Load err = %v, want %v", err, want)
	}
	if m.Get() != nil {
		t.Fatalf("rejected config must not be committed")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()

	m := NewConfigManager("unused.json")
	sub := m.Subscribe(1)
	first, second := &Config{}, &Config{}
	m.publish(first)
	m.publish(second)
	if got := <-sub; got != second {
		t.Fatalf("subscriber got stale config")
	}
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatalf("channel should be closed after Unsubscribe")
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 5 * time.Second, false},
		{"0s", 5 * time.Second, false},
		{"90s", 90 * time.Second, false},
		{"30d", 30 * 24 * time.Hour, false},
		{"-1s", 0, true},
		{"-2d", 0, true},
		{"xd", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseDurationOrDefault("x", tt.raw, 5*time.Second)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	a := &Config{Broadcast: BroadcastConfig{CycleDelay: "300s"}}
	b := &Config{Broadcast: BroadcastConfig{CycleDelay: "600s"}, Storage: StorageConfig{Driver: "postgres"}}
	sections, _ := SummarizeConfigChange(a, b)
	if !reflect.DeepEqual(sections, []string{"storage", "broadcast"}) {
		t.Fatalf("sections = %v", sections)
	}
	if got := RestartRequired(sections); !reflect.DeepEqual(got, []string{"storage"}) {
		t.Fatalf("RestartRequired = %v", got)
	}
}
