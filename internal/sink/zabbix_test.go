package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"hwtelemetry/internal/zabbix"
	pkgzabbix "hwtelemetry/pkg/zabbix"

	"go.uber.org/zap"
)

func itemMap(items []pkgzabbix.Item) map[string]string {
	m := make(map[string]string, len(items))
	for _, it := range items {
		m[it.Key] = it.Value
	}
	return m
}

func TestSnapshotItems(t *testing.T) {
	snap := testSnapshot()
	items := SnapshotItems("node-1", snap)
	got := itemMap(items)

	tests := []struct {
		key  string
		want string
	}{
		{"hwt.health", "OPTIMAL"},
		{"hwt.cpu.load", "42.50"},
		{"hwt.cpu.core[0]", "40.00"},
		{"hwt.memory.total", "16.00"},
		{"hwt.memory.pused", "50.00"},
		{`hwt.temperature["AMD Ryzen 7 5800X Tctl"]`, "61.50"},
		{`hwt.fan["amdgpu (0000:0b:00.0) GPU Fan 1"]`, "0.00"},
		{`hwt.fan.state["amdgpu (0000:0b:00.0) GPU Fan 1"]`, "zero-rpm-mode"},
		{"hwt.gaps", "gpu_load"},
	}
	for _, tt := range tests {
		if got[tt.key] != tt.want {
			t.Errorf("item %s = %q, want %q", tt.key, got[tt.key], tt.want)
		}
	}

	for _, missing := range []string{"hwt.cpu.core[1]", "hwt.gpu.load", "hwt.cpu.temperature"} {
		if _, ok := got[missing]; ok {
			t.Errorf("item %s must not be sent for a missing value", missing)
		}
	}

	for _, it := range items {
		if it.Host != "node-1" || it.Clock != snap.Timestamp.Unix() || it.NS != 500 {
			t.Fatalf("item %+v has wrong host or clock", it)
		}
	}

	var lld []map[string]string
	if err := json.Unmarshal([]byte(got["hwt.temperature.discovery"]), &lld); err != nil {
		t.Fatalf("discovery json error = %v", err)
	}
	if len(lld) != 1 || lld[0]["{#SENSOR}"] != "AMD Ryzen 7 5800X Tctl" {
		t.Errorf("discovery = %v", lld)
	}
}

type scriptedSender struct {
	errs  []error
	calls int
}

func (s *scriptedSender) SendData(context.Context, []pkgzabbix.Item) (pkgzabbix.Result, error) {
	s.calls++
	if s.calls <= len(s.errs) {
		return pkgzabbix.Result{}, s.errs[s.calls-1]
	}
	return pkgzabbix.Result{Processed: 1, Total: 1}, nil
}

func TestZabbix_Retry(t *testing.T) {
	dial := errors.New("connection refused")

	tests := []struct {
		name      string
		errs      []error
		retries   int
		wantCalls int
		wantErr   bool
	}{
		{"first attempt", nil, 3, 1, false},
		{"recovers after retry", []error{dial, dial}, 3, 3, false},
		{"exhausts retries", []error{dial, dial, dial}, 3, 3, true},
		{"rejection is not retried", []error{fmt.Errorf("%w: bad", zabbix.ErrRejected)}, 3, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &scriptedSender{errs: tt.errs}
			z := newZabbix(s, ZabbixOptions{
				Host:             "node-1",
				MaxRetries:       tt.retries,
				RetryBackoffBase: time.Millisecond,
			}, zap.NewNop())

			err := z.Publish(context.Background(), testSnapshot())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Publish() error = %v, wantErr %v", err, tt.wantErr)
			}
			if s.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", s.calls, tt.wantCalls)
			}
		})
	}
}

func TestZabbix_RetryHonorsContext(t *testing.T) {
	s := &scriptedSender{errs: []error{errors.New("down"), errors.New("down")}}
	z := newZabbix(s, ZabbixOptions{MaxRetries: 3, RetryBackoffBase: time.Hour}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := z.Publish(ctx, testSnapshot()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Publish() error = %v, want deadline exceeded", err)
	}
	if s.calls != 1 {
		t.Errorf("calls = %d, want 1", s.calls)
	}
}
