package indexer

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stellarlinkco/proofpay-indexer/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Chain: config.ChainConfig{
			RPCWebsocket:    "ws://localhost:1/websocket", // nothing listens here
			RPCHTTP:         "http://localhost:1",
			ContractAddress: "xion1contract",
			EventBuffer:     16,
			ReconnectBaseMs: 50,
			MaxReconnects:   1,
		},
		Database: config.DatabaseConfig{URL: filepath.Join(t.TempDir(), "indexer.db")},
		Gateway:  config.GatewayConfig{HealthPort: 38391},
		Timer:    config.TimerConfig{Spec: config.DefaultTimerSpec},
		LogLevel: config.DefaultLogLevel,
	}
}

func TestNewWithOptions_OpensStore(t *testing.T) {
	ix, err := NewWithOptions(testConfig(t), Options{})
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}
	if ix.store == nil || ix.listener == nil || ix.timer == nil || ix.admin == nil {
		t.Fatal("component not wired")
	}
	ix.Shutdown()
}

func TestRun_ShutsDownOnSignal(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	ix, err := NewWithOptions(testConfig(t), Options{SignalChan: sigCh})
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- ix.Run(context.Background()) }()

	// Let components start; the chain dial fails but must not abort Run.
	time.Sleep(200 * time.Millisecond)
	if !ix.timer.Running() {
		t.Error("timer not running after Run")
	}

	sigCh <- syscall.SIGTERM
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after signal")
	}

	if ix.timer.Running() {
		t.Error("timer still running after shutdown")
	}
	if ix.listener.IsConnected() {
		t.Error("listener reports connected after shutdown")
	}
}
