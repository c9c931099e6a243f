package daemon

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/harunnryd/hako/internal/config"
)

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) record(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, entry)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type mockComponent struct {
	name         string
	dependencies []string
	log          *callLog
	initError    error
	startError   error
	stopError    error
	healthResult *ComponentHealth
}

func newMockComponent(name string, dependencies []string, log *callLog) *mockComponent {
	return &mockComponent{
		name:         name,
		dependencies: dependencies,
		log:          log,
		healthResult: &ComponentHealth{Name: name, Healthy: true},
	}
}

func (m *mockComponent) Name() string { return m.name }

func (m *mockComponent) Dependencies() []string { return m.dependencies }

func (m *mockComponent) Init(ctx context.Context) error {
	m.log.record("init:" + m.name)
	return m.initError
}

func (m *mockComponent) Start(ctx context.Context) error {
	m.log.record("start:" + m.name)
	return m.startError
}

func (m *mockComponent) Stop(ctx context.Context) error {
	m.log.record("stop:" + m.name)
	return m.stopError
}

func (m *mockComponent) Health(ctx context.Context) (*ComponentHealth, error) {
	return m.healthResult, nil
}

func testConfig() *config.Config {
	return &config.Config{Server: config.ServerConfig{Port: 8090}}
}

func TestNewDaemon(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *config.Config
		wantErr bool
	}{
		{name: "valid", cfg: testConfig(), wantErr: false},
		{name: "nil config", cfg: nil, wantErr: true},
		{name: "port zero", cfg: &config.Config{}, wantErr: true},
		{name: "port out of range", cfg: &config.Config{Server: config.ServerConfig{Port: 70000}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewDaemon(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewDaemon() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && d.Health() != StatusStarting {
				t.Errorf("initial health = %s, want %s", d.Health(), StatusStarting)
			}
		})
	}
}

func TestInitOrderFollowsDependencies(t *testing.T) {
	d, err := NewDaemon(testConfig())
	if err != nil {
		t.Fatalf("NewDaemon() failed: %v", err)
	}

	log := &callLog{}
	// Registered out of dependency order on purpose.
	d.AddComponent(newMockComponent("HTTPServer", []string{"Sessions"}, log))
	d.AddComponent(newMockComponent("Sessions", []string{"Runtime"}, log))
	d.AddComponent(newMockComponent("Runtime", nil, log))

	if err := d.initComponents(context.Background()); err != nil {
		t.Fatalf("initComponents() failed: %v", err)
	}

	position := make(map[string]int)
	for i, call := range log.snapshot() {
		position[call] = i
	}
	if position["init:Runtime"] > position["init:Sessions"] {
		t.Error("Runtime initialized after Sessions")
	}
	if position["init:Sessions"] > position["init:HTTPServer"] {
		t.Error("Sessions initialized after HTTPServer")
	}
}

func TestInitFailsOnUnknownDependency(t *testing.T) {
	d, err := NewDaemon(testConfig())
	if err != nil {
		t.Fatalf("NewDaemon() failed: %v", err)
	}

	log := &callLog{}
	d.AddComponent(newMockComponent("Sessions", []string{"Runtime"}, log))

	if err := d.initComponents(context.Background()); err == nil {
		t.Fatal("expected an error for a missing dependency")
	}
}

func TestInitFailsOnCircularDependency(t *testing.T) {
	d, err := NewDaemon(testConfig())
	if err != nil {
		t.Fatalf("NewDaemon() failed: %v", err)
	}

	log := &callLog{}
	d.AddComponent(newMockComponent("A", []string{"B"}, log))
	d.AddComponent(newMockComponent("B", []string{"A"}, log))

	if err := d.initComponents(context.Background()); err == nil {
		t.Fatal("expected a circular dependency error")
	}
}

func TestShutdownReversesRegistrationOrder(t *testing.T) {
	d, err := NewDaemon(testConfig())
	if err != nil {
		t.Fatalf("NewDaemon() failed: %v", err)
	}

	log := &callLog{}
	d.AddComponent(newMockComponent("Runtime", nil, log))
	d.AddComponent(newMockComponent("Sessions", []string{"Runtime"}, log))
	d.AddComponent(newMockComponent("HTTPServer", []string{"Sessions"}, log))

	d.shutdownComponents(context.Background())

	want := []string{"stop:HTTPServer", "stop:Sessions", "stop:Runtime"}
	got := log.snapshot()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls = %v, want %v", got, want)
		}
	}
	if d.Health() != StatusStopped {
		t.Errorf("health = %s, want %s", d.Health(), StatusStopped)
	}
}

func TestShutdownContinuesPastStopFailure(t *testing.T) {
	d, err := NewDaemon(testConfig())
	if err != nil {
		t.Fatalf("NewDaemon() failed: %v", err)
	}

	log := &callLog{}
	first := newMockComponent("First", nil, log)
	broken := newMockComponent("Broken", nil, log)
	broken.stopError = fmt.Errorf("stop failed")
	d.AddComponent(first)
	d.AddComponent(broken)

	d.shutdownComponents(context.Background())

	got := log.snapshot()
	if len(got) != 2 {
		t.Fatalf("calls = %v, want both components stopped", got)
	}
}

func TestComponentHealthAggregation(t *testing.T) {
	d, err := NewDaemon(testConfig())
	if err != nil {
		t.Fatalf("NewDaemon() failed: %v", err)
	}

	log := &callLog{}
	healthy := newMockComponent("Healthy", nil, log)
	sick := newMockComponent("Sick", nil, log)
	sick.healthResult = &ComponentHealth{Name: "Sick", Healthy: false, Error: fmt.Errorf("degraded")}
	d.AddComponent(healthy)
	d.AddComponent(sick)

	health := d.ComponentHealth()
	if len(health) != 2 {
		t.Fatalf("health entries = %d, want 2", len(health))
	}
	if !health["Healthy"].Healthy {
		t.Error("healthy component reported unhealthy")
	}
	if health["Sick"].Healthy {
		t.Error("sick component reported healthy")
	}
}
