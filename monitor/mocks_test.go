package monitor

import (
	"errors"
	"sync"
)

// MockProbe implements UsageProbe for testing
type MockProbe struct {
	mu     sync.Mutex
	usage  map[int]ResourceUsage
	dead   map[int]bool
	failed map[int]bool
	panics map[int]bool
}

func NewMockProbe() *MockProbe {
	return &MockProbe{
		usage:  make(map[int]ResourceUsage),
		dead:   make(map[int]bool),
		failed: make(map[int]bool),
		panics: make(map[int]bool),
	}
}

func (p *MockProbe) Set(pid int, u ResourceUsage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.usage[pid] = u
}

func (p *MockProbe) Kill(pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dead[pid] = true
}

func (p *MockProbe) Fail(pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed[pid] = true
}

func (p *MockProbe) Panic(pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.panics[pid] = true
}

func (p *MockProbe) Usage(pid int) (ResourceUsage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.panics[pid] {
		panic("probe exploded")
	}
	if p.dead[pid] || p.failed[pid] {
		return ResourceUsage{}, errors.Join(ErrNoData, errors.New("permission denied"))
	}
	return p.usage[pid], nil
}

func (p *MockProbe) Alive(pid int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.dead[pid]
}

// alertRecorder collects alerts delivered to an observer
type alertRecorder struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *alertRecorder) OnAlert(alert Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
}

func (r *alertRecorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}
