package web

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"boussoled/internal/compass"
)

const serviceName = "boussoled"

// Status collects the daemon-wide view served at /api/status. Sources
// register a snapshot func; each call to Snapshot polls them.
type Status struct {
	started    time.Time
	instanceID string

	mu      sync.RWMutex
	static  map[string]string
	sources map[string]func() any
}

func NewStatus() *Status {
	return &Status{
		started:    time.Now().UTC(),
		instanceID: uuid.NewString(),
		static:     map[string]string{},
		sources:    map[string]func() any{},
	}
}

func (s *Status) InstanceID() string { return s.instanceID }

func (s *Status) Started() time.Time { return s.started }

// SetStatic records a fixed key such as the config path or UDP destination.
func (s *Status) SetStatic(key, value string) {
	s.mu.Lock()
	s.static[key] = value
	s.mu.Unlock()
}

// AddSource registers a snapshot provider under name. A nil fn removes it.
func (s *Status) AddSource(name string, fn func() any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		delete(s.sources, name)
		return
	}
	s.sources[name] = fn
}

type StatusSnapshot struct {
	Service    string            `json:"service"`
	InstanceID string            `json:"instance_id"`
	NowUTC     string            `json:"now_utc"`
	UptimeSec  int64             `json:"uptime_sec"`
	Static     map[string]string `json:"static,omitempty"`
	Compass    *compass.Snapshot `json:"compass,omitempty"`
	Sources    map[string]any    `json:"sources"`
}

func (s *Status) Snapshot(now time.Time, c *compass.Snapshot) StatusSnapshot {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	s.mu.RLock()
	static := make(map[string]string, len(s.static))
	for k, v := range s.static {
		static[k] = v
	}
	fns := make(map[string]func() any, len(s.sources))
	for k, fn := range s.sources {
		fns[k] = fn
	}
	s.mu.RUnlock()

	snap := StatusSnapshot{
		Service:    serviceName,
		InstanceID: s.instanceID,
		NowUTC:     now.UTC().Format(time.RFC3339Nano),
		UptimeSec:  int64(now.Sub(s.started).Seconds()),
		Static:     static,
		Compass:    c,
		Sources:    make(map[string]any, len(fns)),
	}
	for k, fn := range fns {
		snap.Sources[k] = fn()
	}
	return snap
}
