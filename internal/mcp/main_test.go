package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeHost is an in-memory Host. Servers reach their target state
// immediately unless connectAfter asks for a number of status queries first.
type fakeHost struct {
	mu           sync.Mutex
	servers      map[string]*fakeServer
	addErr       map[string]error
	removeErr    map[string]error
	finalState   map[string]ServerState
	finalError   map[string]string
	connectAfter map[string]int
	tools        map[string][]ToolDescriptor
	callResp     ToolResponse
	callErr      error

	adds    []string
	gate    chan struct{}
	entered chan struct{}
}

type fakeServer struct {
	spec    ServerSpec
	queries int
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		servers:      make(map[string]*fakeServer),
		addErr:       make(map[string]error),
		removeErr:    make(map[string]error),
		finalState:   make(map[string]ServerState),
		finalError:   make(map[string]string),
		connectAfter: make(map[string]int),
		tools:        make(map[string][]ToolDescriptor),
		callResp:     ToolResponse{Success: true, Content: json.RawMessage(`[{"type":"text","text":"ok"}]`)},
	}
}

func (h *fakeHost) AddServer(ctx context.Context, spec ServerSpec) error {
	if h.entered != nil {
		select {
		case h.entered <- struct{}{}:
		default:
		}
	}
	if h.gate != nil {
		<-h.gate
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.adds = append(h.adds, spec.ID)
	if err := h.addErr[spec.ID]; err != nil {
		return err
	}
	h.servers[spec.ID] = &fakeServer{spec: spec}
	return nil
}

func (h *fakeHost) RemoveServer(ctx context.Context, id string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.removeErr[id]; err != nil {
		return err
	}
	if _, ok := h.servers[id]; !ok {
		return fmt.Errorf("%w: %s", ErrServerNotFound, id)
	}
	delete(h.servers, id)
	return nil
}

func (h *fakeHost) CallTool(ctx context.Context, id, tool string, args map[string]any) (ToolResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.servers[id]; !ok {
		return ToolResponse{}, fmt.Errorf("%w: %s", ErrServerNotFound, id)
	}
	return h.callResp, h.callErr
}

func (h *fakeHost) statusLocked(id string, s *fakeServer) ServerStatus {
	st := ServerStatus{ID: id, DisplayName: s.spec.Name, State: StateConnected}
	if s.queries < h.connectAfter[id] {
		st.State = StateConnecting
		return st
	}
	if state, ok := h.finalState[id]; ok {
		st.State = state
		st.LastError = h.finalError[id]
	}
	if st.State == StateConnected {
		st.Tools = h.tools[id]
	}
	return st
}

func (h *fakeHost) ListServers(ctx context.Context) ([]ServerStatus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ServerStatus, 0, len(h.servers))
	for id, s := range h.servers {
		out = append(out, h.statusLocked(id, s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (h *fakeHost) GetAllTools(ctx context.Context) (map[string][]ToolDescriptor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string][]ToolDescriptor)
	for id := range h.servers {
		if len(h.tools[id]) > 0 {
			out[id] = h.tools[id]
		}
	}
	return out, nil
}

func (h *fakeHost) GetServerStatus(ctx context.Context, id string) (ServerStatus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.servers[id]
	if !ok {
		return ServerStatus{}, fmt.Errorf("%w: %s", ErrServerNotFound, id)
	}
	st := h.statusLocked(id, s)
	s.queries++
	return st, nil
}

func (h *fakeHost) setState(id string, state ServerState, msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finalState[id] = state
	h.finalError[id] = msg
}

func (h *fakeHost) addCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.adds)
}

func (h *fakeHost) running(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.servers[id]
	return ok
}

// memConfigStore hands out copies so callers cannot share state with it.
type memConfigStore struct {
	mu      sync.Mutex
	data    []byte
	saveErr error
}

func newMemConfigStore(cfg *Config) *memConfigStore {
	s := &memConfigStore{}
	if err := s.Save(cfg); err != nil {
		panic(err)
	}
	return s
}

func (s *memConfigStore) Load() (*Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cfg Config
	if err := json.Unmarshal(s.data, &cfg); err != nil {
		return nil, err
	}
	if cfg.Servers == nil {
		cfg.Servers = make(map[string]ServerConfig)
	}
	return &cfg, nil
}

func (s *memConfigStore) Save(cfg *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	s.data = data
	return nil
}

func (s *memConfigStore) failSaves(err error) {
	s.mu.Lock()
	s.saveErr = err
	s.mu.Unlock()
}

var errBoom = errors.New("boom")

// eventRecorder collects published events.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) listen(e Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *eventRecorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
