package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"tgrelay/pkg/bus"
	"tgrelay/pkg/channel"
	"tgrelay/pkg/config"
	"tgrelay/pkg/message"
	"tgrelay/pkg/relay"
)

const (
	defaultHealthHost   = "0.0.0.0"
	defaultHealthPort   = 3000
	healthProbeInterval = 30 * time.Second
	healthProbeTimeout  = 10 * time.Second

	statusOK          = "OK"
	statusError       = "ERROR"
	stateConnected    = "connected"
	stateDisconnected = "disconnected"
)

// Dispatcher forwards one inbound event to the publishers.
type Dispatcher interface {
	OnMessage(ctx context.Context, event message.Event) relay.Summary
}

// Service runs the channel adapters, hands every inbound event to the
// dispatcher, and serves the liveness endpoints.
type Service struct {
	cfg        *config.Config
	log        *slog.Logger
	dispatcher Dispatcher
	channels   []channel.Adapter
	bus        *bus.MessageBus

	inflight sync.WaitGroup

	mu            sync.RWMutex
	startedAt     time.Time
	channelStates map[string]channelState
	counters      counters
}

type channelState struct {
	Running        bool   `json:"running"`
	Connected      bool   `json:"connected"`
	LastHealthOKAt string `json:"last_health_ok_at,omitempty"`
	Error          string `json:"error,omitempty"`
}

type counters struct {
	Received        int64  `json:"received"`
	Forwarded       int64  `json:"forwarded"`
	PublishFailures int64  `json:"publish_failures"`
	LastForwardedAt string `json:"last_forwarded_at,omitempty"`
}

type statusResponse struct {
	Status        string                  `json:"status"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
	Channels      map[string]channelState `json:"channels"`
	Counters      counters                `json:"counters"`
}

// NewService wires adapters to dispatcher. mb may be nil, in which case the
// forwarding counters stay at zero.
func NewService(cfg *config.Config, adapters []channel.Adapter, dispatcher Dispatcher, mb *bus.MessageBus, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if len(adapters) == 0 {
		return nil, errors.New("at least one channel adapter is required")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	if log == nil {
		log = slog.Default()
	}

	channelStates := make(map[string]channelState, len(adapters))
	for _, adapter := range adapters {
		channelStates[adapter.Name()] = channelState{}
	}

	return &Service{
		cfg:           cfg,
		log:           log.With("component", "gateway.service"),
		dispatcher:    dispatcher,
		channels:      adapters,
		bus:           mb,
		channelStates: channelStates,
	}, nil
}

// Run blocks until ctx is canceled or a channel or the status server fails.
// In-flight dispatches are drained before it returns.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.bus != nil {
		events, unsubscribe := s.bus.SubscribeEvents(runCtx, 0)
		defer unsubscribe()
		go s.consumeEvents(events)
	}

	serverErrors := make(chan error, 1)
	go s.runHealthServer(runCtx, serverErrors)

	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.checkChannelHealth(runCtx)
			}
		}
	}()

	errCh := make(chan error, len(s.channels))
	var channels sync.WaitGroup
	for _, adapter := range s.channels {
		s.setChannelRunning(adapter.Name(), true, nil)

		channels.Add(1)
		go func() {
			defer channels.Done()
			err := adapter.Run(runCtx, s.handleEvent)
			s.setChannelRunning(adapter.Name(), false, err)
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("run %s channel: %w", adapter.Name(), err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErrors:
	case runErr = <-errCh:
	}

	cancel()
	channels.Wait()
	s.inflight.Wait()
	s.log.Info("Gateway stopped")

	return runErr
}

// handleEvent dispatches in the background so the adapter's receive loop
// never waits on publishers. Dispatches outlive ctx cancellation and are
// drained by Run.
func (s *Service) handleEvent(ctx context.Context, event message.Event) {
	dispatchCtx := context.WithoutCancel(ctx)

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.dispatcher.OnMessage(dispatchCtx, event)
	}()
}

// Handler returns the status HTTP handler.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/", http.NotFound)
	return mux
}

func (s *Service) runHealthServer(ctx context.Context, errCh chan<- error) {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHealthHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultHealthPort
	}

	addr := host + ":" + strconv.Itoa(port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Health check server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start status server: %w", err)
	}
}

// handleHealth reports 200 only while every channel is connected.
func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]string{"status": statusOK}
	statusCode := http.StatusOK

	for _, adapter := range s.channels {
		state := stateConnected
		if !adapter.Connected() {
			state = stateDisconnected
			body["status"] = statusError
			statusCode = http.StatusServiceUnavailable
		}
		body[adapter.Name()] = state
	}

	s.writeJSON(w, statusCode, body)
}

func (s *Service) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.currentStatus())
}

func (s *Service) writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus() statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	channels := make(map[string]channelState, len(s.channelStates))
	for name, state := range s.channelStates {
		channels[name] = state
	}
	for _, adapter := range s.channels {
		state := channels[adapter.Name()]
		state.Connected = adapter.Connected()
		channels[adapter.Name()] = state
	}

	return statusResponse{
		Status:        "ok",
		UptimeSeconds: uptime,
		Channels:      channels,
		Counters:      s.counters,
	}
}

// checkChannelHealth probes every running adapter and records the result.
func (s *Service) checkChannelHealth(ctx context.Context) {
	for _, adapter := range s.channels {
		name := adapter.Name()

		s.mu.RLock()
		running := s.channelStates[name].Running
		s.mu.RUnlock()
		if !running {
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
		err := adapter.Health(probeCtx)
		cancel()

		s.mu.Lock()
		state := s.channelStates[name]
		if err != nil {
			state.Error = err.Error()
		} else {
			state.Error = ""
			state.LastHealthOKAt = time.Now().UTC().Format(time.RFC3339)
		}
		s.channelStates[name] = state
		s.mu.Unlock()

		if err != nil {
			s.log.Warn("Channel health check failed", "channel", name, "error", err)
		}
	}
}

func (s *Service) consumeEvents(events <-chan bus.Event) {
	for event := range events {
		s.mu.Lock()
		switch event.Type {
		case bus.EventMessageReceived:
			s.counters.Received++
		case bus.EventPublishFailed:
			s.counters.PublishFailures++
		case bus.EventMessageForwarded:
			s.counters.Forwarded++
			s.counters.LastForwardedAt = event.At.Format(time.RFC3339)
		}
		s.mu.Unlock()
	}
}

func (s *Service) setChannelRunning(name string, running bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.channelStates[name]
	state.Running = running
	state.Error = errorString(err)
	s.channelStates[name] = state
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
