// Package relay fans one normalized message out to every configured
// publisher concurrently and reports partial failure.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"tgrelay/pkg/bus"
	"tgrelay/pkg/message"
	"tgrelay/pkg/observability"
	"tgrelay/pkg/publisher"
	"tgrelay/pkg/publisher/failure"

	"github.com/google/uuid"
)

// Outcome is the settled result of one publisher for one dispatch.
type Outcome struct {
	Index     int
	Publisher string
	Err       error
	Duration  time.Duration
}

// Summary describes one completed dispatch.
type Summary struct {
	DispatchID string
	Payload    message.Payload
	Outcomes   []Outcome
	Succeeded  int
	Total      int
}

// Forwarded renders the success ratio as "K/N".
func (s Summary) Forwarded() string {
	return fmt.Sprintf("%d/%d", s.Succeeded, s.Total)
}

// Failed returns the outcomes that carry an error, in publisher order.
func (s Summary) Failed() []Outcome {
	var failed []Outcome
	for _, outcome := range s.Outcomes {
		if outcome.Err != nil {
			failed = append(failed, outcome)
		}
	}
	return failed
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

func WithTelemetry(telemetry *observability.Telemetry) Option {
	return func(d *Dispatcher) {
		if telemetry != nil {
			d.telemetry = telemetry
		}
	}
}

// WithBus publishes lifecycle events for every dispatch.
func WithBus(mb *bus.MessageBus) Option {
	return func(d *Dispatcher) {
		d.bus = mb
	}
}

// Dispatcher holds a fixed publisher list. It keeps no per-dispatch state
// and is safe to call from many goroutines at once.
type Dispatcher struct {
	publishers []publisher.Publisher
	log        *slog.Logger
	telemetry  *observability.Telemetry
	bus        *bus.MessageBus
}

// New builds a dispatcher over publishers. The slice is copied.
func New(publishers []publisher.Publisher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		publishers: append([]publisher.Publisher(nil), publishers...),
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.telemetry == nil {
		d.telemetry = observability.Noop()
	}
	d.log = d.log.With("component", "relay.dispatcher")

	if len(d.publishers) == 0 {
		d.log.Warn("No publishers configured; messages will be received but not forwarded")
	}

	return d
}

// Publishers returns the number of configured publishers.
func (d *Dispatcher) Publishers() int {
	return len(d.publishers)
}

// OnMessage normalizes event and publishes it to every publisher
// concurrently, waiting for all of them to settle. Failures are logged with
// their publisher index and never escape to the caller.
func (d *Dispatcher) OnMessage(ctx context.Context, event message.Event) (summary Summary) {
	if ctx == nil {
		ctx = context.Background()
	}

	dispatchID := uuid.NewString()
	log := d.log.With("dispatch_id", dispatchID)
	summary = Summary{DispatchID: dispatchID, Total: len(d.publishers)}

	defer func() {
		if r := recover(); r != nil {
			log.Error("Error handling message", "error", failure.Panic(r))
		}
	}()

	payload, ok := d.normalize(event, log)
	if !ok {
		return summary
	}
	summary.Payload = payload
	chatID := payload.ChatIDOrEmpty()

	ctx, span := d.telemetry.StartDispatch(ctx, dispatchID, chatID, len(d.publishers))
	d.telemetry.RecordReceived(ctx)
	d.emit(ctx, bus.Event{Type: bus.EventMessageReceived, DispatchID: dispatchID, ChatID: chatID})

	log.Info("Message received",
		"chat_id", chatID,
		"is_reply", payload.IsReply,
		"has_image", payload.HasImage(),
		"publishers", len(d.publishers),
	)

	summary.Outcomes = d.fanOut(ctx, payload)

	for _, outcome := range summary.Outcomes {
		if outcome.Err == nil {
			summary.Succeeded++
			continue
		}
		log.Error("Publisher failed",
			"index", outcome.Index,
			"publisher", outcome.Publisher,
			"category", failure.CategoryFromError(outcome.Err),
			"error", outcome.Err,
		)
		d.emit(ctx, bus.Event{
			Type:       bus.EventPublishFailed,
			DispatchID: dispatchID,
			ChatID:     chatID,
			Publisher:  outcome.Publisher,
			Error:      outcome.Err.Error(),
			Payload:    map[string]string{"index": strconv.Itoa(outcome.Index)},
		})
	}

	log.Info("Message forwarded", "forwarded", summary.Forwarded())
	d.emit(ctx, bus.Event{
		Type:       bus.EventMessageForwarded,
		DispatchID: dispatchID,
		ChatID:     chatID,
		Payload: map[string]string{
			"succeeded": strconv.Itoa(summary.Succeeded),
			"total":     strconv.Itoa(summary.Total),
		},
	})

	var spanErr error
	if summary.Succeeded < summary.Total {
		spanErr = fmt.Errorf("forwarded %s", summary.Forwarded())
	}
	d.telemetry.EndSpan(span, spanErr)

	return summary
}

// fanOut starts every publish before waiting on any of them.
func (d *Dispatcher) fanOut(ctx context.Context, payload message.Payload) []Outcome {
	outcomes := make([]Outcome, len(d.publishers))

	var wg sync.WaitGroup
	for i, p := range d.publishers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = d.publishOne(ctx, i, p, payload)
		}()
	}
	wg.Wait()

	return outcomes
}

func (d *Dispatcher) publishOne(ctx context.Context, index int, p publisher.Publisher, payload message.Payload) (outcome Outcome) {
	outcome = Outcome{Index: index, Publisher: publisherName(p, index)}

	ctx, span := d.telemetry.StartPublish(ctx, outcome.Publisher, index)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			outcome.Err = failure.Panic(r)
		}
		outcome.Duration = time.Since(start)
		d.telemetry.RecordPublish(ctx, outcome.Publisher, outcome.Duration, outcome.Err)
		d.telemetry.EndSpan(span, outcome.Err)
	}()

	if p == nil {
		outcome.Err = failure.New(failure.CategoryConfig, "publisher is nil")
		return outcome
	}
	outcome.Err = p.Publish(ctx, payload)
	return outcome
}

func (d *Dispatcher) normalize(event message.Event, log *slog.Logger) (payload message.Payload, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Failed to normalize message", "error", failure.Panic(r))
			ok = false
		}
	}()

	return message.Normalize(event, log), true
}

func (d *Dispatcher) emit(ctx context.Context, event bus.Event) {
	if d.bus == nil {
		return
	}
	d.bus.PublishEvent(context.WithoutCancel(ctx), event)
}

// publisherName tolerates nil publishers and panicking Name methods.
func publisherName(p publisher.Publisher, index int) (name string) {
	fallback := "publisher-" + strconv.Itoa(index)
	if p == nil {
		return fallback
	}
	defer func() {
		if recover() != nil {
			name = fallback
		}
	}()
	return p.Name()
}
