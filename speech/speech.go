// Package speech plays agent replies aloud, one utterance at a time.
package speech

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"casey/log"
	"casey/metrics"
	"casey/settings"
)

// Engine renders text to sound. Speak blocks until playback has finished,
// and returns ctx.Err() once ctx is cancelled.
type Engine interface {
	Speak(ctx context.Context, text string, profile settings.VoiceProfile) error
}

// Listener receives the lifecycle of each utterance. Calls arrive on the
// utterance's own goroutine.
type Listener interface {
	PlaybackStarted(id string)
	PlaybackEnded(id string, cancelled bool)
	PlaybackFailed(id string, err error)
}

const (
	OutcomeEnded     = "ended"
	OutcomeCancelled = "cancelled"
	OutcomePreempted = "preempted"
	OutcomeFailed    = "failed"
)

type utterance struct {
	id     string
	text   string
	ctx    context.Context
	cancel context.CancelFunc
	prev   <-chan struct{}
	done   chan struct{}

	// guarded by Controller.mu
	outcome string
}

// Controller owns the engine. Speak always cancels the current utterance
// before starting a new one, and a new utterance does not reach the engine
// until the previous one has returned from it.
type Controller struct {
	engine   Engine
	listener Listener
	metrics  *metrics.Metrics

	mu      sync.Mutex
	current *utterance
	last    chan struct{}
	wg      sync.WaitGroup
}

func NewController(engine Engine, listener Listener, m *metrics.Metrics) *Controller {
	return &Controller{engine: engine, listener: listener, metrics: m}
}

// SetListener replaces the listener. It must be called before the first Speak.
func (c *Controller) SetListener(l Listener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

// Speak preempts whatever is playing and starts text with profile. It
// returns the new utterance's id.
func (c *Controller) Speak(text string, profile settings.VoiceProfile) string {
	ctx, cancel := context.WithCancel(context.Background())
	u := &utterance{
		id:     uuid.NewString(),
		text:   text,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	if c.current != nil {
		c.current.outcome = OutcomePreempted
		c.current.cancel()
	}
	u.prev = c.last
	c.current = u
	c.last = u.done
	listener := c.listener
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run(u, profile, listener)
	return u.id
}

// Cancel stops the current utterance. It reports whether one was active.
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return false
	}
	c.current.outcome = OutcomeCancelled
	c.current.cancel()
	c.current = nil
	return true
}

// Speaking returns the id of the active utterance, or "".
func (c *Controller) Speaking() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return ""
	}
	return c.current.id
}

// Close cancels playback and waits for every utterance goroutine to exit.
func (c *Controller) Close() {
	c.Cancel()
	c.wg.Wait()
}

func (c *Controller) run(u *utterance, profile settings.VoiceProfile, listener Listener) {
	defer c.wg.Done()
	defer close(u.done)
	defer u.cancel()

	if u.prev != nil {
		<-u.prev
	}

	start := time.Now()
	var err error
	if u.ctx.Err() == nil {
		if listener != nil {
			listener.PlaybackStarted(u.id)
		}
		err = c.engine.Speak(u.ctx, u.text, profile)
	}

	c.mu.Lock()
	outcome := u.outcome
	if c.current == u {
		c.current = nil
	}
	c.mu.Unlock()

	switch {
	case outcome != "":
		// cancelled or preempted; any error is the cancellation itself
		err = nil
	case err != nil && errors.Is(err, context.Canceled):
		outcome = OutcomeCancelled
		err = nil
	case err != nil:
		outcome = OutcomeFailed
	default:
		outcome = OutcomeEnded
	}

	log.Playback(u.id, outcome, time.Since(start), err)
	c.metrics.ObservePlayback(outcome)

	if listener == nil {
		return
	}
	if outcome == OutcomeFailed {
		listener.PlaybackFailed(u.id, err)
		return
	}
	listener.PlaybackEnded(u.id, outcome != OutcomeEnded)
}
