package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Message is a fully rendered per-recipient email handed to a relay. The
// relay owns SMTP and provider semantics; nothing in this engine blocks on
// provider I/O outside the worker.
type Message struct {
	To        string `json:"to"`
	Subject   string `json:"subject"`
	HTML      string `json:"html"`
	Text      string `json:"text"`
	Preheader string `json:"preheader,omitempty"`
}

type Relay interface {
	Name() string
	Ready() bool
	Acquire() bool
	Send(ctx context.Context, msg Message) error
}

var (
	ErrNoHealthy = fmt.Errorf("no healthy relays")
	ErrNoAcquire = fmt.Errorf("relay not acquired")
)

// Dispatcher round-robins messages across healthy relays.
type Dispatcher struct {
	relays            []Relay
	roundRobinCounter atomic.Uint64
}

func NewDispatcher(relays []Relay) *Dispatcher {
	return &Dispatcher{relays: relays}
}

func (d *Dispatcher) selectRelay() (Relay, error) {
	healthy := make([]Relay, 0, len(d.relays))
	for _, r := range d.relays {
		if r.Ready() {
			healthy = append(healthy, r)
		}
	}

	if len(healthy) == 0 {
		return nil, ErrNoHealthy
	}

	x := d.roundRobinCounter.Add(1)
	idx := int((x - 1) % uint64(len(healthy)))

	return healthy[idx], nil
}

// Send tries one healthy relay. A failure is a transient delivery error; the
// caller records it on the ledger and retry runs through the normal policy,
// so there is no in-process retry loop here.
func (d *Dispatcher) Send(ctx context.Context, msg Message) error {
	r, err := d.selectRelay()
	if err != nil {
		return err
	}

	if !r.Acquire() {
		return ErrNoAcquire
	}

	return r.Send(ctx, msg)
}

// HTTPRelay posts rendered messages to a relay endpoint, guarded by a micro
// circuit breaker.
type HTTPRelay struct {
	name     string
	baseURL  string
	sendPath string
	client   *http.Client
	br       *MicroBreaker
}

func NewHTTPRelay(name, baseURL, sendPath string, timeoutMs, failThreshold, openForMs int) *HTTPRelay {
	if timeoutMs <= 0 {
		timeoutMs = 3000
	}

	if failThreshold <= 0 {
		failThreshold = 3
	}

	if openForMs <= 0 {
		openForMs = 15000
	}

	return &HTTPRelay{
		name:     name,
		baseURL:  baseURL,
		sendPath: sendPath,
		client:   &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		br:       NewMicroBreaker(failThreshold, time.Duration(openForMs)*time.Millisecond),
	}
}

var _ Relay = (*HTTPRelay)(nil)

func (r *HTTPRelay) Name() string  { return r.name }
func (r *HTTPRelay) Ready() bool   { return r.br.Ready() }
func (r *HTTPRelay) Acquire() bool { return r.br.TryAcquire() }

func (r *HTTPRelay) Send(ctx context.Context, msg Message) error {
	if err := r.post(ctx, msg); err != nil {
		r.br.OnFailure()
		return err
	}

	r.br.OnSuccess()

	return nil
}

func (r *HTTPRelay) post(ctx context.Context, msg Message) error {
	b, _ := json.Marshal(msg)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+r.sendPath, bytes.NewReader(b))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	res, err := r.client.Do(req)
	if err != nil {
		return err
	}

	defer res.Body.Close()

	if res.StatusCode/100 != 2 {
		return fmt.Errorf("relay=%s status=%d", r.name, res.StatusCode)
	}

	return nil
}
