package notify

import (
	"context"
	"sync"

	"github.com/argus-labs/dungeon-crawler/pkg/protocol"
)

// Target kinds of a Delivery.
const (
	TargetUser  = "user"
	TargetParty = "party"
)

// Delivery is one recorded send.
type Delivery struct {
	Kind    string
	Target  string
	Message protocol.Message
}

// Recorder keeps every message in memory. Used by tests and local runs without NATS.
type Recorder struct {
	mu         sync.Mutex
	deliveries []Delivery
}

var _ Notifier = (*Recorder)(nil)

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) SendToUser(_ context.Context, username string, msg protocol.Message) {
	r.record(Delivery{Kind: TargetUser, Target: username, Message: msg})
}

func (r *Recorder) SendToParty(_ context.Context, partyID string, msg protocol.Message) {
	r.record(Delivery{Kind: TargetParty, Target: partyID, Message: msg})
}

func (r *Recorder) record(d Delivery) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, d)
}

// Deliveries returns every recorded send in order.
func (r *Recorder) Deliveries() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Delivery, len(r.deliveries))
	copy(out, r.deliveries)
	return out
}

// ForUser returns the messages sent to username, in order.
func (r *Recorder) ForUser(username string) []protocol.Message {
	return r.filter(TargetUser, username)
}

// ForParty returns the messages sent to partyID, in order.
func (r *Recorder) ForParty(partyID string) []protocol.Message {
	return r.filter(TargetParty, partyID)
}

// OfType returns the messages sent to username with the given type.
func (r *Recorder) OfType(username, msgType string) []protocol.Message {
	var out []protocol.Message
	for _, msg := range r.ForUser(username) {
		if msg.Type() == msgType {
			out = append(out, msg)
		}
	}
	return out
}

func (r *Recorder) filter(kind, target string) []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Message
	for _, d := range r.deliveries {
		if d.Kind == kind && d.Target == target {
			out = append(out, d.Message)
		}
	}
	return out
}

// Reset forgets every recorded send.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = nil
}
