// Package notifytest records notifications for assertions.
package notifytest

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/mcclellann/coopledger/pkg/models"
	"github.com/mcclellann/coopledger/pkg/notify"
)

// Sent is one recorded notification.
type Sent struct {
	Recipient string
	Message   notify.Message
}

// Recorder implements notify.Notifier in memory.
type Recorder struct {
	mu   sync.Mutex
	sent []Sent
}

func (r *Recorder) NotifyMember(ctx context.Context, memberID uuid.UUID, msg notify.Message) {
	r.record(memberID.String(), msg)
}

func (r *Recorder) NotifyAdmins(ctx context.Context, msg notify.Message) {
	r.record(models.AdminRecipient, msg)
}

func (r *Recorder) record(recipient string, msg notify.Message) {
	r.mu.Lock()
	r.sent = append(r.sent, Sent{Recipient: recipient, Message: msg})
	r.mu.Unlock()
}

// Count returns how many notifications of kind were sent.
func (r *Recorder) Count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.Message.Kind == kind {
			n++
		}
	}
	return n
}

// Last returns the most recent notification, if any.
func (r *Recorder) Last() (Sent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return Sent{}, false
	}
	return r.sent[len(r.sent)-1], true
}
