package realtime

import (
	"time"

	"github.com/swifthaul/payhold/internal/dispute"
	"github.com/swifthaul/payhold/internal/escrow"
)

// Notifier adapts the hub to the ledger and dispute event sinks.
type Notifier struct {
	hub *Hub
}

// NewNotifier creates a hub-backed notifier.
func NewNotifier(hub *Hub) *Notifier {
	return &Notifier{hub: hub}
}

// EscrowTransition broadcasts a ledger transition.
func (n *Notifier) EscrowTransition(tx *escrow.Transaction, event string) {
	n.hub.Broadcast(&Event{
		Type:      EventEscrowTransition,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"event":        event,
			"escrowId":     tx.ID,
			"agreementId":  tx.AgreementID,
			"payerId":      tx.PayerID,
			"payeeId":      tx.PayeeID,
			"status":       string(tx.Status),
			"escrowAmount": float64(tx.EscrowAmount),
		},
	})
}

// DisputeEvent broadcasts a dispute lifecycle change.
func (n *Notifier) DisputeEvent(d *dispute.Dispute, event string) {
	t := EventDisputeFiled
	switch event {
	case "dispute.resolved":
		t = EventDisputeResolved
	case "dispute.closed":
		t = EventDisputeClosed
	}

	n.hub.Broadcast(&Event{
		Type:      t,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"event":          event,
			"disputeId":      d.ID,
			"escrowId":       d.EscrowID,
			"raisedBy":       string(d.RaisedBy),
			"raisedByUserId": d.RaisedByUserID,
			"status":         string(d.Status),
			"priority":       string(d.Priority),
		},
	})
}

var (
	_ escrow.Notifier  = (*Notifier)(nil)
	_ dispute.Notifier = (*Notifier)(nil)
)
