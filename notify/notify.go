// Package notify renders payment-status messages and dispatches per-address
// notifications through the task bus.
package notify

import (
	"github.com/etherpay/txqueue/log"
	"github.com/etherpay/txqueue/tasks"
	"github.com/etherpay/txqueue/types"
)

// Notifier dispatches payment notifications on transaction status changes.
type Notifier struct {
	bus       tasks.Dispatcher
	networkID uint64
}

// New creates a Notifier that dispatches through bus, stamping messages with
// the configured network id.
func New(bus tasks.Dispatcher, networkID uint64) *Notifier {
	return &Notifier{
		bus:       bus,
		networkID: networkID,
	}
}

// PaymentChanged notifies the endpoints of tx about the transition from prev
// to status.
//
// A transition to queued is reported as unconfirmed: users only ever see the
// sent-to-network abstraction. The sender is always notified. The recipient
// is notified too, except for contract creations and except when a brand-new
// row goes straight to error, in which case only the sender needs to know.
// Callers suppress the queued → unconfirmed transition entirely; this method
// assumes it is only invoked for externally visible changes.
func (n *Notifier) PaymentChanged(tx *types.Transaction, prev, status types.Status) {
	if status == types.StatusQueued {
		status = types.StatusUnconfirmed
	}
	payment := &types.PaymentMessage{
		Value:       tx.Value,
		TxHash:      tx.Hash,
		Status:      status,
		FromAddress: tx.From,
		ToAddress:   tx.To,
		NetworkID:   n.networkID,
	}
	message, err := payment.Render()
	if err != nil {
		log.Errorw(err, "could not render payment message")
		return
	}

	n.bus.SendNotification(tx.From, message)

	// No recipient-side effects for contract deployments.
	if types.IsContractCreation(tx.To) {
		return
	}
	// If an error happens before any notification has been sent, only the
	// sender needs to hear about it.
	if prev == types.StatusNone && status == types.StatusError {
		return
	}
	n.bus.SendNotification(tx.To, message)
}
