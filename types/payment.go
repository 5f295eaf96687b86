package types

import "encoding/json"

// PaymentMessage is the externally visible payment-status notification.
// Users only ever see the sent-to-network abstraction, so Status here is
// one of unconfirmed, confirmed or error; queued is normalized away before
// rendering.
type PaymentMessage struct {
	Value       *BigInt `json:"value"`
	TxHash      string  `json:"txHash"`
	Status      Status  `json:"status"`
	FromAddress string  `json:"fromAddress"`
	ToAddress   string  `json:"toAddress"`
	NetworkID   uint64  `json:"networkId"`
}

// Render serializes the payment message for delivery.
func (p *PaymentMessage) Render() ([]byte, error) {
	return json.Marshal(p)
}
