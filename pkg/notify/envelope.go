package notify

import (
	"encoding/json"
	"fmt"

	"github.com/MarkoPoloResearchLab/creditgate/pkg/ledger"
)

// Envelope is the wire form of a balance update on a Bus.
type Envelope struct {
	Origin    string `json:"origin"`
	Owner     string `json:"owner"`
	Balance   int64  `json:"balance"`
	Reason    string `json:"reason"`
	AtUnixUTC int64  `json:"at_unix_utc"`
}

// NewEnvelope wraps update for the bus.
func NewEnvelope(origin string, update ledger.BalanceUpdate) Envelope {
	return Envelope{
		Origin:    origin,
		Owner:     update.Owner.String(),
		Balance:   update.Balance.Int64(),
		Reason:    update.Reason,
		AtUnixUTC: update.AtUnixUTC,
	}
}

// BalanceUpdate validates the envelope and converts it back.
func (envelope Envelope) BalanceUpdate() (ledger.BalanceUpdate, error) {
	owner, err := ledger.NewOwnerID(envelope.Owner)
	if err != nil {
		return ledger.BalanceUpdate{}, err
	}
	balance, err := ledger.NewCredits(envelope.Balance)
	if err != nil {
		return ledger.BalanceUpdate{}, err
	}
	return ledger.BalanceUpdate{
		Owner:     owner,
		Balance:   balance,
		Reason:    envelope.Reason,
		AtUnixUTC: envelope.AtUnixUTC,
	}, nil
}

// EncodeEnvelope serializes an envelope.
func EncodeEnvelope(envelope Envelope) ([]byte, error) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("notify.encode: %w", err)
	}
	return payload, nil
}

// DecodeEnvelope parses a serialized envelope.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("notify.decode: %w", err)
	}
	return envelope, nil
}
