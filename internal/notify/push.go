// README: Fire-and-forget push notifications toward unit devices.
package notify

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"lifeline/internal/types"
)

// Pusher wakes a unit's device app. Delivery is best-effort: the offer is
// authoritative in the ledger and units poll for it regardless.
type Pusher interface {
	OfferAvailable(unitID types.ID, requestID types.ID)
	AssignmentConfirmed(unitID types.ID, requestID types.ID)
}

// WebhookPusher posts JSON to the notification gateway owned by the
// surrounding application.
type WebhookPusher struct {
	Endpoint string
	Client   *http.Client
}

func NewWebhookPusher(endpoint string) *WebhookPusher {
	return &WebhookPusher{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *WebhookPusher) OfferAvailable(unitID, requestID types.ID) {
	p.post(map[string]any{"kind": "offer", "unit_id": unitID, "request_id": requestID})
}

func (p *WebhookPusher) AssignmentConfirmed(unitID, requestID types.ID) {
	p.post(map[string]any{"kind": "assignment", "unit_id": unitID, "request_id": requestID})
}

func (p *WebhookPusher) post(payload map[string]any) {
	b, _ := json.Marshal(payload)
	resp, err := p.Client.Post(p.Endpoint, "application/json", bytes.NewReader(b))
	if err != nil {
		return
	}
	_ = resp.Body.Close()
}

// Nop is used when no gateway is configured.
type Nop struct{}

func (Nop) OfferAvailable(types.ID, types.ID)      {}
func (Nop) AssignmentConfirmed(types.ID, types.ID) {}
