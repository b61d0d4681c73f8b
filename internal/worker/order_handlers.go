package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"order-pipeline/internal/config"
	"order-pipeline/internal/models"
	"order-pipeline/internal/notify"
	"order-pipeline/internal/retry"
)

// orderPayload is the shape shared by the order stage tasks. The fail_* flags
// exist for exercising the failure paths in tests and demos.
type orderPayload struct {
	OrderID        string          `json:"order_id"`
	AmountCents    int64           `json:"amount_cents"`
	Items          json.RawMessage `json:"items,omitempty"`
	FailValidation bool            `json:"fail_validation,omitempty"`
	DeclinePayment bool            `json:"decline_payment,omitempty"`
	FailOnce       bool            `json:"fail_once,omitempty"`
}

// OrderHandlers implements the order fulfilment stages. Payment goes through
// the configured gateway when one is set; otherwise it is settled locally.
type OrderHandlers struct {
	notifier   notify.Notifier
	gatewayURL string
	client     *http.Client
}

func NewOrderHandlers(cfg config.Config, notifier notify.Notifier) *OrderHandlers {
	return &OrderHandlers{
		notifier:   notifier,
		gatewayURL: cfg.PaymentGatewayURL,
		client:     &http.Client{Timeout: cfg.NotifyTimeout},
	}
}

// Register binds every order stage kind plus the standalone notification kind.
func (h *OrderHandlers) Register(p *Pool) {
	p.RegisterHandler("validate_order", h.ValidateOrder)
	p.RegisterHandler("charge_payment", h.ChargePayment)
	p.RegisterHandler("confirm_restaurant", h.ConfirmRestaurant)
	p.RegisterHandler("dispatch_delivery", h.DispatchDelivery)
	p.RegisterHandler("mark_delivered", h.MarkDelivered)
	p.RegisterHandler("send_notification", h.SendNotification)
}

func decodePayload(task models.TaskRecord) (orderPayload, error) {
	var payload orderPayload
	if len(task.Payload) == 0 {
		payload.OrderID = task.OrderID
		return payload, nil
	}
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return payload, retry.Permanent(fmt.Errorf("malformed payload: %w", err))
	}
	if payload.OrderID == "" {
		payload.OrderID = task.OrderID
	}
	return payload, nil
}

// ValidateOrder checks the order is well formed. Validation problems are
// permanent: a bad order does not get better with retries.
func (h *OrderHandlers) ValidateOrder(ctx context.Context, task models.TaskRecord) (json.RawMessage, error) {
	payload, err := decodePayload(task)
	if err != nil {
		return nil, err
	}
	if payload.OrderID == "" {
		return nil, retry.Permanent(fmt.Errorf("order id missing"))
	}
	if payload.FailValidation {
		return nil, retry.Permanent(fmt.Errorf("order %s failed validation", payload.OrderID))
	}
	if payload.AmountCents < 0 {
		return nil, retry.Permanent(fmt.Errorf("order %s has negative amount %d", payload.OrderID, payload.AmountCents))
	}
	return json.Marshal(map[string]any{"order_id": payload.OrderID, "valid": true})
}

// ChargePayment settles the order total. Declines are permanent; gateway
// transport errors are retried.
func (h *OrderHandlers) ChargePayment(ctx context.Context, task models.TaskRecord) (json.RawMessage, error) {
	payload, err := decodePayload(task)
	if err != nil {
		return nil, err
	}
	if payload.DeclinePayment {
		return nil, retry.Permanent(fmt.Errorf("payment declined for order %s", payload.OrderID))
	}
	if payload.FailOnce && task.Attempt == 0 {
		return nil, fmt.Errorf("payment gateway timeout for order %s", payload.OrderID)
	}
	if h.gatewayURL != "" {
		if err := h.postGateway(ctx, payload); err != nil {
			return nil, err
		}
	}
	log.WithFields(log.Fields{"order_id": payload.OrderID, "amount_cents": payload.AmountCents}).Info("payment charged")
	return json.Marshal(map[string]any{"order_id": payload.OrderID, "charged_cents": payload.AmountCents})
}

func (h *OrderHandlers) postGateway(ctx context.Context, payload orderPayload) error {
	body, err := json.Marshal(map[string]any{"order_id": payload.OrderID, "amount_cents": payload.AmountCents})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.gatewayURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("payment gateway: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusUnprocessableEntity:
		return retry.Permanent(fmt.Errorf("payment gateway declined order %s", payload.OrderID))
	case resp.StatusCode >= 300:
		return fmt.Errorf("payment gateway returned %d", resp.StatusCode)
	}
	return nil
}

// ConfirmRestaurant notifies the restaurant and records the confirmation.
func (h *OrderHandlers) ConfirmRestaurant(ctx context.Context, task models.TaskRecord) (json.RawMessage, error) {
	payload, err := decodePayload(task)
	if err != nil {
		return nil, err
	}
	msg := fmt.Sprintf("please confirm order %s", payload.OrderID)
	if err := h.notifier.Notify(ctx, "restaurant", payload.OrderID, msg); err != nil {
		return nil, fmt.Errorf("restaurant confirmation: %w", err)
	}
	return json.Marshal(map[string]any{"order_id": payload.OrderID, "confirmed": true})
}

// DispatchDelivery assigns a courier for the order.
func (h *OrderHandlers) DispatchDelivery(ctx context.Context, task models.TaskRecord) (json.RawMessage, error) {
	payload, err := decodePayload(task)
	if err != nil {
		return nil, err
	}
	courier := fmt.Sprintf("courier-%s", payload.OrderID)
	msg := fmt.Sprintf("pick up order %s", payload.OrderID)
	if err := h.notifier.Notify(ctx, "courier", courier, msg); err != nil {
		return nil, fmt.Errorf("dispatch notification: %w", err)
	}
	return json.Marshal(map[string]any{"order_id": payload.OrderID, "courier": courier, "dispatched_at": time.Now().UTC().Format(time.RFC3339)})
}

// MarkDelivered closes out the order and tells the customer.
func (h *OrderHandlers) MarkDelivered(ctx context.Context, task models.TaskRecord) (json.RawMessage, error) {
	payload, err := decodePayload(task)
	if err != nil {
		return nil, err
	}
	msg := fmt.Sprintf("order %s has been delivered", payload.OrderID)
	if err := h.notifier.Notify(ctx, "customer", payload.OrderID, msg); err != nil {
		return nil, fmt.Errorf("delivery notification: %w", err)
	}
	return json.Marshal(map[string]any{"order_id": payload.OrderID, "delivered_at": time.Now().UTC().Format(time.RFC3339)})
}

// SendNotification delivers a free-form notification task submitted directly
// to the notifications queue.
func (h *OrderHandlers) SendNotification(ctx context.Context, task models.TaskRecord) (json.RawMessage, error) {
	var payload struct {
		Channel   string `json:"channel"`
		Recipient string `json:"recipient"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return nil, retry.Permanent(fmt.Errorf("malformed payload: %w", err))
	}
	if payload.Channel == "" || payload.Recipient == "" {
		return nil, retry.Permanent(fmt.Errorf("notification channel or recipient missing"))
	}
	if err := h.notifier.Notify(ctx, payload.Channel, payload.Recipient, payload.Message); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"sent": true})
}
