package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event represents a domain event
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregateId"`
	AggregateType string          `json:"aggregateType"`
	EventType     string          `json:"eventType"`
	EventVersion  int             `json:"eventVersion"`
	Timestamp     time.Time       `json:"timestamp"`
	UserID        string          `json:"userId,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEvent creates a new event
func NewEvent(aggregateID, aggregateType, eventType string, payload interface{}) (*Event, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		EventVersion:  1,
		Timestamp:     time.Now().UTC(),
		Payload:       payloadBytes,
	}, nil
}

// Publisher delivers domain events to the message bus
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
	Close() error
}

// Aggregate types
const (
	AggregateUser         = "user"
	AggregateSubscription = "subscription"
	AggregateInvoice      = "invoice"
	AggregatePayment      = "payment"
)

// Event types
const (
	UserRegistered        = "user.registered"
	UserLoggedIn          = "user.logged_in"
	UserLoggedOut         = "user.logged_out"
	PasswordChanged       = "user.password_changed"
	SubscriptionCreated   = "subscription.created"
	SubscriptionRenewed   = "subscription.renewed"
	SubscriptionPastDue   = "subscription.past_due"
	SubscriptionCanceled  = "subscription.canceled"
	InvoiceCreated        = "invoice.created"
	InvoiceFinalized      = "invoice.finalized"
	InvoicePaid           = "invoice.paid"
	InvoiceVoided         = "invoice.voided"
	InvoiceUncollectible  = "invoice.uncollectible"
	PaymentSucceeded      = "payment.succeeded"
	PaymentFailed         = "payment.failed"
	PaymentRefunded       = "payment.refunded"
	PaymentPending        = "payment.pending"
	WebhookEventProcessed = "webhook.processed"
)

// Auth events

type UserRegisteredPayload struct {
	UserID    string    `json:"userId"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

type UserSessionPayload struct {
	UserID    string    `json:"userId"`
	Email     string    `json:"email,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Billing events

type SubscriptionPayload struct {
	SubscriptionID     string    `json:"subscriptionId"`
	CustomerID         string    `json:"customerId"`
	PlanID             string    `json:"planId"`
	Status             string    `json:"status"`
	CurrentPeriodStart time.Time `json:"currentPeriodStart"`
	CurrentPeriodEnd   time.Time `json:"currentPeriodEnd"`
	CancelAtPeriodEnd  bool      `json:"cancelAtPeriodEnd"`
}

type InvoicePayload struct {
	InvoiceID      string `json:"invoiceId"`
	Number         string `json:"number"`
	CustomerID     string `json:"customerId"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
	Status         string `json:"status"`
	Currency       string `json:"currency"`
	TotalCents     int64  `json:"totalCents"`
}

type PaymentPayload struct {
	PaymentID     string `json:"paymentId"`
	InvoiceID     string `json:"invoiceId"`
	Provider      string `json:"provider"`
	ProviderRef   string `json:"providerRef"`
	Status        string `json:"status"`
	AmountCents   int64  `json:"amountCents"`
	RefundedCents int64  `json:"refundedCents,omitempty"`
	Currency      string `json:"currency"`
	FailureReason string `json:"failureReason,omitempty"`
}

type WebhookPayload struct {
	Provider  string `json:"provider"`
	EventID   string `json:"eventId"`
	EventType string `json:"eventType"`
	Effect    string `json:"effect"`
}
