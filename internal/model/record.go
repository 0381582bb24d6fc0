package model

import "time"

// Client is the managed-field projection of a row in the local customer
// table ("A" side). The sync core reads and writes only the managed set;
// all other customer columns belong to the main application.
type Client struct {
	ID           int64     `json:"id"`
	Email        string    `json:"email"`
	Fields       Fields    `json:"fields"`
	MailerLiteID *string   `json:"mailerlite_id,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SubscriberStatus is MailerLite's subscriber status taxonomy.
type SubscriberStatus string

const (
	StatusActive       SubscriberStatus = "active"
	StatusUnsubscribed SubscriberStatus = "unsubscribed"
	StatusUnconfirmed  SubscriberStatus = "unconfirmed"
	StatusBounced      SubscriberStatus = "bounced"
	StatusJunk         SubscriberStatus = "junk"
)

// Subscribed reports MailerLite's boolean view of a status: only active
// subscribers count as subscribed.
func (s SubscriberStatus) Subscribed() bool { return s == StatusActive }

// Subscriber is the managed-field projection of a MailerLite subscriber
// ("B" side).
type Subscriber struct {
	ID     string           `json:"id"`
	Email  string           `json:"email"`
	Status SubscriberStatus `json:"status"`
	Fields Fields           `json:"fields"`
}
