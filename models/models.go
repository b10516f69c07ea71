package models

import "time"

// User presence status codes carried in ContactList and
// ContactStatusChange packets.
const (
	StatusOnline  = 0
	StatusAway    = 1
	StatusBusy    = 2
	StatusOffline = 3
)

type Account struct {
	ID           int64
	Username     string
	PasswordHash string
	Salt         string
	Avatar       string // path to stored avatar blob, may be empty
}

type Friend struct {
	ID     int64
	Owner  string
	Friend string
}

type StoredMessage struct {
	ID        int64
	Sender    string
	Recipient string
	Body      string
	CreatedAt time.Time
	Delivered bool
}
