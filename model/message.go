package model

import "time"

// PushMessage is a single WAP push as handed over by the push dispatcher.
type PushMessage struct {
	ID          string
	ContentType string
	Data        []byte
	ReceivedAt  time.Time
	Hash        string
}

// Envelope wraps a push alongside an optional error encountered while reading it.
type Envelope struct {
	Push PushMessage
	Err  error
}

// CheckRequest asks for a mail check of the account a push was addressed to.
type CheckRequest struct {
	PushID  string
	Hash    string
	Address string
	Account Account
}

// Account is a mail account that can be checked over IMAP.
type Account struct {
	Name   string
	Email  string
	Folder string
	IMAP   IMAPSettings
}

// IMAPSettings holds the connection settings of an account.
type IMAPSettings struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
}
