package models

import "time"

// Message is one chat message exchanged across the mesh. Values are never
// mutated after construction.
type Message struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Sender    string    `json:"sender"`
}
