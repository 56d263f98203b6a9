package model

import "time"

// Attachment references an externally stored object. The bytes are never
// owned here; only the URL travels with the message.
type Attachment struct {
	URL  string `json:"url"`
	Type string `json:"type"`
}

// Message is one chat utterance. ReadBy always contains the sender from the
// moment of creation; it only ever grows.
type Message struct {
	ID          string       `json:"id"`
	GroupID     string       `json:"group_id"`
	SenderID    string       `json:"sender_id"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReadBy      []string     `json:"read_by"`
	CreatedAt   time.Time    `json:"timestamp"`
	Sender      *UserPublic  `json:"sender,omitempty"`
}
