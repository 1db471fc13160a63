package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when an intent name is already taken.
var ErrConflict = errors.New("intent name already exists")

type Intent struct {
	ID        string    `json:"id"`
	Name      string    `json:"intent_name"`
	Examples  []string  `json:"examples"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UnclassifiedQuery is an utterance the classifier could not resolve,
// waiting for an operator to assign it to an intent.
type UnclassifiedQuery struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	FirstSeen time.Time `json:"first_seen"`
}
