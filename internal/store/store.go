package store

import (
	"courtside.app/coach/core/db"
)

type Stores struct {
	db *db.DB
}

func NewStores(database *db.DB) *Stores {
	return &Stores{db: database}
}

func (s *Stores) Messages() MessageStore {
	return &messageStore{pool: s.db.Pool()}
}

func (s *Stores) Conversations() ConversationStore {
	return &conversationStore{pool: s.db.Pool()}
}

func (s *Stores) Tasks() TaskStore {
	return &taskStore{pool: s.db.Pool()}
}
