package persistence

import (
	"database/sql"

	"github.com/redis/go-redis/v9"
)

// Persistence bundles the store interfaces so the engine
// can depend on a single abstraction. Sessions and Events must come from
// the same backend, since session writes append to that backend's log.
type Persistence struct {
	Journeys JourneyStore
	Sessions SessionStore
	Events   EventLog
}

// NewInMemory keeps everything in process memory.
func NewInMemory() Persistence {
	store := NewInMemoryStore()
	return Persistence{Journeys: store, Sessions: store, Events: store.Events()}
}

// NewSQL creates the journey, session and event tables on db.
func NewSQL(db *sql.DB, dialect Dialect) (Persistence, error) {
	store, err := NewSQLStore(db, dialect)
	if err != nil {
		return Persistence{}, err
	}
	return Persistence{Journeys: store, Sessions: store, Events: store.Events()}, nil
}

// NewRedis keeps journeys, sessions and events under prefix.
func NewRedis(client *redis.Client, prefix string) Persistence {
	store := NewRedisStore(client, prefix)
	return Persistence{Journeys: store, Sessions: store, Events: store.Events()}
}
