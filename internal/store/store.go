// Package store defines the persistent document-store interface the
// core is built against (spec §6: atomic insert, upsert-by-id,
// find-by-indexed-field, cursor iteration, a "state-management"
// partial-field persistence mode) and a Postgres/JSONB implementation
// of it.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a lookup finds no matching document.
var ErrNotFound = errors.New("store: document not found")

// ErrAlreadyExists is returned by Insert when the id already exists
// in the collection.
var ErrAlreadyExists = errors.New("store: document already exists")

// Collection names for the persisted layout named in spec §6.
const (
	CollectionUser           = "user"
	CollectionMessage        = "message"
	CollectionLobby          = "lobby"
	CollectionRoom           = "room"
	CollectionGame           = "game"
	CollectionChatMessages   = "chat_messages"
	CollectionMap            = "map"
	CollectionMapPack        = "map_pack"
	CollectionRandomMapQueue = "random_map_queue"
)

// Store is the document-store contract every component persists
// through. Implementations need not support multi-document
// transactions.
type Store interface {
	// Insert atomically creates a new document. Returns
	// ErrAlreadyExists if id is already present in collection.
	Insert(ctx context.Context, collection, id string, doc any) error

	// Upsert creates or fully replaces the document at id.
	Upsert(ctx context.Context, collection, id string, doc any) error

	// UpdateFields persists only the named fields of the document at
	// id ("state management" mode) without requiring the caller to
	// read-modify-write the whole document.
	UpdateFields(ctx context.Context, collection, id string, fields map[string]any) error

	// FindByID loads one document by primary key into out.
	// Returns ErrNotFound if absent.
	FindByID(ctx context.Context, collection, id string, out any) error

	// FindOneByField loads the first document whose field equals
	// value into out. Returns ErrNotFound if none match.
	FindOneByField(ctx context.Context, collection, field string, value any, out any) error

	// Iterate calls fn once per document in collection, in an
	// unspecified but stable cursor order, stopping at the first
	// error fn returns.
	Iterate(ctx context.Context, collection string, fn func(id string, raw []byte) error) error

	// Close releases the underlying connection pool.
	Close()
}
