// Package storetest provides an in-memory store.Store for unit tests
// of components that persist through the interface but should not
// need a live Postgres to exercise their logic; store-specific
// behavior (indexes, JSONB query semantics) is covered separately by
// internal/store's testcontainers-backed integration tests.
package storetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/cgf/raceserver/internal/store"
)

type Memory struct {
	mu   sync.Mutex
	docs map[string]map[string][]byte
}

var _ store.Store = (*Memory)(nil)

func New() *Memory {
	return &Memory{docs: make(map[string]map[string][]byte)}
}

func (m *Memory) Close() {}

func (m *Memory) Insert(_ context.Context, collection, id string, doc any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll := m.collection(collection)
	if _, ok := coll[id]; ok {
		return fmt.Errorf("inserting %s/%s: %w", collection, id, store.ErrAlreadyExists)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	coll[id] = data
	return nil
}

func (m *Memory) Upsert(_ context.Context, collection, id string, doc any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	m.collection(collection)[id] = data
	return nil
}

func (m *Memory) UpdateFields(_ context.Context, collection, id string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll := m.collection(collection)
	existing, ok := coll[id]
	if !ok {
		return fmt.Errorf("updating fields on %s/%s: %w", collection, id, store.ErrNotFound)
	}
	var merged map[string]any
	if err := json.Unmarshal(existing, &merged); err != nil {
		return err
	}
	if merged == nil {
		merged = make(map[string]any)
	}
	for k, v := range fields {
		merged[k] = v
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	coll[id] = data
	return nil
}

func (m *Memory) FindByID(_ context.Context, collection, id string, out any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.collection(collection)[id]
	if !ok {
		return fmt.Errorf("finding %s/%s: %w", collection, id, store.ErrNotFound)
	}
	return json.Unmarshal(data, out)
}

func (m *Memory) FindOneByField(_ context.Context, collection, field string, value any, out any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll := m.collection(collection)
	ids := make([]string, 0, len(coll))
	for id := range coll {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	want := fmt.Sprintf("%v", value)
	for _, id := range ids {
		var generic map[string]any
		if err := json.Unmarshal(coll[id], &generic); err != nil {
			return err
		}
		if fmt.Sprintf("%v", generic[field]) == want {
			return json.Unmarshal(coll[id], out)
		}
	}
	return fmt.Errorf("finding %s by %s=%v: %w", collection, field, value, store.ErrNotFound)
}

func (m *Memory) Iterate(_ context.Context, collection string, fn func(id string, raw []byte) error) error {
	m.mu.Lock()
	coll := m.collection(collection)
	ids := make([]string, 0, len(coll))
	copies := make(map[string][]byte, len(coll))
	for id, data := range coll {
		ids = append(ids, id)
		copies[id] = data
	}
	m.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		if err := fn(id, copies[id]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) collection(name string) map[string][]byte {
	coll, ok := m.docs[name]
	if !ok {
		coll = make(map[string][]byte)
		m.docs[name] = coll
	}
	return coll
}
