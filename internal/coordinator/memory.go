package coordinator

import (
	"context"
	"sync"
)

// Memory implements Coordinator in-process. It offers no cross-process
// guarantees and exists for single-process deployments and tests.
type Memory struct {
	mu       sync.Mutex
	rooms    map[string]RoomRecord
	handlers []Handler
}

func NewMemory() *Memory {
	return &Memory{rooms: make(map[string]RoomRecord)}
}

func (m *Memory) Publish(_ context.Context, event Event) error {
	m.mu.Lock()
	handlers := make([]Handler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	for _, h := range handlers {
		h(event)
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, handler Handler) error {
	m.mu.Lock()
	m.handlers = append(m.handlers, handler)
	m.mu.Unlock()
	return nil
}

func (m *Memory) PutRoom(_ context.Context, record RoomRecord) error {
	m.mu.Lock()
	m.rooms[record.ID] = record
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetRoom(_ context.Context, roomID string) (RoomRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.rooms[roomID]
	if !ok {
		return RoomRecord{}, ErrRoomRecordNotFound
	}
	return record, nil
}

func (m *Memory) DeleteRoom(_ context.Context, roomID string) error {
	m.mu.Lock()
	delete(m.rooms, roomID)
	m.mu.Unlock()
	return nil
}

func (m *Memory) ListRooms(_ context.Context) ([]RoomRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := make([]RoomRecord, 0, len(m.rooms))
	for _, record := range m.rooms {
		records = append(records, record)
	}
	return records, nil
}

func (m *Memory) Close() error { return nil }
