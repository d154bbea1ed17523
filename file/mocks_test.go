package file

import (
	"errors"
	"io"
	"sync"
)

// mockStorage is an in-memory Storage that counts seeks and closes.
type mockStorage struct {
	data     []byte
	pos      int64
	seeks    int
	closes   int
	readErr  error
	writeErr error
	seekErr  error
	closeErr error
}

func newMockStorage(data []byte) *mockStorage {
	return &mockStorage{data: data}
}

func (m *mockStorage) Read(p []byte) (int, error) {
	if m.readErr != nil {
		return 0, m.readErr
	}
	if m.pos >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[m.pos:])
	m.pos += int64(n)
	return n, nil
}

func (m *mockStorage) Write(p []byte) (int, error) {
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	end := m.pos + int64(len(p))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	copy(m.data[m.pos:], p)
	m.pos = end
	return len(p), nil
}

func (m *mockStorage) Seek(offset int64, whence int) (int64, error) {
	m.seeks++
	if m.seekErr != nil {
		return 0, m.seekErr
	}
	switch whence {
	case io.SeekStart:
		m.pos = offset
	case io.SeekCurrent:
		m.pos += offset
	case io.SeekEnd:
		m.pos = int64(len(m.data)) + offset
	}
	if m.pos < 0 {
		return 0, errors.New("negative position")
	}
	return m.pos, nil
}

func (m *mockStorage) Close() error {
	m.closes++
	return m.closeErr
}

// zeroWriter accepts nothing without reporting an error.
type zeroWriter struct {
	mockStorage
}

func (z *zeroWriter) Write(p []byte) (int, error) {
	return 0, nil
}

type sentChunk struct {
	peerID     uint32
	transferID uint32
	position   uint64
	data       []byte
}

type cancelCall struct {
	peerID     uint32
	transferID uint32
	direction  TransferDirection
}

// mockEngine records every chunk and cancel it is handed.
type mockEngine struct {
	mu      sync.Mutex
	chunks  []sentChunk
	cancels []cancelCall
	sendErr error
}

func (m *mockEngine) SendChunk(peerID, transferID uint32, position uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	m.chunks = append(m.chunks, sentChunk{peerID: peerID, transferID: transferID, position: position, data: buf})
	return nil
}

func (m *mockEngine) CancelTransfer(peerID, transferID uint32, direction TransferDirection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels = append(m.cancels, cancelCall{peerID: peerID, transferID: transferID, direction: direction})
	return nil
}

type outcomeEvent struct {
	peerID     uint32
	transferID uint32
	direction  TransferDirection
	outcome    Outcome
	err        error
}

type passthroughEvent struct {
	peerID     uint32
	transferID uint32
	position   uint64
	length     int
	data       []byte
}

// recordingSink collects every event it receives.
type recordingSink struct {
	mu        sync.Mutex
	outcomes  []outcomeEvent
	requested []passthroughEvent
	received  []passthroughEvent
}

func (s *recordingSink) OnTransferOutcome(peerID, transferID uint32, direction TransferDirection, outcome Outcome, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outcomeEvent{peerID, transferID, direction, outcome, err})
}

func (s *recordingSink) OnChunkRequested(peerID, transferID uint32, position uint64, length int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requested = append(s.requested, passthroughEvent{peerID: peerID, transferID: transferID, position: position, length: length})
}

func (s *recordingSink) OnChunkReceived(peerID, transferID uint32, position uint64, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, passthroughEvent{peerID: peerID, transferID: transferID, position: position, data: data})
}
