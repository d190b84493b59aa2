// Package storage implements the per-peer append-only message log:
// one JSON object per line, one file per peer, never rewritten or
// rotated.
package storage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"chatlog/internal/wire"
)

// Log is a single peer's append-only DeliveredMessage file.
type Log struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// Open creates dir if needed and opens (or creates)
// node_<peerID>_messages.jsonl for appending.
func Open(dir string, peerID wire.PeerID) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create log dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, fmt.Sprintf("node_%d_messages.jsonl", peerID))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	return &Log{file: f, path: path}, nil
}

// Append writes m as one line and flushes it to disk before returning.
func (l *Log) Append(m wire.DeliveredMessage) error {
	encoded, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("storage: encode message: %w", err)
	}
	encoded = append(encoded, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(encoded); err != nil {
		return fmt.Errorf("storage: append to %s: %w", l.path, err)
	}
	return l.file.Sync()
}

// LoadAll reads every entry in file order.
func (l *Log) LoadAll() ([]wire.DeliveredMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("storage: seek %s: %w", l.path, err)
	}
	defer l.file.Seek(0, 2) // back to append position

	var out []wire.DeliveredMessage
	scanner := bufio.NewScanner(l.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m wire.DeliveredMessage
		if err := json.Unmarshal(line, &m); err != nil {
			return nil, fmt.Errorf("storage: decode %s: %w", l.path, err)
		}
		out = append(out, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("storage: scan %s: %w", l.path, err)
	}
	return out, nil
}

// GetAfter returns every stored message with SeqNo > seq, ascending.
func (l *Log) GetAfter(seq int64) ([]wire.DeliveredMessage, error) {
	all, err := l.LoadAll()
	if err != nil {
		return nil, err
	}
	var out []wire.DeliveredMessage
	for _, m := range all {
		if m.SeqNo > seq {
			out = append(out, m)
		}
	}
	return out, nil
}

// Recover loads the full log and validates that SeqNo values are
// contiguous and strictly increasing starting at 1. A gap or
// duplicate fails startup rather than silently truncating, so an
// operator notices a corrupted log instead of quietly losing a tail.
func (l *Log) Recover() (maxSeq int64, messages []wire.DeliveredMessage, err error) {
	messages, err = l.LoadAll()
	if err != nil {
		return 0, nil, err
	}
	expected := int64(1)
	for _, m := range messages {
		if m.SeqNo != expected {
			return 0, nil, fmt.Errorf("storage: %s: expected seq_no %d, found %d", l.path, expected, m.SeqNo)
		}
		expected++
	}
	if len(messages) > 0 {
		maxSeq = messages[len(messages)-1].SeqNo
	}
	return maxSeq, messages, nil
}

// Close releases the underlying file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
