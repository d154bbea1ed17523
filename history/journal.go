// Package history keeps a durable journal of finished file transfers in a
// BadgerDB database. Only terminal outcomes are stored; in-flight transfer
// state is never persisted.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/dgraph-io/badger/v4"
	"github.com/opd-ai/toxtransfer/file"
	"github.com/sirupsen/logrus"
)

const outcomePrefix = "outcome/"

// Record is one journaled transfer outcome.
type Record struct {
	PeerID     uint32    `json:"peer_id"`
	TransferID uint32    `json:"transfer_id"`
	Direction  string    `json:"direction"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Journal is a file.Sink decorator that stores every transfer outcome
// before forwarding it.
type Journal struct {
	db    *badger.DB
	next  file.Sink
	clock clock.Clock
}

// Open opens (or creates) a journal database at path. Events are forwarded
// to next; a nil next discards them. Records are stamped from clk, or from
// the wall clock when clk is nil.
func Open(path string, next file.Sink, clk clock.Clock) (*Journal, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	opts := badger.DefaultOptions(path).WithLogger(&badgerLogger{entry: logrus.WithField("component", "badger")})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	if next == nil {
		next = file.NopSink{}
	}
	if clk == nil {
		clk = clock.New()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Open",
		"path":     path,
	}).Info("Transfer journal opened")

	return &Journal{db: db, next: next, clock: clk}, nil
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// OnTransferOutcome implements file.Sink.
func (j *Journal) OnTransferOutcome(peerID, transferID uint32, direction file.TransferDirection, outcome file.Outcome, err error) {
	rec := Record{
		PeerID:     peerID,
		TransferID: transferID,
		Direction:  direction.String(),
		Outcome:    outcome.String(),
		FinishedAt: j.clock.Now().UTC(),
	}
	if err != nil {
		rec.Error = err.Error()
	}

	if werr := j.Put(rec); werr != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "OnTransferOutcome",
			"peer_id":     peerID,
			"transfer_id": transferID,
			"error":       werr.Error(),
		}).Error("Failed to journal transfer outcome")
	}

	j.next.OnTransferOutcome(peerID, transferID, direction, outcome, err)
}

// OnChunkRequested implements file.Sink.
func (j *Journal) OnChunkRequested(peerID, transferID uint32, position uint64, length int) {
	j.next.OnChunkRequested(peerID, transferID, position, length)
}

// OnChunkReceived implements file.Sink.
func (j *Journal) OnChunkReceived(peerID, transferID uint32, position uint64, data []byte) {
	j.next.OnChunkReceived(peerID, transferID, position, data)
}

// Put stores rec.
func (j *Journal) Put(rec Record) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal outcome record: %w", err)
	}
	key := recordKey(rec)
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

// List returns the journaled outcomes of peerID, oldest first within each
// transfer number.
func (j *Journal) List(peerID uint32) ([]Record, error) {
	prefix := []byte(fmt.Sprintf("%s%010d/", outcomePrefix, peerID))

	var records []Record
	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("unmarshal outcome record: %w", err)
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

// recordKey orders records by peer, transfer number and finish time.
func recordKey(rec Record) []byte {
	return []byte(fmt.Sprintf("%s%010d/%010d/%020d", outcomePrefix, rec.PeerID, rec.TransferID, rec.FinishedAt.UnixNano()))
}

// badgerLogger routes badger's internal logging through logrus.
type badgerLogger struct {
	entry *logrus.Entry
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.entry.Errorf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.entry.Warnf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.entry.Debugf(format, args...)
}
