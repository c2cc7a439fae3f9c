// Package persist implements the §6 persistence contracts: round-tripping
// retained messages and sessions+subscriptions losslessly across restarts.
// The default implementation is backed by BadgerDB, behind a circuit
// breaker so a failing disk degrades to logging rather than retry-storming
// or crashing the broker.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sony/gobreaker"
)

// formatVersion is prefixed onto every persisted record so a future layout
// change can be detected and migrated rather than silently misread.
const formatVersion byte = 1

// RetainedRecord is the on-disk shape of one retained message.
type RetainedRecord struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
	QoS     byte   `json:"qos"`
}

// SubscriptionRecord is the on-disk shape of one of a session's subscriptions.
type SubscriptionRecord struct {
	Filter         string `json:"filter"`
	QoS            byte   `json:"qos"`
	SubscriptionID uint32 `json:"subscription_id,omitempty"`
}

// QueuedPacketRecord is one offline-queued packet, opaque payload bytes
// (already wire-encoded) plus enough framing to decode it back.
type QueuedPacketRecord struct {
	PacketType byte   `json:"packet_type"`
	QoS        byte   `json:"qos"`
	Payload    []byte `json:"payload"`
	PacketID   uint16 `json:"packet_id,omitempty"`
}

// SessionRecord is the on-disk shape of one session.
type SessionRecord struct {
	ClientID              string               `json:"client_id"`
	ProtocolVersion       byte                 `json:"protocol_version"`
	SessionExpiryInterval int64                `json:"session_expiry_interval_ns"`
	Subscriptions         []SubscriptionRecord `json:"subscriptions"`
	QueuedPackets         []QueuedPacketRecord `json:"queued_packets"`
}

// Store is the persistence contract the store package depends on. The
// Store (C7) only depends on this interface, never on Badger directly, so
// the backing implementation is swappable.
type Store interface {
	LoadRetained() ([]RetainedRecord, error)
	SaveRetained(records []RetainedRecord) error
	LoadSessions() ([]SessionRecord, error)
	SaveSessions(records []SessionRecord) error
	Close() error
}

var (
	retainedKeyPrefix = []byte("retained:")
	sessionKeyPrefix  = []byte("session:")
)

// BadgerStore implements Store on top of two BadgerDB directories, one for
// retained messages and one for sessions+subscriptions.
type BadgerStore struct {
	retainedDB *badger.DB
	sessionDB  *badger.DB
	breaker    *gobreaker.CircuitBreaker
}

// Open opens (creating if absent) the two Badger directories under dir.
func Open(dir string) (*BadgerStore, error) {
	retainedDB, err := badger.Open(badger.DefaultOptions(dir + "/retained"))
	if err != nil {
		return nil, fmt.Errorf("persist: open retained db: %w", err)
	}
	sessionDB, err := badger.Open(badger.DefaultOptions(dir + "/sessions"))
	if err != nil {
		retainedDB.Close()
		return nil, fmt.Errorf("persist: open session db: %w", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "persist",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("persistence circuit breaker state changed",
				"from", from.String(), "to", to.String())
		},
	})

	return &BadgerStore{retainedDB: retainedDB, sessionDB: sessionDB, breaker: breaker}, nil
}

// Close closes both underlying Badger databases.
func (b *BadgerStore) Close() error {
	err1 := b.retainedDB.Close()
	err2 := b.sessionDB.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func encodeRecord(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append([]byte{formatVersion}, body...), nil
}

func decodeRecord(data []byte, v any) error {
	if len(data) < 1 {
		return fmt.Errorf("persist: empty record")
	}
	if data[0] != formatVersion {
		return fmt.Errorf("persist: unsupported record format version %d", data[0])
	}
	return json.Unmarshal(data[1:], v)
}

// SaveRetained replaces the entire retained-message set, through the
// circuit breaker so a failing disk logs once per breaker transition
// rather than once per record.
func (b *BadgerStore) SaveRetained(records []RetainedRecord) error {
	_, err := b.breaker.Execute(func() (any, error) {
		return nil, b.retainedDB.Update(func(txn *badger.Txn) error {
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			var staleKeys [][]byte
			for it.Seek(retainedKeyPrefix); it.ValidForPrefix(retainedKeyPrefix); it.Next() {
				staleKeys = append(staleKeys, append([]byte{}, it.Item().Key()...))
			}
			it.Close()
			for _, k := range staleKeys {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			for _, rec := range records {
				data, err := encodeRecord(rec)
				if err != nil {
					return err
				}
				if err := txn.Set(append(append([]byte{}, retainedKeyPrefix...), rec.Topic...), data); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil && !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
		slog.Warn("failed to save retained messages", "error", err)
	}
	return err
}

// LoadRetained reads back every persisted retained message.
func (b *BadgerStore) LoadRetained() ([]RetainedRecord, error) {
	var out []RetainedRecord
	err := b.retainedDB.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(retainedKeyPrefix); it.ValidForPrefix(retainedKeyPrefix); it.Next() {
			var rec RetainedRecord
			if err := it.Item().Value(func(val []byte) error {
				return decodeRecord(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// SaveSessions replaces the entire session+subscription set.
func (b *BadgerStore) SaveSessions(records []SessionRecord) error {
	_, err := b.breaker.Execute(func() (any, error) {
		return nil, b.sessionDB.Update(func(txn *badger.Txn) error {
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			var staleKeys [][]byte
			for it.Seek(sessionKeyPrefix); it.ValidForPrefix(sessionKeyPrefix); it.Next() {
				staleKeys = append(staleKeys, append([]byte{}, it.Item().Key()...))
			}
			it.Close()
			for _, k := range staleKeys {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			for _, rec := range records {
				data, err := encodeRecord(rec)
				if err != nil {
					return err
				}
				if err := txn.Set(append(append([]byte{}, sessionKeyPrefix...), rec.ClientID...), data); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil && !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
		slog.Warn("failed to save sessions", "error", err)
	}
	return err
}

// LoadSessions reads back every persisted session.
func (b *BadgerStore) LoadSessions() ([]SessionRecord, error) {
	var out []SessionRecord
	err := b.sessionDB.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(sessionKeyPrefix); it.ValidForPrefix(sessionKeyPrefix); it.Next() {
			var rec SessionRecord
			if err := it.Item().Value(func(val []byte) error {
				return decodeRecord(val, &rec)
			}); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}
