// Package kv implements the recoverability and monitoring persistence ports
// on an embedded Pebble key-value store, for single-node deployments that
// run without PostgreSQL.
//
// Key layout:
//
//	msg/{id}                                    failed message document
//	grp/{groupID}/{id}                          group membership index
//	op/{operationID}                            operation document
//	batch/{kind}/{requestID}/{archiveType}/{n}  pending batch document
//	hb/{heartbeatID}                            heartbeat document
//
// Group and request ids are path-escaped inside keys, so an id containing
// "/" never falls under another id's prefix.
package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sync"

	"github.com/cockroachdb/pebble"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/servicecontrol/internal/domain/monitoring"
	"github.com/ahrav/servicecontrol/internal/domain/recoverability"
	"github.com/ahrav/servicecontrol/internal/infra/storage"
)

var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "pebble"),
}

const (
	messagePrefix   = "msg/"
	groupPrefix     = "grp/"
	operationPrefix = "op/"
	batchPrefix     = "batch/"
	heartbeatPrefix = "hb/"
)

// Store is a Pebble-backed document store. Reads go straight to Pebble;
// read-modify-write sequences hold mu so version checks and
// create-if-absent are atomic.
type Store struct {
	mu     sync.Mutex
	db     *pebble.DB
	tracer trace.Tracer
}

var (
	_ recoverability.FailedMessageStore = (*Store)(nil)
	_ monitoring.HeartbeatRepository    = (*Store)(nil)
)

// Open opens (or creates) the Pebble database in dir.
func Open(dir string, tracer trace.Tracer) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir %s: %w", dir, err)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", dir, err)
	}
	return &Store{db: db, tracer: tracer}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func messageKey(id string) []byte { return []byte(messagePrefix + id) }

// keySegment escapes an id for use between "/" separators.
func keySegment(id string) string { return url.PathEscape(id) }

func groupKeyPrefix(groupID string) []byte { return []byte(groupPrefix + keySegment(groupID) + "/") }

func groupKey(groupID, id string) []byte { return append(groupKeyPrefix(groupID), id...) }

// getJSON decodes the value at key into v. It reports false when the key is absent.
func (s *Store) getJSON(key []byte, v any) (bool, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %q: %w", key, err)
	}
	defer closer.Close()

	if err := json.Unmarshal(val, v); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

func setJSON(b *pebble.Batch, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return b.Set(key, data, nil)
}

// scanPrefix visits every key under prefix in key order. Key and value are
// only valid for the duration of the call.
func (s *Store) scanPrefix(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return err
	}

	for valid := it.First(); valid; valid = it.Next() {
		if err := ctx.Err(); err != nil {
			return errors.Join(err, it.Close())
		}
		if err := fn(it.Key(), it.Value()); err != nil {
			return errors.Join(err, it.Close())
		}
	}
	return errors.Join(it.Error(), it.Close())
}

// hasPrefix reports whether any key exists under prefix.
func (s *Store) hasPrefix(prefix []byte) (bool, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return false, err
	}
	found := it.First()
	return found, errors.Join(it.Error(), it.Close())
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// SaveFailedMessages upserts each message and rewrites its group index entries.
func (s *Store) SaveFailedMessages(ctx context.Context, msgs ...*recoverability.FailedMessage) error {
	dbAttrs := append(defaultDBAttributes, attribute.Int("message_count", len(msgs)))

	return storage.ExecuteAndTrace(ctx, s.tracer, "pebble.save_failed_messages", dbAttrs, func(ctx context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		b := s.db.NewBatch()
		defer b.Close()

		for _, m := range msgs {
			var previous recoverability.FailedMessage
			found, err := s.getJSON(messageKey(m.ID), &previous)
			if err != nil {
				return err
			}
			if found {
				for _, g := range previous.FailureGroups {
					if err := b.Delete(groupKey(g.ID, m.ID), nil); err != nil {
						return err
					}
				}
			}

			if err := setJSON(b, messageKey(m.ID), m); err != nil {
				return err
			}
			for _, g := range m.FailureGroups {
				if err := b.Set(groupKey(g.ID, m.ID), nil, nil); err != nil {
					return err
				}
			}
		}
		return b.Commit(pebble.Sync)
	})
}

// GetFailedMessage returns the message, or nil if absent.
func (s *Store) GetFailedMessage(ctx context.Context, id string) (*recoverability.FailedMessage, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("message_id", id))

	var msg *recoverability.FailedMessage
	err := storage.ExecuteAndTrace(ctx, s.tracer, "pebble.get_failed_message", dbAttrs, func(ctx context.Context) error {
		var m recoverability.FailedMessage
		found, err := s.getJSON(messageKey(id), &m)
		if err != nil || !found {
			return err
		}
		msg = &m
		return nil
	})
	return msg, err
}

// forEachGroupMember streams the ids of the group's messages in id order.
func (s *Store) forEachGroupMember(ctx context.Context, groupID string, fn func(id string) error) error {
	prefix := groupKeyPrefix(groupID)
	return s.scanPrefix(ctx, prefix, func(key, _ []byte) error {
		return fn(string(key[len(prefix):]))
	})
}
