// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package spool is the optional disk journal for messages the writer
// could not flush before its shutdown deadline. Records are appended
// under increasing big-endian sequence keys so Badger's iteration
// order is FIFO order, and drained exactly once on the next start.
package spool

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/absmach/fluxlog/core"
)

const (
	messagePrefix = "spool:msg:"

	// compressMin is the smallest payload worth compressing.
	compressMin = 256
)

// record field numbers for the protowire framing.
const (
	fieldID        = 1
	fieldTimestamp = 2
	fieldFlags     = 3
	fieldPayload   = 4
)

// flagCompressed marks a zstd-compressed payload.
const flagCompressed = 1

// Config holds disk spool configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// DefaultConfig returns the default spool configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Dir:     "/tmp/fluxlog/spool",
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.Enabled && c.Dir == "" {
		return fmt.Errorf("dir required when spool is enabled")
	}
	return nil
}

// Spool is a Badger-backed journal of undelivered messages. One writer
// owns a spool; Append and DrainAll are serialized by the writer's
// lifecycle (shutdown and startup respectively) and never race.
type Spool struct {
	db      *badger.DB
	logger  *slog.Logger
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	nextSeq uint64
}

// Open opens (or creates) the spool directory. A nil logger falls back
// to slog.Default().
func Open(cfg Config, logger *slog.Logger) (*Spool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(cfg.Dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open spool at %s: %w", cfg.Dir, err)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		db.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	s := &Spool{
		db:      db,
		logger:  logger,
		encoder: encoder,
		decoder: decoder,
	}
	if err := s.loadNextSeq(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// loadNextSeq positions the sequence counter after the highest key
// already present, so records from a previous run are never clobbered.
func (s *Spool) loadNextSeq() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(messagePrefix)
		opts.Reverse = true
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration starts just past the prefix range.
		seek := append([]byte(messagePrefix), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		it.Seek(seek)
		if it.ValidForPrefix([]byte(messagePrefix)) {
			key := it.Item().Key()
			seq := binary.BigEndian.Uint64(key[len(messagePrefix):])
			s.nextSeq = seq + 1
		}
		return nil
	})
}

// Append journals msgs in order within a single transaction.
func (s *Spool) Append(msgs []*core.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		for i, m := range msgs {
			key := s.key(s.nextSeq + uint64(i))
			if err := txn.Set(key, s.encodeRecord(m)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append %d messages to spool: %w", len(msgs), err)
	}
	s.nextSeq += uint64(len(msgs))
	return nil
}

// DrainAll reads every journaled message in FIFO order, deletes the
// records, and returns the decoded messages. Corrupt records are
// skipped with a warning rather than failing the replay.
func (s *Spool) DrainAll() ([]*core.Message, error) {
	var msgs []*core.Message
	var keys [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(messagePrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			keys = append(keys, item.KeyCopy(nil))
			err := item.Value(func(val []byte) error {
				msg, err := s.decodeRecord(val)
				if err != nil {
					s.logger.Warn("skipping corrupt spool record",
						slog.String("key", string(item.Key())),
						slog.String("error", err.Error()))
					return nil
				}
				msgs = append(msgs, msg)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read spool: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to clear spool: %w", err)
	}

	s.nextSeq = 0
	return msgs, nil
}

// Len returns the number of journaled records.
func (s *Spool) Len() int {
	count := 0
	_ = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(messagePrefix)
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count
}

// Close releases the codec and the underlying database.
func (s *Spool) Close() error {
	s.encoder.Close()
	s.decoder.Close()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close spool: %w", err)
	}
	return nil
}

func (s *Spool) key(seq uint64) []byte {
	key := make([]byte, len(messagePrefix)+8)
	copy(key, messagePrefix)
	binary.BigEndian.PutUint64(key[len(messagePrefix):], seq)
	return key
}

// encodeRecord frames a message with protowire. The payload is
// compressed only when compression actually shrinks it.
func (s *Spool) encodeRecord(m *core.Message) []byte {
	payload := m.Payload
	flags := uint64(0)
	if len(payload) >= compressMin {
		compressed := s.encoder.EncodeAll(payload, nil)
		if len(compressed) < len(payload) {
			payload = compressed
			flags |= flagCompressed
		}
	}

	buf := make([]byte, 0, len(m.ID)+len(payload)+24)
	buf = protowire.AppendTag(buf, fieldID, protowire.BytesType)
	buf = protowire.AppendString(buf, m.ID)
	buf = protowire.AppendTag(buf, fieldTimestamp, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(m.Timestamp.UnixNano()))
	buf = protowire.AppendTag(buf, fieldFlags, protowire.VarintType)
	buf = protowire.AppendVarint(buf, flags)
	buf = protowire.AppendTag(buf, fieldPayload, protowire.BytesType)
	buf = protowire.AppendBytes(buf, payload)
	return buf
}

func (s *Spool) decodeRecord(data []byte) (*core.Message, error) {
	msg := &core.Message{}
	flags := uint64(0)
	var payload []byte

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("malformed record tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("malformed id: %w", protowire.ParseError(n))
			}
			msg.ID = v
			data = data[n:]
		case num == fieldTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("malformed timestamp: %w", protowire.ParseError(n))
			}
			msg.Timestamp = time.Unix(0, int64(v))
			data = data[n:]
		case num == fieldFlags && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("malformed flags: %w", protowire.ParseError(n))
			}
			flags = v
			data = data[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("malformed payload: %w", protowire.ParseError(n))
			}
			payload = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("malformed field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	if msg.ID == "" {
		return nil, fmt.Errorf("record has no id")
	}

	if flags&flagCompressed != 0 {
		decompressed, err := s.decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress payload: %w", err)
		}
		payload = decompressed
	}
	// Copy out of the transaction's value buffer.
	msg.Payload = append([]byte(nil), payload...)
	return msg, nil
}
