// Package natsstore implements the eventstore.Store boundary on NATS
// JetStream. Each aggregate's history lives on its own subject inside a
// shared stream; optimistic concurrency uses the expected-last-sequence
// guard on publish so two writers can never fork a history. Snapshots go
// to a JetStream KV bucket.
package natsstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/corebus/envelope"
	"github.com/c360/corebus/errors"
	"github.com/c360/corebus/eventstore"
	"github.com/c360/corebus/pkg/retry"
	"github.com/c360/corebus/tenant"
)

const (
	defaultStreamName     = "COREBUS_EVENTS"
	defaultSnapshotBucket = "corebus_snapshots"
	subjectPrefix         = "es"
	fetchBatch            = 256
)

// Options configures the store.
type Options struct {
	StreamName     string
	SnapshotBucket string
	Retry          retry.Config
	OpTimeout      time.Duration
	Logger         *slog.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		StreamName:     defaultStreamName,
		SnapshotBucket: defaultSnapshotBucket,
		Retry:          retry.DefaultConfig(),
		OpTimeout:      5 * time.Second,
		Logger:         slog.Default(),
	}
}

// Store persists aggregate histories on JetStream subjects.
type Store struct {
	js        jetstream.JetStream
	stream    jetstream.Stream
	snapshots jetstream.KeyValue
	payloads  *eventstore.PayloadRegistry
	opts      Options
}

// New connects the store to JetStream, creating the event stream and the
// snapshot bucket if they do not exist yet.
func New(ctx context.Context, nc *nats.Conn, payloads *eventstore.PayloadRegistry, opts Options) (*Store, error) {
	if payloads == nil {
		return nil, errors.WrapConfiguration(errors.ErrMissingConfig,
			"natsstore", "New", "payload registry validation")
	}
	if opts.StreamName == "" {
		opts.StreamName = defaultStreamName
	}
	if opts.SnapshotBucket == "" {
		opts.SnapshotBucket = defaultSnapshotBucket
	}
	if opts.OpTimeout == 0 {
		opts.OpTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, errors.WrapTransient(err, "natsstore", "New", "jetstream init")
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     opts.StreamName,
		Subjects: []string{subjectPrefix + ".>"},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "natsstore", "New", "stream creation")
	}

	snapshots, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: opts.SnapshotBucket,
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "natsstore", "New", "snapshot bucket creation")
	}

	return &Store{
		js:        js,
		stream:    stream,
		snapshots: snapshots,
		payloads:  payloads,
		opts:      opts,
	}, nil
}

// record is the wire form of a stored event.
type record struct {
	ID         string          `json:"id"`
	RootID     string          `json:"root_id"`
	Class      string          `json:"class"`
	Sequence   int64           `json:"sequence"`
	RecordedAt time.Time       `json:"recorded_at"`
	Payload    json.RawMessage `json:"payload"`
}

func subjectFor(ten tenant.ID, aggregateID string) string {
	return fmt.Sprintf("%s.%s.%s", subjectPrefix, ten, aggregateID)
}

func snapshotKey(ten tenant.ID, aggregateID string) string {
	return fmt.Sprintf("%s.%s", ten, aggregateID)
}

func (s *Store) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.OpTimeout > 0 {
		return context.WithTimeout(ctx, s.opts.OpTimeout)
	}
	return ctx, func() {}
}

// LoadHistory reads the aggregate's subject in stream order and decodes the
// events whose sequence exceeds afterVersion.
func (s *Store) LoadHistory(ctx context.Context, ten tenant.ID, aggregateID string, afterVersion int64) ([]eventstore.StoredEvent, error) {
	if ten.IsZero() {
		return nil, errors.ErrMissingTenantContext
	}

	subject := subjectFor(ten, aggregateID)
	cons, err := s.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "natsstore", "LoadHistory", "consumer creation")
	}

	var out []eventstore.StoredEvent
	for {
		batch, err := cons.FetchNoWait(fetchBatch)
		if err != nil {
			return nil, errors.WrapTransient(err, "natsstore", "LoadHistory", "fetch")
		}
		count := 0
		for msg := range batch.Messages() {
			count++
			ev, err := s.decode(msg.Data())
			if err != nil {
				return nil, err
			}
			if ev.Sequence > afterVersion {
				out = append(out, ev)
			}
		}
		if batch.Error() != nil {
			return nil, errors.WrapTransient(batch.Error(), "natsstore", "LoadHistory", "fetch batch")
		}
		if count < fetchBatch {
			break
		}
	}

	// Ordered consumption guarantees stream order; verify the embedded
	// sequences are contiguous before handing history to replay.
	want := afterVersion
	for _, ev := range out {
		want++
		if ev.Sequence != want {
			return nil, errors.WrapConsistency(errors.ErrHistoryCorruption,
				"natsstore", "LoadHistory",
				fmt.Sprintf("event sequence %d, expected %d", ev.Sequence, want))
		}
	}
	return out, nil
}

func (s *Store) decode(data []byte) (eventstore.StoredEvent, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return eventstore.StoredEvent{}, errors.WrapConsistency(err,
			"natsstore", "decode", "record unmarshal")
	}
	class, err := envelope.ParseClassKey(rec.Class)
	if err != nil {
		return eventstore.StoredEvent{}, errors.WrapConsistency(err,
			"natsstore", "decode", "class parse")
	}
	payload, err := s.payloads.New(class)
	if err != nil {
		return eventstore.StoredEvent{}, err
	}
	if err := json.Unmarshal(rec.Payload, payload); err != nil {
		return eventstore.StoredEvent{}, errors.WrapConsistency(err,
			"natsstore", "decode", "payload unmarshal")
	}
	return eventstore.StoredEvent{
		ID:         rec.ID,
		RootID:     rec.RootID,
		Class:      class,
		Sequence:   rec.Sequence,
		RecordedAt: rec.RecordedAt,
		Payload:    payload,
	}, nil
}

// AppendHistory publishes events to the aggregate's subject, guarding each
// publish with the stream's last-sequence-per-subject check. A concurrent
// writer surfaces as ErrVersionConflict, never as a forked history.
func (s *Store) AppendHistory(ctx context.Context, ten tenant.ID, aggregateID string, expectedVersion int64, events []eventstore.StoredEvent) error {
	if ten.IsZero() {
		return errors.ErrMissingTenantContext
	}
	if len(events) == 0 {
		return nil
	}

	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	subject := subjectFor(ten, aggregateID)

	lastSeq, lastVersion, err := s.lastOnSubject(ctx, subject)
	if err != nil {
		return err
	}
	if lastVersion != expectedVersion {
		return errors.WrapConsistency(errors.ErrVersionConflict,
			"natsstore", "AppendHistory",
			fmt.Sprintf("expected version %d, found %d", expectedVersion, lastVersion))
	}

	next := expectedVersion
	for _, ev := range events {
		next++
		if ev.Sequence != next {
			return errors.WrapConsistency(errors.ErrHistoryCorruption,
				"natsstore", "AppendHistory",
				fmt.Sprintf("event sequence %d, expected %d", ev.Sequence, next))
		}

		data, err := s.encode(ev)
		if err != nil {
			return err
		}

		expect := lastSeq
		ack, err := retry.DoWithResult(ctx, s.opts.Retry, func() (*jetstream.PubAck, error) {
			ack, err := s.js.Publish(ctx, subject, data,
				jetstream.WithExpectLastSequencePerSubject(expect))
			if err != nil && isWrongLastSequence(err) {
				// Another writer got there first; retrying cannot help.
				return nil, retry.NonRetryable(errors.WrapConsistency(
					errors.ErrVersionConflict, "natsstore", "AppendHistory",
					"concurrent append detected"))
			}
			return ack, err
		})
		if err != nil {
			if errors.Is(err, errors.ErrVersionConflict) {
				return err
			}
			return errors.WrapTransient(err, "natsstore", "AppendHistory", "publish")
		}
		lastSeq = ack.Sequence
	}
	return nil
}

func (s *Store) encode(ev eventstore.StoredEvent) ([]byte, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, errors.WrapConsistency(err, "natsstore", "encode", "payload marshal")
	}
	return json.Marshal(record{
		ID:         ev.ID,
		RootID:     ev.RootID,
		Class:      ev.Class.Key(),
		Sequence:   ev.Sequence,
		RecordedAt: ev.RecordedAt,
		Payload:    payload,
	})
}

// lastOnSubject returns the stream sequence and embedded aggregate version
// of the newest message on the subject, or zeros for a fresh aggregate.
func (s *Store) lastOnSubject(ctx context.Context, subject string) (uint64, int64, error) {
	msg, err := s.stream.GetLastMsgForSubject(ctx, subject)
	if err != nil {
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			return 0, 0, nil
		}
		return 0, 0, errors.WrapTransient(err, "natsstore", "lastOnSubject", "last message lookup")
	}

	var rec record
	if err := json.Unmarshal(msg.Data, &rec); err != nil {
		return 0, 0, errors.WrapConsistency(err, "natsstore", "lastOnSubject", "record unmarshal")
	}
	return msg.Sequence, rec.Sequence, nil
}

// LoadSnapshot reads the latest snapshot from the KV bucket.
func (s *Store) LoadSnapshot(ctx context.Context, ten tenant.ID, aggregateID string) (*eventstore.Snapshot, error) {
	if ten.IsZero() {
		return nil, errors.ErrMissingTenantContext
	}

	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	entry, err := s.snapshots.Get(ctx, snapshotKey(ten, aggregateID))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, errors.ErrNotFound
		}
		return nil, errors.WrapTransient(err, "natsstore", "LoadSnapshot", "kv get")
	}

	var snap eventstore.Snapshot
	if err := json.Unmarshal(entry.Value(), &snap); err != nil {
		return nil, errors.WrapConsistency(err, "natsstore", "LoadSnapshot", "snapshot unmarshal")
	}
	return &snap, nil
}

// SaveSnapshot writes the snapshot to the KV bucket, replacing any earlier one.
func (s *Store) SaveSnapshot(ctx context.Context, ten tenant.ID, aggregateID string, snap eventstore.Snapshot) error {
	if ten.IsZero() {
		return errors.ErrMissingTenantContext
	}

	ctx, cancel := s.applyTimeout(ctx)
	defer cancel()

	data, err := json.Marshal(snap)
	if err != nil {
		return errors.WrapConsistency(err, "natsstore", "SaveSnapshot", "snapshot marshal")
	}

	return retry.Do(ctx, s.opts.Retry, func() error {
		_, err := s.snapshots.Put(ctx, snapshotKey(ten, aggregateID), data)
		return err
	})
}

func isWrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return false
}

var _ eventstore.Store = (*Store)(nil)
