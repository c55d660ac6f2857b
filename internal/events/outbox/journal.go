// Package outbox journals events to a write-ahead log before handing them
// to the real publisher, so an event whose delivery failed, or was cut
// short by a crash, is sent again later.
package outbox

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	interfaces "github.com/sheikh-saqib/account-ledger-system/internal/interfaces"
)

const (
	recordKeyPrefix = "outbox_event_"
	statusPending   = "pending"
	statusDone      = "done"

	// The WAL drops its oldest segment once maxSegments exist. Replay
	// journals a still-pending event again, so an event is lost only if
	// more than segmentThreshold*(maxSegments-1) records are written
	// between two replays.
	segmentThreshold = 1000
	maxSegments      = 100
	dirPermissions   = 0o755
)

type record struct {
	ID      string          `json:"id"`
	Status  string          `json:"status"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Time    time.Time       `json:"time"`
}

// Journal is an EventPublisher that records every event as pending, sends
// it through next and then records it as done.
type Journal struct {
	next interfaces.EventPublisher
	log  *zap.Logger

	mu  sync.Mutex // serialises WAL index allocation
	wal *gowal.Wal
}

func Open(dir string, next interfaces.EventPublisher, log *zap.Logger) (*Journal, error) {
	return open(dir, next, log, segmentThreshold, maxSegments)
}

func open(dir string, next interfaces.EventPublisher, log *zap.Logger, threshold, segments int) (*Journal, error) {
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to ensure outbox directory %s", dir)
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "outbox_",
		SegmentThreshold: threshold,
		MaxSegments:      segments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init outbox WAL")
	}
	return &Journal{next: next, log: log, wal: wal}, nil
}

func (j *Journal) Publish(ctx context.Context, topic string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}

	rec := &record{
		ID:      uuid.NewString(),
		Status:  statusPending,
		Topic:   topic,
		Payload: payload,
		Time:    time.Now().UTC(),
	}
	if err := j.persist(rec); err != nil {
		return err
	}
	return j.deliver(ctx, rec)
}

func (j *Journal) deliver(ctx context.Context, rec *record) error {
	if err := j.next.Publish(ctx, rec.Topic, rec.Payload); err != nil {
		return errors.Wrapf(err, "deliver outbox event %s", rec.ID)
	}
	done := *rec
	done.Status = statusDone
	done.Payload = nil
	done.Time = time.Now().UTC()
	return j.persist(&done)
}

// pendingRecords returns the events that were journaled but never marked done,
// oldest first.
func (j *Journal) pendingRecords() []*record {
	j.mu.Lock()
	defer j.mu.Unlock()

	var order []string
	pending := make(map[string]*record)
	done := make(map[string]bool)

	for msg := range j.wal.Iterator() {
		if !strings.HasPrefix(msg.Key, recordKeyPrefix) {
			continue
		}
		var rec record
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			j.log.Error("failed to decode outbox record", zap.String("key", msg.Key), zap.Error(err))
			continue
		}
		switch rec.Status {
		case statusDone:
			done[rec.ID] = true
			delete(pending, rec.ID)
		case statusPending:
			if !done[rec.ID] {
				if _, seen := pending[rec.ID]; !seen {
					order = append(order, rec.ID)
				}
				recCopy := rec
				pending[rec.ID] = &recCopy
			}
		}
	}

	out := make([]*record, 0, len(pending))
	for _, id := range order {
		if rec, ok := pending[id]; ok {
			out = append(out, rec)
		}
	}
	return out
}

// Replay re-sends every pending event and returns how many were delivered.
func (j *Journal) Replay(ctx context.Context) (int, error) {
	return j.replay(ctx, time.Now().UTC())
}

// replay re-sends the pending events journaled at or before cutoff. An
// event that fails again is journaled anew so that segment rotation does
// not drop it.
func (j *Journal) replay(ctx context.Context, cutoff time.Time) (int, error) {
	var (
		delivered int
		errs      error
	)
	for _, rec := range j.pendingRecords() {
		if rec.Time.After(cutoff) {
			continue // Publish may still be delivering it
		}
		if err := j.deliver(ctx, rec); err != nil {
			errs = multierr.Append(errs, err)
			errs = multierr.Append(errs, j.persist(rec))
			continue
		}
		delivered++
	}
	return delivered, errs
}

// Run replays pending events every interval until ctx is done. Events
// younger than interval are left to the Publish call that wrote them.
func (j *Journal) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := j.replay(ctx, now.UTC().Add(-interval))
			if err != nil {
				j.log.Warn("outbox replay incomplete", zap.Int("delivered", n), zap.Error(err))
			} else if n > 0 {
				j.log.Info("outbox replayed events", zap.Int("delivered", n))
			}
		}
	}
}

func (j *Journal) persist(rec *record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "failed to marshal outbox record")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	nextIndex := j.wal.CurrentIndex() + 1
	return errors.Wrap(j.wal.Write(nextIndex, recordKeyPrefix+rec.ID, data), "write outbox record")
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.wal.Close()
}

var _ interfaces.EventPublisher = (*Journal)(nil)
