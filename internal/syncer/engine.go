package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Azeem-Mughal-Code/IMS-AND-POS-sub001/internal/store"
)

var (
	ErrSyncInProgress = errors.New("sync in progress")
	ErrOffline        = errors.New("offline")
)

// Result is what a sync cycle reports back to the caller. Failures are
// carried in Message, never thrown across this boundary, so UI callers can
// display them directly.
type Result struct {
	Success bool
	Offline bool
	Message string

	Pushed        int
	PushedDeletes int
	Pulled        int
	PulledDeletes int

	Duration time.Duration
}

// Engine drives push and pull cycles against the record store. One cycle
// runs at a time: Run called while another run is in flight is rejected
// immediately, not queued. Ordinary store operations are not blocked by a
// running cycle.
type Engine struct {
	store  *store.Store
	client *Client

	isSyncing atomic.Bool
}

func NewEngine(s *store.Store, c *Client) *Engine {
	return &Engine{
		store:  s,
		client: c,
	}
}

// Running reports whether a sync cycle is in flight.
func (e *Engine) Running() bool {
	return e.isSyncing.Load()
}

// Run executes one push-then-pull cycle. The pull is skipped when the push
// fails, so stale remote state can never be pushed over local pending edits
// before they are reconciled. No retry loop lives here; retry policy belongs
// to the caller.
func (e *Engine) Run(ctx context.Context) *Result {
	if !e.isSyncing.CompareAndSwap(false, true) {
		return &Result{Message: ErrSyncInProgress.Error()}
	}
	defer e.isSyncing.Store(false)

	start := time.Now()
	result := &Result{}
	defer func() {
		result.Duration = time.Since(start)
	}()

	if !e.client.Online() {
		logrus.Info("sync skipped: remote authority unreachable")
		result.Offline = true
		result.Message = ErrOffline.Error()
		return result
	}

	if err := e.push(ctx, result); err != nil {
		result.Message = fmt.Sprintf("push failed: %v", err)
		return result
	}

	if err := e.pull(ctx, result); err != nil {
		result.Message = fmt.Sprintf("pull failed: %v", err)
		return result
	}

	result.Success = true
	result.Message = "sync complete"

	logrus.WithFields(logrus.Fields{
		"pushed":         result.Pushed,
		"pushed_deletes": result.PushedDeletes,
		"pulled":         result.Pulled,
		"pulled_deletes": result.PulledDeletes,
		"duration":       result.Duration,
	}).Info("sync complete")

	return result
}

// push collects pending records and tombstones, transmits them as one batch
// and, only after the remote accepted the batch, flips the local sync state
// in one transaction. A transport failure mutates nothing locally.
func (e *Engine) push(ctx context.Context, result *Result) error {
	pending, err := e.store.PendingRecords(ctx)
	if err != nil {
		return err
	}

	tombstones, err := e.store.PendingTombstones(ctx)
	if err != nil {
		return err
	}

	total := 0
	for _, records := range pending {
		total += len(records)
	}

	if total == 0 && len(tombstones) == 0 {
		logrus.Debug("nothing pending, push is a no-op")
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"records":    total,
		"tombstones": len(tombstones),
	}).Info("pushing local changes")

	if err := e.client.Push(ctx, pending, tombstones); err != nil {
		return err
	}

	if err := e.store.MarkSynced(ctx, pending, tombstones); err != nil {
		return err
	}

	result.Pushed = total
	result.PushedDeletes = len(tombstones)

	return nil
}

// pull fetches remote changes since the cursor and folds them in. The
// cursor advances with the same transaction that applies the changes, so a
// crash never loses a window of remote edits.
func (e *Engine) pull(ctx context.Context, result *Result) error {
	lastSync, err := e.store.LastSync(ctx)
	if err != nil {
		return err
	}

	resp, err := e.client.Pull(ctx, lastSync)
	if err != nil {
		return err
	}

	if err := e.store.ApplyRemote(ctx, resp.Changes, resp.Deleted, resp.Timestamp); err != nil {
		return err
	}

	for _, records := range resp.Changes {
		result.Pulled += len(records)
	}
	result.PulledDeletes = len(resp.Deleted)

	return nil
}
