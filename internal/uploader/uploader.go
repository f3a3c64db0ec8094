// Package uploader drains locally stored measurements to Safecast.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ponytojas/go-safecast-uploader/config"
	"github.com/ponytojas/go-safecast-uploader/internal/models"
	"github.com/ponytojas/go-safecast-uploader/internal/safecast"
)

// Store tracks which measurements still need uploading
type Store interface {
	PendingMeasurements(ctx context.Context, limit int) ([]models.Measurement, error)
	// MarkUploaded records an accepted measurement. safecastID is nil when
	// Safecast accepted it without a readable ID.
	MarkUploaded(ctx context.Context, id int64, safecastID *int64, at time.Time) error
}

// DefaultInterval is used when the configured interval is not positive.
const DefaultInterval = time.Minute

// Submitter sends one measurement and returns its remote ID
type Submitter interface {
	Submit(ctx context.Context, m models.Measurement) (int64, error)
}

// Uploader periodically submits pending measurements in capture order
type Uploader struct {
	store     Store
	submitter Submitter
	interval  time.Duration
	batchSize int
	wake      chan struct{}
	now       func() time.Time
}

// New creates an uploader
func New(store Store, submitter Submitter, cfg config.UploadConfig) *Uploader {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 1
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Uploader{
		store:     store,
		submitter: submitter,
		interval:  interval,
		batchSize: batchSize,
		wake:      make(chan struct{}, 1),
		now:       time.Now,
	}
}

// Notify schedules an upload pass. It never blocks.
func (u *Uploader) Notify() {
	select {
	case u.wake <- struct{}{}:
	default:
	}
}

// Run uploads on every notification and interval tick until ctx is done
func (u *Uploader) Run(ctx context.Context) error {
	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		u.drain(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-u.wake:
		}
	}
}

// drain uploads full batches until the backlog is empty or a batch fails
func (u *Uploader) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := u.UploadPending(ctx)
		if err != nil {
			if safecast.IsPermanent(err) {
				log.Printf("Upload halted until configuration is fixed: %v", err)
			} else {
				log.Printf("Upload failed, retrying in %s: %v", u.interval, err)
			}
			return
		}
		if n < u.batchSize {
			return
		}
	}
}

// UploadPending submits one batch of pending measurements, oldest first,
// and stops at the first failure so later measurements are never uploaded
// ahead of earlier ones. It returns the number uploaded.
func (u *Uploader) UploadPending(ctx context.Context) (int, error) {
	pending, err := u.store.PendingMeasurements(ctx, u.batchSize)
	if err != nil {
		return 0, err
	}

	uploaded := 0
	for _, m := range pending {
		var remoteID *int64
		safecastID, err := u.submitter.Submit(ctx, m)
		switch {
		case err == nil:
			remoteID = &safecastID
		case errors.Is(err, safecast.ErrUnconfirmed):
			log.Printf("Measurement %d accepted without confirmation: %v", m.ID, err)
		default:
			return uploaded, fmt.Errorf("measurement %d: %w", m.ID, err)
		}
		if err := u.store.MarkUploaded(ctx, m.ID, remoteID, u.now()); err != nil {
			log.Printf("Measurement %d was accepted by Safecast but could not be marked uploaded; it will be posted again: %v", m.ID, err)
			return uploaded, err
		}
		uploaded++
	}
	if uploaded > 0 {
		log.Printf("Uploaded %d measurements to Safecast", uploaded)
	}
	return uploaded, nil
}
