package conversation

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/meszmate/qmchat/internal/directory"
)

const imageConcurrency = 4

// ImageFetcher loads the image a photo reference points to
type ImageFetcher interface {
	GetImage(ctx context.Context, ref string) ([]byte, error)
}

// Directory is the part of the user directory the list needs
type Directory interface {
	Search(ctx context.Context, query string) ([]directory.User, error)
}

// Contact is an entry of the visible list
type Contact struct {
	User  directory.User
	Image []byte
}

// VisibleList is the contact list currently displayed for picking group
// members. Search, LoadImages and Snapshot hold one exclusive lock for
// their whole run, so a search never observes or leaves a half-enriched
// list.
type VisibleList struct {
	sem      *semaphore.Weighted
	dir      Directory
	images   ImageFetcher
	selfID   int
	logger   zerolog.Logger
	contacts []Contact
}

// NewVisibleList creates an empty list. The user selfID is never listed.
func NewVisibleList(dir Directory, images ImageFetcher, selfID int, logger zerolog.Logger) *VisibleList {
	return &VisibleList{
		sem:    semaphore.NewWeighted(1),
		dir:    dir,
		images: images,
		selfID: selfID,
		logger: logger.With().Str("component", "visible_list").Logger(),
	}
}

// Search replaces the list with the users matching query and loads their
// images. It fails without touching the list if ctx ends while waiting for
// the lock.
func (l *VisibleList) Search(ctx context.Context, query string) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)

	l.contacts = l.contacts[:0]

	users, err := l.dir.Search(ctx, query)
	if err != nil {
		return fmt.Errorf("search %q: %w", query, err)
	}

	users = lo.Filter(users, func(u directory.User, _ int) bool {
		return u.ID != l.selfID
	})
	l.contacts = lo.Map(users, func(u directory.User, _ int) Contact {
		return Contact{User: u}
	})

	l.loadImages(ctx)
	return nil
}

// LoadImages fetches the images still missing from the list.
func (l *VisibleList) LoadImages(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)

	l.loadImages(ctx)
	return nil
}

// Snapshot returns a copy of the list
func (l *VisibleList) Snapshot(ctx context.Context) ([]Contact, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)

	return append([]Contact(nil), l.contacts...), nil
}

// loadImages fills in missing images. The caller holds the lock. Failed
// fetches are logged and leave the image empty.
func (l *VisibleList) loadImages(ctx context.Context) {
	if l.images == nil {
		return
	}

	var g errgroup.Group
	g.SetLimit(imageConcurrency)
	for i := range l.contacts {
		contact := &l.contacts[i]
		if contact.Image != nil || contact.User.PhotoRef == "" {
			continue
		}
		g.Go(func() error {
			img, err := l.images.GetImage(ctx, contact.User.PhotoRef)
			if err != nil {
				l.logger.Debug().Err(err).Int("user", contact.User.ID).Msg("image fetch failed")
				return nil
			}
			contact.Image = img
			return nil
		})
	}
	_ = g.Wait()
}
