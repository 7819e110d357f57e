package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/meszmate/qmchat/internal/directory"
)

type fakeDirectory struct {
	users []directory.User
	gate  chan struct{}
}

func (f *fakeDirectory) Search(ctx context.Context, query string) ([]directory.User, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	var out []directory.User
	for _, u := range f.users {
		if strings.Contains(strings.ToLower(u.DisplayName), strings.ToLower(query)) {
			out = append(out, u)
		}
	}
	return out, nil
}

type fakeImages struct {
	mu    sync.Mutex
	calls map[string]int
}

func (f *fakeImages) GetImage(_ context.Context, ref string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[ref]++
	if ref == "broken" {
		return nil, errors.New("404")
	}
	return []byte("img:" + ref), nil
}

func testUsers() []directory.User {
	return []directory.User{
		{ID: 1, DisplayName: "Me Myself", PhotoRef: "p1"},
		{ID: 10, DisplayName: "Alice", PhotoRef: "p10"},
		{ID: 11, DisplayName: "Alina", PhotoRef: "broken"},
		{ID: 12, DisplayName: "Bob"},
	}
}

func TestVisibleListSearch(t *testing.T) {
	images := &fakeImages{}
	l := NewVisibleList(&fakeDirectory{users: testUsers()}, images, 1, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, l.Search(ctx, "ali"))
	got, err := l.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "Alice", got[0].User.DisplayName)
	require.Equal(t, []byte("img:p10"), got[0].Image)
	require.Nil(t, got[1].Image)

	require.NoError(t, l.Search(ctx, "m"))
	got, err = l.Snapshot(ctx)
	require.NoError(t, err)
	require.Empty(t, got, "the current user is never listed")
}

func TestVisibleListLoadImagesSkipsLoaded(t *testing.T) {
	images := &fakeImages{}
	l := NewVisibleList(&fakeDirectory{users: testUsers()}, images, 1, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, l.Search(ctx, ""))
	require.NoError(t, l.LoadImages(ctx))

	images.mu.Lock()
	defer images.mu.Unlock()
	require.Equal(t, 1, images.calls["p10"])
	require.Equal(t, 2, images.calls["broken"])
	require.Zero(t, images.calls["p1"])
}

func TestVisibleListOperationsAreExclusive(t *testing.T) {
	dir := &fakeDirectory{users: testUsers(), gate: make(chan struct{})}
	l := NewVisibleList(dir, &fakeImages{}, 1, zerolog.Nop())

	searched := make(chan error, 1)
	go func() { searched <- l.Search(context.Background(), "a") }()

	// Search is parked inside the directory call, holding the lock.
	require.Eventually(t, func() bool {
		if l.sem.TryAcquire(1) {
			l.sem.Release(1)
			return false
		}
		return true
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, l.LoadImages(ctx), context.DeadlineExceeded)

	_, err := l.Snapshot(ctx)
	require.Error(t, err)

	close(dir.gate)
	require.NoError(t, <-searched)

	got, err := l.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestVisibleListConcurrentUse(t *testing.T) {
	l := NewVisibleList(&fakeDirectory{users: testUsers()}, &fakeImages{}, 1, zerolog.Nop())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			require.NoError(t, l.Search(ctx, "al"))
		}()
		go func() {
			defer wg.Done()
			require.NoError(t, l.LoadImages(ctx))
		}()
	}
	wg.Wait()

	got, err := l.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.NotNil(t, got[0].Image)
}
