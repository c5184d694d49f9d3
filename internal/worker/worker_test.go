package worker

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/thumbforge/thumbforge/internal/fetcher"
	"github.com/thumbforge/thumbforge/internal/job"
	queuememory "github.com/thumbforge/thumbforge/internal/queue/memory"
	storememory "github.com/thumbforge/thumbforge/internal/store/memory"
	"github.com/thumbforge/thumbforge/internal/thumbnail"
)

func pngBytes(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fixture struct {
	store  *storememory.Store
	queue  *queuememory.Queue
	worker *Worker
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := storememory.NewStore()
	q := queuememory.NewQueue(16, 20*time.Millisecond)
	t.Cleanup(func() { _ = q.Close() })
	tr, err := thumbnail.New(thumbnail.Config{
		Size:        64,
		Quality:     90,
		StoragePath: t.TempDir(),
		Parallelism: 2,
	})
	require.NoError(t, err)
	f := fetcher.New(fetcher.Config{Timeout: 5 * time.Second})
	return fixture{
		store:  store,
		queue:  q,
		worker: New(q, store, f, tr, zap.NewNop()),
	}
}

func (fx fixture) submit(t *testing.T, url string) *job.Job {
	t.Helper()
	ctx := context.Background()
	j := job.New(uuid.New(), url, time.Now().UTC())
	require.NoError(t, fx.store.Create(ctx, j))
	require.NoError(t, fx.queue.Enqueue(ctx, j.ID))
	return j
}

func (fx fixture) runUntil(t *testing.T, id uuid.UUID, want job.Status) *job.Job {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		fx.worker.Run(ctx)
		close(done)
	}()

	var got *job.Job
	require.Eventually(t, func() bool {
		j, err := fx.store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = j
		return j.Status == want
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after context cancel")
	}
	return got
}

func TestWorkerCompletesJobEndToEnd(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBytes(t, 120, 80))
	}))
	defer srv.Close()

	fx := newFixture(t)
	j := fx.submit(t, srv.URL)
	done := fx.runUntil(t, j.ID, job.StatusCompleted)

	require.Equal(t, 1, done.Attempts)
	require.Empty(t, done.Error)
	require.NotNil(t, done.Result)
	require.Equal(t, 120, done.Result.Width)
	require.Equal(t, 80, done.Result.Height)
	require.Equal(t, "PNG", done.Result.Format)
	require.Equal(t, "image/png", done.Result.SourceContentType)
	require.Equal(t, srv.URL, done.Result.SourceURL)
	_, err := os.Stat(done.Result.ThumbnailPath)
	require.NoError(t, err)

	counts, err := fx.store.Counts(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, counts.Completed)
	require.EqualValues(t, 1, counts.Total)
}

func TestWorkerFailsJobOnHTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	fx := newFixture(t)
	j := fx.submit(t, srv.URL)
	done := fx.runUntil(t, j.ID, job.StatusFailed)

	require.NotEmpty(t, done.Error)
	require.Contains(t, done.Error, "status=500")
	require.Nil(t, done.Result)
	require.Equal(t, 1, done.Attempts)
}

func TestWorkerFailsJobOnUndecodableBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("this is not an image"))
	}))
	defer srv.Close()

	fx := newFixture(t)
	j := fx.submit(t, srv.URL)
	done := fx.runUntil(t, j.ID, job.StatusFailed)

	require.Contains(t, done.Error, "decode image")
	require.Nil(t, done.Result)
}

func TestWorkerSkipsMissingAndForeignClaims(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBytes(t, 40, 40))
	}))
	defer srv.Close()

	fx := newFixture(t)
	ctx := context.Background()

	// An id the store has never seen: dropped without error.
	require.NoError(t, fx.queue.Enqueue(ctx, uuid.New()))

	// A job already claimed by another consumer: dropped without a second
	// attempt being recorded.
	claimed := fx.submit(t, srv.URL+"/claimed")
	_, err := fx.store.Claim(ctx, claimed.ID)
	require.NoError(t, err)

	// A normal job behind both of the above, proving the loop survived them.
	ok := fx.submit(t, srv.URL)
	done := fx.runUntil(t, ok.ID, job.StatusCompleted)
	require.Equal(t, 1, done.Attempts)

	still, err := fx.store.Get(ctx, claimed.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusProcessing, still.Status)
	require.Equal(t, 1, still.Attempts)
}

func TestWorkerSurvivesDuplicateDelivery(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBytes(t, 40, 40))
	}))
	defer srv.Close()

	fx := newFixture(t)
	ctx := context.Background()
	j := fx.submit(t, srv.URL)
	// The same id delivered twice.
	require.NoError(t, fx.queue.Enqueue(ctx, j.ID))

	done := fx.runUntil(t, j.ID, job.StatusCompleted)
	require.Equal(t, 1, done.Attempts)

	// Give the duplicate delivery a moment to be consumed, then confirm the
	// terminal state was untouched.
	time.Sleep(50 * time.Millisecond)
	after, err := fx.store.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, after.Status)
	require.Equal(t, 1, after.Attempts)
}

// cancelAwareStore rejects writes on a cancelled context the way a real
// connection pool would.
type cancelAwareStore struct {
	*storememory.Store
}

func (s cancelAwareStore) Complete(ctx context.Context, id uuid.UUID, res job.Result) (*job.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Store.Complete(ctx, id, res)
}

func (s cancelAwareStore) Fail(ctx context.Context, id uuid.UUID, msg string) (*job.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Store.Fail(ctx, id, msg)
}

func TestWorkerFinishesInFlightJobOnShutdown(t *testing.T) {
	t.Parallel()

	fetchStarted := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		close(fetchStarted)
		<-release
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBytes(t, 40, 40))
	}))
	defer srv.Close()

	store := storememory.NewStore()
	q := queuememory.NewQueue(16, 20*time.Millisecond)
	t.Cleanup(func() { _ = q.Close() })
	tr, err := thumbnail.New(thumbnail.Config{
		Size:        64,
		Quality:     90,
		StoragePath: t.TempDir(),
		Parallelism: 2,
	})
	require.NoError(t, err)
	f := fetcher.New(fetcher.Config{Timeout: 5 * time.Second})
	w := New(q, cancelAwareStore{Store: store}, f, tr, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	j := job.New(uuid.New(), srv.URL, time.Now().UTC())
	require.NoError(t, store.Create(context.Background(), j))
	require.NoError(t, q.Enqueue(context.Background(), j.ID))

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	// Shutdown lands while the fetch is in flight; the claimed job must still
	// reach a terminal state before Run returns.
	<-fetchStarted
	cancel()
	close(release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after context cancel")
	}

	after, err := store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, after.Status)
	require.NotNil(t, after.Result)
	require.Equal(t, 1, after.Attempts)
}
