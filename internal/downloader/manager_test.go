package downloader

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"qb-autoseed/internal/domain"
	"qb-autoseed/internal/engine"
	"qb-autoseed/internal/storage"
)

const gib = int64(1) << 30

const feedDate = "02 Jan 2006 15:04:05 -0700"

var testNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) Login(ctx context.Context) error  { return m.Called(ctx).Error(0) }
func (m *mockClient) Logout(ctx context.Context) error { return m.Called(ctx).Error(0) }

func (m *mockClient) ListJobs(ctx context.Context) ([]domain.TrackedJob, error) {
	args := m.Called(ctx)
	jobs, _ := args.Get(0).([]domain.TrackedJob)
	return jobs, args.Error(1)
}

func (m *mockClient) RefreshFeed(ctx context.Context, path string) error {
	return m.Called(ctx, path).Error(0)
}

func (m *mockClient) FetchFeed(ctx context.Context, path string) (domain.Feed, error) {
	args := m.Called(ctx, path)
	feed, _ := args.Get(0).(domain.Feed)
	return feed, args.Error(1)
}

func (m *mockClient) AddJob(ctx context.Context, link, savePath string, tags []string) error {
	return m.Called(ctx, link, savePath, tags).Error(0)
}

func (m *mockClient) RemoveJob(ctx context.Context, hash string, deleteFiles bool) error {
	return m.Called(ctx, hash, deleteFiles).Error(0)
}

type fixedDisk struct {
	stats storage.DiskStats
}

func (p fixedDisk) Usage(string) (storage.DiskStats, error) { return p.stats, nil }

// fakeSleeper records every wait and cancels the run once stopAfter waits happened.
type fakeSleeper struct {
	mu        sync.Mutex
	waits     []time.Duration
	stopAfter int
	cancel    context.CancelFunc
}

func (s *fakeSleeper) Sleep(ctx context.Context, d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	if len(s.waits) >= s.stopAfter {
		s.cancel()
		return false
	}
	return ctx.Err() == nil
}

type recordingJournal struct {
	mu        sync.Mutex
	decisions []domain.Decision
}

func (j *recordingJournal) Record(_ context.Context, d domain.Decision) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.decisions = append(j.decisions, d)
	return nil
}

func (j *recordingJournal) Recent(context.Context, int) ([]domain.Decision, error) { return nil, nil }
func (j *recordingJournal) Cycle(context.Context, string) ([]domain.Decision, error) {
	return nil, nil
}

func (j *recordingJournal) kinds() []domain.DecisionKind {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]domain.DecisionKind, len(j.decisions))
	for i, d := range j.decisions {
		out[i] = d.Kind
	}
	return out
}

func article(title string, released time.Time, link string) domain.Article {
	return domain.Article{Title: title, Date: released.Format(feedDate), TorrentURL: link}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig(sleeper *fakeSleeper) Config {
	return Config{
		Interval:      5 * time.Minute,
		SettlePause:   10 * time.Second,
		ErrorCooldown: 300 * time.Second,
		LoadingWait:   5 * time.Second,
		ErrorWait:     300 * time.Second,
		RefreshWait:   time.Second,
		Label:         "auto",
		SavePath:      "/downloads/",
		StoragePath:   "/data",
		Threshold:     gib,
		Accountant:    engine.Accountant{TotalLimit: 200 * gib, LowSpace: gib},
		Delay:         engine.DelayCalculator{StartRatio: 0.15, Multiplier: 600 * time.Minute},
		Retention: engine.FastFlow{
			MinRatio:      1.1,
			MinSeedTime:   21 * time.Hour,
			ActivityGrace: time.Hour,
		},
		Admission: engine.NearestOne{Window: 6 * time.Minute},
		Logger:    quietLogger(),
		Now:       func() time.Time { return testNow },
		Sleep:     sleeper.Sleep,
	}
}

func newTestManager(t *testing.T, cfg Config, client Client, journal *recordingJournal) *manager {
	t.Helper()
	disk := fixedDisk{stats: storage.DiskStats{Total: 1000 * gib, Available: 500 * gib}}
	mgr, err := NewManager(cfg, client, disk, journal)
	require.NoError(t, err)
	return mgr.(*manager)
}

// seasoned is labeled, complete, idle for 2h, ratio 0.9 and seeded 22h.
var seasoned = domain.TrackedJob{
	Hash:         "aaa",
	Name:         "seasoned",
	Progress:     1,
	Ratio:        0.9,
	SeedingTime:  22 * time.Hour,
	LastActivity: testNow.Add(-2 * time.Hour),
	Size:         5 * gib,
	Tags:         []string{"auto"},
}

var pinned = domain.TrackedJob{Hash: "bbb", Name: "pinned", Progress: 1, Size: 190 * gib}

func TestRunCycleEvictsAndAdmits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleeper := &fakeSleeper{stopAfter: 4, cancel: cancel}
	journal := &recordingJournal{}

	client := &mockClient{}
	client.On("Login", mock.Anything).Return(nil).Once()
	client.On("ListJobs", mock.Anything).Return([]domain.TrackedJob{seasoned, pinned}, nil).Once()
	client.On("RemoveJob", mock.Anything, "aaa", true).Return(nil).Once()
	// after the removal settles, the pool holds 195GiB of the 200GiB quota
	client.On("ListJobs", mock.Anything).Return([]domain.TrackedJob{{Hash: "bbb", Size: 195 * gib}}, nil).Once()
	client.On("RefreshFeed", mock.Anything, "auto").Return(nil).Once()
	client.On("FetchFeed", mock.Anything, "auto").Return(domain.Feed{IsLoading: true}, nil).Once()
	client.On("FetchFeed", mock.Anything, "auto").Return(domain.Feed{Articles: []domain.Article{
		article("Big [4.50 GB]", testNow.Add(-time.Minute), "https://t.example/big.torrent"),
		article("Fits [3.50 GB]", testNow.Add(-2*time.Minute), "https://t.example/fits.torrent"),
		article("Broken [lots]", testNow, "https://t.example/broken.torrent"),
	}}, nil).Once()
	client.On("AddJob", mock.Anything, "https://t.example/fits.torrent", "/downloads/", []string{"auto"}).Return(nil).Once()
	client.On("Logout", mock.Anything).Return(nil).Once()

	mgr := newTestManager(t, testConfig(sleeper), client, journal)
	require.NoError(t, mgr.Run(ctx))
	client.AssertExpectations(t)

	require.Len(t, sleeper.waits, 4)
	assert.Equal(t, 10*time.Second, sleeper.waits[0])
	assert.Equal(t, time.Second, sleeper.waits[1])
	assert.Equal(t, 5*time.Second, sleeper.waits[2])

	snap, ok := mgr.Status()
	require.True(t, ok)
	assert.Empty(t, snap.LastError)
	assert.Equal(t, []string{"aaa"}, snap.Evicted)
	assert.Equal(t, "https://t.example/fits.torrent", snap.Admitted)
	assert.Equal(t, 2, snap.NewCandidates)
	assert.Equal(t, 5*gib, snap.DiskFree)
	assert.Equal(t, 4*gib, snap.Effective)
	assert.Nil(t, snap.ScopeFree)

	// 5GiB of 200GiB is under the 0.15 start ratio, so the next cycle is pushed out
	assert.Greater(t, int64(snap.Delay), int64(0))
	assert.Equal(t, 5*time.Minute-10*time.Second+snap.Delay, sleeper.waits[3])

	assert.Equal(t, []domain.DecisionKind{domain.DecisionEvict, domain.DecisionAdmit, domain.DecisionCycle}, journal.kinds())
	for _, d := range journal.decisions {
		assert.Equal(t, snap.CycleID, d.CycleID)
		assert.False(t, d.DryRun)
	}
}

func TestRunDryRunSuppressesMutations(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleeper := &fakeSleeper{stopAfter: 3, cancel: cancel}
	journal := &recordingJournal{}

	client := &mockClient{}
	client.On("Login", mock.Anything).Return(nil)
	client.On("ListJobs", mock.Anything).Return([]domain.TrackedJob{seasoned}, nil)
	client.On("RefreshFeed", mock.Anything, "auto").Return(nil)
	client.On("FetchFeed", mock.Anything, "auto").Return(domain.Feed{Articles: []domain.Article{
		article("Fits [700.00 MB]", testNow.Add(-time.Minute), "https://t.example/fits.torrent"),
	}}, nil)
	client.On("Logout", mock.Anything).Return(nil)

	cfg := testConfig(sleeper)
	cfg.DryRun = true
	mgr := newTestManager(t, cfg, client, journal)
	require.NoError(t, mgr.Run(ctx))

	client.AssertNotCalled(t, "RemoveJob", mock.Anything, mock.Anything, mock.Anything)
	client.AssertNotCalled(t, "AddJob", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	snap, ok := mgr.Status()
	require.True(t, ok)
	assert.True(t, snap.DryRun)
	assert.Equal(t, []string{"aaa"}, snap.Evicted)
	assert.Equal(t, "https://t.example/fits.torrent", snap.Admitted)

	require.Len(t, journal.decisions, 3)
	for _, d := range journal.decisions {
		assert.True(t, d.DryRun)
	}
}

func TestRunCooldownAfterCollaboratorFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleeper := &fakeSleeper{stopAfter: 1, cancel: cancel}

	client := &mockClient{}
	client.On("Login", mock.Anything).Return(nil)
	client.On("ListJobs", mock.Anything).Return(nil, errors.New("connection refused"))
	client.On("Logout", mock.Anything).Return(nil)

	mgr := newTestManager(t, testConfig(sleeper), client, &recordingJournal{})
	require.NoError(t, mgr.Run(ctx))

	assert.Equal(t, []time.Duration{300 * time.Second}, sleeper.waits)
	snap, ok := mgr.Status()
	require.True(t, ok)
	assert.Contains(t, snap.LastError, "connection refused")
	client.AssertCalled(t, "Logout", mock.Anything)
}

func TestRunEvictsJobsIndependently(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleeper := &fakeSleeper{stopAfter: 1, cancel: cancel}
	journal := &recordingJournal{}

	other := seasoned
	other.Hash = "ccc"
	other.Name = "other"

	client := &mockClient{}
	client.On("Login", mock.Anything).Return(nil)
	client.On("ListJobs", mock.Anything).Return([]domain.TrackedJob{seasoned, other}, nil).Once()
	client.On("RemoveJob", mock.Anything, "aaa", true).Return(errors.New("torrent locked")).Once()
	client.On("RemoveJob", mock.Anything, "ccc", true).Return(nil).Once()
	client.On("Logout", mock.Anything).Return(nil)

	mgr := newTestManager(t, testConfig(sleeper), client, journal)
	require.NoError(t, mgr.Run(ctx))
	client.AssertExpectations(t)

	// the failed removal fails the cycle only after every job was judged
	assert.Equal(t, []time.Duration{300 * time.Second}, sleeper.waits)
	client.AssertNotCalled(t, "RefreshFeed", mock.Anything, mock.Anything)

	snap, ok := mgr.Status()
	require.True(t, ok)
	assert.Contains(t, snap.LastError, "remove aaa")
	assert.Contains(t, snap.LastError, "torrent locked")
	assert.Equal(t, []string{"ccc"}, snap.Evicted)
	assert.Equal(t, []domain.DecisionKind{domain.DecisionEvict}, journal.kinds())
}

func TestRunRetriesFeedAfterError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleeper := &fakeSleeper{stopAfter: 4, cancel: cancel}

	client := &mockClient{}
	client.On("Login", mock.Anything).Return(nil)
	client.On("ListJobs", mock.Anything).Return([]domain.TrackedJob{}, nil)
	client.On("RefreshFeed", mock.Anything, "auto").Return(nil).Once()
	client.On("FetchFeed", mock.Anything, "auto").Return(domain.Feed{HasError: true}, nil).Once()
	client.On("FetchFeed", mock.Anything, "auto").Return(domain.Feed{}, nil).Once()
	client.On("Logout", mock.Anything).Return(nil)

	mgr := newTestManager(t, testConfig(sleeper), client, &recordingJournal{})
	require.NoError(t, mgr.Run(ctx))
	client.AssertExpectations(t)

	require.Len(t, sleeper.waits, 4)
	assert.Equal(t, 10*time.Second, sleeper.waits[0])
	assert.Equal(t, time.Second, sleeper.waits[1])
	assert.Equal(t, 300*time.Second, sleeper.waits[2])
	client.AssertNumberOfCalls(t, "FetchFeed", 2)
	client.AssertNumberOfCalls(t, "RefreshFeed", 1)

	snap, ok := mgr.Status()
	require.True(t, ok)
	assert.Empty(t, snap.LastError)
}

func TestRunRecoversPanicInCycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleeper := &fakeSleeper{stopAfter: 1, cancel: cancel}

	client := &mockClient{}
	client.On("Login", mock.Anything).Return(nil)
	client.On("ListJobs", mock.Anything).Run(func(mock.Arguments) {
		panic("boom")
	}).Return(nil, nil)
	client.On("Logout", mock.Anything).Return(nil)

	mgr := newTestManager(t, testConfig(sleeper), client, &recordingJournal{})
	require.NotPanics(t, func() {
		require.NoError(t, mgr.Run(ctx))
	})

	assert.Equal(t, []time.Duration{300 * time.Second}, sleeper.waits)
	snap, ok := mgr.Status()
	require.True(t, ok)
	assert.Contains(t, snap.LastError, "panic in cycle: boom")
	assert.False(t, snap.FinishedAt.IsZero())
	client.AssertCalled(t, "Logout", mock.Anything)
}

func TestRunRetriesLoginWithoutSigningOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleeper := &fakeSleeper{stopAfter: 2, cancel: cancel}

	client := &mockClient{}
	client.On("Login", mock.Anything).Return(errors.New("qBittorrent: login failed"))

	mgr := newTestManager(t, testConfig(sleeper), client, &recordingJournal{})
	require.NoError(t, mgr.Run(ctx))

	assert.Equal(t, []time.Duration{300 * time.Second, 300 * time.Second}, sleeper.waits)
	client.AssertNumberOfCalls(t, "Login", 2)
	client.AssertNotCalled(t, "Logout", mock.Anything)
	_, ok := mgr.Status()
	assert.False(t, ok)
}

func TestRunDiffsAgainstPreviousCycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// two full cycles: settle, refresh wait, interval per cycle
	sleeper := &fakeSleeper{stopAfter: 6, cancel: cancel}
	journal := &recordingJournal{}

	client := &mockClient{}
	client.On("Login", mock.Anything).Return(nil).Once()
	client.On("ListJobs", mock.Anything).Return([]domain.TrackedJob{}, nil)
	client.On("RefreshFeed", mock.Anything, "auto").Return(nil)
	client.On("FetchFeed", mock.Anything, "auto").Return(domain.Feed{Articles: []domain.Article{
		article("Fresh [1.00 GB]", testNow.Add(-time.Minute), "https://t.example/fresh.torrent"),
	}}, nil)
	client.On("AddJob", mock.Anything, "https://t.example/fresh.torrent", "/downloads/", []string{"auto"}).Return(nil).Once()
	client.On("Logout", mock.Anything).Return(nil).Once()

	mgr := newTestManager(t, testConfig(sleeper), client, journal)
	require.NoError(t, mgr.Run(ctx))

	client.AssertNumberOfCalls(t, "AddJob", 1)
	snap, ok := mgr.Status()
	require.True(t, ok)
	assert.Equal(t, 0, snap.NewCandidates)
	assert.Empty(t, snap.Admitted)
}

func TestRunSkipsCandidateAlreadyInClient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sleeper := &fakeSleeper{stopAfter: 3, cancel: cancel}

	const hash = "c12fe1c06bba254a9dc9f519b335aa7c1367a88a"
	magnet := "magnet:?xt=urn:btih:" + hash + "&dn=fresh"

	client := &mockClient{}
	client.On("Login", mock.Anything).Return(nil)
	client.On("ListJobs", mock.Anything).Return([]domain.TrackedJob{{Hash: hash, Progress: 0.2, Tags: []string{"auto"}}}, nil)
	client.On("RefreshFeed", mock.Anything, "auto").Return(nil)
	client.On("FetchFeed", mock.Anything, "auto").Return(domain.Feed{Articles: []domain.Article{
		article("Fresh [1.00 GB]", testNow.Add(-time.Minute), magnet),
	}}, nil)
	client.On("Logout", mock.Anything).Return(nil)

	mgr := newTestManager(t, testConfig(sleeper), client, &recordingJournal{})
	require.NoError(t, mgr.Run(ctx))

	client.AssertNotCalled(t, "AddJob", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestNewManagerRequiresPolicies(t *testing.T) {
	cfg := testConfig(&fakeSleeper{})
	cfg.Retention = nil
	_, err := NewManager(cfg, &mockClient{}, fixedDisk{}, nil)
	assert.Error(t, err)

	cfg = testConfig(&fakeSleeper{})
	cfg.Admission = nil
	_, err = NewManager(cfg, &mockClient{}, fixedDisk{}, nil)
	assert.Error(t, err)
}

func TestSleepCtx(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	assert.True(t, sleepCtx(ctx, time.Millisecond))
	assert.True(t, sleepCtx(ctx, 0))
	cancel()
	assert.False(t, sleepCtx(ctx, time.Hour))
	assert.False(t, sleepCtx(ctx, 0))
}
