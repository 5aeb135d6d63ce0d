package downloader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"qb-autoseed/internal/domain"
	"qb-autoseed/internal/engine"
	"qb-autoseed/internal/service"
	"qb-autoseed/internal/storage"
)

// Client is the torrent client the monitor drives.
type Client interface {
	Login(ctx context.Context) error
	Logout(ctx context.Context) error
	ListJobs(ctx context.Context) ([]domain.TrackedJob, error)
	RefreshFeed(ctx context.Context, path string) error
	FetchFeed(ctx context.Context, path string) (domain.Feed, error)
	AddJob(ctx context.Context, link, savePath string, tags []string) error
	RemoveJob(ctx context.Context, hash string, deleteFiles bool) error
}

// Manager runs the retention and admission cycle against the torrent client.
type Manager interface {
	Run(ctx context.Context) error
	Status() (Snapshot, bool)
}

// SleepFunc waits for d and reports false if ctx ended first.
type SleepFunc func(ctx context.Context, d time.Duration) bool

type Config struct {
	Interval      time.Duration
	SettlePause   time.Duration
	ErrorCooldown time.Duration
	LoadingWait   time.Duration
	ErrorWait     time.Duration
	RefreshWait   time.Duration

	FeedPath    string
	Label       string
	SavePath    string
	StoragePath string
	Threshold   int64
	DryRun      bool

	Accountant engine.Accountant
	Delay      engine.DelayCalculator
	Retention  engine.RetentionPolicy
	Admission  engine.AdmissionPolicy

	Logger *logrus.Logger
	Now    func() time.Time
	Sleep  SleepFunc
}

// Snapshot describes the last finished cycle.
type Snapshot struct {
	CycleID       string
	StartedAt     time.Time
	FinishedAt    time.Time
	Jobs          int
	LabeledJobs   int
	Evicted       []string
	Admitted      string
	NewCandidates int
	DiskFree      int64
	ScopeFree     *int64
	Effective     int64
	Delay         time.Duration
	DryRun        bool
	LastError     string
}

type manager struct {
	cfg     Config
	client  Client
	disk    storage.DiskMeter
	journal service.JournalService

	status atomic.Pointer[Snapshot]
}

func NewManager(cfg Config, client Client, disk storage.DiskMeter, journal service.JournalService) (Manager, error) {
	if cfg.Retention == nil {
		return nil, errors.New("no retention policy selected")
	}
	if cfg.Admission == nil {
		return nil, errors.New("no admission policy selected")
	}
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.SettlePause == 0 {
		cfg.SettlePause = 10 * time.Second
	}
	if cfg.ErrorCooldown == 0 {
		cfg.ErrorCooldown = 300 * time.Second
	}
	if cfg.LoadingWait == 0 {
		cfg.LoadingWait = 5 * time.Second
	}
	if cfg.ErrorWait == 0 {
		cfg.ErrorWait = 300 * time.Second
	}
	if cfg.Label == "" {
		cfg.Label = "auto"
	}
	if cfg.FeedPath == "" {
		cfg.FeedPath = cfg.Label
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepCtx
	}
	if journal == nil {
		journal = service.NewNoopJournal()
	}
	return &manager{
		cfg:     cfg,
		client:  client,
		disk:    disk,
		journal: journal,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (m *manager) Status() (Snapshot, bool) {
	s := m.status.Load()
	if s == nil {
		return Snapshot{}, false
	}
	return *s, true
}

// Run signs in and loops until ctx is cancelled, then signs out. A failed cycle is logged
// and retried after ErrorCooldown. Only the waits between calls observe cancellation.
func (m *manager) Run(ctx context.Context) error {
	log := m.cfg.Logger
	log.Infof("monitor started: label=%s interval=%s retention=%s admission=%s dry_run=%t",
		m.cfg.Label, m.cfg.Interval, m.cfg.Retention.Name(), m.cfg.Admission.Name(), m.cfg.DryRun)

	var (
		prev     []domain.Candidate
		loggedIn bool
	)
	defer func() {
		if loggedIn {
			m.signOut(ctx)
		}
	}()

	for ctx.Err() == nil {
		if !loggedIn {
			if err := m.client.Login(context.WithoutCancel(ctx)); err != nil {
				log.Errorf("login failed: %v", err)
				if !m.cfg.Sleep(ctx, m.cfg.ErrorCooldown) {
					break
				}
				continue
			}
			loggedIn = true
			log.Info("logged in")
		}

		next, delay, err := m.runCycle(ctx, prev)
		prev = next
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Errorf("caught error: %v", err)
			if !m.cfg.Sleep(ctx, m.cfg.ErrorCooldown) {
				break
			}
			continue
		}

		wait := m.cfg.Interval - m.cfg.SettlePause + delay
		if wait < 0 {
			wait = 0
		}
		log.Debugf("next cycle in %s", wait)
		if !m.cfg.Sleep(ctx, wait) {
			break
		}
	}
	log.Info("monitor stopped")
	return nil
}

func (m *manager) signOut(ctx context.Context) {
	logoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := m.client.Logout(logoutCtx); err != nil {
		m.cfg.Logger.Warnf("logout: %v", err)
		return
	}
	m.cfg.Logger.Info("logged out")
}

// runCycle runs one cycle and publishes its snapshot. It returns the feed list to diff
// against next time, which is prev unchanged when the feed was never fetched.
func (m *manager) runCycle(ctx context.Context, prev []domain.Candidate) (next []domain.Candidate, delay time.Duration, err error) {
	snap := &Snapshot{
		CycleID:   uuid.NewString(),
		StartedAt: m.cfg.Now(),
		DryRun:    m.cfg.DryRun,
	}
	next = prev
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in cycle: %v", r)
		}
		if err != nil {
			snap.LastError = err.Error()
		}
		snap.FinishedAt = m.cfg.Now()
		m.status.Store(snap)
	}()

	c := &cycle{m: m, ctx: ctx, snap: snap, log: m.cfg.Logger.WithField("cycle", snap.CycleID)}
	if err := c.checkDeletion(); err != nil {
		return next, 0, err
	}
	if !m.cfg.Sleep(ctx, m.cfg.SettlePause) {
		return next, 0, ctx.Err()
	}
	return c.checkAddition(prev)
}

// cycle holds the per-cycle values. Nothing in it outlives runCycle.
type cycle struct {
	m    *manager
	ctx  context.Context
	snap *Snapshot
	log  *logrus.Entry
}

// call is the context for collaborator requests: never cancelled mid-flight.
func (c *cycle) call() context.Context { return context.WithoutCancel(c.ctx) }

func (c *cycle) refresh() ([]domain.TrackedJob, engine.Capacity, error) {
	jobs, err := c.m.client.ListJobs(c.call())
	if err != nil {
		return nil, engine.Capacity{}, fmt.Errorf("list jobs: %w", err)
	}
	capacity, err := c.measure(jobs)
	if err != nil {
		return nil, engine.Capacity{}, err
	}
	c.snap.Jobs = len(jobs)
	c.snap.LabeledJobs = len(domain.Labeled(jobs, c.m.cfg.Label))
	return jobs, capacity, nil
}

func (c *cycle) measure(jobs []domain.TrackedJob) (engine.Capacity, error) {
	fs, err := c.m.disk.Usage(c.m.cfg.StoragePath)
	if err != nil {
		return engine.Capacity{}, fmt.Errorf("disk usage: %w", err)
	}
	acc := c.m.cfg.Accountant
	acc.Label = c.m.cfg.Label
	acc.Logger = c.log
	capacity := acc.Measure(jobs, fs)

	c.snap.DiskFree = capacity.DiskFree
	c.snap.ScopeFree = nil
	if capacity.HasScope() {
		free := capacity.ScopeFree
		c.snap.ScopeFree = &free
	}
	c.snap.Effective = capacity.Effective(c.m.cfg.Threshold)
	return capacity, nil
}

func (c *cycle) checkDeletion() error {
	jobs, _, err := c.refresh()
	if err != nil {
		return err
	}
	labeled := domain.Labeled(jobs, c.m.cfg.Label)
	c.log.Infof("checking deletion, num of %s tagged torrents = %d", c.m.cfg.Label, len(labeled))

	now := c.m.cfg.Now()
	var errs []error
	for _, job := range labeled {
		if !c.m.cfg.Retention.ShouldEvict(job, now) {
			continue
		}
		reason := fmt.Sprintf("%s: ratio=%.2f seeding_time=%s", c.m.cfg.Retention.Name(), job.Ratio, job.SeedingTime)
		if c.m.cfg.DryRun {
			c.log.Infof("dry run: would remove %s (%s)", job.Name, job.Hash)
		} else if err := c.m.client.RemoveJob(c.call(), job.Hash, true); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", job.Hash, err))
			continue
		} else {
			c.log.Infof("removed %s (%s)", job.Name, job.Hash)
		}
		c.snap.Evicted = append(c.snap.Evicted, job.Hash)
		c.record(domain.Decision{
			Kind:   domain.DecisionEvict,
			Hash:   job.Hash,
			Name:   job.Name,
			Size:   job.Size,
			Reason: reason,
		})
	}
	return errors.Join(errs...)
}

func (c *cycle) checkAddition(prev []domain.Candidate) ([]domain.Candidate, time.Duration, error) {
	jobs, _, err := c.refresh()
	if err != nil {
		return prev, 0, err
	}

	c.log.Info("start check new torrent")
	feed, err := c.fetchFeed()
	if err != nil {
		return prev, 0, err
	}

	fresh := c.candidates(feed)
	added := engine.DiffFeed(fresh, prev)
	for _, cand := range added {
		c.log.Debugf("new torrent released at %s", cand.ReleaseTime.Format(time.RFC3339))
	}
	c.snap.NewCandidates = len(added)

	// free space may have moved while the feed loaded
	capacity, err := c.measure(jobs)
	if err != nil {
		return fresh, 0, err
	}
	effective := capacity.Effective(c.m.cfg.Threshold)
	if effective <= 0 {
		c.log.Warnf("no room for new torrents, effective capacity %d", effective)
	}

	picks := c.m.cfg.Admission.Select(added, effective, c.m.cfg.Now())
	c.log.Infof("new rss feed count=%d, download list len=%d", len(added), len(picks))

	existing := make(map[string]struct{}, len(jobs))
	for _, j := range jobs {
		existing[strings.ToLower(j.Hash)] = struct{}{}
	}

	var errs []error
	for _, cand := range picks {
		if hash, ok := cand.InfoHash(); ok {
			if _, dup := existing[hash]; dup {
				c.log.Infof("torrent %s already present, skipping", hash)
				continue
			}
		}
		if c.m.cfg.DryRun {
			c.log.Infof("dry run: would add %s (%s)", cand.Link, humanize.IBytes(uint64(cand.ByteSize)))
		} else if err := c.m.client.AddJob(c.call(), cand.Link, c.m.cfg.SavePath, []string{c.m.cfg.Label}); err != nil {
			errs = append(errs, fmt.Errorf("add torrent: %w", err))
			continue
		} else {
			c.log.Infof("add torrent, link = %s", cand.Link)
		}
		c.snap.Admitted = cand.Link
		c.record(domain.Decision{
			Kind:   domain.DecisionAdmit,
			Name:   cand.Title,
			Link:   cand.Link,
			Size:   cand.ByteSize,
			Reason: fmt.Sprintf("%s: released %s, capacity %d", c.m.cfg.Admission.Name(), cand.ReleaseTime.Format(time.RFC3339), effective),
		})
	}
	if err := errors.Join(errs...); err != nil {
		return fresh, 0, err
	}

	delayCalc := c.m.cfg.Delay
	delayCalc.Logger = c.log
	delay := delayCalc.Extra(capacity)
	c.snap.Delay = delay

	c.record(domain.Decision{
		Kind:   domain.DecisionCycle,
		Size:   effective,
		Reason: c.summary(capacity, delay),
	})
	return fresh, delay, nil
}

// fetchFeed refreshes the feed and polls until it is neither loading nor in error.
// Every retry waits; there is no retry limit.
func (c *cycle) fetchFeed() (domain.Feed, error) {
	path := c.m.cfg.FeedPath
	if err := c.m.client.RefreshFeed(c.call(), path); err != nil {
		return domain.Feed{}, fmt.Errorf("refresh feed %q: %w", path, err)
	}
	if !c.m.cfg.Sleep(c.ctx, c.m.cfg.RefreshWait) {
		return domain.Feed{}, c.ctx.Err()
	}
	for {
		feed, err := c.m.client.FetchFeed(c.call(), path)
		if err != nil {
			return domain.Feed{}, fmt.Errorf("fetch feed %q: %w", path, err)
		}
		var wait time.Duration
		switch {
		case feed.IsLoading:
			wait = c.m.cfg.LoadingWait
			c.log.Infof("rss is loading, wait %s and retry", wait)
		case feed.HasError:
			wait = c.m.cfg.ErrorWait
			c.log.Warnf("rss feed has error, wait %s and retry", wait)
		default:
			return feed, nil
		}
		if !c.m.cfg.Sleep(c.ctx, wait) {
			return domain.Feed{}, c.ctx.Err()
		}
	}
}

// candidates parses the feed. Articles that fail to parse are logged and dropped.
func (c *cycle) candidates(feed domain.Feed) []domain.Candidate {
	out := make([]domain.Candidate, 0, len(feed.Articles))
	for _, a := range feed.Articles {
		cand, err := domain.NewCandidate(a)
		if err != nil {
			c.log.Warnf("skip feed item %q: %v", a.Title, err)
			continue
		}
		out = append(out, cand)
	}
	return out
}

func (c *cycle) record(d domain.Decision) {
	d.CycleID = c.snap.CycleID
	d.DryRun = c.m.cfg.DryRun
	d.CreatedAt = c.m.cfg.Now()
	if err := c.m.journal.Record(c.call(), d); err != nil {
		c.log.Warnf("journal %s: %v", d.Kind, err)
	}
}

func (c *cycle) summary(capacity engine.Capacity, delay time.Duration) string {
	scope := "unset"
	if capacity.HasScope() {
		scope = fmt.Sprint(capacity.ScopeFree)
	}
	return fmt.Sprintf("disk_free=%d scope_free=%s effective=%d delay=%s new=%d",
		capacity.DiskFree, scope, capacity.Effective(c.m.cfg.Threshold), delay, c.snap.NewCandidates)
}

var _ Manager = (*manager)(nil)
