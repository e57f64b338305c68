package fiberloop

import "time"

// schedulerOptions holds the resolved configuration for a Scheduler or an
// IOManager (which embeds one).
type schedulerOptions struct {
	name       string
	useCaller  bool
	stackHint  int
	pollCapMs  int
	idleSleep  time.Duration
	logger     Logger
	metricsTag string
}

func defaultSchedulerOptions() *schedulerOptions {
	return &schedulerOptions{
		name:      "fiberloop",
		pollCapMs: 5000,
		idleSleep: time.Second,
	}
}

// SchedulerOption configures a Scheduler at construction time. Every
// SchedulerOption is also a valid IOManagerOption (see IOManagerOption),
// so its method set includes applyIOManager in addition to applyScheduler.
type SchedulerOption interface {
	applyScheduler(*schedulerOptions)
	applyIOManager(*schedulerOptions)
}

type schedulerOptionFunc func(*schedulerOptions)

func (f schedulerOptionFunc) applyScheduler(o *schedulerOptions) { f(o) }

// WithName sets the scheduler's name, used as a prefix for its worker
// thread names and its fibers' diagnostic names.
func WithName(name string) SchedulerOption {
	return schedulerOptionFunc(func(o *schedulerOptions) { o.name = name })
}

// WithUseCaller makes the constructing goroutine act as one of the
// scheduler's workers instead of spawning a dedicated one for it. Stop
// must then be called from that same goroutine.
func WithUseCaller(useCaller bool) SchedulerOption {
	return schedulerOptionFunc(func(o *schedulerOptions) { o.useCaller = useCaller })
}

// WithStackHint records a documented hint for expected fiber stack usage.
// Go goroutine stacks grow automatically and are not user-addressable, so
// this has no allocation effect; it exists so callers porting stack-size
// tuned code have somewhere to put the number. The value is stored in the
// scheduler's options and is not read anywhere else.
func WithStackHint(bytes int) SchedulerOption {
	return schedulerOptionFunc(func(o *schedulerOptions) { o.stackHint = bytes })
}

// WithLogger records a logger in the scheduler's options. Every log call in
// this package goes through the package-wide logger installed with
// SetLogger; the logger recorded here is not consulted by any of them.
func WithLogger(l Logger) SchedulerOption {
	return schedulerOptionFunc(func(o *schedulerOptions) { o.logger = l })
}

// WithMetrics records a metrics tag in the scheduler's options. The tag is
// not included in Scheduler.Stats and has no accessor. No metrics library
// is bundled.
func WithMetrics(tag string) SchedulerOption {
	return schedulerOptionFunc(func(o *schedulerOptions) { o.metricsTag = tag })
}

// WithIdleSleep overrides the default 1s idle-fiber sleep interval used by
// a plain Scheduler (not an IOManager, whose idle action blocks on epoll
// instead).
func WithIdleSleep(d time.Duration) SchedulerOption {
	return schedulerOptionFunc(func(o *schedulerOptions) { o.idleSleep = d })
}

// IOManagerOption configures an IOManager at construction time. Every
// SchedulerOption is also a valid IOManagerOption, since an IOManager is a
// Scheduler with its idle behaviour replaced.
type IOManagerOption interface {
	applyIOManager(*schedulerOptions)
}

func (f schedulerOptionFunc) applyIOManager(o *schedulerOptions) { f(o) }

// WithPollCap bounds how long a single epoll_wait call may block when no
// timer is due sooner, so shutdown and timer-insertion notice latency stay
// bounded even without a wakeup.
func WithPollCap(d time.Duration) IOManagerOption {
	return schedulerOptionFunc(func(o *schedulerOptions) { o.pollCapMs = int(d.Milliseconds()) })
}

func resolveSchedulerOptions(opts []SchedulerOption) *schedulerOptions {
	o := defaultSchedulerOptions()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyScheduler(o)
	}
	return o
}

func resolveIOManagerOptions(opts []IOManagerOption) *schedulerOptions {
	o := defaultSchedulerOptions()
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt.applyIOManager(o)
	}
	return o
}
