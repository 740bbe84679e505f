package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gotest.tools/assert"

	"github.com/gecl/otawatch/pkg/internal/requests"
	"github.com/gecl/otawatch/pkg/internal/testoutput"
	"github.com/gecl/otawatch/pkg/logging"
	"github.com/gecl/otawatch/pkg/platform"
	"github.com/gecl/otawatch/pkg/reboot"
	"github.com/gecl/otawatch/pkg/retry"
	"github.com/gecl/otawatch/pkg/session"
	"github.com/gecl/otawatch/pkg/store"
)

func testAgent(t *testing.T, cfg Config) (*Agent, *testHooks) {
	hooks := &testHooks{
		Executor:  &testExecutor{},
		Selector:  &testSelector{active: 0x010000},
		Store:     newTestStore(),
		Network:   &testNetwork{},
		Publisher: &testPublisher{},
		Rebooter:  &testRebooter{},
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	cfg.PerformYield = time.Millisecond
	cfg.StallWindow = time.Minute

	sched := reboot.NewScheduler(testoutput.Logger(t, logging.New("reboot")), time.Hour, hooks.Rebooter)
	hooks.Scheduler = sched

	a, err := New(testoutput.Logger(t, logging.New("agent")), cfg, Collaborators{
		Executor:  hooks.Executor,
		Selector:  hooks.Selector,
		Store:     hooks.Store,
		Scheduler: sched,
		Network:   hooks.Network,
		Publisher: hooks.Publisher,
	})
	if err != nil {
		panic(err)
	}
	// Tests should not sit out the production pause schedule.
	a.policy = retry.NewPolicyWithPause(a.cfg.MaxRetries, backoff.NewConstantBackOff(time.Millisecond))
	return a, hooks
}

type testHooks struct {
	Executor  *testExecutor
	Selector  *testSelector
	Store     *testStore
	Network   *testNetwork
	Publisher *testPublisher
	Rebooter  *testRebooter
	Scheduler *reboot.Scheduler
}

type testExecutor struct {
	mu      sync.Mutex
	begun   int
	BeginFn func(ctx context.Context, job platform.Job) (platform.Handle, error)
}

func (e *testExecutor) Begin(ctx context.Context, job platform.Job) (platform.Handle, error) {
	e.mu.Lock()
	e.begun++
	e.mu.Unlock()
	if e.BeginFn != nil {
		return e.BeginFn(ctx, job)
	}
	return &testHandle{}, nil
}

func (e *testExecutor) Begun() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.begun
}

type testHandle struct {
	mu         sync.Mutex
	performs   int
	aborted    bool
	finished   bool
	PerformFn  func(calls int) (platform.Step, error)
	CompleteFn func() bool
	FinishFn   func() error
}

func (h *testHandle) Perform() (platform.Step, error) {
	h.mu.Lock()
	h.performs++
	calls := h.performs
	h.mu.Unlock()
	if h.PerformFn != nil {
		return h.PerformFn(calls)
	}
	return platform.StepDone, nil
}

func (h *testHandle) IsComplete() bool {
	if h.CompleteFn != nil {
		return h.CompleteFn()
	}
	return true
}

func (h *testHandle) Received() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return int64(h.performs) * 4096
}

func (h *testHandle) Finish() error {
	h.mu.Lock()
	h.finished = true
	h.mu.Unlock()
	if h.FinishFn != nil {
		return h.FinishFn()
	}
	return nil
}

func (h *testHandle) Abort() {
	h.mu.Lock()
	h.aborted = true
	h.mu.Unlock()
}

func (h *testHandle) Aborted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.aborted
}

type testSelector struct {
	active uint32
}

func (s *testSelector) Active() (uint32, error) {
	return s.active, nil
}

func (s *testSelector) Next() (platform.Partition, error) {
	panic("agent never opens partitions itself")
}

type testStore struct {
	mu      sync.Mutex
	u32     map[string]uint32
	str     map[string]string
	SetStrE error
}

func newTestStore() *testStore {
	return &testStore{u32: map[string]uint32{}, str: map[string]string{}}
}

func (s *testStore) GetUint32(key string) (uint32, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.u32[key]
	return v, ok, nil
}

func (s *testStore) SetUint32(key string, value uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.u32[key] = value
	return nil
}

func (s *testStore) GetString(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.str[key]
	return v, ok, nil
}

func (s *testStore) SetString(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SetStrE != nil {
		return s.SetStrE
	}
	s.str[key] = value
	return nil
}

func (s *testStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.u32, key)
	delete(s.str, key)
	return nil
}

type testNetwork struct {
	mu           sync.Mutex
	stopped      bool
	disconnected bool
}

func (n *testNetwork) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopped = true
	return nil
}

func (n *testNetwork) Disconnect() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disconnected = true
	return nil
}

func (n *testNetwork) State() (stopped, disconnected bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stopped, n.disconnected
}

type testPublisher struct {
	mu       sync.Mutex
	messages map[string][]string
}

func (p *testPublisher) Publish(topic, message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.messages == nil {
		p.messages = map[string][]string{}
	}
	p.messages[topic] = append(p.messages[topic], message)
	return nil
}

func (p *testPublisher) Last(topic string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.messages[topic]
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1]
}

type testRebooter struct {
	mu       sync.Mutex
	rebooted bool
}

func (r *testRebooter) Reboot() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rebooted = true
	return nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func waitReleased(t *testing.T, a *Agent) *session.Session {
	t.Helper()
	waitFor(t, func() bool {
		s := a.Session()
		return s != nil && s.Released()
	})
	return a.Session()
}

func TestSubmitSuccess(t *testing.T) {
	logging.Set(testoutput.Setter(t))
	defer logging.Set(testoutput.Revert())

	a, hooks := testAgent(t, Config{MaxRetries: 3})

	id, err := a.Submit(requests.Firmware())
	assert.NilError(t, err)
	assert.Check(t, id == 1)

	s := waitReleased(t, a)
	assert.Check(t, s.Succeeded())
	assert.Check(t, s.Attempt == 1)
	assert.Check(t, hooks.Scheduler.Pending())
	assert.Check(t, hooks.Publisher.Last("ota/outcome") == "update complete")

	stamp, ok, err := hooks.Store.GetString(store.KeyOTATimestamp)
	assert.NilError(t, err)
	assert.Check(t, ok)
	parsed, err := time.Parse(store.TimestampFormat, stamp)
	assert.NilError(t, err)
	assert.Check(t, parsed.Format(store.TimestampFormat) == stamp)
}

func TestSubmitBusy(t *testing.T) {
	logging.Set(testoutput.Setter(t))
	defer logging.Set(testoutput.Revert())

	a, hooks := testAgent(t, Config{MaxRetries: 3})

	release := make(chan struct{})
	hooks.Executor.BeginFn = func(context.Context, platform.Job) (platform.Handle, error) {
		return &testHandle{PerformFn: func(int) (platform.Step, error) {
			select {
			case <-release:
				return platform.StepDone, nil
			default:
				return platform.StepContinue, nil
			}
		}}, nil
	}

	id, err := a.Submit(requests.Firmware())
	assert.NilError(t, err)
	waitFor(t, func() bool { return a.Session() != nil && a.Session().State == session.StateDownloading })

	before := a.Session()
	_, err = a.Submit(requests.Firmware(requests.WithURL("https://host/other.bin")))
	assert.Check(t, err != nil)
	assert.Check(t, session.KindOf(err) == session.KindBusy)

	// The live session is untouched by the rejected submit.
	after := a.Session()
	assert.Check(t, after.ID == id)
	assert.Check(t, after.ID == before.ID)
	assert.Check(t, after.Attempt == before.Attempt)
	assert.Check(t, after.State == session.StateDownloading)

	close(release)
	s := waitReleased(t, a)
	assert.Check(t, s.Succeeded())

	// A released session no longer blocks a new submit.
	id2, err := a.Submit(requests.Firmware())
	assert.NilError(t, err)
	assert.Check(t, id2 == id+1)
	waitReleased(t, a)
}

func TestAttemptBudget(t *testing.T) {
	logging.Set(testoutput.Setter(t))
	defer logging.Set(testoutput.Revert())

	a, hooks := testAgent(t, Config{MaxRetries: 3})
	hooks.Executor.BeginFn = func(context.Context, platform.Job) (platform.Handle, error) {
		return &testHandle{PerformFn: func(int) (platform.Step, error) {
			return platform.StepDone, session.Errorf(session.KindDownload, "transport dropped")
		}}, nil
	}

	_, err := a.Submit(requests.Firmware())
	assert.NilError(t, err)

	s := waitReleased(t, a)
	assert.Check(t, !s.Succeeded())
	assert.Check(t, s.Attempt == 3)
	assert.Check(t, s.Attempt <= s.MaxRetries)
	assert.Check(t, hooks.Executor.Begun() == 3)
	assert.Check(t, s.LastError == session.KindDownload)
	// Even a failed update ends in a scheduled reboot.
	assert.Check(t, hooks.Scheduler.Pending())
	assert.Check(t, hooks.Publisher.Last("ota/outcome") == "update failed")
}

func TestTimeoutRetriesThenFails(t *testing.T) {
	logging.Set(testoutput.Setter(t))
	defer logging.Set(testoutput.Revert())

	a, hooks := testAgent(t, Config{MaxRetries: 2, Timeout: 50 * time.Millisecond})
	hooks.Executor.BeginFn = func(context.Context, platform.Job) (platform.Handle, error) {
		return &testHandle{PerformFn: func(int) (platform.Step, error) {
			return platform.StepContinue, nil
		}}, nil
	}

	_, err := a.Submit(requests.Firmware())
	assert.NilError(t, err)

	s := waitReleased(t, a)
	assert.Check(t, !s.Succeeded())
	assert.Check(t, s.Attempt == 2)
	assert.Check(t, s.LastError == session.KindTimeout)
	assert.Check(t, hooks.Scheduler.Pending())
}

func TestIncompleteDataFailsAttempt(t *testing.T) {
	logging.Set(testoutput.Setter(t))
	defer logging.Set(testoutput.Revert())

	a, hooks := testAgent(t, Config{MaxRetries: 1})
	handle := &testHandle{CompleteFn: func() bool { return false }}
	hooks.Executor.BeginFn = func(context.Context, platform.Job) (platform.Handle, error) {
		return handle, nil
	}

	_, err := a.Submit(requests.Firmware())
	assert.NilError(t, err)

	s := waitReleased(t, a)
	assert.Check(t, !s.Succeeded())
	assert.Check(t, s.LastError == session.KindIncompleteData)
	assert.Check(t, handle.Aborted())
	// Finish must never run against incomplete data.
	assert.Check(t, handle.finished == false)
}

func TestFinalizeFailureRestartsDownload(t *testing.T) {
	logging.Set(testoutput.Setter(t))
	defer logging.Set(testoutput.Revert())

	a, hooks := testAgent(t, Config{MaxRetries: 3})

	var finishes int
	var mu sync.Mutex
	hooks.Executor.BeginFn = func(context.Context, platform.Job) (platform.Handle, error) {
		return &testHandle{FinishFn: func() error {
			mu.Lock()
			defer mu.Unlock()
			finishes++
			if finishes == 1 {
				return session.Errorf(session.KindFinalize, "image validation failed")
			}
			return nil
		}}, nil
	}

	_, err := a.Submit(requests.Firmware())
	assert.NilError(t, err)

	s := waitReleased(t, a)
	assert.Check(t, s.Succeeded())
	// The failed first attempt does not stick to the session once a later
	// attempt lands the update.
	assert.Check(t, s.LastError == session.KindNone)
	assert.Check(t, s.Attempt == 2)
	// The retry went back through Begin: a fresh download, not a bare
	// re-finalize of the stale handle.
	assert.Check(t, hooks.Executor.Begun() == 2)
	mu.Lock()
	assert.Check(t, finishes == 2)
	mu.Unlock()
}

func TestChecksumRequired(t *testing.T) {
	logging.Set(testoutput.Setter(t))
	defer logging.Set(testoutput.Revert())

	t.Run("absent", func(t *testing.T) {
		a, _ := testAgent(t, Config{MaxRetries: 1, ChecksumRequired: true})
		_, err := a.Submit(requests.Firmware())
		assert.NilError(t, err)
		s := waitReleased(t, a)
		assert.Check(t, !s.Succeeded())
		assert.Check(t, s.LastError == session.KindFinalize)
	})

	t.Run("present", func(t *testing.T) {
		a, _ := testAgent(t, Config{MaxRetries: 1, ChecksumRequired: true})
		_, err := a.Submit(requests.Firmware(requests.WithChecksum("deadbeef")))
		assert.NilError(t, err)
		s := waitReleased(t, a)
		assert.Check(t, s.Succeeded())
	})
}

func TestTeardownNetwork(t *testing.T) {
	logging.Set(testoutput.Setter(t))
	defer logging.Set(testoutput.Revert())

	t.Run("graceful", func(t *testing.T) {
		a, hooks := testAgent(t, Config{MaxRetries: 1, GracefulTeardown: true})
		_, err := a.Submit(requests.Firmware())
		assert.NilError(t, err)
		waitReleased(t, a)
		stopped, disconnected := hooks.Network.State()
		assert.Check(t, stopped)
		assert.Check(t, disconnected)
	})

	t.Run("abrupt", func(t *testing.T) {
		a, hooks := testAgent(t, Config{MaxRetries: 1, GracefulTeardown: false})
		_, err := a.Submit(requests.Firmware())
		assert.NilError(t, err)
		waitReleased(t, a)
		stopped, disconnected := hooks.Network.State()
		assert.Check(t, !stopped)
		assert.Check(t, disconnected)
	})
}

func TestPersistenceFailureDoesNotChangeOutcome(t *testing.T) {
	logging.Set(testoutput.Setter(t))
	defer logging.Set(testoutput.Revert())

	a, hooks := testAgent(t, Config{MaxRetries: 1})
	hooks.Store.SetStrE = session.Errorf(session.KindPersistence, "store is read only")

	_, err := a.Submit(requests.Firmware())
	assert.NilError(t, err)

	s := waitReleased(t, a)
	assert.Check(t, s.Succeeded())
	assert.Check(t, hooks.Scheduler.Pending())
}

func TestBootCheckUsesActivePartition(t *testing.T) {
	logging.Set(testoutput.Setter(t))
	defer logging.Set(testoutput.Revert())

	a, hooks := testAgent(t, Config{})
	hooks.Selector.active = 0x110000

	report, err := a.CheckBoot()
	assert.NilError(t, err)
	assert.Check(t, report.Active == uint32(0x110000))
}
