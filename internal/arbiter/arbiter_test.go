package arbiter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"deskrelay/internal/events"
	"deskrelay/internal/model"
	"deskrelay/internal/relaerr"
)

type fakeSessions struct {
	mu     sync.Mutex
	authed map[string]bool
}

func newFakeSessions(ids ...string) *fakeSessions {
	f := &fakeSessions{authed: make(map[string]bool)}
	for _, id := range ids {
		f.authed[id] = true
	}
	return f
}

func (f *fakeSessions) IsAuthenticated(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authed[id]
}

func (f *fakeSessions) drop(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.authed, id)
}

type fakeDriver struct {
	mu       sync.Mutex
	inFlight int32
	overlap  atomic.Bool
	calls    []string
	delay    time.Duration
	err      error
	block    chan struct{} // when set, Run waits for it (ignoring ctx)
}

func (d *fakeDriver) Run(ctx context.Context, text string) error {
	if atomic.AddInt32(&d.inFlight, 1) > 1 {
		d.overlap.Store(true)
	}
	defer atomic.AddInt32(&d.inFlight, -1)

	d.mu.Lock()
	d.calls = append(d.calls, text)
	d.mu.Unlock()

	if d.block != nil {
		<-d.block
		return nil
	}
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return d.err
}

func (d *fakeDriver) callTexts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitTerminal(t *testing.T, a *Arbiter, id string) model.Command {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		cmd, ok := a.Get(id)
		if ok && (cmd.Status == model.CommandCompleted || cmd.Status == model.CommandError) {
			return cmd
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("command %s never reached a terminal state", id)
	return model.Command{}
}

func TestArbiter_SubmitUnauthenticated(t *testing.T) {
	a := New(Config{Driver: &fakeDriver{}, Sessions: newFakeSessions(), Bus: events.NewBus(testLogger()), Log: testLogger()})
	if _, err := a.Submit("ghost", "hi"); !errors.Is(err, relaerr.ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
}

func TestArbiter_QueueFull(t *testing.T) {
	blocker := &fakeDriver{block: make(chan struct{})}
	a := New(Config{
		Driver:    blocker,
		Sessions:  newFakeSessions("s1"),
		Bus:       events.NewBus(testLogger()),
		Log:       testLogger(),
		QueueSize: 2,
	})
	a.Start()
	defer func() { close(blocker.block); a.Stop() }()

	// First command occupies the worker; next two fill the queue.
	for i := 0; i < 3; i++ {
		if _, err := a.Submit("s1", "cmd"); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if i == 0 {
			// Give the worker time to dequeue the in-flight command.
			time.Sleep(20 * time.Millisecond)
		}
	}

	if _, err := a.Submit("s1", "overflow"); !errors.Is(err, relaerr.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestArbiter_SerializationInvariant(t *testing.T) {
	driver := &fakeDriver{delay: 3 * time.Millisecond}
	sessions := newFakeSessions("a", "b", "c")
	a := New(Config{Driver: driver, Sessions: sessions, Bus: events.NewBus(testLogger()), Log: testLogger(), QueueSize: 64})
	a.Start()
	defer a.Stop()

	var ids []string
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, sid := range []string{"a", "b", "c"} {
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func(sid string) {
				defer wg.Done()
				id, err := a.Submit(sid, "ping")
				if err != nil {
					t.Errorf("Submit: %v", err)
					return
				}
				mu.Lock()
				ids = append(ids, id)
				mu.Unlock()
			}(sid)
		}
	}
	wg.Wait()

	for _, id := range ids {
		cmd := waitTerminal(t, a, id)
		if cmd.Status != model.CommandCompleted {
			t.Fatalf("command %s: %s (%s)", id, cmd.Status, cmd.Error)
		}
	}
	if driver.overlap.Load() {
		t.Fatal("driver invocations overlapped")
	}
	if len(driver.callTexts()) != 15 {
		t.Fatalf("expected 15 driver calls, got %d", len(driver.callTexts()))
	}
}

func TestArbiter_TwoSessionsSameInstant(t *testing.T) {
	driver := &fakeDriver{delay: 2 * time.Millisecond}
	a := New(Config{Driver: driver, Sessions: newFakeSessions("a", "b"), Bus: events.NewBus(testLogger()), Log: testLogger()})
	a.Start()
	defer a.Stop()

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i, sid := range []string{"a", "b"} {
		wg.Add(1)
		go func(i int, sid string) {
			defer wg.Done()
			id, err := a.Submit(sid, "ping")
			if err != nil {
				t.Errorf("Submit: %v", err)
				return
			}
			results[i] = id
		}(i, sid)
	}
	wg.Wait()

	for _, id := range results {
		waitTerminal(t, a, id)
	}
	if driver.overlap.Load() {
		t.Fatal("both sessions were processing simultaneously")
	}
}

func TestArbiter_DisconnectDuringQueue(t *testing.T) {
	driver := &fakeDriver{}
	sessions := newFakeSessions("s1")
	a := New(Config{Driver: driver, Sessions: sessions, Bus: events.NewBus(testLogger()), Log: testLogger()})

	// Submit before the worker starts, then drop the session: the command
	// is still queued when it is finally considered.
	id, err := a.Submit("s1", "doomed")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	sessions.drop("s1")

	a.Start()
	defer a.Stop()

	cmd := waitTerminal(t, a, id)
	if cmd.Status != model.CommandError || cmd.Error != relaerr.ErrSessionGone.Error() {
		t.Fatalf("expected SessionGone error, got %+v", cmd)
	}
	if len(driver.callTexts()) != 0 {
		t.Fatal("driver must never be invoked for a gone session")
	}
}

func TestArbiter_Timeout(t *testing.T) {
	blocker := &fakeDriver{block: make(chan struct{})}
	a := New(Config{
		Driver:   blocker,
		Sessions: newFakeSessions("s1"),
		Bus:      events.NewBus(testLogger()),
		Log:      testLogger(),
		Timeout:  30 * time.Millisecond,
	})
	a.Start()
	defer func() { close(blocker.block); a.Stop() }()

	id1, err := a.Submit("s1", "stuck")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	cmd := waitTerminal(t, a, id1)
	if cmd.Status != model.CommandError || cmd.Error != relaerr.ErrTimeout.Error() {
		t.Fatalf("expected Timeout error, got %+v", cmd)
	}

	// The arbiter returned to idle: a later command still runs even though
	// the stuck driver call never finished.
	fast := &fakeDriver{}
	a.cfg.Driver = fast
	id2, err := a.Submit("s1", "after")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	cmd = waitTerminal(t, a, id2)
	if cmd.Status != model.CommandCompleted {
		t.Fatalf("expected completion after timeout, got %+v", cmd)
	}
}

func TestArbiter_DriverDeadlineRecordedAsTimeout(t *testing.T) {
	// A driver that honors ctx surfaces the deadline itself; the recorded
	// reason must match the arbiter's own deadline path.
	driver := &fakeDriver{err: context.DeadlineExceeded}
	a := New(Config{
		Driver:   driver,
		Sessions: newFakeSessions("s1"),
		Bus:      events.NewBus(testLogger()),
		Log:      testLogger(),
	})
	a.Start()
	defer a.Stop()

	id, err := a.Submit("s1", "slow")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	cmd := waitTerminal(t, a, id)
	if cmd.Status != model.CommandError || cmd.Error != relaerr.ErrTimeout.Error() {
		t.Fatalf("expected Timeout error, got %+v", cmd)
	}
}

func TestArbiter_DriverErrorAndCallbacks(t *testing.T) {
	driver := &fakeDriver{err: errors.New("window not found")}
	bus := events.NewBus(testLogger())

	var completed, failed []string
	var mu sync.Mutex
	a := New(Config{
		Driver:   driver,
		Sessions: newFakeSessions("s1"),
		Bus:      bus,
		Log:      testLogger(),
		OnCompleted: func(cmd model.Command) {
			mu.Lock()
			completed = append(completed, cmd.ID)
			mu.Unlock()
		},
		OnError: func(cmd model.Command) {
			mu.Lock()
			failed = append(failed, cmd.ID)
			mu.Unlock()
		},
	})
	a.Start()
	defer a.Stop()

	id, err := a.Submit("s1", "boom")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	cmd := waitTerminal(t, a, id)
	if cmd.Status != model.CommandError {
		t.Fatalf("expected error status, got %s", cmd.Status)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(completed) != 0 || len(failed) != 1 || failed[0] != id {
		t.Fatalf("unexpected callbacks: completed=%v failed=%v", completed, failed)
	}
}

func TestArbiter_PreprocessAndOrder(t *testing.T) {
	driver := &fakeDriver{}
	a := New(Config{
		Driver:     driver,
		Sessions:   newFakeSessions("s1"),
		Bus:        events.NewBus(testLogger()),
		Log:        testLogger(),
		Preprocess: func(s string) string { return "prefix:" + s },
	})

	var ids []string
	for _, text := range []string{"one", "two", "three"} {
		id, err := a.Submit("s1", text)
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		ids = append(ids, id)
	}

	a.Start()
	defer a.Stop()
	for _, id := range ids {
		waitTerminal(t, a, id)
	}

	got := driver.callTexts()
	want := []string{"prefix:one", "prefix:two", "prefix:three"}
	if len(got) != len(want) {
		t.Fatalf("expected %d calls, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("call %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestArbiter_HistoryBounded(t *testing.T) {
	driver := &fakeDriver{}
	a := New(Config{
		Driver:      driver,
		Sessions:    newFakeSessions("s1"),
		Bus:         events.NewBus(testLogger()),
		Log:         testLogger(),
		HistorySize: 3,
		QueueSize:   16,
	})
	a.Start()
	defer a.Stop()

	var last string
	for i := 0; i < 6; i++ {
		id, err := a.Submit("s1", "cmd")
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		last = id
		waitTerminal(t, a, id)
	}

	hist := a.History()
	if len(hist) != 3 {
		t.Fatalf("expected history of 3, got %d", len(hist))
	}
	if hist[len(hist)-1].ID != last {
		t.Fatal("history must end with the newest command")
	}
}
