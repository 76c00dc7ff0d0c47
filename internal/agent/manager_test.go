package agent

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestManager(t *testing.T, command string, limits Limits) *Manager {
	t.Helper()
	m := NewManager(command, limits, NewHub(), nil)
	t.Cleanup(func() {
		m.Shutdown(5 * time.Second)
	})
	return m
}

// collectUntilExit drains events for agentID until its exited event
// arrives, returning the concatenated output and the exit event.
func collectUntilExit(t *testing.T, ch <-chan Event, agentID string) ([]byte, Event) {
	t.Helper()
	var output []byte
	deadline := time.After(10 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed before exit")
			}
			if e.AgentID != agentID {
				continue
			}
			switch e.Kind {
			case EventOutput:
				output = append(output, e.Data...)
			case EventExited:
				return output, e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for agent %s to exit", agentID)
		}
	}
}

func waitState(t *testing.T, m *Manager, id string, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		st, err := m.Status(id)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		if st.State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	st, _ := m.Status(id)
	t.Fatalf("agent %s state = %s, want %s", id, st.State, want)
}

func TestSpawnAppliesDefaultGeometry(t *testing.T) {
	m := newTestManager(t, "cat", Limits{})

	sess, err := m.Spawn(SpawnRequest{ProjectPath: t.TempDir()})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	st := sess.Snapshot()
	if st.Cols != DefaultCols || st.Rows != DefaultRows {
		t.Errorf("geometry = %dx%d, want %dx%d", st.Cols, st.Rows, DefaultCols, DefaultRows)
	}
	if st.State != StateRunning {
		t.Errorf("state = %s, want %s", st.State, StateRunning)
	}
}

func TestSpawnHonorsRequestedGeometry(t *testing.T) {
	m := newTestManager(t, "cat", Limits{})

	sess, err := m.Spawn(SpawnRequest{ProjectPath: t.TempDir(), Cols: 120, Rows: 40})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	st := sess.Snapshot()
	if st.Cols != 120 || st.Rows != 40 {
		t.Errorf("geometry = %dx%d, want 120x40", st.Cols, st.Rows)
	}
}

func TestOutputThenCleanExit(t *testing.T) {
	m := newTestManager(t, "sh", Limits{})
	ch := m.Hub().Subscribe("t")
	defer m.Hub().Unsubscribe("t")

	sess, err := m.Spawn(SpawnRequest{
		ProjectPath: t.TempDir(),
		Args:        []string{"-c", "printf hello-from-agent"},
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	output, exit := collectUntilExit(t, ch, sess.ID)
	if !bytes.Contains(output, []byte("hello-from-agent")) {
		t.Errorf("output %q missing agent greeting", output)
	}
	if exit.ExitCode == nil || *exit.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", exit.ExitCode)
	}
	if exit.Reason != ReasonNormal {
		t.Errorf("exit reason = %q, want %q", exit.Reason, ReasonNormal)
	}
}

func TestExactlyOneExitEvent(t *testing.T) {
	m := newTestManager(t, "sh", Limits{})
	ch := m.Hub().Subscribe("t")
	defer m.Hub().Unsubscribe("t")

	sess, err := m.Spawn(SpawnRequest{
		ProjectPath: t.TempDir(),
		Args:        []string{"-c", "exit 3"},
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	_, exit := collectUntilExit(t, ch, sess.ID)
	if exit.ExitCode == nil || *exit.ExitCode != 3 {
		t.Errorf("exit code = %v, want 3", exit.ExitCode)
	}

	// No second exit may follow.
	quiet := time.After(300 * time.Millisecond)
	for {
		select {
		case e := <-ch:
			if e.AgentID == sess.ID && e.Kind == EventExited {
				t.Fatalf("second exit event for agent %s", sess.ID)
			}
		case <-quiet:
			return
		}
	}
}

func TestSignalDeathHasNilExitCode(t *testing.T) {
	m := newTestManager(t, "sh", Limits{})
	ch := m.Hub().Subscribe("t")
	defer m.Hub().Unsubscribe("t")

	sess, err := m.Spawn(SpawnRequest{
		ProjectPath: t.TempDir(),
		Args:        []string{"-c", "kill -KILL $$"},
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	_, exit := collectUntilExit(t, ch, sess.ID)
	if exit.ExitCode != nil {
		t.Errorf("exit code = %d, want nil for signal death", *exit.ExitCode)
	}
	if exit.Reason != ReasonSignal {
		t.Errorf("exit reason = %q, want %q", exit.Reason, ReasonSignal)
	}
}

func TestKillIsAsynchronous(t *testing.T) {
	m := newTestManager(t, "cat", Limits{})
	ch := m.Hub().Subscribe("t")
	defer m.Hub().Unsubscribe("t")

	sess, err := m.Spawn(SpawnRequest{ProjectPath: t.TempDir()})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	if err := m.Kill(sess.ID, 0); err != nil {
		t.Fatalf("kill: %v", err)
	}
	// Kill only signals; the session may still be exiting here.
	if st := sess.State(); st != StateExiting && st != StateExited {
		t.Errorf("state after kill = %s, want exiting or exited", st)
	}

	_, exit := collectUntilExit(t, ch, sess.ID)
	if exit.Reason != ReasonKilled {
		t.Errorf("exit reason = %q, want %q", exit.Reason, ReasonKilled)
	}
	if exit.ExitCode != nil {
		t.Errorf("exit code = %d, want nil after SIGTERM", *exit.ExitCode)
	}
}

func TestKillReportsTrappedExitCode(t *testing.T) {
	m := newTestManager(t, "sh", Limits{})
	ch := m.Hub().Subscribe("t")
	defer m.Hub().Unsubscribe("t")

	sess, err := m.Spawn(SpawnRequest{
		ProjectPath: t.TempDir(),
		Args:        []string{"-c", `trap "exit 7" TERM; while true; do sleep 0.1; done`},
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	// Give the shell a beat to install the trap.
	time.Sleep(200 * time.Millisecond)

	if err := m.Kill(sess.ID, 0); err != nil {
		t.Fatalf("kill: %v", err)
	}
	_, exit := collectUntilExit(t, ch, sess.ID)
	if exit.ExitCode == nil || *exit.ExitCode != 7 {
		t.Errorf("exit code = %v, want 7", exit.ExitCode)
	}
	if exit.Reason != ReasonKilled {
		t.Errorf("exit reason = %q, want %q", exit.Reason, ReasonKilled)
	}
}

func TestKillExitedIsRecoverable(t *testing.T) {
	m := newTestManager(t, "sh", Limits{})

	sess, err := m.Spawn(SpawnRequest{
		ProjectPath: t.TempDir(),
		Args:        []string{"-c", "true"},
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	<-sess.Done()

	if err := m.Kill(sess.ID, 0); !errors.Is(err, ErrAlreadyExited) {
		t.Errorf("kill exited agent = %v, want ErrAlreadyExited", err)
	}
	// The session must survive the failed kill and stay listable.
	st, err := m.Status(sess.ID)
	if err != nil {
		t.Fatalf("status after failed kill: %v", err)
	}
	if st.State != StateExited {
		t.Errorf("state = %s, want %s", st.State, StateExited)
	}
	if st.ExitCode == nil || *st.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", st.ExitCode)
	}
}

func TestInputReachesTerminal(t *testing.T) {
	m := newTestManager(t, "cat", Limits{})
	ch := m.Hub().Subscribe("t")
	defer m.Hub().Unsubscribe("t")

	sess, err := m.Spawn(SpawnRequest{ProjectPath: t.TempDir()})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := m.Input(sess.ID, []byte("ping\r")); err != nil {
		t.Fatalf("input: %v", err)
	}

	var output []byte
	deadline := time.After(5 * time.Second)
	for !bytes.Contains(output, []byte("ping")) {
		select {
		case e := <-ch:
			if e.AgentID == sess.ID && e.Kind == EventOutput {
				output = append(output, e.Data...)
			}
		case <-deadline:
			t.Fatalf("output %q never echoed input", output)
		}
	}
}

func TestInputAfterExitRejected(t *testing.T) {
	m := newTestManager(t, "sh", Limits{})

	sess, err := m.Spawn(SpawnRequest{
		ProjectPath: t.TempDir(),
		Args:        []string{"-c", "true"},
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	<-sess.Done()

	if err := m.Input(sess.ID, []byte("x")); !errors.Is(err, ErrNotRunning) {
		t.Errorf("input after exit = %v, want ErrNotRunning", err)
	}
}

func TestInputUnknownAgent(t *testing.T) {
	m := newTestManager(t, "cat", Limits{})
	if err := m.Input("nope", []byte("x")); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("input = %v, want ErrAgentNotFound", err)
	}
}

func TestStalledInputDoesNotBlockManager(t *testing.T) {
	// A limit keeps the spawn path walking every session's state.
	m := newTestManager(t, "sleep", Limits{MaxAgents: 5})
	dir := t.TempDir()

	stuck, err := m.Spawn(SpawnRequest{ProjectPath: dir, Args: []string{"30"}})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	// sleep never reads stdin, so this write fills the terminal input
	// buffer and parks until the child dies.
	writeDone := make(chan error, 1)
	go func() {
		writeDone <- m.Input(stuck.ID, bytes.Repeat([]byte("x"), 512*1024))
	}()
	time.Sleep(500 * time.Millisecond)

	spawned := make(chan error, 1)
	go func() {
		_, err := m.Spawn(SpawnRequest{ProjectPath: dir, Args: []string{"30"}})
		spawned <- err
	}()
	select {
	case err := <-spawned:
		if err != nil {
			t.Fatalf("concurrent spawn: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("spawn blocked behind a stalled terminal write")
	}

	killed := make(chan error, 1)
	go func() {
		killed <- m.Kill(stuck.ID, 0)
	}()
	select {
	case err := <-killed:
		if err != nil {
			t.Fatalf("kill stuck agent: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("kill blocked behind a stalled terminal write")
	}

	// Killing the child tears down its terminal, which releases the
	// parked write.
	select {
	case <-writeDone:
	case <-time.After(5 * time.Second):
		t.Fatalf("stalled write never returned after kill")
	}
	waitState(t, m, stuck.ID, StateExited)
}

func TestConcurrentSpawnsRespectGlobalLimit(t *testing.T) {
	const limit = 3
	m := newTestManager(t, "sleep", Limits{MaxAgents: limit})
	dir := t.TempDir()

	var (
		mu       sync.Mutex
		ids      = map[string]bool{}
		rejected []error
		wg       sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := m.Spawn(SpawnRequest{ProjectPath: dir, Args: []string{"30"}})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rejected = append(rejected, err)
				return
			}
			ids[sess.ID] = true
		}()
	}
	wg.Wait()

	if len(ids) != limit {
		t.Errorf("spawned %d agents, want %d", len(ids), limit)
	}
	if len(rejected) != 10-limit {
		t.Errorf("rejected %d spawns, want %d", len(rejected), 10-limit)
	}
	for _, err := range rejected {
		var le *LimitError
		if !errors.As(err, &le) {
			t.Fatalf("rejection %v is not a LimitError", err)
		}
		if le.Scope != "global" || le.Max != limit || le.Current != limit {
			t.Errorf("limit error = %+v, want global %d/%d", le, limit, limit)
		}
	}
}

func TestPerProjectLimit(t *testing.T) {
	m := newTestManager(t, "sleep", Limits{MaxProjectAgents: 1})
	dirA, dirB := t.TempDir(), t.TempDir()

	if _, err := m.Spawn(SpawnRequest{ProjectPath: dirA, Args: []string{"30"}}); err != nil {
		t.Fatalf("first spawn in A: %v", err)
	}
	_, err := m.Spawn(SpawnRequest{ProjectPath: dirA, Args: []string{"30"}})
	var le *LimitError
	if !errors.As(err, &le) {
		t.Fatalf("second spawn in A = %v, want LimitError", err)
	}
	if le.Scope != "project" || le.ProjectPath != dirA || le.Current != 1 || le.Max != 1 {
		t.Errorf("limit error = %+v, want project %s 1/1", le, dirA)
	}
	// Another project still has room.
	if _, err := m.Spawn(SpawnRequest{ProjectPath: dirB, Args: []string{"30"}}); err != nil {
		t.Errorf("spawn in B: %v", err)
	}
}

func TestExitedAgentsFreeLimitSlots(t *testing.T) {
	m := newTestManager(t, "sh", Limits{MaxAgents: 1})
	dir := t.TempDir()

	sess, err := m.Spawn(SpawnRequest{ProjectPath: dir, Args: []string{"-c", "true"}})
	if err != nil {
		t.Fatalf("first spawn: %v", err)
	}
	<-sess.Done()

	if _, err := m.Spawn(SpawnRequest{ProjectPath: dir, Args: []string{"-c", "true"}}); err != nil {
		t.Errorf("spawn after exit: %v", err)
	}
}

func TestSpawnFailureReleasesSlot(t *testing.T) {
	m := newTestManager(t, "definitely-not-a-real-binary", Limits{MaxAgents: 1})
	dir := t.TempDir()

	_, err := m.Spawn(SpawnRequest{ProjectPath: dir})
	if err == nil {
		t.Fatalf("spawn of missing binary succeeded")
	}
	var le *LimitError
	if errors.As(err, &le) {
		t.Fatalf("first failure was a limit error: %v", err)
	}
	if got := len(m.List()); got != 0 {
		t.Errorf("registry has %d agents after failed spawn, want 0", got)
	}
	// The slot must be free again, so the next failure is still a
	// spawn error, not a limit rejection.
	_, err = m.Spawn(SpawnRequest{ProjectPath: dir})
	if errors.As(err, &le) {
		t.Errorf("second failure was a limit error: %v", err)
	}
}

func TestListOrderedAndIncludesExited(t *testing.T) {
	m := newTestManager(t, "sh", Limits{})
	dir := t.TempDir()

	first, err := m.Spawn(SpawnRequest{ProjectPath: dir, Args: []string{"-c", "true"}})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	<-first.Done()
	second, err := m.Spawn(SpawnRequest{ProjectPath: dir, Args: []string{"-c", "sleep 30"}})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	list := m.List()
	if len(list) != 2 {
		t.Fatalf("list has %d agents, want 2", len(list))
	}
	if list[0].ID != first.ID || list[1].ID != second.ID {
		t.Errorf("list order = [%s %s], want [%s %s]", list[0].ID, list[1].ID, first.ID, second.ID)
	}
	if list[0].State != StateExited {
		t.Errorf("first agent state = %s, want %s", list[0].State, StateExited)
	}
}

func TestRemoveOnlyExited(t *testing.T) {
	m := newTestManager(t, "sh", Limits{})
	dir := t.TempDir()

	live, err := m.Spawn(SpawnRequest{ProjectPath: dir, Args: []string{"-c", "sleep 30"}})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := m.Remove(live.ID); !errors.Is(err, ErrNotExited) {
		t.Errorf("remove live agent = %v, want ErrNotExited", err)
	}

	done, err := m.Spawn(SpawnRequest{ProjectPath: dir, Args: []string{"-c", "true"}})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	<-done.Done()
	if err := m.Remove(done.ID); err != nil {
		t.Fatalf("remove exited agent: %v", err)
	}
	if _, err := m.Status(done.ID); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("status after remove = %v, want ErrAgentNotFound", err)
	}
	if err := m.Remove(done.ID); !errors.Is(err, ErrAgentNotFound) {
		t.Errorf("second remove = %v, want ErrAgentNotFound", err)
	}
}

func TestResizeUpdatesGeometryAndBroadcasts(t *testing.T) {
	m := newTestManager(t, "cat", Limits{})
	ch := m.Hub().Subscribe("t")
	defer m.Hub().Unsubscribe("t")

	sess, err := m.Spawn(SpawnRequest{ProjectPath: t.TempDir()})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := m.Resize(sess.ID, 100, 30); err != nil {
		t.Fatalf("resize: %v", err)
	}
	st := sess.Snapshot()
	if st.Cols != 100 || st.Rows != 30 {
		t.Errorf("geometry = %dx%d, want 100x30", st.Cols, st.Rows)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.AgentID == sess.ID && e.Kind == EventResized {
				if e.Cols != 100 || e.Rows != 30 {
					t.Errorf("resized event = %dx%d, want 100x30", e.Cols, e.Rows)
				}
				return
			}
		case <-deadline:
			t.Fatalf("no resized event")
		}
	}
}

func TestResizeAfterExitRejected(t *testing.T) {
	m := newTestManager(t, "sh", Limits{})

	sess, err := m.Spawn(SpawnRequest{ProjectPath: t.TempDir(), Args: []string{"-c", "true"}})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	<-sess.Done()

	if err := m.Resize(sess.ID, 90, 25); !errors.Is(err, ErrAlreadyExited) {
		t.Errorf("resize after exit = %v, want ErrAlreadyExited", err)
	}
}

func TestKillAllSignalsEveryLiveAgent(t *testing.T) {
	m := newTestManager(t, "sleep", Limits{})
	dir := t.TempDir()

	var live []*Session
	for i := 0; i < 3; i++ {
		sess, err := m.Spawn(SpawnRequest{ProjectPath: dir, Args: []string{"30"}})
		if err != nil {
			t.Fatalf("spawn %d: %v", i, err)
		}
		live = append(live, sess)
	}

	if got := m.KillAll(); got != 3 {
		t.Errorf("kill all signaled %d, want 3", got)
	}
	for _, sess := range live {
		waitState(t, m, sess.ID, StateExited)
	}
	// Exited agents remain listed until removed.
	if got := len(m.List()); got != 3 {
		t.Errorf("list has %d agents after kill all, want 3", got)
	}
}

func TestSpawnedIDsAreUnique(t *testing.T) {
	m := newTestManager(t, "sh", Limits{})
	dir := t.TempDir()

	seen := map[string]bool{}
	for i := 0; i < 5; i++ {
		sess, err := m.Spawn(SpawnRequest{ProjectPath: dir, Args: []string{"-c", "true"}})
		if err != nil {
			t.Fatalf("spawn %d: %v", i, err)
		}
		if seen[sess.ID] {
			t.Fatalf("agent id %s reused", sess.ID)
		}
		seen[sess.ID] = true
		<-sess.Done()
	}
}
