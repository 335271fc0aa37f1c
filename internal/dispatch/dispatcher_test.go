package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ofkm/agenthost/internal/docker"
	"github.com/ofkm/agenthost/internal/logger"
	"github.com/ofkm/agenthost/internal/process"
	"github.com/ofkm/agenthost/internal/registry"
	"github.com/ofkm/agenthost/pkg/types"
)

type call struct {
	target string
	args   []string
}

type fakeRuntime struct {
	mu     sync.Mutex
	calls  []call
	state  docker.ContainerState
	stdout string
	stderr string
	err    error
	block  chan struct{}
}

func (f *fakeRuntime) record(target string, args []string) (*process.Result, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.calls = append(f.calls, call{target: target, args: args})
	f.mu.Unlock()
	return &process.Result{Stdout: f.stdout, Stderr: f.stderr}, f.err
}

func (f *fakeRuntime) Exec(ctx context.Context, containerID string, args ...string) (*process.Result, error) {
	return f.record(containerID, args)
}

func (f *fakeRuntime) ContainerState(ctx context.Context, containerID string) docker.ContainerState {
	return f.state
}

func (f *fakeRuntime) Run(ctx context.Context, name string, args ...string) (*process.Result, error) {
	return f.record(name, args)
}

func (f *fakeRuntime) Calls() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

type sliceSink struct {
	mu      sync.Mutex
	replies []types.MessageReply
}

func (s *sliceSink) Push(r types.MessageReply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, r)
}

func (s *sliceSink) Replies() []types.MessageReply {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.MessageReply(nil), s.replies...)
}

func testRegistry() *registry.Store {
	store := registry.NewStore()
	store.Replace("test", []types.AgentDescriptor{
		{ID: "boxed", Isolation: types.IsolationContainer, ContainerID: "boxed-1"},
		{ID: "Local Bot", Isolation: types.IsolationLocalProfile},
		{ID: "named", Isolation: types.IsolationLocalProfile, Profile: "custom"},
		{ID: "vm-agent", Isolation: types.IsolationKind("firecracker")},
	})
	return store
}

func newTestDispatcher(containers, local *fakeRuntime, sink ReplySink) *Dispatcher {
	return New(testRegistry(), containers, local, sink, Options{AgentCLI: "openclaw", Timeout: 120 * time.Second}, logger.Discard())
}

func TestHandleContainerAgent(t *testing.T) {
	containers := &fakeRuntime{state: docker.StateRunning, stdout: `{"reply":"hello"}`, stderr: "some warning"}
	d := newTestDispatcher(containers, &fakeRuntime{}, &sliceSink{})

	reply := d.Handle(context.Background(), types.IncomingMessage{ID: "m1", AgentID: "boxed", Content: "hi there"})

	assert.Equal(t, types.MessageReply{MessageID: "m1", AgentID: "boxed", Reply: "hello"}, reply)

	calls := containers.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "boxed-1", calls[0].target)
	assert.Equal(t, []string{
		"openclaw", "agent",
		"--session-id", SessionID("boxed"),
		"--message", "hi there",
		"--json",
		"--timeout", "120",
	}, calls[0].args)
}

func TestHandleLocalProfileAgent(t *testing.T) {
	local := &fakeRuntime{stdout: "plain text"}
	d := newTestDispatcher(&fakeRuntime{}, local, &sliceSink{})

	reply := d.Handle(context.Background(), types.IncomingMessage{ID: "m2", AgentID: "Local Bot", Content: "status?"})
	assert.Equal(t, "plain text", reply.Reply)

	reply = d.Handle(context.Background(), types.IncomingMessage{ID: "m3", AgentID: "named", Content: "x"})
	assert.Equal(t, "plain text", reply.Reply)

	calls := local.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "openclaw", calls[0].target)
	assert.Equal(t, []string{"--profile", "agent-local-bot"}, calls[0].args[:2])
	assert.Contains(t, calls[0].args, SessionID("Local Bot"))
	assert.Equal(t, []string{"--profile", "custom"}, calls[1].args[:2])
}

func TestHandleSystemReplies(t *testing.T) {
	tests := []struct {
		name       string
		agentID    string
		containers *fakeRuntime
		contains   string
	}{
		{name: "unknown agent", agentID: "ghost", containers: &fakeRuntime{}, contains: "not found"},
		{name: "unsupported isolation", agentID: "vm-agent", containers: &fakeRuntime{}, contains: "unsupported"},
		{name: "container stopped", agentID: "boxed", containers: &fakeRuntime{state: docker.StateStopped}, contains: "not running"},
		{name: "container missing", agentID: "boxed", containers: &fakeRuntime{state: docker.StateMissing}, contains: "missing"},
		{name: "exec failure", agentID: "boxed", containers: &fakeRuntime{err: errors.New("exit status 1")}, contains: "exit status 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := &fakeRuntime{}
			d := newTestDispatcher(tt.containers, local, &sliceSink{})

			reply := d.Handle(context.Background(), types.IncomingMessage{ID: "id-" + tt.name, AgentID: tt.agentID, Content: "hi"})

			assert.Equal(t, "id-"+tt.name, reply.MessageID)
			assert.Equal(t, tt.agentID, reply.AgentID)
			assert.True(t, strings.HasPrefix(reply.Reply, systemPrefix), reply.Reply)
			assert.Contains(t, reply.Reply, tt.contains)
			assert.Empty(t, local.Calls())
		})
	}

	t.Run("no subprocess for unknown agents", func(t *testing.T) {
		containers, local := &fakeRuntime{}, &fakeRuntime{}
		d := newTestDispatcher(containers, local, &sliceSink{})
		d.Handle(context.Background(), types.IncomingMessage{ID: "x", AgentID: "ghost"})
		d.Handle(context.Background(), types.IncomingMessage{ID: "y", AgentID: "vm-agent"})
		assert.Empty(t, containers.Calls())
		assert.Empty(t, local.Calls())
	})
}

func TestHandleRecoversFromPanic(t *testing.T) {
	d := New(panicRegistry{}, &fakeRuntime{}, &fakeRuntime{}, &sliceSink{}, Options{AgentCLI: "openclaw"}, logger.Discard())

	reply := d.Handle(context.Background(), types.IncomingMessage{ID: "p", AgentID: "any"})
	assert.Equal(t, "p", reply.MessageID)
	assert.Contains(t, reply.Reply, "internal error")
}

type panicRegistry struct{}

func (panicRegistry) Lookup(string) (types.AgentDescriptor, bool) { panic("registry exploded") }

func TestDispatchOneReplyPerMessage(t *testing.T) {
	containers := &fakeRuntime{state: docker.StateUnknown, stdout: `{"text":"ok"}`}
	sink := &sliceSink{}
	d := newTestDispatcher(containers, &fakeRuntime{stdout: "local ok"}, sink)

	var batch []types.IncomingMessage
	for i := 0; i < 10; i++ {
		agent := []string{"boxed", "Local Bot", "ghost", "vm-agent"}[i%4]
		batch = append(batch, types.IncomingMessage{ID: fmt.Sprintf("m-%d", i), AgentID: agent, Content: "ping"})
	}

	d.Dispatch(batch)
	require.NoError(t, d.Wait(context.Background()))

	replies := sink.Replies()
	require.Len(t, replies, len(batch))

	seen := map[string]int{}
	for _, r := range replies {
		seen[r.MessageID]++
	}
	for _, msg := range batch {
		assert.Equal(t, 1, seen[msg.ID], "message %s", msg.ID)
	}
	assert.Equal(t, 0, d.InFlight())
}

func TestDispatchDoesNotBlock(t *testing.T) {
	block := make(chan struct{})
	containers := &fakeRuntime{state: docker.StateRunning, stdout: "late", block: block}
	sink := &sliceSink{}
	d := newTestDispatcher(containers, &fakeRuntime{}, sink)

	returned := make(chan struct{})
	go func() {
		d.Dispatch([]types.IncomingMessage{
			{ID: "slow-1", AgentID: "boxed"},
			{ID: "fast", AgentID: "ghost"},
			{ID: "slow-2", AgentID: "boxed"},
		})
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Dispatch blocked on a running subprocess")
	}

	// The unknown agent reply does not wait for the slow ones
	assert.Eventually(t, func() bool { return len(sink.Replies()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return d.InFlight() == 2 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Wait(ctx), context.DeadlineExceeded)

	close(block)
	require.NoError(t, d.Wait(context.Background()))
	assert.Len(t, sink.Replies(), 3)
}

func TestSessionID(t *testing.T) {
	a := SessionID("agent-1")
	assert.Equal(t, a, SessionID("agent-1"))
	assert.NotEqual(t, a, SessionID("agent-2"))
	assert.True(t, strings.HasPrefix(a, "hb-"))
	assert.Len(t, a, len("hb-")+16)
}

func TestProfileName(t *testing.T) {
	assert.Equal(t, "agent-support-bot", ProfileName("support-bot"))
	assert.Equal(t, "agent-my-agent-1", ProfileName("My Agent #1"))
	assert.Equal(t, "agent-abc", ProfileName("__abc__"))
}
