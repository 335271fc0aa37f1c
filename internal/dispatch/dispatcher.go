// Package dispatch relays chat messages from the control plane to agents on
// this host and queues exactly one reply per message.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ofkm/agenthost/internal/docker"
	"github.com/ofkm/agenthost/internal/process"
	"github.com/ofkm/agenthost/internal/registry"
	"github.com/ofkm/agenthost/pkg/types"
)

const systemPrefix = "[system] "

// ReplySink receives finished replies. Dispatch goroutines only ever append.
type ReplySink interface {
	Push(reply types.MessageReply)
}

// ContainerRuntime runs commands inside agent containers.
type ContainerRuntime interface {
	Exec(ctx context.Context, containerID string, args ...string) (*process.Result, error)
	ContainerState(ctx context.Context, containerID string) docker.ContainerState
}

type Options struct {
	// AgentCLI is the agent binary, both inside containers and on the host.
	AgentCLI string
	Timeout  time.Duration
}

type Dispatcher struct {
	registry   registry.Registry
	containers ContainerRuntime
	local      process.Runner
	sink       ReplySink
	opts       Options
	log        logrus.FieldLogger

	wg       sync.WaitGroup
	inFlight atomic.Int64
}

func New(reg registry.Registry, containers ContainerRuntime, local process.Runner, sink ReplySink, opts Options, log logrus.FieldLogger) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	return &Dispatcher{
		registry:   reg,
		containers: containers,
		local:      local,
		sink:       sink,
		opts:       opts,
		log:        log.WithField("component", "dispatch"),
	}
}

// Dispatch starts one goroutine per message and returns immediately.
func (d *Dispatcher) Dispatch(messages []types.IncomingMessage) {
	if len(messages) > 0 {
		d.log.WithField("count", len(messages)).Info("Dispatching inbound messages")
	}

	for _, msg := range messages {
		d.wg.Add(1)
		d.inFlight.Add(1)
		go func(msg types.IncomingMessage) {
			defer d.wg.Done()
			defer d.inFlight.Add(-1)
			d.sink.Push(d.Handle(context.Background(), msg))
		}(msg)
	}
}

// Handle delivers one message and always returns its reply. Failures,
// including panics, become system replies.
func (d *Dispatcher) Handle(ctx context.Context, msg types.IncomingMessage) (reply types.MessageReply) {
	log := d.log.WithFields(logrus.Fields{"message_id": msg.ID, "agent_id": msg.AgentID})
	reply = types.MessageReply{MessageID: msg.ID, AgentID: msg.AgentID}

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("Message handler panicked")
			reply.Reply = systemReply("Agent %q failed to respond: internal error", msg.AgentID)
		}
	}()

	desc, err := registry.Resolve(d.registry, msg.AgentID)
	if err != nil {
		log.WithError(err).Warn("Message for unknown agent")
		reply.Reply = systemReply("Agent %q was not found on this host.", msg.AgentID)
		return reply
	}
	if !desc.Isolation.Supported() {
		log.WithField("isolation", desc.Isolation).Warn("Message for agent with unsupported isolation")
		reply.Reply = systemReply("Agent %q uses an unsupported isolation kind %q.", msg.AgentID, desc.Isolation)
		return reply
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	start := time.Now()
	var res *process.Result
	switch desc.Isolation {
	case types.IsolationContainer:
		if d.containers == nil {
			reply.Reply = systemReply("Agent %q needs a container runtime, none is available.", msg.AgentID)
			return reply
		}
		if state := d.containers.ContainerState(ctx, desc.ContainerID); state == docker.StateStopped || state == docker.StateMissing {
			log.WithField("container", desc.ContainerID).Warnf("Agent container is %s", state)
			reply.Reply = systemReply("Agent %q is not running (container %s is %s).", msg.AgentID, desc.ContainerID, state)
			return reply
		}
		res, err = d.containers.Exec(ctx, desc.ContainerID, d.containerArgs(msg)...)
	case types.IsolationLocalProfile:
		res, err = d.local.Run(ctx, d.opts.AgentCLI, d.localArgs(desc, msg)...)
	}

	if res != nil && strings.TrimSpace(res.Stderr) != "" {
		log.WithField("stderr", strings.TrimSpace(res.Stderr)).Debug("Agent wrote to stderr")
	}
	if err != nil {
		log.WithError(err).Error("Agent invocation failed")
		reply.Reply = systemReply("Agent %q failed to respond: %v", msg.AgentID, err)
		return reply
	}

	reply.Reply = ParseReply(res.Stdout)
	log.WithField("duration", time.Since(start).Round(time.Millisecond)).Info("Agent replied")
	return reply
}

// Wait blocks until every dispatched message has produced its reply or ctx
// is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlight is the number of messages still being processed.
func (d *Dispatcher) InFlight() int {
	return int(d.inFlight.Load())
}

func (d *Dispatcher) agentArgs(msg types.IncomingMessage) []string {
	return []string{
		"agent",
		"--session-id", SessionID(msg.AgentID),
		"--message", msg.Content,
		"--json",
		"--timeout", strconv.Itoa(int(d.opts.Timeout / time.Second)),
	}
}

func (d *Dispatcher) containerArgs(msg types.IncomingMessage) []string {
	return append([]string{d.opts.AgentCLI}, d.agentArgs(msg)...)
}

func (d *Dispatcher) localArgs(desc types.AgentDescriptor, msg types.IncomingMessage) []string {
	profile := desc.Profile
	if profile == "" {
		profile = ProfileName(desc.ID)
	}
	return append([]string{"--profile", profile}, d.agentArgs(msg)...)
}

// SessionID is stable per agent so multi-turn context survives across
// messages.
func SessionID(agentID string) string {
	sum := sha256.Sum256([]byte(agentID))
	return "hb-" + hex.EncodeToString(sum[:])[:16]
}

var profileUnsafe = regexp.MustCompile(`[^a-z0-9-]+`)

// ProfileName derives the local CLI profile for an agent without one
// configured.
func ProfileName(agentID string) string {
	name := profileUnsafe.ReplaceAllString(strings.ToLower(agentID), "-")
	return "agent-" + strings.Trim(name, "-")
}

func systemReply(format string, args ...any) string {
	return systemPrefix + fmt.Sprintf(format, args...)
}
