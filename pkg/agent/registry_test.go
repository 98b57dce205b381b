package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/troupe-dev/troupe/pkg/catalog"
	"github.com/troupe-dev/troupe/pkg/event"
)

// fakeSource is an in-memory catalog source.
type fakeSource struct {
	files []catalog.RawAgentFile
	err   error
}

func (s *fakeSource) Discover(ctx context.Context) ([]catalog.RawAgentFile, error) {
	return s.files, s.err
}

func rawFile(id, name, role, pack string) catalog.RawAgentFile {
	return catalog.RawAgentFile{
		Identifier:      id,
		DisplayName:     name,
		RoleGroup:       role,
		ExpansionPackID: pack,
		Path:            id + ".md",
		RawContent:      []byte("# " + name),
	}
}

func fastRetry() RetryPolicy {
	return RetryPolicy{BaseDelay: time.Millisecond, MaxAttempts: 3}
}

func TestDiscoverAndRegister_AllValid(t *testing.T) {
	source := &fakeSource{files: []catalog.RawAgentFile{
		rawFile("architect", "Architect", "architect", ""),
		rawFile("game-designer", "Game Designer", "designer", "gamedev"),
	}}
	reg := NewRegistry(source, event.NewBus(), WithRetryPolicy(fastRetry()))

	result, err := reg.DiscoverAndRegister(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Discovered)
	assert.Equal(t, 2, result.Registered)

	for _, id := range []string{"architect", "game-designer"} {
		desc, err := reg.Descriptor(id)
		require.NoError(t, err)
		assert.Equal(t, StateRegistered, desc.State)
		assert.NotEmpty(t, desc.ContentHash)
	}

	desc, err := reg.Descriptor("game-designer")
	require.NoError(t, err)
	assert.Equal(t, SourceExpansionPack, desc.SourceKind)
	assert.Equal(t, "gamedev", desc.ExpansionPackID)
}

func TestDiscoverAndRegister_InvalidEntriesDoNotAbortBatch(t *testing.T) {
	source := &fakeSource{files: []catalog.RawAgentFile{
		rawFile("no-role", "No Role", "", ""),
		rawFile("architect", "Architect", "architect", ""),
		rawFile("architect", "Duplicate", "architect", ""),
	}}
	reg := NewRegistry(source, event.NewBus(), WithRetryPolicy(fastRetry()))

	result, err := reg.DiscoverAndRegister(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Registered)
	assert.Equal(t, 2, result.Invalid)

	desc, err := reg.Descriptor("no-role")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, desc.State)
	assert.Contains(t, desc.FailureReason, "role group")

	// The valid architect registration survives the duplicate that followed.
	desc, err = reg.Descriptor("architect")
	require.NoError(t, err)
	assert.Equal(t, StateRegistered, desc.State)
}

func TestDiscoverAndRegister_RetryThenSucceed(t *testing.T) {
	failures := 2
	factory := func(desc *Descriptor) (ActivationHandler, error) {
		if failures > 0 {
			failures--
			return nil, errors.New("transient failure")
		}
		return func(ctx context.Context, actCtx ActivationContext) (InstanceToken, error) {
			return InstanceToken("ok"), nil
		}, nil
	}

	source := &fakeSource{files: []catalog.RawAgentFile{rawFile("architect", "Architect", "architect", "")}}
	reg := NewRegistry(source, event.NewBus(),
		WithRetryPolicy(fastRetry()), WithHandlerFactory(factory))

	result, err := reg.DiscoverAndRegister(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Registered)

	desc, err := reg.Descriptor("architect")
	require.NoError(t, err)
	assert.Equal(t, StateRegistered, desc.State)
	assert.Equal(t, 3, desc.RetryCount)
}

func TestDiscoverAndRegister_RetriesExhausted(t *testing.T) {
	factory := func(desc *Descriptor) (ActivationHandler, error) {
		return nil, errors.New("permanent failure")
	}

	var failedEvents []event.Event
	bus := event.NewBus()
	bus.Subscribe(func(ev event.Event) {
		if ev.Type == event.TypeRegistrationFailed {
			failedEvents = append(failedEvents, ev)
		}
	})

	source := &fakeSource{files: []catalog.RawAgentFile{rawFile("architect", "Architect", "architect", "")}}
	reg := NewRegistry(source, bus,
		WithRetryPolicy(fastRetry()), WithHandlerFactory(factory))

	result, err := reg.DiscoverAndRegister(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	desc, err := reg.Descriptor("architect")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, desc.State)
	assert.Equal(t, 3, desc.RetryCount)
	require.Len(t, failedEvents, 1)
	assert.Equal(t, "architect", failedEvents[0].AgentID)
}

func TestDiscoverAndRegister_UnchangedSkipsReregistration(t *testing.T) {
	calls := 0
	factory := func(desc *Descriptor) (ActivationHandler, error) {
		calls++
		return func(ctx context.Context, actCtx ActivationContext) (InstanceToken, error) {
			return InstanceToken("ok"), nil
		}, nil
	}

	source := &fakeSource{files: []catalog.RawAgentFile{rawFile("architect", "Architect", "architect", "")}}
	reg := NewRegistry(source, event.NewBus(),
		WithRetryPolicy(fastRetry()), WithHandlerFactory(factory))

	_, err := reg.DiscoverAndRegister(context.Background())
	require.NoError(t, err)

	result, err := reg.DiscoverAndRegister(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Unchanged)
	assert.Equal(t, 1, calls)
}

func TestDiscoverAndRegister_PrunesMissingAgents(t *testing.T) {
	source := &fakeSource{files: []catalog.RawAgentFile{
		rawFile("architect", "Architect", "architect", ""),
		rawFile("reviewer", "Reviewer", "reviewer", ""),
	}}
	reg := NewRegistry(source, event.NewBus(), WithRetryPolicy(fastRetry()))

	_, err := reg.DiscoverAndRegister(context.Background())
	require.NoError(t, err)

	source.files = source.files[:1]
	result, err := reg.DiscoverAndRegister(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Removed)

	_, err = reg.Descriptor("reviewer")
	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestRegisteredEventEmitted(t *testing.T) {
	var events []event.Event
	bus := event.NewBus()
	bus.Subscribe(func(ev event.Event) { events = append(events, ev) })

	source := &fakeSource{files: []catalog.RawAgentFile{rawFile("architect", "Architect", "architect", "")}}
	reg := NewRegistry(source, bus, WithRetryPolicy(fastRetry()))

	_, err := reg.DiscoverAndRegister(context.Background())
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.Equal(t, event.TypeRegistered, events[0].Type)
	assert.Equal(t, "architect", events[0].AgentID)
}

type fakeActiveChecker struct {
	active map[string]bool
}

func (c *fakeActiveChecker) HasActiveSession(agentID string) bool {
	return c.active[agentID]
}

func TestUnregister(t *testing.T) {
	source := &fakeSource{files: []catalog.RawAgentFile{rawFile("architect", "Architect", "architect", "")}}
	reg := NewRegistry(source, event.NewBus(), WithRetryPolicy(fastRetry()))
	reg.SetActiveChecker(&fakeActiveChecker{active: map[string]bool{"architect": true}})

	_, err := reg.DiscoverAndRegister(context.Background())
	require.NoError(t, err)

	err = reg.Unregister("architect", false)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "architect", conflict.AgentID)

	require.NoError(t, reg.Unregister("architect", true))

	err = reg.Unregister("architect", false)
	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestResolve_OnlyRegisteredAgents(t *testing.T) {
	factory := func(desc *Descriptor) (ActivationHandler, error) {
		if desc.ID == "broken" {
			return nil, errors.New("cannot build handler")
		}
		return defaultHandlerFactory(desc)
	}
	source := &fakeSource{files: []catalog.RawAgentFile{
		rawFile("architect", "Architect", "architect", ""),
		rawFile("broken", "Broken", "reviewer", ""),
	}}
	reg := NewRegistry(source, event.NewBus(),
		WithRetryPolicy(fastRetry()), WithHandlerFactory(factory))

	_, err := reg.DiscoverAndRegister(context.Background())
	require.NoError(t, err)

	_, err = reg.Resolve("architect")
	require.NoError(t, err)

	_, err = reg.Resolve("broken")
	var notFound *NotFoundError
	assert.ErrorAs(t, err, &notFound)

	_, err = reg.Resolve("ghost")
	assert.ErrorAs(t, err, &notFound)
}

func TestStats(t *testing.T) {
	files := []catalog.RawAgentFile{
		rawFile("architect", "Architect", "architect", ""),
		rawFile("designer", "Designer", "designer", "gamedev"),
		rawFile("no-role", "No Role", "", ""),
	}
	reg := NewRegistry(&fakeSource{files: files}, event.NewBus(), WithRetryPolicy(fastRetry()))

	_, err := reg.DiscoverAndRegister(context.Background())
	require.NoError(t, err)

	stats := reg.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByState[StateRegistered])
	assert.Equal(t, 1, stats.ByState[StateFailed])
	assert.Equal(t, 1, stats.BySource[SourceExpansionPack])
}

func TestDiscoverAndRegister_SourceError(t *testing.T) {
	reg := NewRegistry(&fakeSource{err: fmt.Errorf("disk on fire")}, event.NewBus())

	_, err := reg.DiscoverAndRegister(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discovery failed")
}
