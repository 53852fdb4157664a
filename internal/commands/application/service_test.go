package application_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"math"
	"sync"
	"testing"
	"time"

	"droidfleet-cloud/internal/auth"
	commandsapp "droidfleet-cloud/internal/commands/application"
	commandsevents "droidfleet-cloud/internal/commands/application/events"
	commands "droidfleet-cloud/internal/commands/domain"
	commandsmemory "droidfleet-cloud/internal/commands/infrastructure/memory"
	"droidfleet-cloud/internal/eventing"
	masterdata "droidfleet-cloud/internal/masterdata/domain"
	masterdatamemory "droidfleet-cloud/internal/masterdata/infrastructure/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDevice = "device-1"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []any
}

func (r *recorder) handle(_ context.Context, event any) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return nil
}

func (r *recorder) ofType(eventType string) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, event := range r.events {
		if eventing.EventType(event) == eventType {
			out = append(out, event)
		}
	}
	return out
}

type harness struct {
	service *commandsapp.Service
	repo    *commandsmemory.CommandRepository
	devices *masterdatamemory.DeviceRepository
	clock   *fakeClock
	events  *recorder
}

func newHarness(t *testing.T, opts ...commandsapp.Option) *harness {
	t.Helper()
	h := &harness{
		repo:    commandsmemory.NewCommandRepository(),
		devices: masterdatamemory.NewDeviceRepository(masterdata.Device{ID: testDevice}, masterdata.Device{ID: "device-2"}),
		clock:   newFakeClock(),
		events:  &recorder{},
	}
	bus := eventing.NewInMemoryBus()
	for _, sample := range commandsevents.All() {
		bus.Subscribe(eventing.EventType(sample), h.events.handle)
	}
	publisher := eventing.NewPublisher(nil, nil, bus)

	opts = append([]commandsapp.Option{
		commandsapp.WithClock(h.clock),
		commandsapp.WithLogger(log.New(io.Discard, "", 0)),
	}, opts...)
	service, err := commandsapp.NewService(h.repo, h.devices, publisher, opts...)
	require.NoError(t, err)
	h.service = service
	return h
}

func (h *harness) enqueue(t *testing.T, req commandsapp.EnqueueRequest) *commands.Command {
	t.Helper()
	if req.DeviceID == "" {
		req.DeviceID = testDevice
	}
	if req.CommandType == "" {
		req.CommandType = string(commands.TypeTakeScreenshot)
	}
	cmd, err := h.service.Enqueue(context.Background(), req)
	require.NoError(t, err)
	return cmd
}

func ids(list []commands.Command) []string {
	out := make([]string, 0, len(list))
	for _, cmd := range list {
		out = append(out, cmd.ID)
	}
	return out
}

func TestNewService_NilDependencies(t *testing.T) {
	repo := commandsmemory.NewCommandRepository()
	devices := masterdatamemory.NewDeviceRepository()
	publisher := eventing.NewPublisher(nil, nil, eventing.NewInMemoryBus())

	_, err := commandsapp.NewService(nil, devices, publisher)
	assert.Error(t, err)
	_, err = commandsapp.NewService(repo, nil, publisher)
	assert.Error(t, err)
	_, err = commandsapp.NewService(repo, devices, nil)
	assert.Error(t, err)
	_, err = commandsapp.NewService(repo, devices, publisher, commandsapp.WithConfig(commandsapp.Config{DefaultTTL: 48 * time.Hour, MaxTTL: time.Hour}))
	assert.Error(t, err)
}

func TestEnqueue_DefaultsAndEvent(t *testing.T) {
	h := newHarness(t)
	ctx := auth.WithIdentity(context.Background(), auth.RoleOperator, "op-1")

	cmd, err := h.service.Enqueue(ctx, commandsapp.EnqueueRequest{
		DeviceID:    testDevice,
		CommandType: string(commands.TypeSetAudio),
		Params:      json.RawMessage(`{"volume":3}`),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, cmd.ID)
	assert.Equal(t, commands.StatusPending, cmd.Status)
	assert.Equal(t, commands.PriorityNormal, cmd.Priority)
	assert.Equal(t, h.clock.Now(), cmd.ExecuteAt)
	assert.Equal(t, h.clock.Now().Add(time.Hour), cmd.ExpiresAt)
	assert.Equal(t, "op-1", cmd.Metadata.QueuedBy)

	stored, err := h.service.GetStatus(context.Background(), cmd.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"volume":3}`, string(stored.Params))

	enqueued := h.events.ofType(eventing.EventTypeOf[commandsevents.CommandEnqueued]())
	require.Len(t, enqueued, 1)
	evt := enqueued[0].(commandsevents.CommandEnqueued)
	assert.Equal(t, cmd.ID, evt.CommandID)
	assert.Equal(t, testDevice, evt.DeviceID)
}

func TestEnqueue_UnknownDevice(t *testing.T) {
	h := newHarness(t)
	_, err := h.service.Enqueue(context.Background(), commandsapp.EnqueueRequest{
		DeviceID:    "ghost",
		CommandType: string(commands.TypeVibrate),
	})
	assert.ErrorIs(t, err, commands.ErrDeviceNotFound)
	assert.Empty(t, h.events.ofType(eventing.EventTypeOf[commandsevents.CommandEnqueued]()))
}

func TestEnqueue_Validation(t *testing.T) {
	h := newHarness(t, commandsapp.WithConfig(commandsapp.Config{MaxTTL: 2 * time.Hour}))
	cases := map[string]commandsapp.EnqueueRequest{
		"bad priority":           {DeviceID: testDevice, CommandType: "vibrate", Priority: "urgent"},
		"bad params":             {DeviceID: testDevice, CommandType: "vibrate", Params: json.RawMessage(`{"x":`)},
		"negative ttl":           {DeviceID: testDevice, CommandType: "vibrate", TTLSeconds: -1},
		"ttl over max":           {DeviceID: testDevice, CommandType: "vibrate", TTLSeconds: 3 * 3600},
		"ttl overflows duration": {DeviceID: testDevice, CommandType: "vibrate", TTLSeconds: math.MaxInt64/int64(time.Second) + 1},
		"ttl wraps into range":   {DeviceID: testDevice, CommandType: "vibrate", TTLSeconds: 18446747673},
		"unknown type":           {DeviceID: testDevice, CommandType: "wipe"},
		"no device":              {CommandType: "vibrate"},
	}
	for name, req := range cases {
		_, err := h.service.Enqueue(context.Background(), req)
		assert.ErrorIs(t, err, commands.ErrValidation, name)
	}
}

func TestClaimBatch_PriorityOrder(t *testing.T) {
	h := newHarness(t)
	low := h.enqueue(t, commandsapp.EnqueueRequest{Priority: "low"})
	critical := h.enqueue(t, commandsapp.EnqueueRequest{Priority: "critical"})
	normal := h.enqueue(t, commandsapp.EnqueueRequest{Priority: "normal"})

	claimed, err := h.service.ClaimBatch(context.Background(), testDevice, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{critical.ID, normal.ID, low.ID}, ids(claimed))
	for _, cmd := range claimed {
		assert.Equal(t, commands.StatusInProgress, cmd.Status)
		require.NotNil(t, cmd.ClaimedAt)
	}
}

func TestClaimBatch_FIFOWithinPriority(t *testing.T) {
	h := newHarness(t)
	first := h.enqueue(t, commandsapp.EnqueueRequest{Priority: "high"})
	h.clock.Advance(time.Millisecond)
	second := h.enqueue(t, commandsapp.EnqueueRequest{Priority: "high"})
	third := h.enqueue(t, commandsapp.EnqueueRequest{Priority: "high"})

	claimed, err := h.service.ClaimBatch(context.Background(), testDevice, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{first.ID, second.ID}, ids(claimed))

	claimed, err = h.service.ClaimBatch(context.Background(), testDevice, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{third.ID}, ids(claimed))

	claimed, err = h.service.ClaimBatch(context.Background(), testDevice, 2)
	require.NoError(t, err)
	assert.NotNil(t, claimed)
	assert.Empty(t, claimed)
}

func TestClaimBatch_OnlyOwnDevice(t *testing.T) {
	h := newHarness(t)
	h.enqueue(t, commandsapp.EnqueueRequest{DeviceID: "device-2"})

	claimed, err := h.service.ClaimBatch(context.Background(), testDevice, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestClaimBatch_VisibilityWindow(t *testing.T) {
	h := newHarness(t)
	executeAt := h.clock.Now().Add(time.Minute)
	cmd := h.enqueue(t, commandsapp.EnqueueRequest{ExecuteAt: &executeAt})

	claimed, err := h.service.ClaimBatch(context.Background(), testDevice, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	h.clock.Advance(time.Minute)
	claimed, err = h.service.ClaimBatch(context.Background(), testDevice, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{cmd.ID}, ids(claimed))
}

func TestClaimBatch_LimitBounds(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 60; i++ {
		h.enqueue(t, commandsapp.EnqueueRequest{})
	}
	claimed, err := h.service.ClaimBatch(context.Background(), testDevice, 0)
	require.NoError(t, err)
	assert.Len(t, claimed, 10)

	claimed, err = h.service.ClaimBatch(context.Background(), testDevice, 1000)
	require.NoError(t, err)
	assert.Len(t, claimed, 50)
}

func TestClaimBatch_ConcurrentClaimsNeverOverlap(t *testing.T) {
	h := newHarness(t)
	const total = 40
	for i := 0; i < total; i++ {
		h.enqueue(t, commandsapp.EnqueueRequest{})
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := h.service.ClaimBatch(context.Background(), testDevice, 3)
				if err != nil || len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, cmd := range claimed {
					seen[cmd.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, count := range seen {
		assert.Equal(t, 1, count, "command %s claimed %d times", id, count)
	}
}

func TestClaimBatch_TouchesLastSeen(t *testing.T) {
	h := newHarness(t)
	_, err := h.service.ClaimBatch(context.Background(), testDevice, 1)
	require.NoError(t, err)

	device, err := h.devices.Get(context.Background(), testDevice)
	require.NoError(t, err)
	require.NotNil(t, device.LastSeenAt)
	assert.Equal(t, h.clock.Now(), *device.LastSeenAt)
}

func TestAcknowledge_SecondAckRejected(t *testing.T) {
	h := newHarness(t)
	cmd := h.enqueue(t, commandsapp.EnqueueRequest{})
	_, err := h.service.ClaimBatch(context.Background(), testDevice, 1)
	require.NoError(t, err)

	h.clock.Advance(time.Second)
	done, err := h.service.Acknowledge(context.Background(), commandsapp.AckRequest{
		CommandID: cmd.ID,
		Success:   true,
		Result:    json.RawMessage(`{"path":"/sdcard/shot.png"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, commands.StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)

	_, err = h.service.Acknowledge(context.Background(), commandsapp.AckRequest{
		CommandID: cmd.ID,
		Success:   false,
		Result:    json.RawMessage(`{"overwritten":true}`),
		Error:     "late",
	})
	var ite *commands.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, commands.StatusCompleted, ite.From)

	stored, err := h.service.GetStatus(context.Background(), cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, commands.StatusCompleted, stored.Status)
	assert.JSONEq(t, `{"path":"/sdcard/shot.png"}`, string(stored.Result))
	assert.Empty(t, stored.Metadata.FailureReason)
	assert.Len(t, h.events.ofType(eventing.EventTypeOf[commandsevents.CommandCompleted]()), 1)
}

func TestAcknowledge_Failure(t *testing.T) {
	h := newHarness(t)
	cmd := h.enqueue(t, commandsapp.EnqueueRequest{})
	_, err := h.service.ClaimBatch(context.Background(), testDevice, 1)
	require.NoError(t, err)

	failed, err := h.service.Acknowledge(context.Background(), commandsapp.AckRequest{
		CommandID: cmd.ID,
		DeviceID:  testDevice,
		Error:     "permission denied",
	})
	require.NoError(t, err)
	assert.Equal(t, commands.StatusFailed, failed.Status)
	assert.Equal(t, "permission denied", failed.Metadata.FailureReason)

	events := h.events.ofType(eventing.EventTypeOf[commandsevents.CommandFailed]())
	require.Len(t, events, 1)
	assert.Equal(t, "permission denied", events[0].(commandsevents.CommandFailed).Error)
}

func TestAcknowledge_Guards(t *testing.T) {
	h := newHarness(t)
	cmd := h.enqueue(t, commandsapp.EnqueueRequest{})

	_, err := h.service.Acknowledge(context.Background(), commandsapp.AckRequest{CommandID: cmd.ID, Success: true})
	assert.ErrorIs(t, err, commands.ErrInvalidTransition)

	_, err = h.service.ClaimBatch(context.Background(), testDevice, 1)
	require.NoError(t, err)

	_, err = h.service.Acknowledge(context.Background(), commandsapp.AckRequest{CommandID: cmd.ID, DeviceID: "device-2", Success: true})
	assert.ErrorIs(t, err, commands.ErrNotFound)

	_, err = h.service.Acknowledge(context.Background(), commandsapp.AckRequest{CommandID: "missing", Success: true})
	assert.ErrorIs(t, err, commands.ErrNotFound)

	_, err = h.service.Acknowledge(context.Background(), commandsapp.AckRequest{CommandID: cmd.ID, Success: true, Result: json.RawMessage(`{`)})
	assert.ErrorIs(t, err, commands.ErrValidation)
}

func TestCancel_PendingAndAfterClaim(t *testing.T) {
	h := newHarness(t)
	ctx := auth.WithIdentity(context.Background(), auth.RoleOperator, "op-2")

	pending := h.enqueue(t, commandsapp.EnqueueRequest{})
	cancelled, err := h.service.Cancel(ctx, pending.ID, "wrong device")
	require.NoError(t, err)
	assert.Equal(t, commands.StatusCancelled, cancelled.Status)
	assert.Equal(t, "op-2", cancelled.Metadata.CancelledBy)
	assert.Equal(t, "wrong device", cancelled.Metadata.CancelReason)
	require.NotNil(t, cancelled.CompletedAt)

	claimed := h.enqueue(t, commandsapp.EnqueueRequest{})
	_, err = h.service.ClaimBatch(context.Background(), testDevice, 1)
	require.NoError(t, err)
	_, err = h.service.Cancel(ctx, claimed.ID, "too late")
	var ite *commands.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, commands.StatusInProgress, ite.From)

	_, err = h.service.Cancel(ctx, "missing", "")
	assert.ErrorIs(t, err, commands.ErrNotFound)
}

func TestCancel_RacesClaimWithSingleWinner(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 25; i++ {
		cmd := h.enqueue(t, commandsapp.EnqueueRequest{})

		var (
			wg          sync.WaitGroup
			cancelErr   error
			claimedList []commands.Command
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancelErr = h.service.Cancel(context.Background(), cmd.ID, "race")
		}()
		go func() {
			defer wg.Done()
			claimedList, _ = h.service.ClaimBatch(context.Background(), testDevice, 1)
		}()
		wg.Wait()

		claimWon := len(claimedList) == 1 && claimedList[0].ID == cmd.ID
		cancelWon := cancelErr == nil
		assert.True(t, claimWon != cancelWon, "exactly one of claim/cancel must win")
		if claimWon {
			assert.ErrorIs(t, cancelErr, commands.ErrInvalidTransition)
		}
	}
}

func TestRetry_Chain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	original := h.enqueue(t, commandsapp.EnqueueRequest{
		CommandType: string(commands.TypePushContacts),
		Params:      json.RawMessage(`{"contacts":[{"name":"A"}]}`),
		Priority:    "high",
		RequiresAck: true,
	})

	_, err := h.service.Retry(ctx, original.ID)
	assert.ErrorIs(t, err, commands.ErrInvalidTransition)

	_, err = h.service.ClaimBatch(ctx, testDevice, 1)
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	failed, err := h.service.Acknowledge(ctx, commandsapp.AckRequest{CommandID: original.ID, Error: "boom"})
	require.NoError(t, err)
	failedAt := *failed.CompletedAt

	h.clock.Advance(time.Minute)
	successor, err := h.service.Retry(ctx, original.ID)
	require.NoError(t, err)
	assert.NotEqual(t, original.ID, successor.ID)
	assert.Equal(t, commands.StatusPending, successor.Status)
	assert.Equal(t, original.DeviceID, successor.DeviceID)
	assert.Equal(t, original.CommandType, successor.CommandType)
	assert.Equal(t, original.Priority, successor.Priority)
	assert.True(t, successor.RequiresAck)
	assert.JSONEq(t, string(original.Params), string(successor.Params))
	assert.Equal(t, original.ID, successor.Metadata.RetryOf)
	assert.Equal(t, 1, successor.Metadata.RetryCount)
	assert.Equal(t, h.clock.Now(), successor.ExecuteAt)

	stored, err := h.service.GetStatus(ctx, original.ID)
	require.NoError(t, err)
	assert.Equal(t, commands.StatusRetried, stored.Status)
	assert.Equal(t, successor.ID, stored.Metadata.RetriedAs)
	assert.Equal(t, "boom", stored.Metadata.FailureReason)
	assert.Equal(t, failedAt, *stored.CompletedAt)

	_, err = h.service.Retry(ctx, original.ID)
	var ite *commands.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, commands.StatusRetried, ite.From)

	_, err = h.service.Retry(ctx, "missing")
	assert.ErrorIs(t, err, commands.ErrNotFound)

	retried := h.events.ofType(eventing.EventTypeOf[commandsevents.CommandRetried]())
	require.Len(t, retried, 1)
	assert.Equal(t, successor.ID, retried[0].(commandsevents.CommandRetried).SuccessorID)

	claimed, err := h.service.ClaimBatch(ctx, testDevice, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{successor.ID}, ids(claimed))
}

func TestMarkDelivered(t *testing.T) {
	h := newHarness(t)
	cmd := h.enqueue(t, commandsapp.EnqueueRequest{})

	queued, err := h.service.MarkDelivered(context.Background(), cmd.ID, "mqtt")
	require.NoError(t, err)
	assert.Equal(t, commands.StatusQueued, queued.Status)
	assert.Equal(t, "mqtt", queued.Metadata.DeliveredVia)
	require.NotNil(t, queued.Metadata.DeliveredAt)

	_, err = h.service.MarkDelivered(context.Background(), cmd.ID, "mqtt")
	assert.ErrorIs(t, err, commands.ErrInvalidTransition)

	claimed, err := h.service.ClaimBatch(context.Background(), testDevice, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{cmd.ID}, ids(claimed))
}

func TestListCommands(t *testing.T) {
	h := newHarness(t)
	first := h.enqueue(t, commandsapp.EnqueueRequest{})
	second := h.enqueue(t, commandsapp.EnqueueRequest{})
	h.enqueue(t, commandsapp.EnqueueRequest{DeviceID: "device-2"})
	_, err := h.service.Cancel(context.Background(), first.ID, "")
	require.NoError(t, err)

	list, err := h.service.ListCommands(context.Background(), commands.ListFilter{DeviceID: testDevice})
	require.NoError(t, err)
	assert.Equal(t, []string{second.ID, first.ID}, ids(list))

	list, err = h.service.ListCommands(context.Background(), commands.ListFilter{
		DeviceID: testDevice,
		Statuses: []commands.Status{commands.StatusCancelled},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{first.ID}, ids(list))
}

func TestPublishFailureDoesNotFailEnqueue(t *testing.T) {
	repo := commandsmemory.NewCommandRepository()
	devices := masterdatamemory.NewDeviceRepository(masterdata.Device{ID: testDevice})
	bus := eventing.NewInMemoryBus()
	bus.Subscribe(eventing.EventTypeOf[commandsevents.CommandEnqueued](), func(context.Context, any) error {
		return errors.New("subscriber down")
	})
	service, err := commandsapp.NewService(repo, devices, eventing.NewPublisher(nil, nil, bus),
		commandsapp.WithLogger(log.New(io.Discard, "", 0)))
	require.NoError(t, err)

	cmd, err := service.Enqueue(context.Background(), commandsapp.EnqueueRequest{DeviceID: testDevice, CommandType: "vibrate"})
	require.NoError(t, err)
	stored, err := service.GetStatus(context.Background(), cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, commands.StatusPending, stored.Status)
}
