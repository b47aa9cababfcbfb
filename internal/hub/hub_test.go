package hub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeshare/internal/session"
	"codeshare/pkg/interfaces"
	"codeshare/pkg/types"
)

// fakeStore is an in-memory CodeBlockReader.
type fakeStore struct {
	mu     sync.Mutex
	blocks map[types.CodeBlockID]*types.CodeBlock
	err    error
	// gate, when set, blocks every lookup until it is closed.
	gate chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{blocks: map[types.CodeBlockID]*types.CodeBlock{
		1: {ID: 1, Name: "Hello World", Template: "tpl-1", Solution: "sol-1"},
		2: {ID: 2, Name: "Sort Array", Template: "tpl-2", Solution: "sol-2"},
		3: {ID: 3, Name: "Filter Even Numbers", Template: "tpl-3", Solution: "sol-3"},
	}}
}

func (s *fakeStore) GetCodeBlock(ctx context.Context, id types.CodeBlockID) (*types.CodeBlock, error) {
	s.mu.Lock()
	gate := s.gate
	s.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	cb, ok := s.blocks[id]
	if !ok {
		return nil, interfaces.ErrCodeBlockNotFound
	}
	cp := *cb
	return &cp, nil
}

func (s *fakeStore) remove(id types.CodeBlockID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks, id)
}

// deleteFunc returns a remove callback for CodeBlockDeleting backed by the
// fake store.
func (s *fakeStore) deleteFunc(id types.CodeBlockID) func(context.Context) error {
	return func(context.Context) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.blocks[id]; !ok {
			return interfaces.ErrCodeBlockNotFound
		}
		delete(s.blocks, id)
		return nil
	}
}

func (s *fakeStore) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

type delivery struct {
	Event   string
	Payload any
}

// recordingEmitter models the gateway: live connections, room audiences and
// an inbox per connection.
type recordingEmitter struct {
	mu       sync.Mutex
	live     map[types.ConnID]bool
	audience map[types.ConnID]types.RoomID
	inbox    map[types.ConnID][]delivery
	panicOn  types.ConnID
}

func newRecordingEmitter() *recordingEmitter {
	return &recordingEmitter{
		live:     make(map[types.ConnID]bool),
		audience: make(map[types.ConnID]types.RoomID),
		inbox:    make(map[types.ConnID][]delivery),
	}
}

func (e *recordingEmitter) connect(ids ...types.ConnID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range ids {
		e.live[id] = true
	}
}

func (e *recordingEmitter) drop(id types.ConnID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.live, id)
	delete(e.audience, id)
}

func (e *recordingEmitter) deliver(conn types.ConnID, event string, payload any) {
	e.inbox[conn] = append(e.inbox[conn], delivery{Event: event, Payload: payload})
}

func (e *recordingEmitter) SendTo(conn types.ConnID, event string, payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.panicOn != "" && conn == e.panicOn {
		panic("send to poisoned connection")
	}
	if e.live[conn] {
		e.deliver(conn, event, payload)
	}
}

func (e *recordingEmitter) BroadcastRoom(room types.RoomID, skip types.ConnID, event string, payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for conn, r := range e.audience {
		if r == room && conn != skip && e.live[conn] {
			e.deliver(conn, event, payload)
		}
	}
}

func (e *recordingEmitter) BroadcastAll(event string, payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for conn := range e.live {
		e.deliver(conn, event, payload)
	}
}

func (e *recordingEmitter) Subscribe(conn types.ConnID, room types.RoomID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.audience[conn] = room
}

func (e *recordingEmitter) CloseRoom(room types.RoomID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for conn, r := range e.audience {
		if r == room {
			delete(e.audience, conn)
		}
	}
}

// events returns the event names delivered to conn and clears its inbox.
func (e *recordingEmitter) events(conn types.ConnID) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var names []string
	for _, d := range e.inbox[conn] {
		names = append(names, d.Event)
	}
	delete(e.inbox, conn)
	return names
}

// take returns the deliveries to conn and clears its inbox.
func (e *recordingEmitter) take(conn types.ConnID) []delivery {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := e.inbox[conn]
	delete(e.inbox, conn)
	return d
}

func (e *recordingEmitter) clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inbox = make(map[types.ConnID][]delivery)
}

func payloadOf(t *testing.T, deliveries []delivery, event string) any {
	t.Helper()
	for _, d := range deliveries {
		if d.Event == event {
			return d.Payload
		}
	}
	t.Fatalf("no %s among %v", event, deliveries)
	return nil
}

type harness struct {
	hub     *Hub
	rooms   *session.Registry
	store   *fakeStore
	emitter *recordingEmitter
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		rooms:   session.NewRegistry(),
		store:   newFakeStore(),
		emitter: newRecordingEmitter(),
	}
	h.hub = NewHub(h.rooms, h.store, h.emitter, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.hub.Start(ctx))
	t.Cleanup(func() {
		_ = h.hub.Stop()
		cancel()
	})
	return h
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.hub.Flush(ctx))
}

func (h *harness) join(t *testing.T, conn types.ConnID, room types.RoomID) {
	t.Helper()
	require.NoError(t, h.hub.Join(context.Background(), conn, room))
	h.flush(t)
}

func (h *harness) edit(t *testing.T, conn types.ConnID, room types.RoomID, code string) {
	t.Helper()
	require.NoError(t, h.hub.CodeChange(context.Background(), conn, room, code))
	h.flush(t)
}

// disconnect mirrors the gateway: the socket is gone before the hub hears
// about it.
func (h *harness) disconnect(t *testing.T, conn types.ConnID) {
	t.Helper()
	h.emitter.drop(conn)
	require.NoError(t, h.hub.Disconnect(context.Background(), conn))
	h.flush(t)
}

func (h *harness) assertNoMentorAmongStudents(t *testing.T) {
	t.Helper()
	for _, room := range h.rooms.Rooms() {
		assert.NotContains(t, room.Students, room.Mentor, "room %d", room.ID)
	}
}

func TestHub_StartStop(t *testing.T) {
	h := NewHub(session.NewRegistry(), newFakeStore(), newRecordingEmitter(), Config{})
	assert.Equal(t, DefaultConfig(), h.config)

	assert.ErrorIs(t, h.Stop(), ErrHubNotRunning)
	assert.ErrorIs(t, h.Join(context.Background(), "a", 1), ErrHubNotRunning)

	require.NoError(t, h.Start(context.Background()))
	assert.ErrorIs(t, h.Start(context.Background()), ErrHubAlreadyRunning)
	assert.True(t, h.IsRunning())

	require.NoError(t, h.Stop())
	assert.False(t, h.IsRunning())
	assert.ErrorIs(t, h.Disconnect(context.Background(), "a"), ErrHubNotRunning)

	// Restartable after a stop.
	require.NoError(t, h.Start(context.Background()))
	require.NoError(t, h.Flush(context.Background()))
	require.NoError(t, h.Stop())
}

func TestHub_ContextCancelStopsLoop(t *testing.T) {
	h := NewHub(session.NewRegistry(), newFakeStore(), newRecordingEmitter(), Config{})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.Start(ctx))
	cancel()

	assert.Eventually(t, func() bool { return !h.IsRunning() }, time.Second, 5*time.Millisecond)
}

func TestHub_ConnectSendsLobbyToNewConnectionOnly(t *testing.T) {
	h := newHarness(t, Config{})
	h.emitter.connect("A", "L")
	h.join(t, "A", 1)
	h.emitter.clear()

	h.emitter.connect("N")
	require.NoError(t, h.hub.Connect(context.Background(), "N"))
	h.flush(t)

	got := h.emitter.take("N")
	require.Len(t, got, 1)
	assert.Equal(t, types.EventActiveRooms, got[0].Event)
	assert.Equal(t, []types.RoomSummary{{ID: 1, Name: "Hello World", StudentCount: 0}}, got[0].Payload)

	assert.Empty(t, h.emitter.events("A"))
	assert.Empty(t, h.emitter.events("L"))
}

func TestHub_FirstJoinerIsMentor(t *testing.T) {
	h := newHarness(t, Config{})
	h.emitter.connect("A", "B", "C")

	h.join(t, "A", 1)
	h.join(t, "B", 1)
	h.join(t, "C", 1)

	roles := map[types.ConnID]types.RoleAssignment{}
	for _, c := range []types.ConnID{"A", "B", "C"} {
		roles[c] = payloadOf(t, h.emitter.take(c), types.EventRoleAssignment).(types.RoleAssignment)
	}

	assert.Equal(t, types.RoleMentor, roles["A"].Role)
	assert.Equal(t, "tpl-1", roles["A"].Code)
	assert.Equal(t, 0, roles["A"].StudentCount)
	assert.Equal(t, types.RoleStudent, roles["B"].Role)
	assert.Equal(t, 1, roles["B"].StudentCount)
	assert.Equal(t, types.RoleStudent, roles["C"].Role)
	assert.Equal(t, 2, roles["C"].StudentCount)

	h.assertNoMentorAmongStudents(t)
}

func TestHub_ConcurrentJoinsElectOneMentor(t *testing.T) {
	h := newHarness(t, Config{})

	const n = 30
	conns := make([]types.ConnID, n)
	for i := range conns {
		conns[i] = types.ConnID(fmt.Sprintf("c%02d", i))
	}
	h.emitter.connect(conns...)

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c types.ConnID) {
			defer wg.Done()
			assert.NoError(t, h.hub.Join(context.Background(), c, 2))
		}(c)
	}
	wg.Wait()
	h.flush(t)

	mentors := 0
	for _, c := range conns {
		ra := payloadOf(t, h.emitter.take(c), types.EventRoleAssignment).(types.RoleAssignment)
		if ra.Role == types.RoleMentor {
			mentors++
		}
	}
	assert.Equal(t, 1, mentors)

	room, ok := h.rooms.Get(2)
	require.True(t, ok)
	assert.Equal(t, n-1, room.StudentCount())
	h.assertNoMentorAmongStudents(t)
}

func TestHub_JoinNotifiesOthersAndLobby(t *testing.T) {
	h := newHarness(t, Config{})
	h.emitter.connect("A", "B", "L")

	h.join(t, "A", 1)
	assert.Equal(t, []string{types.EventRoleAssignment, types.EventActiveRooms}, h.emitter.events("A"))
	assert.Equal(t, []string{types.EventActiveRooms}, h.emitter.events("L"))
	assert.Equal(t, []string{types.EventActiveRooms}, h.emitter.events("B"))

	h.join(t, "B", 1)
	a := h.emitter.take("A")
	assert.Equal(t, types.StudentCountUpdate{StudentCount: 1}, payloadOf(t, a, types.EventUpdateStudentCount))
	lobby := payloadOf(t, h.emitter.take("L"), types.EventActiveRooms)
	assert.Equal(t, []types.RoomSummary{{ID: 1, Name: "Hello World", StudentCount: 1}}, lobby)

	// The joiner hears about its own arrival only through role_assignment.
	assert.Equal(t, []string{types.EventRoleAssignment, types.EventActiveRooms}, h.emitter.events("B"))
}

func TestHub_JoinUnresolvableIsSilent(t *testing.T) {
	h := newHarness(t, Config{})
	h.emitter.connect("A", "L")

	h.join(t, "A", 404)
	h.join(t, "A", 0)
	h.join(t, "A", -3)

	assert.Empty(t, h.emitter.events("A"))
	assert.Empty(t, h.emitter.events("L"))
	assert.Zero(t, h.rooms.Len())

	h.store.fail(errors.New("disk on fire"))
	h.join(t, "A", 1)
	assert.Empty(t, h.emitter.events("A"))
	assert.Zero(t, h.rooms.Len())
}

func TestHub_RejoinSameRoomResendsRole(t *testing.T) {
	h := newHarness(t, Config{})
	h.emitter.connect("A", "B")
	h.join(t, "A", 1)
	h.join(t, "B", 1)
	h.emitter.clear()

	h.join(t, "B", 1)
	got := h.emitter.take("B")
	require.Len(t, got, 1)
	assert.Equal(t, types.RoleAssignment{Role: types.RoleStudent, Code: "tpl-1", StudentCount: 1}, got[0].Payload)
	assert.Empty(t, h.emitter.events("A"))

	room, _ := h.rooms.Get(1)
	assert.Equal(t, 1, room.StudentCount())
}

func TestHub_StudentSwitchingRoomsLeavesOldRoom(t *testing.T) {
	h := newHarness(t, Config{})
	h.emitter.connect("A", "B", "C")
	h.join(t, "A", 1)
	h.join(t, "B", 1)
	h.join(t, "C", 2)
	h.emitter.clear()

	h.join(t, "B", 2)

	a := h.emitter.take("A")
	assert.Equal(t, types.StudentCountUpdate{StudentCount: 0}, payloadOf(t, a, types.EventUpdateStudentCount))
	b := h.emitter.take("B")
	assert.Equal(t, types.RoleStudent, payloadOf(t, b, types.EventRoleAssignment).(types.RoleAssignment).Role)

	m, ok := h.rooms.Affiliation("B")
	require.True(t, ok)
	assert.Equal(t, types.RoomID(2), m.Room)

	// B no longer hears room 1.
	h.emitter.connect("D")
	h.join(t, "D", 1)
	h.emitter.clear()
	h.edit(t, "D", 1, "x")
	assert.Empty(t, h.emitter.events("B"))
}

func TestHub_MentorSwitchingRoomsClosesOldRoom(t *testing.T) {
	h := newHarness(t, Config{})
	h.emitter.connect("A", "B")
	h.join(t, "A", 1)
	h.join(t, "B", 1)
	h.emitter.clear()

	h.join(t, "A", 2)

	b := h.emitter.take("B")
	assert.Equal(t, types.LobbyRedirect{Message: types.MessageMentorLeft}, payloadOf(t, b, types.EventRedirectToLobby))
	assert.False(t, h.rooms.Exists(1))

	a := h.emitter.take("A")
	assert.Equal(t, types.RoleMentor, payloadOf(t, a, types.EventRoleAssignment).(types.RoleAssignment).Role)
	lobby := payloadOf(t, a, types.EventActiveRooms)
	assert.Equal(t, []types.RoomSummary{{ID: 2, Name: "Sort Array", StudentCount: 0}}, lobby)
}

func TestHub_MentorEditIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	h.emitter.connect("A", "B")
	h.join(t, "A", 1)
	h.join(t, "B", 1)
	h.emitter.clear()

	h.edit(t, "A", 1, "sol-1")

	room, _ := h.rooms.Get(1)
	assert.Equal(t, "tpl-1", room.Code)
	assert.Empty(t, h.emitter.events("A"))
	assert.Empty(t, h.emitter.events("B"))
}

func TestHub_EditOnAbsentRoomIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	h.emitter.connect("A", "B")
	h.join(t, "A", 1)
	h.join(t, "B", 1)
	h.emitter.clear()

	h.edit(t, "B", 2, "whatever")

	assert.False(t, h.rooms.Exists(2))
	room, _ := h.rooms.Get(1)
	assert.Equal(t, "tpl-1", room.Code)
	assert.Empty(t, h.emitter.events("A"))
	assert.Empty(t, h.emitter.events("B"))
}

func TestHub_EditFromNonMemberApplied(t *testing.T) {
	h := newHarness(t, Config{})
	h.emitter.connect("A", "B", "X", "Y")
	h.join(t, "A", 1)
	h.join(t, "B", 1)
	h.join(t, "Y", 2)
	h.emitter.clear()

	h.edit(t, "X", 1, "sol-1")

	room, _ := h.rooms.Get(1)
	assert.Equal(t, "sol-1", room.Code)
	for _, c := range []types.ConnID{"A", "B"} {
		assert.Equal(t, []string{types.EventUpdateCode, types.EventSolutionFound}, h.emitter.events(c), c)
	}
	assert.Empty(t, h.emitter.events("X"))

	// A member of another room is not moved by editing this one.
	h.edit(t, "Y", 1, "sol-")
	m, ok := h.rooms.Affiliation("Y")
	require.True(t, ok)
	assert.Equal(t, types.RoomID(2), m.Room)
	assert.Empty(t, h.emitter.events("Y"))
	assert.Equal(t, []string{types.EventUpdateCode, types.EventSolutionIncorrect}, h.emitter.events("B"))
	other, _ := h.rooms.Get(2)
	assert.Equal(t, "tpl-2", other.Code)
}

func TestHub_SolutionVerdicts(t *testing.T) {
	h := newHarness(t, Config{})
	h.emitter.connect("A", "B")
	h.join(t, "A", 1)
	h.join(t, "B", 1)
	h.emitter.clear()

	cases := []struct {
		code    string
		verdict string
	}{
		{"sol-1", types.EventSolutionFound},
		{"  sol-1\n\n", types.EventSolutionFound},
		{"sol-", types.EventSolutionIncorrect},
		{"SOL-1", types.EventSolutionIncorrect},
		{"", types.EventSolutionIncorrect},
	}

	for _, tc := range cases {
		h.edit(t, "B", 1, tc.code)
		for _, c := range []types.ConnID{"A", "B"} {
			got := h.emitter.take(c)
			require.Len(t, got, 2, "%q to %s", tc.code, c)
			assert.Equal(t, types.EventUpdateCode, got[0].Event)
			assert.Equal(t, types.CodeUpdate{Code: tc.code}, got[0].Payload)
			assert.Equal(t, tc.verdict, got[1].Event, "%q", tc.code)
		}
		room, _ := h.rooms.Get(1)
		assert.Equal(t, tc.code, room.Code)
	}
}

func TestHub_EditStillAppliedWhenLookupFails(t *testing.T) {
	h := newHarness(t, Config{})
	h.emitter.connect("A", "B")
	h.join(t, "A", 1)
	h.join(t, "B", 1)
	h.emitter.clear()

	h.store.remove(1)
	h.edit(t, "B", 1, "sol-1")

	assert.Equal(t, []string{types.EventUpdateCode}, h.emitter.events("A"))
	assert.Equal(t, []string{types.EventUpdateCode}, h.emitter.events("B"))
	room, _ := h.rooms.Get(1)
	assert.Equal(t, "sol-1", room.Code)
}

func TestHub_MentorDisconnectDestroysRoom(t *testing.T) {
	h := newHarness(t, Config{})
	h.emitter.connect("A", "B", "C", "L")
	h.join(t, "A", 1)
	h.join(t, "B", 1)
	h.emitter.clear()

	h.disconnect(t, "A")

	b := h.emitter.take("B")
	assert.Equal(t, types.LobbyRedirect{Message: types.MessageMentorLeft}, payloadOf(t, b, types.EventRedirectToLobby))
	assert.Equal(t, []types.RoomSummary{}, payloadOf(t, b, types.EventActiveRooms))
	assert.Equal(t, []string{types.EventActiveRooms}, h.emitter.events("L"))
	assert.False(t, h.rooms.Exists(1))
	_, ok := h.rooms.Affiliation("B")
	assert.False(t, ok)

	// The next joiner becomes the new mentor.
	h.join(t, "C", 1)
	c := h.emitter.take("C")
	assert.Equal(t, types.RoleMentor, payloadOf(t, c, types.EventRoleAssignment).(types.RoleAssignment).Role)
}

func TestHub_StudentDisconnectDecrementsByOne(t *testing.T) {
	h := newHarness(t, Config{})
	h.emitter.connect("A", "B", "C")
	h.join(t, "A", 1)
	h.join(t, "B", 1)
	h.join(t, "C", 1)
	h.edit(t, "B", 1, "work in progress")
	h.emitter.clear()

	before, _ := h.rooms.Get(1)
	h.disconnect(t, "B")
	after, _ := h.rooms.Get(1)

	assert.Equal(t, before.StudentCount()-1, after.StudentCount())
	assert.Equal(t, before.Mentor, after.Mentor)
	assert.Equal(t, before.Code, after.Code)

	for _, c := range []types.ConnID{"A", "C"} {
		got := h.emitter.take(c)
		assert.Equal(t, types.StudentCountUpdate{StudentCount: 1}, payloadOf(t, got, types.EventUpdateStudentCount))
		assert.Equal(t, []types.RoomSummary{{ID: 1, Name: "Hello World", StudentCount: 1}}, payloadOf(t, got, types.EventActiveRooms))
	}
}

func TestHub_UnaffiliatedDisconnectIsSilent(t *testing.T) {
	h := newHarness(t, Config{})
	h.emitter.connect("A", "L")
	h.join(t, "A", 1)
	h.emitter.clear()

	h.disconnect(t, "ghost")
	assert.Empty(t, h.emitter.events("A"))
	assert.Empty(t, h.emitter.events("L"))
}

func TestHub_ActiveRoomsOmitsUnresolvable(t *testing.T) {
	h := newHarness(t, Config{})
	h.emitter.connect("A", "B", "C", "S")
	h.join(t, "C", 3)
	h.join(t, "A", 1)
	h.join(t, "B", 2)
	h.join(t, "S", 2)

	summaries, err := h.hub.ActiveRooms(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []types.RoomSummary{
		{ID: 1, Name: "Hello World", StudentCount: 0},
		{ID: 2, Name: "Sort Array", StudentCount: 1},
		{ID: 3, Name: "Filter Even Numbers", StudentCount: 0},
	}, summaries)

	h.store.remove(2)
	summaries, err = h.hub.ActiveRooms(context.Background())
	require.NoError(t, err)
	ids := make([]types.RoomID, 0, len(summaries))
	for _, s := range summaries {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []types.RoomID{1, 3}, ids)
	assert.True(t, h.rooms.Exists(2))
}

func TestHub_RoomsNeverCrossBroadcast(t *testing.T) {
	h := newHarness(t, Config{})
	h.emitter.connect("A1", "S1", "A2", "S2")
	h.join(t, "A1", 1)
	h.join(t, "S1", 1)
	h.join(t, "A2", 2)
	h.join(t, "S2", 2)
	h.emitter.clear()

	h.edit(t, "S1", 1, "sol-1")
	h.edit(t, "S1", 1, "nope")

	assert.Empty(t, h.emitter.events("A2"))
	assert.Empty(t, h.emitter.events("S2"))
	room2, _ := h.rooms.Get(2)
	assert.Equal(t, "tpl-2", room2.Code)
}

func TestHub_ScenarioMentorStudentSolveAndLeave(t *testing.T) {
	h := newHarness(t, Config{})
	h.emitter.connect("A", "B")

	h.join(t, "A", 1)
	a := h.emitter.take("A")
	assert.Equal(t, types.RoleAssignment{Role: types.RoleMentor, Code: "tpl-1", StudentCount: 0}, payloadOf(t, a, types.EventRoleAssignment))

	h.join(t, "B", 1)
	b := h.emitter.take("B")
	assert.Equal(t, types.RoleAssignment{Role: types.RoleStudent, Code: "tpl-1", StudentCount: 1}, payloadOf(t, b, types.EventRoleAssignment))
	a = h.emitter.take("A")
	assert.Equal(t, types.StudentCountUpdate{StudentCount: 1}, payloadOf(t, a, types.EventUpdateStudentCount))

	h.edit(t, "B", 1, "sol-1")
	for _, c := range []types.ConnID{"A", "B"} {
		assert.Equal(t, []string{types.EventUpdateCode, types.EventSolutionFound}, h.emitter.events(c), c)
	}

	h.disconnect(t, "A")
	b = h.emitter.take("B")
	assert.Equal(t, types.EventRedirectToLobby, b[0].Event)
	assert.Equal(t, []types.RoomSummary{}, payloadOf(t, b, types.EventActiveRooms))
}

func TestHub_CodeBlockUpdatedRefreshesActiveRoom(t *testing.T) {
	h := newHarness(t, Config{})
	h.emitter.connect("A", "B", "X")
	h.join(t, "A", 1)
	h.join(t, "B", 1)
	h.join(t, "X", 2)
	h.emitter.clear()

	require.NoError(t, h.hub.CodeBlockUpdated(context.Background(), 1, "new template"))

	room, _ := h.rooms.Get(1)
	assert.Equal(t, "new template", room.Code)
	for _, c := range []types.ConnID{"A", "B"} {
		got := h.emitter.take(c)
		require.Len(t, got, 1)
		assert.Equal(t, types.CodeUpdate{Code: "new template"}, got[0].Payload)
	}
	assert.Empty(t, h.emitter.events("X"))

	// Inactive room: nothing happens.
	require.NoError(t, h.hub.CodeBlockUpdated(context.Background(), 3, "ignored"))
	assert.False(t, h.rooms.Exists(3))
}

func TestHub_CodeBlockDeletingClosesRoom(t *testing.T) {
	h := newHarness(t, Config{})
	h.emitter.connect("A", "B", "L")
	h.join(t, "A", 1)
	h.join(t, "B", 1)
	h.emitter.clear()

	require.NoError(t, h.hub.CodeBlockDeleting(context.Background(), 1, h.store.deleteFunc(1)))

	assert.False(t, h.rooms.Exists(1))
	for _, c := range []types.ConnID{"A", "B"} {
		got := h.emitter.take(c)
		require.Len(t, got, 2, c)
		assert.Equal(t, types.LobbyRedirect{Message: types.MessageCodeBlockDeleted}, got[0].Payload)
		assert.Equal(t, types.EventActiveRooms, got[1].Event)
		_, ok := h.rooms.Affiliation(c)
		assert.False(t, ok)
	}
	assert.Equal(t, []string{types.EventActiveRooms}, h.emitter.events("L"))

	// The former mentor's late disconnect is a no-op.
	h.disconnect(t, "A")
	assert.Empty(t, h.emitter.events("B"))

	err := h.hub.CodeBlockDeleting(context.Background(), 1, h.store.deleteFunc(1))
	assert.ErrorIs(t, err, interfaces.ErrCodeBlockNotFound)
	assert.Empty(t, h.emitter.events("L"))
}

func TestHub_JoinRacingDeleteCreatesNoRoom(t *testing.T) {
	h := newHarness(t, Config{})
	h.emitter.connect("A", "B")
	h.join(t, "A", 1)
	h.emitter.clear()

	remove := h.store.deleteFunc(1)
	err := h.hub.CodeBlockDeleting(context.Background(), 1, func(ctx context.Context) error {
		// B asks for the room while the record is being removed.
		require.NoError(t, h.hub.Join(context.Background(), "B", 1))
		return remove(ctx)
	})
	require.NoError(t, err)
	h.flush(t)

	assert.False(t, h.rooms.Exists(1))
	_, ok := h.rooms.Affiliation("B")
	assert.False(t, ok)
	assert.Equal(t, []string{types.EventActiveRooms}, h.emitter.events("B"))
	assert.Equal(t, []string{types.EventRedirectToLobby, types.EventActiveRooms}, h.emitter.events("A"))
}

func TestHub_FailedDeleteKeepsRoomOpen(t *testing.T) {
	h := newHarness(t, Config{})
	h.emitter.connect("A", "B")
	h.join(t, "A", 1)
	h.join(t, "B", 1)
	h.emitter.clear()

	boom := errors.New("database is locked")
	err := h.hub.CodeBlockDeleting(context.Background(), 1, func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	room, ok := h.rooms.Get(1)
	require.True(t, ok)
	assert.Equal(t, types.ConnID("A"), room.Mentor)
	assert.Empty(t, h.emitter.events("A"))
	assert.Empty(t, h.emitter.events("B"))

	h.edit(t, "B", 1, "sol-1")
	assert.Equal(t, []string{types.EventUpdateCode, types.EventSolutionFound}, h.emitter.events("A"))
}

func TestHub_DeleteAbortedByPanic(t *testing.T) {
	h := newHarness(t, Config{})
	err := h.hub.CodeBlockDeleting(context.Background(), 1, func(context.Context) error { panic("driver bug") })
	assert.Error(t, err)

	h.emitter.connect("A")
	h.join(t, "A", 1)
	assert.True(t, h.rooms.Exists(1))
}

func TestHub_HookRespectsCallerContext(t *testing.T) {
	h := newHarness(t, Config{})
	h.store.mu.Lock()
	h.store.gate = make(chan struct{})
	gate := h.store.gate
	h.store.mu.Unlock()
	defer close(gate)

	h.emitter.connect("A")
	require.NoError(t, h.hub.Join(context.Background(), "A", 1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.hub.CodeBlockDeleting(ctx, 1, h.store.deleteFunc(1))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHub_QueueFullDropsInboundEvents(t *testing.T) {
	h := newHarness(t, Config{EventBuffer: 1})
	h.store.mu.Lock()
	h.store.gate = make(chan struct{})
	gate := h.store.gate
	h.store.mu.Unlock()

	// The first join occupies the loop, the second fills the queue.
	require.NoError(t, h.hub.Join(context.Background(), "A", 1))
	require.Eventually(t, func() bool { return len(h.hub.events) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, h.hub.Join(context.Background(), "B", 1))

	assert.ErrorIs(t, h.hub.Join(context.Background(), "C", 1), ErrEventChannelFull)
	assert.ErrorIs(t, h.hub.CodeChange(context.Background(), "B", 1, "x"), ErrEventChannelFull)
	assert.ErrorIs(t, h.hub.Connect(context.Background(), "D"), ErrEventChannelFull)

	// Disconnect waits for room instead of dropping.
	queued := make(chan error, 1)
	go func() { queued <- h.hub.Disconnect(context.Background(), "B") }()

	close(gate)
	select {
	case err := <-queued:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect was never queued")
	}
	h.flush(t)

	_, ok := h.rooms.Affiliation("B")
	assert.False(t, ok)
	_, ok = h.rooms.Affiliation("C")
	assert.False(t, ok)
}

func TestHub_RecoversFromHandlerPanic(t *testing.T) {
	h := newHarness(t, Config{})
	h.emitter.connect("A", "B")
	h.emitter.panicOn = "A"

	require.NoError(t, h.hub.Join(context.Background(), "A", 1))
	h.flush(t)
	assert.True(t, h.hub.IsRunning())

	h.emitter.mu.Lock()
	h.emitter.panicOn = ""
	h.emitter.mu.Unlock()

	h.join(t, "B", 2)
	b := h.emitter.take("B")
	assert.Equal(t, types.RoleMentor, payloadOf(t, b, types.EventRoleAssignment).(types.RoleAssignment).Role)
}

func TestHub_GetStats(t *testing.T) {
	h := newHarness(t, Config{})
	h.emitter.connect("A", "B")
	h.join(t, "A", 1)
	h.join(t, "B", 1)

	stats := h.hub.GetStats()
	assert.Equal(t, 1, stats["active_rooms"])
	assert.Equal(t, 1, stats["students"])
	assert.Equal(t, true, stats["running"])
}

func TestHub_InvariantsHoldUnderRandomTraffic(t *testing.T) {
	h := newHarness(t, Config{})

	conns := make([]types.ConnID, 12)
	for i := range conns {
		conns[i] = types.ConnID(fmt.Sprintf("c%d", i))
	}
	h.emitter.connect(conns...)

	for step := 0; step < 200; step++ {
		c := conns[step%len(conns)]
		room := types.RoomID(step%3 + 1)
		switch step % 5 {
		case 0, 1:
			require.NoError(t, h.hub.Join(context.Background(), c, room))
		case 2, 3:
			require.NoError(t, h.hub.CodeChange(context.Background(), c, room, fmt.Sprintf("edit %d", step)))
		case 4:
			require.NoError(t, h.hub.Disconnect(context.Background(), c))
		}
		if step%10 == 0 {
			h.flush(t)
			h.assertNoMentorAmongStudents(t)
		}
	}
	h.flush(t)
	h.assertNoMentorAmongStudents(t)

	seen := map[types.ConnID]int{}
	for _, room := range h.rooms.Rooms() {
		for _, m := range room.Members() {
			seen[m]++
		}
	}
	var dup []string
	for c, n := range seen {
		if n > 1 {
			dup = append(dup, string(c))
		}
	}
	sort.Strings(dup)
	assert.Empty(t, dup, "connections in more than one room")
}
