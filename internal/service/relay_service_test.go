package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cwrk-planet/collab-relay/internal/domain"
	"github.com/cwrk-planet/collab-relay/internal/metrics"
	"github.com/cwrk-planet/collab-relay/internal/registry"

	"github.com/stretchr/testify/require"
)

// fakeDispatcher записывает всё, что ушло бы в сокеты.
type fakeDispatcher struct {
	mu    sync.Mutex
	inbox map[string][]domain.Outbound
	gone  map[string]bool
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		inbox: make(map[string][]domain.Outbound),
		gone:  make(map[string]bool),
	}
}

func (d *fakeDispatcher) Deliver(connectionID string, msg domain.Outbound) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gone[connectionID] {
		return domain.ErrPeerGone
	}
	d.inbox[connectionID] = append(d.inbox[connectionID], msg)
	return nil
}

func (d *fakeDispatcher) markGone(connectionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gone[connectionID] = true
}

func (d *fakeDispatcher) received(connectionID string, kind domain.OutboundKind) []domain.Outbound {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []domain.Outbound
	for _, m := range d.inbox[connectionID] {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func (d *fakeDispatcher) total() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, msgs := range d.inbox {
		n += len(msgs)
	}
	return n
}

func (d *fakeDispatcher) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inbox = make(map[string][]domain.Outbound)
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []domain.Outbound
	from []string
}

func (p *fakePublisher) Publish(_ context.Context, origin string, msg domain.Outbound) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	p.from = append(p.from, origin)
	return nil
}

// stalledPublisher блокируется, пока не истечёт контекст, как зависший redis.
type stalledPublisher struct{}

func (stalledPublisher) Publish(ctx context.Context, _ string, _ domain.Outbound) error {
	<-ctx.Done()
	return ctx.Err()
}

type fixture struct {
	reg   *registry.Registry
	out   *fakeDispatcher
	relay *RelayService
}

func newFixture() fixture {
	reg := registry.New()
	out := newFakeDispatcher()
	return fixture{reg: reg, out: out, relay: NewRelayService(reg, out, metrics.New())}
}

func (f fixture) join(t *testing.T, conn, room, name string) {
	t.Helper()
	f.relay.Open(conn)
	require.NoError(t, f.relay.Join(context.Background(), conn, domain.JoinRequest{RoomID: room, DisplayName: name}))
}

func names(members []domain.Member) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		out = append(out, m.DisplayName)
	}
	return out
}

func lastMemberList(t *testing.T, out *fakeDispatcher, conn string) []string {
	t.Helper()
	lists := out.received(conn, domain.OutMemberList)
	require.NotEmpty(t, lists, "no member list for %s", conn)
	return names(lists[len(lists)-1].Members)
}

func TestRelay_Scenario_Two_Members(t *testing.T) {
	req := require.New(t)
	f := newFixture()
	ctx := context.Background()

	// Given alice and bob join r1
	f.join(t, "A", "r1", "alice")
	f.join(t, "B", "r1", "bob")

	// Then both see [alice bob] and the join announcement of the other
	req.ElementsMatch([]string{"alice", "bob"}, lastMemberList(t, f.out, "A"))
	req.ElementsMatch([]string{"alice", "bob"}, lastMemberList(t, f.out, "B"))

	var aNotes []string
	for _, m := range f.out.received("A", domain.OutAnnouncement) {
		aNotes = append(aNotes, m.Announcement)
	}
	req.Contains(aNotes, "bob joined the room")
	bNotes := f.out.received("B", domain.OutAnnouncement)
	req.Len(bNotes, 1)
	req.Equal("bob joined the room", bNotes[0].Announcement)

	// When alice sends a content update
	req.NoError(f.relay.ContentUpdate(ctx, "A", domain.ContentUpdate{RoomID: "r1", Payload: "print(1)"}))

	// Then bob receives it and alice does not
	got := f.out.received("B", domain.OutContentUpdate)
	req.Len(got, 1)
	req.Equal("print(1)", got[0].Payload)
	req.Equal("r1", got[0].RoomID)
	req.Equal("alice", got[0].DisplayName)
	req.Empty(f.out.received("A", domain.OutContentUpdate))

	// When alice disconnects
	f.out.reset()
	f.relay.Disconnect(ctx, "A")

	// Then bob sees [bob] and "alice left the room"; alice gets nothing
	req.Equal([]string{"bob"}, lastMemberList(t, f.out, "B"))
	left := f.out.received("B", domain.OutAnnouncement)
	req.Len(left, 1)
	req.Equal("alice left the room", left[0].Announcement)
	req.Zero(len(f.out.received("A", domain.OutAnnouncement)) + len(f.out.received("A", domain.OutMemberList)))
}

func TestRelay_Join_Rejects_Missing_Fields(t *testing.T) {
	req := require.New(t)
	f := newFixture()
	ctx := context.Background()
	f.relay.Open("A")

	cases := []domain.JoinRequest{
		{RoomID: "", DisplayName: "alice"},
		{RoomID: "r1", DisplayName: ""},
		{RoomID: "  ", DisplayName: "alice"},
		{RoomID: "r1", DisplayName: "\t"},
	}
	for _, in := range cases {
		err := f.relay.Join(ctx, "A", in)
		req.ErrorIs(err, domain.ErrInvalidEvent)
	}

	// Then no registry change and no broadcast
	req.Zero(f.reg.Len())
	req.Zero(f.out.total())

	// And the connection can still join afterwards
	req.NoError(f.relay.Join(ctx, "A", domain.JoinRequest{RoomID: "r1", DisplayName: "alice"}))
}

func TestRelay_Join_Twice_Is_Rejected(t *testing.T) {
	req := require.New(t)
	f := newFixture()
	f.join(t, "A", "r1", "alice")
	f.out.reset()

	err := f.relay.Join(context.Background(), "A", domain.JoinRequest{RoomID: "r2", DisplayName: "alice"})

	req.ErrorIs(err, domain.ErrAlreadyJoined)
	req.Len(f.reg.MembersOf("r1"), 1)
	req.Empty(f.reg.MembersOf("r2"))
	req.Zero(f.out.total())
}

func TestRelay_Join_Without_Open_Session(t *testing.T) {
	f := newFixture()

	err := f.relay.Join(context.Background(), "ghost", domain.JoinRequest{RoomID: "r1", DisplayName: "x"})

	require.ErrorIs(t, err, domain.ErrSessionClosed)
	require.Zero(t, f.reg.Len())
}

func TestRelay_ContentUpdate_For_Unjoined_Room(t *testing.T) {
	req := require.New(t)
	f := newFixture()
	ctx := context.Background()
	f.join(t, "A", "r1", "alice")
	f.join(t, "B", "r2", "bob")
	f.out.reset()

	// When A claims a room it never joined
	err := f.relay.ContentUpdate(ctx, "A", domain.ContentUpdate{RoomID: "r2", Payload: "x"})

	// Then zero broadcasts and no registry change
	req.ErrorIs(err, domain.ErrRoomMismatch)
	req.Zero(f.out.total())
	req.Len(f.reg.MembersOf("r1"), 1)
	req.Len(f.reg.MembersOf("r2"), 1)

	// And a connection that never joined anything is dropped as well
	f.relay.Open("C")
	err = f.relay.ContentUpdate(ctx, "C", domain.ContentUpdate{RoomID: "r1", Payload: "x"})
	req.ErrorIs(err, domain.ErrNotJoined)
	req.Zero(f.out.total())
}

func TestRelay_ContentUpdate_Missing_Room(t *testing.T) {
	f := newFixture()
	f.join(t, "A", "r1", "alice")
	f.out.reset()

	err := f.relay.ContentUpdate(context.Background(), "A", domain.ContentUpdate{Payload: "x"})

	require.ErrorIs(t, err, domain.ErrInvalidEvent)
	require.Zero(t, f.out.total())
}

func TestRelay_ContentUpdate_Keeps_Language_And_Order(t *testing.T) {
	req := require.New(t)
	f := newFixture()
	ctx := context.Background()
	f.join(t, "A", "r1", "alice")
	f.join(t, "B", "r1", "bob")
	f.join(t, "C", "r1", "carol")

	for i := 0; i < 50; i++ {
		req.NoError(f.relay.ContentUpdate(ctx, "A", domain.ContentUpdate{
			RoomID: "r1", Payload: fmt.Sprintf("v%d", i), LanguageTag: "python",
		}))
	}

	for _, conn := range []string{"B", "C"} {
		got := f.out.received(conn, domain.OutContentUpdate)
		req.Len(got, 50)
		for i, m := range got {
			req.Equal(fmt.Sprintf("v%d", i), m.Payload)
			req.Equal("python", m.LanguageTag)
		}
	}
	req.Empty(f.out.received("A", domain.OutContentUpdate))
}

func TestRelay_TypingNotice(t *testing.T) {
	req := require.New(t)
	f := newFixture()
	ctx := context.Background()
	f.join(t, "A", "r1", "alice")
	f.join(t, "B", "r1", "bob")

	req.NoError(f.relay.TypingNotice(ctx, "B", domain.TypingNotice{RoomID: "r1", Payload: "typing"}))

	got := f.out.received("A", domain.OutTypingNotice)
	req.Len(got, 1)
	req.Equal("bob", got[0].DisplayName)
	req.Empty(f.out.received("B", domain.OutTypingNotice))
}

func TestRelay_Skips_Gone_Peer(t *testing.T) {
	req := require.New(t)
	f := newFixture()
	ctx := context.Background()
	f.join(t, "A", "r1", "alice")
	f.join(t, "B", "r1", "bob")
	f.join(t, "C", "r1", "carol")

	// Given B's socket vanished between lookup and send
	f.out.markGone("B")

	// When A sends an update
	req.NoError(f.relay.ContentUpdate(ctx, "A", domain.ContentUpdate{RoomID: "r1", Payload: "x"}))

	// Then C still gets it
	req.Len(f.out.received("C", domain.OutContentUpdate), 1)
	req.Empty(f.out.received("B", domain.OutContentUpdate))
}

func TestRelay_Disconnect_Never_Joined(t *testing.T) {
	req := require.New(t)
	f := newFixture()
	f.join(t, "A", "r1", "alice")
	f.relay.Open("B")
	f.out.reset()

	f.relay.Disconnect(context.Background(), "B")
	f.relay.Disconnect(context.Background(), "nobody")

	req.Zero(f.out.total())
	req.Len(f.reg.MembersOf("r1"), 1)
}

func TestRelay_Disconnect_Announces_Exactly_Once(t *testing.T) {
	req := require.New(t)
	f := newFixture()
	ctx := context.Background()
	f.join(t, "A", "r1", "alice")
	f.join(t, "B", "r1", "bob")
	f.join(t, "C", "r1", "carol")
	f.out.reset()

	f.relay.Disconnect(ctx, "A")
	f.relay.Disconnect(ctx, "A")

	for _, conn := range []string{"B", "C"} {
		req.Len(f.out.received(conn, domain.OutMemberList), 1)
		req.Len(f.out.received(conn, domain.OutAnnouncement), 1)
		req.ElementsMatch([]string{"bob", "carol"}, lastMemberList(t, f.out, conn))
	}
	req.Len(f.reg.MembersOf("r1"), 2)
}

func TestRelay_Leave_Closes_Session(t *testing.T) {
	req := require.New(t)
	f := newFixture()
	ctx := context.Background()
	f.join(t, "A", "r1", "alice")
	f.join(t, "B", "r1", "bob")
	f.out.reset()

	// When alice leaves explicitly
	req.True(f.relay.Leave(ctx, "A"))

	// Then bob is told once, alice is gone from the room
	req.Equal([]string{"bob"}, lastMemberList(t, f.out, "B"))
	req.Empty(f.out.received("A", domain.OutAnnouncement))

	// And later events from alice are dropped
	req.ErrorIs(f.relay.ContentUpdate(ctx, "A", domain.ContentUpdate{RoomID: "r1", Payload: "x"}), domain.ErrNotJoined)
	req.ErrorIs(f.relay.Join(ctx, "A", domain.JoinRequest{RoomID: "r1", DisplayName: "alice"}), domain.ErrSessionClosed)

	// And the transport teardown afterwards announces nothing more
	f.out.reset()
	f.relay.Disconnect(ctx, "A")
	req.Zero(f.out.total())
}

func TestRelay_Concurrent_Joins_Same_Room(t *testing.T) {
	req := require.New(t)
	f := newFixture()
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		conn := fmt.Sprintf("c%d", i)
		f.relay.Open(conn)
		wg.Add(1)
		go func(conn string, i int) {
			defer wg.Done()
			_ = f.relay.Join(ctx, conn, domain.JoinRequest{RoomID: "r1", DisplayName: fmt.Sprintf("user-%d", i)})
		}(conn, i)
	}
	wg.Wait()

	// Then nobody is lost, and every member's latest list has everyone
	req.Len(f.reg.MembersOf("r1"), n)
	for i := 0; i < n; i++ {
		req.Len(lastMemberList(t, f.out, fmt.Sprintf("c%d", i)), n)
	}
}

func TestRelay_Quiescent_Membership_Matches_Joins(t *testing.T) {
	req := require.New(t)
	f := newFixture()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		conn := fmt.Sprintf("c%d", i)
		room := fmt.Sprintf("r%d", i%3)
		f.relay.Open(conn)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = f.relay.Join(ctx, conn, domain.JoinRequest{RoomID: room, DisplayName: conn})
			if i%2 == 0 {
				f.relay.Disconnect(ctx, conn)
			}
		}(i)
	}
	wg.Wait()

	for r := 0; r < 3; r++ {
		room := fmt.Sprintf("r%d", r)
		var want []string
		for i := r; i < 60; i += 3 {
			if i%2 != 0 {
				want = append(want, fmt.Sprintf("c%d", i))
			}
		}
		var got []string
		for _, p := range f.reg.MembersOf(room) {
			got = append(got, p.ConnectionID)
		}
		req.ElementsMatch(want, got)
	}
}

func TestRelay_Publishes_And_Delivers_Remote(t *testing.T) {
	req := require.New(t)
	f := newFixture()
	ctx := context.Background()
	pub := &fakePublisher{}
	f.relay.SetPublisher(pub, 0)
	f.join(t, "A", "r1", "alice")
	f.join(t, "B", "r1", "bob")

	req.NoError(f.relay.ContentUpdate(ctx, "A", domain.ContentUpdate{RoomID: "r1", Payload: "x"}))
	req.Len(pub.sent, 1)
	req.Equal("A", pub.from[0])
	req.Equal("x", pub.sent[0].Payload)

	// A message from another instance reaches every local member
	f.out.reset()
	f.relay.DeliverRemote(ctx, domain.Outbound{Kind: domain.OutContentUpdate, RoomID: "r1", Payload: "remote"})
	req.Len(f.out.received("A", domain.OutContentUpdate), 1)
	req.Len(f.out.received("B", domain.OutContentUpdate), 1)

	// Presence is never taken from the bus
	f.out.reset()
	f.relay.DeliverRemote(ctx, domain.Outbound{Kind: domain.OutMemberList, RoomID: "r1"})
	req.Zero(f.out.total())
}

func TestRelay_Leave_Before_Join_Is_Noop(t *testing.T) {
	req := require.New(t)
	f := newFixture()
	ctx := context.Background()
	f.join(t, "B", "r1", "bob")
	f.out.reset()

	// Given an open connection that never joined
	f.relay.Open("A")

	// When it sends leave
	left := f.relay.Leave(ctx, "A")

	// Then nothing happens and nobody is told
	req.False(left)
	req.Zero(f.out.total())
	req.Equal(1, f.reg.Len())

	// And the session is still Unjoined: a later join succeeds
	req.NoError(f.relay.Join(ctx, "A", domain.JoinRequest{RoomID: "r1", DisplayName: "alice"}))
	req.ElementsMatch([]string{"bob", "alice"}, lastMemberList(t, f.out, "B"))
}

func TestRelay_Join_Accepts_Long_Names(t *testing.T) {
	f := newFixture()
	f.relay.Open("A")

	long := strings.Repeat("n", 300)
	err := f.relay.Join(context.Background(), "A", domain.JoinRequest{RoomID: strings.Repeat("r", 300), DisplayName: long})

	require.NoError(t, err)
	p, ok := f.reg.Lookup("A")
	require.True(t, ok)
	require.Equal(t, long, p.DisplayName)
}

func TestRelay_Stalled_Publisher_Does_Not_Block_Sender(t *testing.T) {
	req := require.New(t)
	f := newFixture()
	ctx := context.Background()
	f.relay.SetPublisher(stalledPublisher{}, 50*time.Millisecond)
	f.join(t, "A", "r1", "alice")
	f.join(t, "B", "r1", "bob")

	start := time.Now()
	req.NoError(f.relay.ContentUpdate(ctx, "A", domain.ContentUpdate{RoomID: "r1", Payload: "x"}))

	// publish is cut off by its timeout; local peers got the update anyway
	req.True(time.Since(start) < 2*time.Second)
	req.Len(f.out.received("B", domain.OutContentUpdate), 1)

	// and the sender can still leave right after
	req.True(f.relay.Leave(ctx, "A"))
}
