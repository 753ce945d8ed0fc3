package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-labs/dungeon-crawler/pkg/maps"
	"github.com/argus-labs/dungeon-crawler/pkg/matchmaking/types"
)

const testMap = maps.GoblinCave

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type launchRecorder struct {
	matches []*types.Match
}

func (r *launchRecorder) handle(m *types.Match) { r.matches = append(r.matches, m) }

func newTestStore(t *testing.T) (*Store, *fakeClock, *launchRecorder) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	rec := &launchRecorder{}
	s := New(maps.Default(), WithClock(clock.Now), WithLaunchHandler(rec.handle))
	return s, clock, rec
}

func enqueueSolo(t *testing.T, s *Store, user string, policy types.JoinPolicy) EnqueueResult {
	t.Helper()
	res, err := s.EnqueueSolo(testMap, user, policy)
	require.NoError(t, err)
	require.NotEmpty(t, res.TicketID)
	checkInvariants(t, s)
	return res
}

func enqueueParty(t *testing.T, s *Store, party string, members []string, policy types.JoinPolicy) EnqueueResult {
	t.Helper()
	res, err := s.EnqueueParty(testMap, party, members, policy)
	require.NoError(t, err)
	checkInvariants(t, s)
	return res
}

func dump(t *testing.T, s *Store) Snapshot {
	t.Helper()
	snap, ok := s.Dump(testMap)
	require.True(t, ok, "map should be active")
	return snap
}

func TestStore_SoloOpenFillsTeam(t *testing.T) {
	s, clock, rec := newTestStore(t)

	enqueueSolo(t, s, "A", types.JoinPolicyOpen)
	snap := dump(t, s)
	require.Len(t, snap.PartialTeams, 1)
	assert.Equal(t, 2, snap.PartialTeams[0].Remaining)

	clock.Advance(time.Second)
	enqueueSolo(t, s, "B", types.JoinPolicyOpen)
	snap = dump(t, s)
	require.Len(t, snap.PartialTeams, 1)
	assert.Equal(t, []string{"A", "B"}, snap.PartialTeams[0].Members)
	assert.Equal(t, 1, snap.PartialTeams[0].Remaining)

	clock.Advance(time.Second)
	res := enqueueSolo(t, s, "C", types.JoinPolicyOpen)
	assert.Empty(t, res.Launched)

	snap = dump(t, s)
	assert.Empty(t, snap.PartialTeams)
	assert.Empty(t, snap.ReadyTeams)
	require.NotNil(t, snap.CurrentMatch)
	require.Len(t, snap.CurrentMatch.Teams, 1)
	assert.Equal(t, []string{"A", "B", "C"}, snap.CurrentMatch.Teams[0].Members)
	assert.Empty(t, rec.matches)
}

func TestStore_ClosedSoloCompletesMatch(t *testing.T) {
	s, _, rec := newTestStore(t)

	for _, u := range []string{"A", "B", "C"} {
		enqueueSolo(t, s, u, types.JoinPolicyOpen)
	}
	res := enqueueSolo(t, s, "D", types.JoinPolicyClosed)

	require.Len(t, res.Launched, 1)
	m := res.Launched[0]
	assert.Equal(t, testMap, m.MapID)
	require.Len(t, m.Teams, types.TeamsPerMatchMax)
	assert.Equal(t, []string{"A", "B", "C"}, m.Teams[0].Members)
	assert.Equal(t, []string{"D"}, m.Teams[1].Members)

	require.Len(t, rec.matches, 1)
	assert.Equal(t, m.ID, rec.matches[0].ID)

	_, ok := s.Dump(testMap)
	assert.False(t, ok, "drained map should be collected")
	assert.Empty(t, s.ActiveMaps())
	assert.Empty(t, s.TicketsForUser("A"), "tickets are consumed at launch")
}

func TestStore_PartyThenSoloPromotes(t *testing.T) {
	s, _, _ := newTestStore(t)

	enqueueParty(t, s, "P", []string{"x", "y"}, types.JoinPolicyOpen)
	snap := dump(t, s)
	require.Len(t, snap.PartialTeams, 1)
	assert.Equal(t, 1, snap.PartialTeams[0].Remaining)

	enqueueSolo(t, s, "E", types.JoinPolicyOpen)
	snap = dump(t, s)
	assert.Empty(t, snap.PartialTeams)
	require.NotNil(t, snap.CurrentMatch)
	assert.Equal(t, []string{"x", "y", "E"}, snap.CurrentMatch.Teams[0].Members)
}

func TestStore_ClosedTeamShrinksWithoutReverting(t *testing.T) {
	s, _, _ := newTestStore(t)

	enqueueParty(t, s, "D", []string{"d1", "d2", "d3"}, types.JoinPolicyClosed)
	require.True(t, s.RemoveMember(testMap, "d2"))
	checkInvariants(t, s)

	snap := dump(t, s)
	assert.Empty(t, snap.PartialTeams)
	require.NotNil(t, snap.CurrentMatch)
	require.Len(t, snap.CurrentMatch.Teams, 1)
	assert.Equal(t, []string{"d1", "d3"}, snap.CurrentMatch.Teams[0].Members)

	// A reduced closed team still launches as-is.
	res := enqueueSolo(t, s, "solo", types.JoinPolicyClosed)
	require.Len(t, res.Launched, 1)
	assert.Equal(t, []string{"d1", "d3"}, res.Launched[0].Teams[0].Members)
}

func TestStore_ClosedPartyIsOwnTeam(t *testing.T) {
	s, _, _ := newTestStore(t)

	enqueueSolo(t, s, "A", types.JoinPolicyOpen)
	enqueueParty(t, s, "P", []string{"p1", "p2"}, types.JoinPolicyClosed)

	snap := dump(t, s)
	require.Len(t, snap.PartialTeams, 1)
	assert.Equal(t, []string{"A"}, snap.PartialTeams[0].Members, "closed party must not merge")
	require.NotNil(t, snap.CurrentMatch)
	assert.Equal(t, []string{"p1", "p2"}, snap.CurrentMatch.Teams[0].Members)
}

func TestStore_OldestFitFairness(t *testing.T) {
	s, clock, _ := newTestStore(t)

	enqueueParty(t, s, "A", []string{"a1", "a2"}, types.JoinPolicyOpen)
	clock.Advance(time.Second)
	enqueueParty(t, s, "B", []string{"b1", "b2"}, types.JoinPolicyOpen)
	clock.Advance(time.Second)

	snap := dump(t, s)
	require.Len(t, snap.PartialTeams, 2)

	// Both partials can host a single player; the older one must win.
	enqueueSolo(t, s, "s", types.JoinPolicyOpen)
	snap = dump(t, s)
	require.Len(t, snap.PartialTeams, 1)
	assert.Equal(t, []string{"b1", "b2"}, snap.PartialTeams[0].Members)
	require.NotNil(t, snap.CurrentMatch)
	assert.Equal(t, []string{"a1", "a2", "s"}, snap.CurrentMatch.Teams[0].Members)
}

func TestStore_OldestFitSkipsTeamsTooSmallForBlock(t *testing.T) {
	s, clock, _ := newTestStore(t)

	enqueueParty(t, s, "A", []string{"a1", "a2"}, types.JoinPolicyOpen)
	clock.Advance(time.Second)
	enqueueParty(t, s, "B", []string{"b1", "b2"}, types.JoinPolicyOpen)
	clock.Advance(time.Second)
	require.True(t, s.RemoveMember(testMap, "b2"))
	checkInvariants(t, s)

	enqueueParty(t, s, "C", []string{"c1", "c2"}, types.JoinPolicyOpen)

	snap := dump(t, s)
	require.Len(t, snap.PartialTeams, 1)
	assert.Equal(t, []string{"a1", "a2"}, snap.PartialTeams[0].Members)
	require.NotNil(t, snap.CurrentMatch)
	assert.Equal(t, []string{"b1", "c1", "c2"}, snap.CurrentMatch.Teams[0].Members)
}

func TestStore_FullPartyBecomesReady(t *testing.T) {
	s, _, _ := newTestStore(t)

	enqueueSolo(t, s, "A", types.JoinPolicyOpen)
	enqueueParty(t, s, "P", []string{"p1", "p2", "p3"}, types.JoinPolicyOpen)

	snap := dump(t, s)
	require.Len(t, snap.PartialTeams, 1)
	assert.Equal(t, []string{"A"}, snap.PartialTeams[0].Members)
	require.NotNil(t, snap.CurrentMatch)
	assert.Equal(t, []string{"p1", "p2", "p3"}, snap.CurrentMatch.Teams[0].Members)
}

func TestStore_EnqueueIsIdempotent(t *testing.T) {
	s, _, _ := newTestStore(t)

	first := enqueueSolo(t, s, "A", types.JoinPolicyOpen)
	second := enqueueSolo(t, s, "A", types.JoinPolicyOpen)
	assert.NotEqual(t, first.TicketID, second.TicketID)

	snap := dump(t, s)
	require.Len(t, snap.Tickets, 1)
	assert.Equal(t, second.TicketID, snap.Tickets[0].TicketID)
	require.Len(t, snap.PartialTeams, 1)
	assert.Equal(t, []string{"A"}, snap.PartialTeams[0].Members)

	_, ok := s.Ticket(first.TicketID)
	assert.False(t, ok)
}

func TestStore_PartyEnqueueReplacesMemberTickets(t *testing.T) {
	s, _, _ := newTestStore(t)

	enqueueSolo(t, s, "m1", types.JoinPolicyOpen)
	enqueueParty(t, s, "old", []string{"m2", "z"}, types.JoinPolicyOpen)
	enqueueParty(t, s, "P", []string{"m1", "m2"}, types.JoinPolicyOpen)

	snap := dump(t, s)
	owners := make(map[string][]string)
	for _, tk := range snap.Tickets {
		owners[tk.Owner] = tk.Members
	}
	assert.Equal(t, map[string][]string{"old": {"z"}, "P": {"m1", "m2"}}, owners)
}

func TestStore_ValidateBeforeMutate(t *testing.T) {
	catalog, err := maps.NewCatalog(
		maps.Def{ID: 1, Key: "open", Enabled: true},
		maps.Def{ID: 2, Key: "shut", Enabled: false},
	)
	require.NoError(t, err)
	s := New(catalog)

	_, err = s.EnqueueSolo(3, "A", types.JoinPolicyOpen)
	require.ErrorIs(t, err, maps.ErrUnknownMap)

	_, err = s.EnqueueSolo(2, "A", types.JoinPolicyOpen)
	require.ErrorIs(t, err, maps.ErrMapDisabled)

	_, err = s.EnqueueParty(1, "P", []string{"a", "b", "c", "d"}, types.JoinPolicyOpen)
	require.ErrorIs(t, err, ErrPartyTooLarge)

	_, err = s.EnqueueParty(1, "P", nil, types.JoinPolicyOpen)
	require.ErrorIs(t, err, ErrEmptyParty)

	_, err = s.EnqueueParty(1, "P", []string{"a", "a"}, types.JoinPolicyOpen)
	require.ErrorIs(t, err, ErrInvalidMember)

	_, err = s.EnqueueSolo(1, "", types.JoinPolicyOpen)
	require.ErrorIs(t, err, ErrInvalidMember)

	_, err = s.EnqueueSolo(1, "A", types.JoinPolicy(7))
	require.ErrorIs(t, err, types.ErrInvalidJoinPolicy)

	assert.Empty(t, s.ActiveMaps(), "rejected requests must not leave state behind")

	_, err = s.EnqueueParty(1, "P", []string{"a", "b"}, types.JoinPolicyOpen)
	require.NoError(t, err)
	_, err = s.EnqueueSolo(1, "a", types.JoinPolicyOpen)
	require.ErrorIs(t, err, ErrAlreadyQueued)

	snap, ok := s.Dump(1)
	require.True(t, ok)
	require.Len(t, snap.Tickets, 1)
	assert.Equal(t, []string{"a", "b"}, snap.Tickets[0].Members)
}

func TestStore_CancelSoleReadyMemberDeletesTeam(t *testing.T) {
	s, _, _ := newTestStore(t)

	enqueueSolo(t, s, "D", types.JoinPolicyClosed)
	assert.True(t, s.CancelSolo(testMap, "D"))
	checkInvariants(t, s)

	_, ok := s.Dump(testMap)
	assert.False(t, ok)
	assert.False(t, s.CancelSolo(testMap, "D"), "second cancel is a no-op")
}

func TestStore_CancelFromOpenReadyTeamReverts(t *testing.T) {
	s, _, _ := newTestStore(t)

	for _, u := range []string{"A", "B", "C"} {
		enqueueSolo(t, s, u, types.JoinPolicyOpen)
	}
	require.True(t, s.CancelSolo(testMap, "B"))
	checkInvariants(t, s)

	snap := dump(t, s)
	assert.Nil(t, snap.CurrentMatch)
	require.Len(t, snap.PartialTeams, 1)
	assert.Equal(t, []string{"A", "C"}, snap.PartialTeams[0].Members)
	assert.Equal(t, 1, snap.PartialTeams[0].Remaining)

	// The reverted team accepts merges again.
	enqueueSolo(t, s, "E", types.JoinPolicyOpen)
	snap = dump(t, s)
	require.NotNil(t, snap.CurrentMatch)
	assert.Equal(t, []string{"A", "C", "E"}, snap.CurrentMatch.Teams[0].Members)
}

func TestStore_CancelOpenPartyLeavesClosedTeam(t *testing.T) {
	s, _, _ := newTestStore(t)

	enqueueSolo(t, s, "closed", types.JoinPolicyClosed)
	enqueueParty(t, s, "P", []string{"p1", "p2"}, types.JoinPolicyOpen)
	require.True(t, s.CancelParty(testMap, "P"))
	checkInvariants(t, s)

	snap := dump(t, s)
	require.NotNil(t, snap.CurrentMatch)
	assert.Equal(t, []string{"closed"}, snap.CurrentMatch.Teams[0].Members)
	assert.Empty(t, snap.PartialTeams)
}

func TestStore_CancelTicket(t *testing.T) {
	s, _, _ := newTestStore(t)

	res := enqueueParty(t, s, "P", []string{"p1", "p2"}, types.JoinPolicyOpen)
	assert.False(t, s.CancelTicket(maps.ForgottenCastle, res.TicketID), "wrong map")
	assert.False(t, s.CancelTicket(testMap, "missing"))
	assert.True(t, s.CancelTicket(testMap, res.TicketID))
	checkInvariants(t, s)
	assert.Empty(t, s.ActiveMaps())
}

func TestStore_CancelFromCurrentMatchKeepsAgingClock(t *testing.T) {
	s, clock, _ := newTestStore(t)

	enqueueParty(t, s, "D", []string{"d1", "d2", "d3"}, types.JoinPolicyClosed)
	started := dump(t, s).CurrentMatch.CreatedAt

	clock.Advance(10 * time.Second)
	require.True(t, s.RemoveMember(testMap, "d1"))

	snap := dump(t, s)
	require.NotNil(t, snap.CurrentMatch)
	assert.Equal(t, started, snap.CurrentMatch.CreatedAt)
}

func TestStore_FlushIfStale(t *testing.T) {
	s, clock, rec := newTestStore(t)

	assert.Nil(t, s.FlushIfStale(testMap, time.Second, 1), "idle map")

	enqueueSolo(t, s, "A", types.JoinPolicyOpen)
	clock.Advance(time.Hour)
	assert.Nil(t, s.FlushIfStale(testMap, time.Second, 1), "partial teams alone never flush")

	enqueueSolo(t, s, "D", types.JoinPolicyClosed)
	clock.Advance(29 * time.Second)
	assert.Nil(t, s.FlushIfStale(testMap, 30*time.Second, 1), "too fresh")
	clock.Advance(time.Second)
	assert.Nil(t, s.FlushIfStale(testMap, 30*time.Second, 2), "too few teams")

	m := s.FlushIfStale(testMap, 30*time.Second, 0)
	require.NotNil(t, m)
	require.Len(t, m.Teams, 1)
	assert.Equal(t, []string{"D"}, m.Teams[0].Members)
	require.Len(t, rec.matches, 1)
	checkInvariants(t, s)

	// The open partial stays queued.
	snap := dump(t, s)
	require.Len(t, snap.PartialTeams, 1)
	assert.Nil(t, snap.CurrentMatch)
}

func TestStore_RequeueWithPolicy(t *testing.T) {
	s, _, _ := newTestStore(t)

	enqueueSolo(t, s, "A", types.JoinPolicyOpen)
	res := enqueueParty(t, s, "P", []string{"p1", "p2"}, types.JoinPolicyOpen)

	snap := dump(t, s)
	assert.Empty(t, snap.PartialTeams)
	assert.Equal(t, []string{"A", "p1", "p2"}, snap.CurrentMatch.Teams[0].Members)

	requeued, err := s.RequeueWithPolicy(testMap, res.TicketID, types.JoinPolicyClosed)
	require.NoError(t, err)
	checkInvariants(t, s)
	assert.NotEqual(t, res.TicketID, requeued.TicketID)

	tk, ok := s.Ticket(requeued.TicketID)
	require.True(t, ok)
	assert.Equal(t, types.JoinPolicyClosed, tk.Policy)
	assert.Equal(t, "P", tk.PartyID)

	snap = dump(t, s)
	require.Len(t, snap.PartialTeams, 1)
	assert.Equal(t, []string{"A"}, snap.PartialTeams[0].Members)
	assert.Equal(t, []string{"p1", "p2"}, snap.CurrentMatch.Teams[0].Members)

	_, err = s.RequeueWithPolicy(testMap, res.TicketID, types.JoinPolicyOpen)
	require.ErrorIs(t, err, ErrTicketNotFound)
}

func TestStore_LaunchHandlerMayReenter(t *testing.T) {
	var s *Store
	var seen []maps.ID
	s = New(maps.Default(), WithLaunchHandler(func(m *types.Match) {
		seen = append(seen, s.ActiveMaps()...)
		_, _ = s.EnqueueSolo(m.MapID, "after-launch", types.JoinPolicyOpen)
	}))

	_, err := s.EnqueueSolo(testMap, "A", types.JoinPolicyClosed)
	require.NoError(t, err)
	_, err = s.EnqueueSolo(testMap, "B", types.JoinPolicyClosed)
	require.NoError(t, err)

	assert.Empty(t, seen)
	snap, ok := s.Dump(testMap)
	require.True(t, ok)
	assert.Equal(t, []string{"after-launch"}, snap.StagedMembers())
}

func TestStore_MapsAreIndependent(t *testing.T) {
	s, _, _ := newTestStore(t)

	_, err := s.EnqueueSolo(maps.GoblinCave, "A", types.JoinPolicyOpen)
	require.NoError(t, err)
	_, err = s.EnqueueSolo(maps.ForgottenCastle, "A", types.JoinPolicyOpen)
	require.NoError(t, err)
	checkInvariants(t, s)

	assert.Equal(t, []maps.ID{maps.GoblinCave, maps.ForgottenCastle}, s.ActiveMaps())
	assert.Len(t, s.TicketsForUser("A"), 2)

	assert.True(t, s.CancelSolo(maps.GoblinCave, "A"))
	assert.Equal(t, []maps.ID{maps.ForgottenCastle}, s.ActiveMaps())
}
