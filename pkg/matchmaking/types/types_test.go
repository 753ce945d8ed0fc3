package types_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-labs/dungeon-crawler/pkg/matchmaking/types"
)

func TestParseJoinPolicy(t *testing.T) {
	t.Parallel()

	p, err := types.ParseJoinPolicy("closed")
	require.NoError(t, err)
	assert.Equal(t, types.JoinPolicyClosed, p)

	p, err = types.ParseJoinPolicy(" Open ")
	require.NoError(t, err)
	assert.Equal(t, types.JoinPolicyOpen, p)

	_, err = types.ParseJoinPolicy("friends-only")
	require.ErrorIs(t, err, types.ErrInvalidJoinPolicy)
}

func TestJoinPolicy_Text(t *testing.T) {
	t.Parallel()

	text, err := types.JoinPolicyClosed.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "Closed", string(text))

	var p types.JoinPolicy
	require.NoError(t, p.UnmarshalText([]byte("OPEN")))
	assert.Equal(t, types.JoinPolicyOpen, p)

	_, err = types.JoinPolicy(9).MarshalText()
	require.Error(t, err)
}

func TestMatch_Clone(t *testing.T) {
	t.Parallel()

	m := &types.Match{
		ID: "m1",
		Teams: []types.Team{
			{ID: "t1", Members: []string{"a", "b", "c"}, Tickets: []string{"x"}},
			{ID: "t2", Members: []string{"d"}, Tickets: []string{"y"}},
		},
	}
	c := m.Clone()
	c.Teams[0].Members[0] = "zzz"

	assert.Equal(t, "a", m.Teams[0].Members[0])
	assert.Equal(t, []string{"a", "b", "c", "d"}, m.Members())
	assert.Equal(t, 4, m.TotalPlayers())

	team, ok := m.TeamOf("d")
	require.True(t, ok)
	assert.Equal(t, "t2", team.ID)
	_, ok = m.TeamOf("nobody")
	assert.False(t, ok)
}
