package model

import "testing"

func TestClampPlayerLimit(t *testing.T) {
	cases := map[int]int{1: MinPlayers, 2: 2, 64: 64, 65: MaxPlayers, 1000: MaxPlayers}
	for in, want := range cases {
		if got := ClampPlayerLimit(in); got != want {
			t.Errorf("ClampPlayerLimit(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestClampNTeams(t *testing.T) {
	if got := ClampNTeams(1); got != MinTeams {
		t.Errorf("ClampNTeams(1) = %d, want %d", got, MinTeams)
	}
	if got := ClampNTeams(20); got != MaxTeams {
		t.Errorf("ClampNTeams(20) = %d, want %d (bounded by the global team cap, not player_limit)", got, MaxTeams)
	}
	if got := ClampNTeams(4); got != 4 {
		t.Errorf("ClampNTeams(4) = %d, want 4", got)
	}
}

func TestClampSecs(t *testing.T) {
	if got := ClampSecs(30); got != 30 {
		t.Errorf("ClampSecs(30) = %d, want 30", got)
	}
	if got := ClampSecs(31); got != 30 {
		t.Errorf("ClampSecs(31) = %d, want 30 (snapped down)", got)
	}
	if got := ClampSecs(5); got != MinSecs {
		t.Errorf("ClampSecs(5) = %d, want %d", got, MinSecs)
	}
}

func TestGameSessionTeamOf(t *testing.T) {
	g := GameSession{Teams: [][]string{{"a", "b"}, {"c"}}}
	if got := g.TeamOf("c"); got != 1 {
		t.Errorf("TeamOf(c) = %d, want 1", got)
	}
	if got := g.TeamOf("z"); got != -1 {
		t.Errorf("TeamOf(z) = %d, want -1 (observer)", got)
	}
}

func TestMapMatchesFilter(t *testing.T) {
	m := Map{LengthSecs: 45, Difficulty: 2}
	if !m.MatchesFilter(30, 60, 3) {
		t.Error("expected map to match filter")
	}
	if m.MatchesFilter(30, 60, 1) {
		t.Error("expected map to fail difficulty filter")
	}
}
