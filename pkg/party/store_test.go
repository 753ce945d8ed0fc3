package party

import (
	"errors"
	"slices"
	"testing"
)

func TestStore_Create(t *testing.T) {
	store := NewStore()

	p, err := store.Create("host-1", 3)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if p.ID == "" {
		t.Error("expected party ID to be set")
	}
	if p.HostID != "host-1" {
		t.Errorf("expected host host-1, got %s", p.HostID)
	}
	if !slices.Equal(p.Members, []string{"host-1"}) {
		t.Errorf("expected members to contain host, got %v", p.Members)
	}

	if _, err := store.Create("host-1", 3); !errors.Is(err, ErrAlreadyInParty) {
		t.Errorf("expected ErrAlreadyInParty, got %v", err)
	}
	if _, err := store.Create("host-2", 0); err == nil {
		t.Error("expected error for zero max size")
	}
}

func TestStore_Join(t *testing.T) {
	store := NewStore()
	p, _ := store.Create("host-1", 2)

	if err := store.Join(p.ID, "member-1"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := store.Join(p.ID, "member-2"); !errors.Is(err, ErrPartyFull) {
		t.Errorf("expected ErrPartyFull, got %v", err)
	}
	if err := store.Join(p.ID, "member-1"); !errors.Is(err, ErrAlreadyInParty) {
		t.Errorf("expected ErrAlreadyInParty, got %v", err)
	}
	if err := store.Join("missing", "member-3"); !errors.Is(err, ErrPartyNotFound) {
		t.Errorf("expected ErrPartyNotFound, got %v", err)
	}

	members, err := store.Members(p.ID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !slices.Equal(members, []string{"host-1", "member-1"}) {
		t.Errorf("unexpected members %v", members)
	}

	found, ok := store.GetByPlayer("member-1")
	if !ok || found.ID != p.ID {
		t.Error("expected to find party by member")
	}
}

func TestStore_Directory(t *testing.T) {
	store := NewStore()
	p, _ := store.Create("host-1", 3)
	_ = store.Join(p.ID, "member-1")

	if !store.IsHost(p.ID, "host-1") {
		t.Error("expected host-1 to host the party")
	}
	if store.IsHost(p.ID, "member-1") {
		t.Error("expected member-1 not to host the party")
	}
	if store.IsHost("missing", "host-1") {
		t.Error("expected unknown party to have no host")
	}
	if _, err := store.Members("missing"); !errors.Is(err, ErrPartyNotFound) {
		t.Errorf("expected ErrPartyNotFound, got %v", err)
	}

	// Returned slices are copies.
	members, _ := store.Members(p.ID)
	members[0] = "mutated"
	if !store.IsHost(p.ID, "host-1") {
		t.Error("expected store to be unaffected by caller mutation")
	}
	if again, _ := store.Members(p.ID); again[0] != "host-1" {
		t.Errorf("expected host-1 first, got %v", again)
	}
}

func TestStore_LeavePromotesHostAndRunsHooks(t *testing.T) {
	store := NewStore()
	p, _ := store.Create("host-1", 3)
	_ = store.Join(p.ID, "member-1")
	_ = store.Join(p.ID, "member-2")

	type leave struct{ party, user, host string }
	var got []leave
	store.OnLeave(func(partyID, userID, host string) {
		// Hooks may call back into the store.
		_, _ = store.Members(partyID)
		got = append(got, leave{partyID, userID, host})
	})

	disbanded, err := store.Leave(p.ID, "host-1")
	if err != nil || disbanded {
		t.Fatalf("expected party to survive, got disbanded=%v err=%v", disbanded, err)
	}
	if !store.IsHost(p.ID, "member-1") {
		t.Error("expected member-1 to be promoted")
	}

	if _, err := store.Leave(p.ID, "host-1"); !errors.Is(err, ErrNotMember) {
		t.Errorf("expected ErrNotMember, got %v", err)
	}

	_, _ = store.Leave(p.ID, "member-2")
	disbanded, _ = store.Leave(p.ID, "member-1")
	if !disbanded {
		t.Error("expected last leave to disband the party")
	}
	if store.Count() != 0 {
		t.Errorf("expected no parties, got %d", store.Count())
	}

	want := []leave{
		{p.ID, "host-1", "member-1"},
		{p.ID, "member-2", "member-1"},
		{p.ID, "member-1", ""},
	}
	if !slices.Equal(got, want) {
		t.Errorf("unexpected hook calls %v", got)
	}
}

func TestStore_SetHost(t *testing.T) {
	store := NewStore()
	p, _ := store.Create("host-1", 3)
	_ = store.Join(p.ID, "member-1")

	if err := store.SetHost(p.ID, "stranger"); !errors.Is(err, ErrNotMember) {
		t.Errorf("expected ErrNotMember, got %v", err)
	}
	if err := store.SetHost(p.ID, "member-1"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !store.IsHost(p.ID, "member-1") {
		t.Error("expected member-1 to host the party")
	}
}
