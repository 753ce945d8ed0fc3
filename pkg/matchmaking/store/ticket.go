// Package store owns the per-map matchmaking queue state.
package store

import (
	"slices"
	"strings"

	"github.com/argus-labs/dungeon-crawler/pkg/maps"
	"github.com/argus-labs/dungeon-crawler/pkg/matchmaking/types"
)

type ownerKey struct {
	mapID maps.ID
	kind  types.TicketKind
	owner string
}

type memberKey struct {
	mapID  maps.ID
	userID string
}

// ticketIndex holds live tickets with multiple indexes for efficient access. It is not
// synchronized; the owning Store holds its lock around every call.
type ticketIndex struct {
	// Primary storage - O(1) lookup by ID
	byID map[string]*types.Ticket

	// Index by (map, kind, user or party) - one active ticket per identity per map
	byOwner map[ownerKey]*types.Ticket

	// Index by (map, member) - a player is staged in at most one ticket per map
	byMember map[memberKey]*types.Ticket
}

func newTicketIndex() *ticketIndex {
	return &ticketIndex{
		byID:     make(map[string]*types.Ticket),
		byOwner:  make(map[ownerKey]*types.Ticket),
		byMember: make(map[memberKey]*types.Ticket),
	}
}

func (idx *ticketIndex) add(t *types.Ticket) {
	idx.byID[t.ID] = t
	idx.byOwner[ownerKey{t.MapID, t.Kind, t.Owner()}] = t
	for _, m := range t.Members {
		idx.byMember[memberKey{t.MapID, m}] = t
	}
}

func (idx *ticketIndex) remove(t *types.Ticket) {
	delete(idx.byID, t.ID)
	key := ownerKey{t.MapID, t.Kind, t.Owner()}
	if idx.byOwner[key] == t {
		delete(idx.byOwner, key)
	}
	for _, m := range t.Members {
		mk := memberKey{t.MapID, m}
		if idx.byMember[mk] == t {
			delete(idx.byMember, mk)
		}
	}
}

// removeMembers drops users from t without removing the ticket.
func (idx *ticketIndex) removeMembers(t *types.Ticket, users []string) {
	for _, u := range users {
		mk := memberKey{t.MapID, u}
		if idx.byMember[mk] == t {
			delete(idx.byMember, mk)
		}
	}
	t.Members = slices.DeleteFunc(t.Members, func(m string) bool {
		return slices.Contains(users, m)
	})
}

func (idx *ticketIndex) get(ticketID string) *types.Ticket {
	return idx.byID[ticketID]
}

func (idx *ticketIndex) owner(mapID maps.ID, kind types.TicketKind, owner string) *types.Ticket {
	return idx.byOwner[ownerKey{mapID, kind, owner}]
}

func (idx *ticketIndex) member(mapID maps.ID, userID string) *types.Ticket {
	return idx.byMember[memberKey{mapID, userID}]
}

// forMap returns the map's tickets ordered by creation.
func (idx *ticketIndex) forMap(mapID maps.ID) []*types.Ticket {
	var out []*types.Ticket
	for _, t := range idx.byID {
		if t.MapID == mapID {
			out = append(out, t)
		}
	}
	slices.SortFunc(out, func(a, b *types.Ticket) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}
