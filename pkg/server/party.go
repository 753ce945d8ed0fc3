package server

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/rotisserie/eris"

	"github.com/argus-labs/dungeon-crawler/pkg/identity"
	"github.com/argus-labs/dungeon-crawler/pkg/matchmaking/types"
	"github.com/argus-labs/dungeon-crawler/pkg/party"
)

// Parties manages party membership for deployments without an external party service.
type Parties interface {
	Create(hostID string, maxSize int) (party.Party, error)
	Join(partyID, playerID string) error
	Leave(partyID, playerID string) (bool, error)
	Get(partyID string) (party.Party, bool)
	GetByPlayer(playerID string) (party.Party, bool)
}

// Identities resolves session tokens for the party routes.
type Identities interface {
	Resolve(ctx context.Context, sessionToken string) (identity.Identity, error)
}

type partyRequest struct {
	PartyID string `json:"partyId"`
	MaxSize int    `json:"maxSize"`
}

func (s *Server) caller(c *fiber.Ctx) (identity.Identity, error) {
	token, err := bearerToken(c)
	if err != nil {
		return identity.Identity{}, err
	}
	return s.identities.Resolve(c.UserContext(), token)
}

func (s *Server) postPartyCreate(c *fiber.Ctx) error {
	who, err := s.caller(c)
	if err != nil {
		return err
	}
	var req partyRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	if req.MaxSize == 0 {
		req.MaxSize = types.TeamMax
	}

	p, err := s.parties.Create(who.Username, req.MaxSize)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(p)
}

func (s *Server) postPartyJoin(c *fiber.Ctx) error {
	who, err := s.caller(c)
	if err != nil {
		return err
	}
	var req partyRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	if req.PartyID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "partyId is required")
	}

	if err := s.parties.Join(req.PartyID, who.Username); err != nil {
		return err
	}
	p, ok := s.parties.Get(req.PartyID)
	if !ok {
		return eris.Wrapf(party.ErrPartyNotFound, "party %s", req.PartyID)
	}
	return c.JSON(p)
}

func (s *Server) postPartyLeave(c *fiber.Ctx) error {
	who, err := s.caller(c)
	if err != nil {
		return err
	}
	if who.PartyID == "" {
		return eris.Wrapf(party.ErrNotMember, "player %s", who.Username)
	}

	disbanded, err := s.parties.Leave(who.PartyID, who.Username)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true, "disbanded": disbanded})
}

func (s *Server) getPartyMe(c *fiber.Ctx) error {
	who, err := s.caller(c)
	if err != nil {
		return err
	}
	p, ok := s.parties.GetByPlayer(who.Username)
	if !ok {
		return eris.Wrapf(party.ErrNotMember, "player %s", who.Username)
	}
	return c.JSON(p)
}
