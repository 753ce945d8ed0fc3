package server

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rotisserie/eris"

	"github.com/argus-labs/dungeon-crawler/pkg/dungeon"
	"github.com/argus-labs/dungeon-crawler/pkg/identity"
	"github.com/argus-labs/dungeon-crawler/pkg/maps"
	"github.com/argus-labs/dungeon-crawler/pkg/matchmaking"
	"github.com/argus-labs/dungeon-crawler/pkg/matchmaking/store"
	"github.com/argus-labs/dungeon-crawler/pkg/matchmaking/types"
	"github.com/argus-labs/dungeon-crawler/pkg/party"
)

type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case eris.Is(err, identity.ErrUnauthenticated):
		return fiber.StatusUnauthorized
	case eris.Is(err, matchmaking.ErrNotPartyHost), eris.Is(err, dungeon.ErrReadySecret):
		return fiber.StatusForbidden
	case eris.Is(err, maps.ErrUnknownMap),
		eris.Is(err, maps.ErrMapDisabled),
		eris.Is(err, types.ErrInvalidJoinPolicy),
		eris.Is(err, store.ErrEmptyParty),
		eris.Is(err, store.ErrPartyTooLarge),
		eris.Is(err, store.ErrInvalidMember):
		return fiber.StatusBadRequest
	case eris.Is(err, store.ErrTicketNotFound),
		eris.Is(err, dungeon.ErrSessionNotFound),
		eris.Is(err, party.ErrPartyNotFound),
		eris.Is(err, party.ErrNotMember):
		return fiber.StatusNotFound
	case eris.Is(err, store.ErrAlreadyQueued),
		eris.Is(err, party.ErrAlreadyInParty),
		eris.Is(err, party.ErrPartyFull),
		eris.Is(err, dungeon.ErrSessionEnded),
		eris.Is(err, dungeon.ErrPortMismatch):
		return fiber.StatusConflict
	default:
		return fiber.StatusInternalServerError
	}
}

func (s *Server) errorHandler(c *fiber.Ctx, err error) error {
	code := statusFor(err)
	msg := err.Error()
	if code == fiber.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", c.Path()).Msg("Request failed")
		msg = "internal server error"
	} else {
		s.log.Debug().Err(err).Str("path", c.Path()).Int("status", code).Msg("Request rejected")
	}
	return c.Status(code).JSON(errorResponse{Message: msg})
}
