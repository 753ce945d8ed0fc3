package server

import (
	"strings"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/rotisserie/eris"

	"github.com/argus-labs/dungeon-crawler/pkg/dungeon"
	dungeonstore "github.com/argus-labs/dungeon-crawler/pkg/dungeon/store"
	"github.com/argus-labs/dungeon-crawler/pkg/identity"
	"github.com/argus-labs/dungeon-crawler/pkg/maps"
	"github.com/argus-labs/dungeon-crawler/pkg/matchmaking"
	"github.com/argus-labs/dungeon-crawler/pkg/matchmaking/types"
)

// ReadySecretHeader carries the shared secret on game server callbacks.
const ReadySecretHeader = "X-Ready-Secret"

// mapRef is a map reference as clients send it: a numeric id, as a number or a string, or a key.
type mapRef string

func (r *mapRef) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = mapRef(s)
		return nil
	}
	if string(b) == "null" {
		*r = ""
		return nil
	}
	*r = mapRef(b)
	return nil
}

type queueRequest struct {
	MapID       mapRef `json:"mapId"`
	MapKey      string `json:"mapKey"`
	TicketID    string `json:"ticketId"`
	JoinPolicy  string `json:"joinPolicy"`
	AllowOthers *bool  `json:"allowOthers"`
}

func (r *queueRequest) mapReference() string {
	if r.MapID != "" {
		return string(r.MapID)
	}
	return r.MapKey
}

// policy reads joinPolicy, then the allowOthers shorthand, and defaults to Open.
func (r *queueRequest) policy() (types.JoinPolicy, error) {
	if r.JoinPolicy != "" {
		return types.ParseJoinPolicy(r.JoinPolicy)
	}
	if r.AllowOthers != nil && !*r.AllowOthers {
		return types.JoinPolicyClosed, nil
	}
	return types.JoinPolicyOpen, nil
}

type queueResponse struct {
	Success  bool             `json:"success"`
	Mode     matchmaking.Mode `json:"mode"`
	TicketID string           `json:"ticketID"`
	Message  string           `json:"message"`
}

type verifyRequest struct {
	DungeonID string `json:"dungeonId"`
	UserID    string `json:"userId"`
	Token     string `json:"token"`
	Consume   *bool  `json:"consume"`
}

type verifyResponse struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason"`
}

type endRequest struct {
	DungeonID string                 `json:"dungeonId"`
	MatchID   string                 `json:"matchId"`
	Reason    dungeonstore.EndReason `json:"reason"`
}

func (s *Server) getHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) postMatchStart(c *fiber.Ctx) error {
	token, err := bearerToken(c)
	if err != nil {
		return err
	}
	var req queueRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	def, err := s.queue.Catalog().Resolve(req.mapReference())
	if err != nil {
		return err
	}
	policy, err := req.policy()
	if err != nil {
		return err
	}

	res, err := s.queue.Enqueue(c.UserContext(), token, def.ID, policy)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(queueResponse{
		Success: true, Mode: res.Mode, TicketID: res.TicketID, Message: "queued",
	})
}

func (s *Server) postMatchCancel(c *fiber.Ctx) error {
	token, err := bearerToken(c)
	if err != nil {
		return err
	}
	var req queueRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}

	// No map cancels everywhere.
	var mapID maps.ID
	if ref := req.mapReference(); ref != "" {
		def, err := s.queue.Catalog().Resolve(ref)
		if err != nil {
			return err
		}
		mapID = def.ID
	}

	canceled, err := s.queue.Cancel(c.UserContext(), token, mapID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true, "canceled": canceled})
}

func (s *Server) postMatchRequeue(c *fiber.Ctx) error {
	token, err := bearerToken(c)
	if err != nil {
		return err
	}
	var req queueRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	if req.TicketID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "ticketId is required")
	}
	def, err := s.queue.Catalog().Resolve(req.mapReference())
	if err != nil {
		return err
	}
	policy, err := req.policy()
	if err != nil {
		return err
	}

	res, err := s.queue.Requeue(c.UserContext(), token, def.ID, req.TicketID, policy)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(queueResponse{
		Success: true, Mode: res.Mode, TicketID: res.TicketID, Message: "requeued",
	})
}

func (s *Server) getMatchQueue(c *fiber.Ctx) error {
	def, err := s.queue.Catalog().Resolve(c.Params("mapId"))
	if err != nil {
		return err
	}
	snap, ok := s.queue.Dump(def.ID)
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "queue is idle")
	}
	return c.JSON(snap)
}

func (s *Server) postDungeonReady(c *fiber.Ctx) error {
	var sig dungeon.ReadySignal
	if err := parseBody(c, &sig); err != nil {
		return err
	}
	if sig.DungeonID == "" && sig.MatchID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "dungeonId or matchId is required")
	}
	sig.Secret = c.Get(ReadySecretHeader)

	sess, err := s.dungeons.MarkReady(sig)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true, "dungeonId": sess.DungeonID, "status": sess.Status})
}

func (s *Server) postDungeonVerify(c *fiber.Ctx) error {
	var req verifyRequest
	if err := parseBody(c, &req); err != nil || req.DungeonID == "" || req.UserID == "" || req.Token == "" {
		return c.Status(fiber.StatusBadRequest).JSON(verifyResponse{Reason: "BAD_REQUEST"})
	}
	consume := req.Consume == nil || *req.Consume

	res := s.dungeons.VerifyUserToken(req.DungeonID, req.UserID, req.Token, consume)
	status := fiber.StatusOK
	if res != dungeon.VerifyOK {
		status = fiber.StatusForbidden
	}
	return c.Status(status).JSON(verifyResponse{OK: res == dungeon.VerifyOK, Reason: res.String()})
}

func (s *Server) postDungeonEnd(c *fiber.Ctx) error {
	if err := s.dungeons.CheckReadySecret(c.Get(ReadySecretHeader)); err != nil {
		return err
	}
	var req endRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	ref := req.DungeonID
	if ref == "" {
		ref = req.MatchID
	}
	if ref == "" {
		return fiber.NewError(fiber.StatusBadRequest, "dungeonId or matchId is required")
	}
	reason := req.Reason
	switch reason {
	case "":
		reason = dungeonstore.EndCompleted
	case dungeonstore.EndCompleted, dungeonstore.EndAborted, dungeonstore.EndTimeout, dungeonstore.EndCrash:
	default:
		return fiber.NewError(fiber.StatusBadRequest, "unknown end reason "+string(reason))
	}

	if _, ok := s.dungeons.Session(ref); !ok {
		return eris.Wrapf(dungeon.ErrSessionNotFound, "dungeon %q", ref)
	}
	ended := s.dungeons.EndDungeonSession(ref, reason)
	return c.JSON(fiber.Map{"success": true, "ended": ended})
}

func (s *Server) getDungeon(c *fiber.Ctx) error {
	sess, ok := s.dungeons.Session(c.Params("id"))
	if !ok {
		return eris.Wrapf(dungeon.ErrSessionNotFound, "dungeon %q", c.Params("id"))
	}
	return c.JSON(sess)
}

// bearerToken extracts the session token from "Authorization: Bearer <token>".
func bearerToken(c *fiber.Ctx) (string, error) {
	scheme, token, ok := strings.Cut(c.Get(fiber.HeaderAuthorization), " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return "", eris.Wrap(identity.ErrUnauthenticated, "missing bearer token")
	}
	return token, nil
}

// parseBody decodes a JSON body. An empty body leaves out untouched.
func parseBody(c *fiber.Ctx, out any) error {
	if len(c.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.Body(), out); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	return nil
}
