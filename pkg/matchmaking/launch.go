package matchmaking

import (
	"context"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/argus-labs/dungeon-crawler/pkg/dungeon"
	dungeonstore "github.com/argus-labs/dungeon-crawler/pkg/dungeon/store"
	"github.com/argus-labs/dungeon-crawler/pkg/matchmaking/types"
	"github.com/argus-labs/dungeon-crawler/pkg/notify"
	"github.com/argus-labs/dungeon-crawler/pkg/protocol"
	"github.com/argus-labs/dungeon-crawler/pkg/telemetry/sentry"
)

// queueLaunch is the store's launch handler. Matches are parked until the operation that formed
// them has sent its own notifications, so players see QueueJoined before MatchAssigned.
func (m *Manager) queueLaunch(match *types.Match) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, match)
}

// mutate runs fn, which changes the queue and sends the notifications it owes, then launches the
// matches fn completed. Operations are serialized on opMu, so the parked matches taken here are
// always the ones fn formed.
func (m *Manager) mutate(fn func()) {
	m.opMu.Lock()
	fn()
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()
	m.opMu.Unlock()

	for _, match := range pending {
		m.launch(match)
	}
}

// launch tells every member they have a match, starts its dungeon and waits for it in the
// background.
func (m *Manager) launch(match *types.Match) {
	ctx, span := m.tracer.Start(m.ctx, "matchmaking.launch", trace.WithAttributes(
		attribute.String("match_id", match.ID),
		attribute.String("map_id", match.MapID.String()),
		attribute.Int("teams", len(match.Teams)),
		attribute.Int("players", match.TotalPlayers()),
	))

	log := m.logger.With().Str("match_id", match.ID).Stringer("map_id", match.MapID).Logger()
	log.Info().Int("teams", len(match.Teams)).Strs("members", match.Members()).Msg("Match formed")

	for _, team := range match.Teams {
		notify.SendToUsers(ctx, m.notifier, team.Members, protocol.MatchAssigned{
			MatchID:  match.ID,
			MapID:    match.MapID,
			TeamID:   team.ID,
			TeamSize: len(team.Members),
		})
	}

	res, err := m.dungeons.StartMatch(ctx, match)
	if err != nil {
		m.fail(ctx, span, match, err)
		span.End()
		return
	}
	span.SetAttributes(attribute.String("dungeon_id", res.DungeonID), attribute.Int("port", res.Port))

	m.launches.Add(1)
	go func() {
		defer m.launches.Done()
		defer span.End()
		m.awaitReady(ctx, span, match, res)
	}()
}

func (m *Manager) awaitReady(ctx context.Context, span trace.Span, match *types.Match, res dungeon.StartResult) {
	sess, err := m.dungeons.WhenReady(ctx, res.DungeonID, m.opts.ReadyTimeout)
	if err != nil {
		m.fail(ctx, span, match, err)
		m.dungeons.EndDungeonSession(res.DungeonID, dungeonstore.EndAborted)
		return
	}

	for _, team := range match.Teams {
		for _, user := range team.Members {
			cred, ok := res.Credentials[user]
			if !ok {
				m.logger.Error().Str("match_id", match.ID).Str("user_id", user).Msg("Missing join credential")
				continue
			}
			m.notifier.SendToUser(ctx, user, protocol.DungeonReady{
				Host:      sess.Host,
				Port:      sess.Port,
				DungeonID: res.DungeonID,
				MatchID:   match.ID,
				TeamID:    cred.TeamID,
				TeamSize:  cred.TeamSize,
				JoinToken: cred.Token,
			})
		}
	}

	m.logger.Info().
		Str("match_id", match.ID).
		Str("dungeon_id", res.DungeonID).
		Str("server_addr", res.ServerAddr).
		Msg("Dungeon ready sent")
}

// fail tells every member the match could not be hosted.
func (m *Manager) fail(ctx context.Context, span trace.Span, match *types.Match, err error) {
	code := failureCode(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, code)
	if code == protocol.CodeInternal && ctx.Err() == nil {
		sentry.CaptureExceptionWithTags(ctx, err, map[string]string{
			"match_id": match.ID,
			"map_id":   match.MapID.String(),
		})
	}

	notify.SendToUsers(ctx, m.notifier, match.Members(), protocol.MatchFailed{
		MatchID: match.ID,
		MapID:   match.MapID,
		Reason:  err.Error(),
		Code:    code,
	})
	m.logger.Warn().
		Err(err).
		Str("match_id", match.ID).
		Stringer("map_id", match.MapID).
		Str("code", code).
		Msg("Match failed")
}

func failureCode(err error) string {
	switch {
	case eris.Is(err, dungeon.ErrPortsExhausted):
		return protocol.CodePortsExhausted
	case eris.Is(err, dungeon.ErrReadyTimeout):
		return protocol.CodeReadyTimeout
	case eris.Is(err, dungeon.ErrSessionEnded):
		return protocol.CodeDungeonEnded
	default:
		return protocol.CodeInternal
	}
}
