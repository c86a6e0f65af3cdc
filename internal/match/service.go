package match

import (
	"context"
	"log"
	"time"

	"github.com/veilchat/veil/internal/entitlement"
	"github.com/veilchat/veil/internal/protocol"
	"github.com/veilchat/veil/internal/queue"
	"github.com/veilchat/veil/internal/room"
	"github.com/veilchat/veil/internal/stats"
)

const sweepInterval = 2 * time.Second

// Config holds service tuning parameters.
type Config struct {
	// DailyLimit is the number of free matches per rolling 24h window for
	// non-premium users.
	DailyLimit int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{DailyLimit: 20}
}

// Service is the event-facing core: it gates match requests through
// entitlements, manages queue membership, and triggers matcher sweeps. Every
// public method is a fault boundary — store failures are logged and degrade
// to "no match this attempt", never to a crash or a silently stuck user.
type Service struct {
	queues  *queue.Manager
	rooms   *room.Manager
	matcher *Matcher
	ents    *entitlement.Service
	gw      room.Gateway
	cfg     Config
}

// NewService creates the matching service.
func NewService(queues *queue.Manager, rooms *room.Manager, matcher *Matcher, ents *entitlement.Service, gw room.Gateway, cfg Config) *Service {
	return &Service{
		queues:  queues,
		rooms:   rooms,
		matcher: matcher,
		ents:    ents,
		gw:      gw,
		cfg:     cfg,
	}
}

// RequestMatch handles a find_match event. Gender-filtered requests must name
// a concrete gender on both sides and require premium; plain requests are
// gated by the daily free-match limit. Denials are explicit and immediate
// (error / payment_required / limit_reached). On
// acceptance the connection is enqueued — after being removed from every
// other queue — and a sweep runs right away.
func (s *Service) RequestMatch(ctx context.Context, connID, stableID, interest, mode, gender, lookingFor string) {
	gendered := RequiresEntitlement(lookingFor)

	if gendered {
		if !ValidFilterGender(gender) || !ValidFilterGender(lookingFor) {
			s.gw.SendTo(connID, protocol.TypeError, protocol.ErrorMsg{
				Code: "invalid_request", Message: "gender and looking_for must be male or female",
			})
			return
		}

		premium, err := s.ents.IsPremium(ctx, stableID)
		if err != nil {
			log.Printf("[matchsvc] premium check %s: %v", stableID, err)
			s.gw.SendTo(connID, protocol.TypeError, protocol.ErrorMsg{
				Code: "unavailable", Message: "matching temporarily unavailable",
			})
			return
		}
		if !premium {
			s.gw.SendTo(connID, protocol.TypePaymentRequired, protocol.PaymentRequiredMsg{
				Feature: "gender_filter",
			})
			return
		}
	}

	eligible, err := s.ents.CheckEligible(ctx, stableID, s.cfg.DailyLimit)
	if err != nil {
		log.Printf("[matchsvc] eligibility check %s: %v", stableID, err)
		s.gw.SendTo(connID, protocol.TypeError, protocol.ErrorMsg{
			Code: "unavailable", Message: "matching temporarily unavailable",
		})
		return
	}
	if !eligible {
		s.gw.SendTo(connID, protocol.TypeLimitReached, protocol.LimitReachedMsg{
			DailyLimit: s.cfg.DailyLimit,
		})
		return
	}

	// A connection sits in at most one queue: clear out every previous
	// entry before enqueueing (also defuses double-send races).
	if _, err := s.queues.RemoveEverywhere(ctx, connID); err != nil {
		log.Printf("[matchsvc] remove everywhere %s: %v", connID, err)
	}

	if gendered {
		// Cross-indexing: wait under your own gender so opposite seekers
		// can find you; search the queue keyed by your target's gender.
		own := queue.Gendered(gender, interest)
		target := queue.Gendered(lookingFor, interest)

		if err := s.queues.Enqueue(ctx, connID, own); err != nil {
			log.Printf("[matchsvc] enqueue %s to %s: %v", connID, own.Key(), err)
			return
		}
		s.gw.SendTo(connID, protocol.TypeMatchingStarted, protocol.MatchingStartedMsg{Interest: interest})

		if _, err := s.matcher.TryMatchFor(ctx, room.Participant{ConnID: connID, StableID: stableID}, target, own); err != nil {
			log.Printf("[matchsvc] gendered sweep %s: %v", target.Key(), err)
		}
		return
	}

	p := queue.Plain(interest)
	if err := s.queues.Enqueue(ctx, connID, p); err != nil {
		log.Printf("[matchsvc] enqueue %s to %s: %v", connID, p.Key(), err)
		return
	}
	s.gw.SendTo(connID, protocol.TypeMatchingStarted, protocol.MatchingStartedMsg{Interest: interest})

	if _, err := s.matcher.TryMatch(ctx, p); err != nil {
		log.Printf("[matchsvc] sweep %s: %v", p.Key(), err)
	}
}

// Cancel removes the connection from every queue without ending any session.
func (s *Service) Cancel(ctx context.Context, connID string) {
	if _, err := s.queues.RemoveEverywhere(ctx, connID); err != nil {
		log.Printf("[matchsvc] cancel %s: %v", connID, err)
	}
}

// Skip ends the connection's active session (if any) and evicts it from all
// queues. The surviving partner is not requeued automatically; the client
// issues a fresh find_match.
func (s *Service) Skip(ctx context.Context, connID string) {
	s.rooms.EndFor(connID, room.ReasonSkipped)
	if _, err := s.queues.RemoveEverywhere(ctx, connID); err != nil {
		log.Printf("[matchsvc] skip eviction %s: %v", connID, err)
	}
}

// Disconnect handles a dropped connection: its room ends immediately (no
// mid-session reconnect grace period) and its queue entries are evicted.
func (s *Service) Disconnect(ctx context.Context, connID string) {
	s.rooms.EndFor(connID, room.ReasonDisconnect)
	if _, err := s.queues.RemoveEverywhere(ctx, connID); err != nil {
		log.Printf("[matchsvc] disconnect eviction %s: %v", connID, err)
	}
}

// EndSession handles an explicit hangup for a specific room. Unknown rooms
// and non-participants are a no-op, never an error surfaced to the user.
func (s *Service) EndSession(ctx context.Context, connID, roomID string) {
	r := s.rooms.RoomFor(connID)
	if r == nil || r.ID != roomID {
		return
	}
	s.rooms.EndRoom(roomID, room.ReasonEnded)
}

// Run is the scheduled fallback sweep: every couple of seconds it re-sweeps
// all plain partitions so users stranded by a lost race are re-attempted
// without any client action. Gendered partitions are excluded — their pairs
// form when an opposite seeker arrives, not from within one partition. Also
// refreshes queue depth gauges. Blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[matchsvc] fallback sweep stopped")
			return
		case <-ticker.C:
			s.sweepAll(ctx)
		}
	}
}

func (s *Service) sweepAll(ctx context.Context) {
	parts, err := s.queues.Partitions(ctx)
	if err != nil {
		log.Printf("[matchsvc] list partitions: %v", err)
		return
	}

	var plainDepth, genderedDepth int64
	for _, p := range parts {
		n, err := s.queues.Len(ctx, p)
		if err == nil {
			if p.TargetGender == "" {
				plainDepth += n
			} else {
				genderedDepth += n
			}
		}

		if p.TargetGender != "" {
			continue
		}
		if _, err := s.matcher.TryMatch(ctx, p); err != nil {
			log.Printf("[matchsvc] fallback sweep %s: %v", p.Key(), err)
		}
	}

	stats.QueueDepth.WithLabelValues("plain").Set(float64(plainDepth))
	stats.QueueDepth.WithLabelValues("gendered").Set(float64(genderedDepth))
}
