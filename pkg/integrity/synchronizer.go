package integrity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cuemby/enrolld/pkg/log"
	"github.com/cuemby/enrolld/pkg/metrics"
	"github.com/cuemby/enrolld/pkg/storage"
	"github.com/cuemby/enrolld/pkg/types"
)

// leafSize is the entity count at which a mismatched range stops
// bisecting and is resolved by pushing its entities outright. Below this
// size the bisection overhead no longer pays for itself.
const leafSize = 16

// inboxSize bounds how many outstanding checksum_fail/no_data replies a
// round keeps buffered before a slow collector starts causing the sender
// side to log drops instead of blocking the gRPC handler goroutine.
const inboxSize = 64

// Synchronizer runs the periodic anti-entropy round against a single
// peer, and independently answers whatever the peer announces at it. It
// is symmetric: the same type both drives the round it announces in Run
// and answers the inbound announcements it receives in Receive. Both
// directions share the current_id bookkeeping used to drop stale or
// reordered wire traffic.
type Synchronizer struct {
	store storage.Store
	peer  Peer

	initialInterval time.Duration
	maxInterval     time.Duration
	responseTimeout time.Duration

	mu         sync.Mutex
	round      uint64
	currentID  int64 // this node's outbound round identifier
	peerLastID int64 // highest inbound announcement ID accepted so far

	inbox chan *types.SyncMessage
}

// New builds a Synchronizer comparing store against peer.
func New(store storage.Store, peer Peer, initialInterval, maxInterval, responseTimeout time.Duration) *Synchronizer {
	return &Synchronizer{
		store:           store,
		peer:            peer,
		initialInterval: initialInterval,
		maxInterval:     maxInterval,
		responseTimeout: responseTimeout,
		inbox:           make(chan *types.SyncMessage, inboxSize),
	}
}

// SetPeer attaches the remote side this Synchronizer announces rounds at
// and answers announcements from. It must be called before Run; node
// startup dials the peer after the gRPC listeners are both up, so the
// Synchronizer itself is constructed before a peer connection exists.
func (s *Synchronizer) SetPeer(peer Peer) {
	s.mu.Lock()
	s.peer = peer
	s.mu.Unlock()
}

// Run drives rounds until ctx is cancelled. A round that converges with
// nothing to fix resets the interval back to initialInterval; a round
// that had to push corrected entities leaves the backoff to keep growing
// toward maxInterval, since a side that just diverged is not yet assumed
// to have stabilized.
func (s *Synchronizer) Run(ctx context.Context) {
	logger := log.WithComponent("integrity")
	b := s.newBackoff()

	for {
		wait := b.NextBackOff()
		metrics.SyncInterval.Set(wait.Seconds())

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		result := s.round1(ctx)
		if result.Err != nil {
			logger.Warn().Err(result.Err).Uint64("sync_round", result.Round).Msg("sync round failed")
			metrics.SyncBackoffTotal.Inc()
			continue
		}

		l := log.WithRound(result.Round)
		l.Info().
			Bool("matched", result.Matched).
			Int("ranges_sent", result.RangesSent).
			Int("entities_fixed", result.EntitiesFixed).
			Dur("duration", result.Duration).
			Msg("sync round complete")

		if result.EntitiesFixed == 0 {
			b.Reset()
		} else {
			metrics.SyncBackoffTotal.Inc()
		}
	}
}

func (s *Synchronizer) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initialInterval
	b.MaxInterval = s.maxInterval
	b.MaxElapsedTime = 0
	b.Multiplier = 2
	b.RandomizationFactor = 0
	return b
}

// round1 runs exactly one synchronization round end to end: announce the
// whole key space under a fresh current_id and recurse into whatever
// sub-ranges the peer flags as mismatched.
func (s *Synchronizer) round1(ctx context.Context) types.SyncRoundResult {
	s.mu.Lock()
	s.round++
	round := s.round
	id := time.Now().Unix()
	if id <= s.currentID {
		id = s.currentID + 1
	}
	s.currentID = id
	s.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SyncRoundDuration)

	start := time.Now()
	result := types.SyncRoundResult{Round: round}

	log.WithRound(round).Debug().Int64("current_id", id).Msg("starting sync round")

	fixed, ranges, err := s.announceRange(ctx, types.SyncRange{}, id)
	result.Duration = time.Since(start)
	result.EntitiesFixed = fixed
	result.RangesSent = ranges
	result.Matched = err == nil && fixed == 0
	result.Err = err

	if fixed > 0 {
		metrics.SyncEntitiesFixedTotal.Add(float64(fixed))
	}
	return result
}

// announceRange publishes r's checksum under id and, if the peer reports
// a mismatch within the response window, either pushes r's entities
// outright (small range) or bisects and announces both halves under the
// same id. Silence within the response window is treated as agreement,
// since the underlying protocol never acknowledges a match explicitly.
func (s *Synchronizer) announceRange(ctx context.Context, r types.SyncRange, id int64) (fixed, rangesSent int, err error) {
	local, err := s.store.ListEntitiesInRange(r)
	if err != nil {
		return 0, 0, err
	}
	rangesSent = 1

	cmd := types.SyncChecksumGlobal
	if len(local) == 0 {
		cmd = types.SyncClear
	}
	digest := Digest(local)

	if err := s.peer.Publish(ctx, &types.SyncMessage{Command: cmd, ID: id, Range: r, Checksum: digest}); err != nil {
		return 0, rangesSent, err
	}

	if _, ok := s.collect(ctx, id); !ok {
		return 0, rangesSent, nil
	}

	if len(local) <= leafSize {
		n, err := s.emitEntities(ctx, local, id)
		return n, rangesSent, err
	}

	mid := midpoint(local)
	lower := types.SyncRange{Start: r.Start, End: mid}
	upper := types.SyncRange{Start: mid, End: r.End}

	fixedLower, rangesLower, err := s.announceRange(ctx, lower, id)
	if err != nil {
		return fixedLower, rangesSent + rangesLower, err
	}
	fixedUpper, rangesUpper, err := s.announceRange(ctx, upper, id)
	return fixedLower + fixedUpper, rangesSent + rangesLower + rangesUpper, err
}

// collect waits for a checksum_fail/no_data reply tagged with id, up to
// responseTimeout. A timeout is reported as "no reply", the one-sided
// protocol's spelling of agreement.
func (s *Synchronizer) collect(ctx context.Context, id int64) (*types.SyncMessage, bool) {
	timer := time.NewTimer(s.responseTimeout)
	defer timer.Stop()

	for {
		select {
		case msg := <-s.inbox:
			if msg.ID != id {
				continue
			}
			return msg, true
		case <-timer.C:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

// emitEntities pushes every local entity in a converged-small range at
// the peer as a state message, each tagged with the round's id.
func (s *Synchronizer) emitEntities(ctx context.Context, entities []*types.EntityRecord, id int64) (int, error) {
	fixed := 0
	for _, e := range entities {
		if err := s.peer.Publish(ctx, &types.SyncMessage{Command: types.SyncState, ID: id, Entity: e}); err != nil {
			return fixed, err
		}
		fixed++
	}
	return fixed, nil
}

// Receive is the single inbound dispatch point for every message this
// node's SyncService handler accepts, whether it is an announcement from
// a peer's own round or a reply to a round this node is running.
func (s *Synchronizer) Receive(ctx context.Context, msg *types.SyncMessage) error {
	switch msg.Command {
	case types.SyncChecksumGlobal, types.SyncClear:
		return s.handleAnnouncement(ctx, msg)
	case types.SyncChecksumFail, types.SyncNoData:
		s.mu.Lock()
		cur := s.currentID
		s.mu.Unlock()
		if msg.ID != cur {
			return nil // stale reply for a round we've moved on from
		}
		select {
		case s.inbox <- msg:
		default:
			log.WithComponent("integrity").Warn().Int64("current_id", msg.ID).Msg("sync inbox full, dropping response")
		}
		return nil
	case types.SyncState:
		if msg.Entity == nil {
			return fmt.Errorf("integrity: state message missing entity")
		}
		return s.store.PutEntity(msg.Entity)
	default:
		return fmt.Errorf("integrity: unknown sync command %q", msg.Command)
	}
}

// handleAnnouncement answers a peer's checksum announcement for msg.Range
// by comparing it against the local view of the same range.
// current_id anti-reordering: an announcement whose ID is lower than the
// highest one already accepted is dropped outright, since the peer has
// since moved on to a newer round (or the message was delivered out of
// order). An equal ID is a sub-range of the same round and is answered.
func (s *Synchronizer) handleAnnouncement(ctx context.Context, msg *types.SyncMessage) error {
	s.mu.Lock()
	if msg.ID < s.peerLastID {
		s.mu.Unlock()
		return nil
	}
	s.peerLastID = msg.ID
	s.mu.Unlock()

	local, err := s.store.ListEntitiesInRange(msg.Range)
	if err != nil {
		return err
	}

	if len(local) == 0 {
		if msg.Command == types.SyncClear {
			return nil // both sides agree the range is empty
		}
		return s.peer.Publish(ctx, &types.SyncMessage{Command: types.SyncNoData, ID: msg.ID, Range: msg.Range})
	}

	digest := Digest(local)
	if msg.Command != types.SyncClear && digest == msg.Checksum {
		return nil // matched, no reply needed
	}

	return s.peer.Publish(ctx, &types.SyncMessage{Command: types.SyncChecksumFail, ID: msg.ID, Range: msg.Range})
}

// midpoint picks a split key from entities' key range: the smallest key
// followed by the character halfway between the first characters of the
// smallest and largest keys, so the lower half usually holds only the
// smallest key and its extensions. entities need not actually be sorted;
// the midpoint only has to be a consistent split point between the two
// recursive announceRange calls within the same round, not a true median.
func midpoint(entities []*types.EntityRecord) string {
	if len(entities) == 0 {
		return ""
	}
	min, max := entities[0].Key, entities[0].Key
	for _, e := range entities {
		if e.Key < min {
			min = e.Key
		}
		if e.Key > max {
			max = e.Key
		}
	}
	if min == max {
		return max
	}
	return min + string(rune((rune(max[0])+rune(min[0]))/2))
}
