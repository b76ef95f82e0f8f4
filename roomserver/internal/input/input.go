// Package input implements the event handler (C8): the inbound PDU
// validation pipeline described in spec.md §4.5. Grounded on dendrite's
// roomserver/internal/input.Inputer.processRoomEvent (see
// bluemiles-dendrite/roomserver/internal/input/input_events.go) — the
// overall shape (context timeout, per-room-event histogram, dedup-on-
// outlier, fetchAuthEvents, calculateAndSetState) follows that file, wired
// onto this module's own C1-C4/C9-C11 components instead of dendrite's
// Kafka-backed roomserver storage.
package input

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/opentracing/opentracing-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/gravelmoss/grapevine/internal/ratelimit"
	"github.com/gravelmoss/grapevine/internal/roomlock"
	"github.com/gravelmoss/grapevine/roomserver/api"
	"github.com/gravelmoss/grapevine/roomserver/internal/authchain"
	"github.com/gravelmoss/grapevine/roomserver/internal/eventstore"
	"github.com/gravelmoss/grapevine/roomserver/internal/shortid"
	"github.com/gravelmoss/grapevine/roomserver/internal/stateaccessor"
	"github.com/gravelmoss/grapevine/roomserver/internal/statecompress"
	"github.com/gravelmoss/grapevine/roomserver/internal/statemanager"
	"github.com/gravelmoss/grapevine/roomserver/internal/stateres"
)

func init() {
	prometheus.MustRegister(processRoomEventDuration)
}

// MaximumProcessingTime bounds how long a single call to HandleIncomingPDU
// may run before its context is cancelled, so a wedged federation fetch
// cannot pin a per-room lock indefinitely.
const MaximumProcessingTime = time.Minute * 2

// maxAuthRecursionDepth bounds the recursive outlier-fetch-and-validate
// chain in fetchAuthEvents; a server that serves an unbounded auth chain
// (malicious or buggy) cannot force unbounded recursion.
const maxAuthRecursionDepth = 64

// maxAuthFetchConcurrency bounds how many sibling auth events' recursive
// fetch-and-validate chains fetchAndCheckAuth runs at once, so a large auth
// chain fans out without unbounded concurrent federation requests.
const maxAuthFetchConcurrency = 4

var processRoomEventDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "grapevine",
		Subsystem: "roomserver",
		Name:      "process_room_event_duration_millis",
		Help:      "How long it takes the roomserver to process an inbound PDU",
		Buckets:   []float64{5, 10, 25, 50, 75, 100, 250, 500, 1000, 2000, 5000, 10000, 20000},
	},
	[]string{"room_id"},
)

// FederationClient is C7's contract from C8's point of view: the minimum
// needed to fill gaps in the locally-known event graph.
type FederationClient interface {
	GetEvent(ctx context.Context, origin gomatrixserverlib.ServerName, roomVersion gomatrixserverlib.RoomVersion, eventID string) (*gomatrixserverlib.HeaderedEvent, error)
	GetEventAuth(ctx context.Context, origin gomatrixserverlib.ServerName, roomVersion gomatrixserverlib.RoomVersion, roomID, eventID string) ([]*gomatrixserverlib.HeaderedEvent, error)
	GetStateIDs(ctx context.Context, origin gomatrixserverlib.ServerName, roomID, eventID string) (stateEventIDs []string, authEventIDs []string, err error)
}

// Output is how C8/C9 notify the rest of the system about accepted,
// redacted, or otherwise newly-visible events (sync wakeups, push,
// appservice and federation fan-out all subscribe here; none of those are
// implemented by this package).
type Output interface {
	WriteOutputEvents(roomID string, events []api.OutputEvent) error
}

// Handler is C8.
type Handler struct {
	Events      *eventstore.Store
	IDs         *shortid.Interner
	Locks       *roomlock.Manager
	Limiter     *ratelimit.Limiter
	AuthChain   *authchain.Resolver
	StateRes    *stateres.Resolver
	Compressor  *statecompress.Compressor
	States      *statemanager.Manager
	Accessor    *stateaccessor.Accessor
	Federation  FederationClient
	KeyRing     gomatrixserverlib.JSONVerifier
	Output      Output
	ServerACL   func(ctx context.Context, roomNID shortid.RoomNID, origin gomatrixserverlib.ServerName) (bool, error)
}

// HandleIncomingPDU is handle_incoming_pdu (spec.md §4.5).
func (h *Handler) HandleIncomingPDU(inctx context.Context, in *api.InputRoomEvent) (pduID []byte, err error) {
	select {
	case <-inctx.Done():
		return nil, inctx.Err()
	default:
	}

	ctx, cancel := context.WithTimeout(inctx, MaximumProcessingTime)
	defer cancel()

	span, ctx := opentracing.StartSpanFromContext(ctx, "roomserver.HandleIncomingPDU")
	defer span.Finish()

	headered := in.Event
	event := headered.Unwrap()
	span.SetTag("room_id", event.RoomID())
	span.SetTag("event_id", event.EventID())
	logger := logrus.WithFields(logrus.Fields{
		"event_id": event.EventID(),
		"room_id":  event.RoomID(),
		"type":     event.Type(),
		"kind":     in.Kind.String(),
	})

	started := time.Now()
	defer func() {
		processRoomEventDuration.
			With(prometheus.Labels{"room_id": event.RoomID()}).
			Observe(float64(time.Since(started).Milliseconds()))
	}()

	info, err := h.States.EnsureRoom(event.RoomID(), string(headered.RoomVersion))
	if err != nil {
		return nil, fmt.Errorf("input: EnsureRoom: %w", err)
	}

	// Step 0: room known (just ensured above) + ACL.
	if h.ServerACL != nil && in.Origin != "" {
		allowed, err := h.ServerACL(ctx, info.RoomNID, in.Origin)
		if err != nil {
			return nil, fmt.Errorf("input: server ACL check: %w", err)
		}
		if !allowed {
			return nil, fmt.Errorf("input: %s is denied by this room's server ACL", in.Origin)
		}
	}

	// Step 1: dedup on outlier re-delivery.
	if in.Kind == api.KindOutlier {
		if existing, ok, err := h.Events.HeaderedEvent(ctx, event.EventID()); err != nil {
			return nil, err
		} else if ok {
			logger.Debug("already processed outlier; ignoring")
			_ = existing
			return nil, nil
		}
	}

	if !h.Limiter.Allowed(event.EventID()) {
		return nil, fmt.Errorf("input: %s is backing off after repeated failures", event.EventID())
	}

	// Steps 3-6: fetch required auth events (recursively validating and
	// storing any we don't already have), then run auth_check.
	authEvents, isRejected, rejectionErr, err := h.fetchAndCheckAuth(ctx, logger, in.Origin, headered, 0)
	if err != nil {
		h.Limiter.RecordFailure(event.EventID())
		return nil, err
	}

	authEventIDs := event.AuthEventIDs()
	authEventNIDs := make([]shortid.EventNID, 0, len(authEventIDs))
	for _, id := range authEventIDs {
		nid, ok, err := h.IDs.LookupEventNID(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("input: missing auth event %s for %s", id, event.EventID())
		}
		authEventNIDs = append(authEventNIDs, nid)
	}

	// Step 7: persist as outlier.
	if _, err := h.Events.StoreEvent(ctx, headered, authEventNIDs, isRejected); err != nil {
		return nil, fmt.Errorf("input: StoreEvent: %w", err)
	}

	// Step 8: outliers stop here.
	if in.Kind == api.KindOutlier {
		logger.Debug("stored outlier")
		return nil, nil
	}

	unlockState, err := h.Locks.Lock(ctx, roomlock.KindState, event.RoomID())
	if err != nil {
		return nil, err
	}
	defer unlockState()

	// Step 9-10: determine the state at this event.
	stateAtEvent, err := h.stateAtEvent(ctx, logger, headered, in, authEvents)
	if err != nil {
		h.Limiter.RecordFailure(event.EventID())
		return nil, fmt.Errorf("input: stateAtEvent: %w", err)
	}

	// Step 11: re-run auth_check against the state at the event. Fatal.
	if !isRejected {
		stateAuthEvents, err := gomatrixserverlib.NewAuthEvents(nil)
		if err != nil {
			return nil, err
		}
		for _, ev := range stateAtEvent {
			if err := stateAuthEvents.AddEvent(ev.Unwrap()); err != nil {
				return nil, err
			}
		}
		if err := gomatrixserverlib.Allowed(event, &stateAuthEvents); err != nil {
			isRejected = true
			rejectionErr = fmt.Errorf("auth_check against state-at-event failed: %w", err)
		}
	}

	if isRejected {
		logger.WithError(rejectionErr).Debug("stored rejected event")
		h.Limiter.RecordSuccess(event.EventID())
		return nil, rejectionErr
	}

	// Step 12: soft-fail check against current room state.
	softFailed, err := h.softFailCheck(ctx, info.RoomNID, event)
	if err != nil {
		return nil, fmt.Errorf("input: soft-fail check: %w", err)
	}

	// Step 13: recompute forward extremities.
	if in.Kind == api.KindNew {
		if _, err := h.States.RecomputeExtremities(ctx, info.RoomNID, event.EventID(), event.PrevEventIDs(), softFailed); err != nil {
			return nil, fmt.Errorf("input: RecomputeExtremities: %w", err)
		}
	}

	if softFailed {
		logger.Debug("stored soft-failed event")
		h.Limiter.RecordSuccess(event.EventID())
		return nil, nil
	}

	// Step 14: for state events, resolve (current state, state-at-event ∪
	// {this event}) and force-set the current short-state-hash.
	if event.StateKey() != nil {
		if err := h.applyStateMutation(ctx, info.RoomNID, headered, stateAtEvent); err != nil {
			return nil, fmt.Errorf("input: applyStateMutation: %w", err)
		}
	}

	h.Limiter.RecordSuccess(event.EventID())

	// Step 15: notify. (Timeline append itself — C9 — owns pdu_id
	// assignment; HandleIncomingPDU hands accepted federation events to it
	// via the output channel rather than assigning pdu_id here, mirroring
	// the split between C8 validating and C9 appending.)
	var out []api.OutputEvent
	switch in.Kind {
	case api.KindNew:
		out = append(out, api.OutputEvent{
			Type: api.OutputTypeNewRoomEvent,
			NewRoomEvent: &api.OutputNewRoomEvent{
				Event: headered,
			},
		})
	case api.KindOld:
		out = append(out, api.OutputEvent{
			Type:         api.OutputTypeOldRoomEvent,
			OldRoomEvent: &api.OutputOldRoomEvent{Event: headered},
		})
	}
	if h.Output != nil && len(out) > 0 {
		if err := h.Output.WriteOutputEvents(event.RoomID(), out); err != nil {
			return nil, fmt.Errorf("input: WriteOutputEvents: %w", err)
		}
	}

	return nil, nil
}

// fetchAndCheckAuth implements spec.md §4.5 steps 3-6: ensure every
// auth_events entry is known (recursively fetching-and-validating missing
// ones as outliers, bounded by depth), build the AuthEvents set, and report
// whether the event passes auth_check against it.
func (h *Handler) fetchAndCheckAuth(ctx context.Context, logger *logrus.Entry, origin gomatrixserverlib.ServerName, headered *gomatrixserverlib.HeaderedEvent, depth int) (map[string]*gomatrixserverlib.HeaderedEvent, bool, error, error) {
	event := headered.Unwrap()

	if err := event.VerifyEventSignatures(ctx, h.KeyRing); err != nil {
		return nil, false, nil, fmt.Errorf("input: VerifyEventSignatures: %w", err)
	}

	known := map[string]*gomatrixserverlib.HeaderedEvent{}
	auth, err := gomatrixserverlib.NewAuthEvents(nil)
	if err != nil {
		return nil, false, nil, err
	}

	var missing []string
	for _, id := range event.AuthEventIDs() {
		ev, ok, err := h.Events.HeaderedEvent(ctx, id)
		if err != nil {
			return nil, false, nil, err
		}
		if !ok {
			missing = append(missing, id)
			continue
		}
		known[id] = ev
		if err := auth.AddEvent(ev.Unwrap()); err != nil {
			return nil, false, nil, err
		}
	}

	if len(missing) > 0 {
		if depth >= maxAuthRecursionDepth {
			return nil, false, nil, fmt.Errorf("input: auth event recursion depth exceeded for %s", event.EventID())
		}
		if h.Federation == nil {
			return nil, false, nil, fmt.Errorf("input: missing auth events %v and no federation client configured", missing)
		}
		fetched, err := h.Federation.GetEventAuth(ctx, origin, headered.RoomVersion, event.RoomID(), event.EventID())
		if err != nil {
			return nil, false, nil, fmt.Errorf("input: GetEventAuth: %w", err)
		}

		var toFetch []*gomatrixserverlib.HeaderedEvent
		for _, authEv := range fetched {
			if _, already := known[authEv.EventID()]; !already {
				toFetch = append(toFetch, authEv)
			}
		}

		type authResult struct {
			ev          *gomatrixserverlib.HeaderedEvent
			subAuth     map[string]*gomatrixserverlib.HeaderedEvent
			subRejected bool
			subErr      error
		}
		results := make([]authResult, len(toFetch))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(maxAuthFetchConcurrency)
		for i, authEv := range toFetch {
			i, authEv := i, authEv
			g.Go(func() error {
				subAuth, subRejected, subRejectionErr, err := h.fetchAndCheckAuth(gctx, logger, origin, authEv, depth+1)
				if err != nil {
					return err
				}
				results[i] = authResult{ev: authEv, subAuth: subAuth, subRejected: subRejected, subErr: subRejectionErr}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, false, nil, err
		}

		for _, res := range results {
			id := res.ev.EventID()
			authNIDs := make([]shortid.EventNID, 0, len(res.subAuth))
			for _, a := range res.subAuth {
				nid, ok, err := h.IDs.LookupEventNID(a.EventID())
				if err != nil {
					return nil, false, nil, err
				}
				if ok {
					authNIDs = append(authNIDs, nid)
				}
			}
			if _, err := h.Events.StoreEvent(ctx, res.ev, authNIDs, res.subRejected); err != nil {
				return nil, false, nil, err
			}
			if res.subRejected {
				logger.WithError(res.subErr).Warnf("fetched auth event %s rejected", id)
			}
			known[id] = res.ev
			if err := auth.AddEvent(res.ev.Unwrap()); err != nil {
				return nil, false, nil, err
			}
		}
	}

	var rejectionErr error
	isRejected := false
	if err := gomatrixserverlib.Allowed(event, &auth); err != nil {
		isRejected = true
		rejectionErr = err
	}
	return known, isRejected, rejectionErr, nil
}

// stateAtEvent implements spec.md §4.5 steps 9-10.
func (h *Handler) stateAtEvent(ctx context.Context, logger *logrus.Entry, headered *gomatrixserverlib.HeaderedEvent, in *api.InputRoomEvent, authEvents map[string]*gomatrixserverlib.HeaderedEvent) (map[string]*gomatrixserverlib.HeaderedEvent, error) {
	event := headered.Unwrap()

	if in.HasState {
		state := make(map[string]*gomatrixserverlib.HeaderedEvent, len(in.StateEventIDs))
		for _, id := range in.StateEventIDs {
			ev, ok, err := h.Events.HeaderedEvent(ctx, id)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("input: missing provided state event %s", id)
			}
			stateEv := ev.Unwrap()
			if sk := stateEv.StateKey(); sk != nil {
				state[stateEv.Type()+"\x00"+*sk] = ev
			}
		}
		return state, nil
	}

	prevs := event.PrevEventIDs()
	switch len(prevs) {
	case 0:
		return map[string]*gomatrixserverlib.HeaderedEvent{}, nil
	case 1:
		info, err := h.States.RoomInfo(event.RoomID())
		if err != nil {
			return nil, err
		}
		if info == nil {
			return nil, fmt.Errorf("input: unknown room %s", event.RoomID())
		}
		snapNID, err := h.States.CurrentStateSnapshot(info.RoomNID)
		if err != nil {
			return nil, err
		}
		return h.Accessor.StateAtSnapshot(ctx, snapNID)
	default:
		return h.resolveStateAcrossPrevs(ctx, logger, in.Origin, headered, prevs, authEvents)
	}
}

// resolveStateAcrossPrevs implements spec.md §4.5 step 9 (promoting any
// prev not yet known locally) followed by step 10's multi-prev branch
// (state resolution, §4.7, across every prev's state).
func (h *Handler) resolveStateAcrossPrevs(ctx context.Context, logger *logrus.Entry, origin gomatrixserverlib.ServerName, headered *gomatrixserverlib.HeaderedEvent, prevs []string, authEvents map[string]*gomatrixserverlib.HeaderedEvent) (map[string]*gomatrixserverlib.HeaderedEvent, error) {
	if err := h.resolveMissingPrevs(ctx, logger, origin, headered.RoomVersion, prevs, 0); err != nil {
		return nil, err
	}

	var conflicted []gomatrixserverlib.Event
	var auth []gomatrixserverlib.Event
	seen := map[string]struct{}{}
	for _, prevID := range prevs {
		prevEv, ok, err := h.Events.HeaderedEvent(ctx, prevID)
		if err != nil {
			return nil, err
		}
		if !ok {
			// resolveMissingPrevs above either promotes every prev into the
			// store or returns an error; reaching this means it promoted
			// the event under a different room version header than
			// expected, which should never happen.
			return nil, fmt.Errorf("input: missing prev event %s for state resolution", prevID)
		}
		if _, dup := seen[prevEv.EventID()]; !dup {
			seen[prevEv.EventID()] = struct{}{}
			conflicted = append(conflicted, prevEv.Unwrap())
		}
	}
	for _, ev := range authEvents {
		auth = append(auth, ev.Unwrap())
	}

	resolved, err := h.StateRes.Resolve(ctx, headered.RoomVersion, conflicted, auth)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*gomatrixserverlib.HeaderedEvent, len(resolved))
	for i := range resolved {
		ev := resolved[i]
		if sk := ev.StateKey(); sk != nil {
			headeredEv := ev.Headered(headered.RoomVersion)
			out[ev.Type()+"\x00"+*sk] = &headeredEv
		}
	}
	return out, nil
}

// maxPrevRecursionDepth bounds the recursive prev-event fetch-and-promote
// chain in resolveMissingPrevs; a federation peer serving an unbounded
// chain of unknown prevs cannot force unbounded recursion.
const maxPrevRecursionDepth = 64

// resolveMissingPrevs implements spec.md §4.5 step 9: any prevID not
// already known locally is fetched from origin, the whole missing batch is
// collected and topologically sorted by (power-level, origin_server_ts,
// event_id), and each is recursively promoted — its own missing prevs
// resolved first, then its auth chain validated and the event stored as an
// outlier — in that sorted order, so resolveStateAcrossPrevs never sees an
// unknown prev.
func (h *Handler) resolveMissingPrevs(ctx context.Context, logger *logrus.Entry, origin gomatrixserverlib.ServerName, roomVersion gomatrixserverlib.RoomVersion, prevIDs []string, depth int) error {
	type pending struct {
		ev    *gomatrixserverlib.HeaderedEvent
		power int64
	}

	var missing []pending
	for _, id := range prevIDs {
		if _, ok, err := h.Events.HeaderedEvent(ctx, id); err != nil {
			return err
		} else if ok {
			continue
		}
		if depth >= maxPrevRecursionDepth {
			return fmt.Errorf("input: prev-event recursion depth exceeded resolving %s", id)
		}
		if h.Federation == nil {
			return fmt.Errorf("input: missing prev event %s and no federation client configured", id)
		}
		fetched, err := h.Federation.GetEvent(ctx, origin, roomVersion, id)
		if err != nil {
			return fmt.Errorf("input: fetching missing prev event %s: %w", id, err)
		}
		missing = append(missing, pending{ev: fetched})
	}
	if len(missing) == 0 {
		return nil
	}

	for i := range missing {
		missing[i].power = h.senderPowerLevel(ctx, missing[i].ev)
	}
	sort.Slice(missing, func(i, j int) bool {
		if missing[i].power != missing[j].power {
			return missing[i].power < missing[j].power
		}
		a, b := missing[i].ev.Unwrap(), missing[j].ev.Unwrap()
		if a.OriginServerTS() != b.OriginServerTS() {
			return a.OriginServerTS() < b.OriginServerTS()
		}
		return a.EventID() < b.EventID()
	})

	for _, p := range missing {
		ev := p.ev
		event := ev.Unwrap()

		if err := h.resolveMissingPrevs(ctx, logger, origin, roomVersion, event.PrevEventIDs(), depth+1); err != nil {
			return err
		}

		_, isRejected, rejectionErr, err := h.fetchAndCheckAuth(ctx, logger, origin, ev, depth+1)
		if err != nil {
			return fmt.Errorf("input: validating promoted prev event %s: %w", event.EventID(), err)
		}

		authEventIDs := event.AuthEventIDs()
		authNIDs := make([]shortid.EventNID, 0, len(authEventIDs))
		for _, id := range authEventIDs {
			nid, ok, err := h.IDs.LookupEventNID(id)
			if err != nil {
				return err
			}
			if ok {
				authNIDs = append(authNIDs, nid)
			}
		}
		if _, err := h.Events.StoreEvent(ctx, ev, authNIDs, isRejected); err != nil {
			return fmt.Errorf("input: storing promoted prev event %s: %w", event.EventID(), err)
		}
		if isRejected {
			logger.WithError(rejectionErr).Warnf("promoted prev event %s rejected", event.EventID())
		}
	}
	return nil
}

// senderPowerLevel best-effort resolves ev's sender's power level from the
// room's current state, the ordering step 9's topological sort uses
// alongside origin_server_ts. A room with no current state yet (the
// earliest events after creation) or a missing m.room.power_levels event
// falls back to 0 for every sender, so the sort degrades to
// origin_server_ts/event_id ordering.
func (h *Handler) senderPowerLevel(ctx context.Context, ev *gomatrixserverlib.HeaderedEvent) int64 {
	event := ev.Unwrap()
	info, err := h.States.RoomInfo(event.RoomID())
	if err != nil || info == nil {
		return 0
	}
	snapNID, err := h.States.CurrentStateSnapshot(info.RoomNID)
	if err != nil || snapNID == 0 {
		return 0
	}
	state, err := h.Accessor.StateAtSnapshot(ctx, snapNID)
	if err != nil {
		return 0
	}
	plEv, ok := state["m.room.power_levels\x00"]
	if !ok {
		return 0
	}
	plEvent := plEv.Unwrap()
	parsed := gjson.ParseBytes(plEvent.Content())
	if lvl, ok := parsed.Get("users").Map()[string(event.Sender())]; ok {
		return lvl.Int()
	}
	return parsed.Get("users_default").Int()
}

// softFailCheck implements spec.md §4.5 step 12: auth_check against the
// room's *current* state, independent of the state-at-event check in step
// 11.
func (h *Handler) softFailCheck(ctx context.Context, roomNID shortid.RoomNID, event gomatrixserverlib.Event) (bool, error) {
	snapNID, err := h.States.CurrentStateSnapshot(roomNID)
	if err != nil {
		return false, err
	}
	if snapNID == 0 {
		return false, nil
	}
	currentState, err := h.Accessor.StateAtSnapshot(ctx, snapNID)
	if err != nil {
		return false, err
	}
	auth, err := gomatrixserverlib.NewAuthEvents(nil)
	if err != nil {
		return false, err
	}
	for _, ev := range currentState {
		if err := auth.AddEvent(ev.Unwrap()); err != nil {
			return false, err
		}
	}
	return gomatrixserverlib.Allowed(event, &auth) != nil, nil
}

// applyStateMutation implements spec.md §4.5 step 14.
func (h *Handler) applyStateMutation(ctx context.Context, roomNID shortid.RoomNID, headered *gomatrixserverlib.HeaderedEvent, stateAtEvent map[string]*gomatrixserverlib.HeaderedEvent) error {
	event := headered.Unwrap()
	currentSnapNID, err := h.States.CurrentStateSnapshot(roomNID)
	if err != nil {
		return err
	}

	merged := make(map[string]*gomatrixserverlib.HeaderedEvent, len(stateAtEvent)+1)
	for k, v := range stateAtEvent {
		merged[k] = v
	}
	if sk := event.StateKey(); sk != nil {
		merged[event.Type()+"\x00"+*sk] = headered
	}

	var full map[string]*gomatrixserverlib.HeaderedEvent
	if currentSnapNID == 0 {
		full = merged
	} else {
		current, err := h.Accessor.StateAtSnapshot(ctx, currentSnapNID)
		if err != nil {
			return err
		}
		if len(current) > 0 {
			var conflicted []gomatrixserverlib.Event
			var auth []gomatrixserverlib.Event
			for _, ev := range current {
				conflicted = append(conflicted, ev.Unwrap())
			}
			for _, ev := range merged {
				conflicted = append(conflicted, ev.Unwrap())
			}
			resolved, err := h.StateRes.Resolve(ctx, headered.RoomVersion, conflicted, auth)
			if err != nil {
				return err
			}
			full = map[string]*gomatrixserverlib.HeaderedEvent{}
			for i := range resolved {
				ev := resolved[i]
				if sk := ev.StateKey(); sk != nil {
					he := ev.Headered(headered.RoomVersion)
					full[ev.Type()+"\x00"+*sk] = &he
				}
			}
		} else {
			full = merged
		}
	}

	snap := statecompress.Snapshot{}
	for _, ev := range full {
		stateEv := ev.Unwrap()
		sk := ""
		if stateEv.StateKey() != nil {
			sk = *stateEv.StateKey()
		}
		skNID, err := h.IDs.StateKeyNID(stateEv.Type(), sk)
		if err != nil {
			return err
		}
		evNID, err := h.IDs.EventNID(ev.EventID())
		if err != nil {
			return err
		}
		snap[skNID] = evNID
	}

	newSnapNID, err := h.Compressor.Save(currentSnapNID, snap)
	if err != nil {
		return err
	}
	return h.States.SetCurrentState(roomNID, newSnapNID)
}
