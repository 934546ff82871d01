package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/petrijr/trailhead/internal/graph"
	"github.com/petrijr/trailhead/pkg/api"
)

// hop is a branch step a session passed through on its way to a resting step.
type hop struct {
	stepID string
	res    graph.Resolution
}

// settle follows branch steps from target until it reaches a step a session
// can rest on. Sessions never rest on a branch.
func settle(j api.Journey, target string, env graph.Env) (string, []hop, error) {
	var hops []hop
	for {
		step, ok := j.Step(target)
		if !ok {
			return "", nil, fmt.Errorf("journey %s v%d: step %q not found", j.ID, j.Version, target)
		}
		if step.Kind != api.StepBranch {
			return target, hops, nil
		}
		if len(hops) > len(j.Steps) {
			return "", nil, fmt.Errorf("journey %s v%d: branch steps loop at %q", j.ID, j.Version, target)
		}
		res := graph.ResolveNext(step, env)
		hops = append(hops, hop{stepID: target, res: res})
		target = res.Target
	}
}

// trail collects the events of one session write. The store commits them
// together with the write.
type trail struct {
	sess   *api.Session
	at     time.Time
	events []api.Event
}

func newTrail(sess *api.Session, at time.Time) *trail {
	return &trail{sess: sess, at: at}
}

func (t *trail) emit(kind api.EventKind, stepID string, payload map[string]any) {
	t.events = append(t.events, api.Event{
		SessionID:      t.sess.ID,
		Kind:           kind,
		StepID:         stepID,
		At:             t.at,
		JourneyID:      t.sess.JourneyID,
		JourneyVersion: t.sess.JourneyVersion,
		Variant:        t.sess.Variant,
		Payload:        payload,
	})
}

// enter records arriving at first, passing through hops and resting on rest.
// elapsed is the session's age, reported when the journey completes.
func (t *trail) enter(first string, hops []hop, rest string, terminal bool, elapsed time.Duration) {
	if len(hops) == 0 {
		first = rest
	}
	t.emit(api.EventStepEntered, first, nil)
	for _, h := range hops {
		t.emit(api.EventStepCompleted, h.stepID, map[string]any{api.PayloadDwellMS: int64(0)})
		t.emit(api.EventBranchTaken, h.stepID, map[string]any{
			api.PayloadRule:    h.res.Rule,
			api.PayloadMatched: h.res.Matched(),
			api.PayloadTarget:  h.res.Target,
		})
		t.emit(api.EventStepEntered, h.res.Target, nil)
	}
	if terminal {
		t.emit(api.EventCompleted, "", map[string]any{api.PayloadElapsedMS: elapsed.Milliseconds()})
	}
}

// stripedLock serialises operations per session id inside one process, so
// concurrent requests for a session queue up instead of spending their
// retries on conflicts. Correctness across processes comes from the store.
type stripedLock struct {
	stripes [64]sync.Mutex
}

func (l *stripedLock) lock(key string) func() {
	m := &l.stripes[xxhash.Sum64String(key)%uint64(len(l.stripes))]
	m.Lock()
	return m.Unlock
}

// HashAssigner returns the default VariantAssigner. It hashes journey and
// user id so a user lands in the same bucket across versions and restarts,
// then picks a variant in proportion to the declared weights.
func HashAssigner() api.VariantAssigner {
	return api.VariantAssignerFunc(func(j api.Journey, userID string) string {
		total := 0
		for _, v := range j.Variants {
			total += max(v.Weight, 0)
		}
		if total == 0 {
			return api.DefaultVariant
		}
		bucket := int(xxhash.Sum64String(j.ID+"/"+userID) % uint64(total))
		for _, v := range j.Variants {
			if v.Weight <= 0 {
				continue
			}
			if bucket < v.Weight {
				return v.Name
			}
			bucket -= v.Weight
		}
		return j.Variants[len(j.Variants)-1].Name
	})
}
