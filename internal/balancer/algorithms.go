package balancer

import (
	"hash/fnv"
	"math/rand"

	"github.com/zanewnch/aiot-gateway-lb/internal/domain"
)

// nextRoundRobin advances the per-service cursor and returns the next index
// in list order
func (s *Selector) nextRoundRobin(service string, n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.state(service)
	idx := int(state.cursor % uint64(n))
	state.cursor++
	return idx
}

// nextWeighted implements credit-based weighted round-robin. Every instance
// carries remaining credits initialized from its configured weight; each
// selection takes the instance with the most credits left (ties broken by
// list order) and spends one. Once the whole healthy set is out of credits
// the cycle restarts from the currently configured weights, so weight
// changes take effect at the next cycle boundary. With no weight map this
// degenerates to plain round-robin order.
func (s *Selector) nextWeighted(service string, healthy []domain.HealthRecord, cfg domain.BalancerConfig) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.state(service)

	exhausted := true
	for _, record := range healthy {
		id := record.Instance.ID
		if _, ok := state.credits[id]; !ok {
			state.credits[id] = cfg.WeightFor(id)
		}
		if state.credits[id] > 0 {
			exhausted = false
		}
	}

	if exhausted {
		for _, record := range healthy {
			state.credits[record.Instance.ID] = cfg.WeightFor(record.Instance.ID)
		}
	}

	best := 0
	bestCredits := state.credits[healthy[0].Instance.ID]
	for i := 1; i < len(healthy); i++ {
		if c := state.credits[healthy[i].Instance.ID]; c > bestCredits {
			best = i
			bestCredits = c
		}
	}

	state.credits[healthy[best].Instance.ID]--
	return best
}

// pickLeastConnections returns the index of the instance with the fewest
// in-flight requests, first found on ties
func pickLeastConnections(healthy []domain.HealthRecord) int {
	best := 0
	for i := 1; i < len(healthy); i++ {
		if healthy[i].CurrentConnections < healthy[best].CurrentConnections {
			best = i
		}
	}
	return best
}

// pickRandom returns a uniformly random index
func pickRandom(n int) int {
	return rand.Intn(n)
}

// pickIPHash maps a client key deterministically onto the list so the same
// key keeps hitting the same instance while the healthy set is unchanged.
// Without a key there is nothing to stick to, so it falls back to random.
func pickIPHash(clientKey string, n int) int {
	if clientKey == "" {
		return pickRandom(n)
	}
	return int(hashKey(clientKey) % uint32(n))
}

// pickResponseTime returns the index of the instance with the lowest average
// latency, first found on ties
func pickResponseTime(healthy []domain.HealthRecord) int {
	best := 0
	for i := 1; i < len(healthy); i++ {
		if healthy[i].AverageResponseTime < healthy[best].AverageResponseTime {
			best = i
		}
	}
	return best
}

// pickHealthAware ranks instances by the composite load score and returns
// the index of the lowest, first found on ties, along with every score for
// write-back into the registry
func pickHealthAware(healthy []domain.HealthRecord) (int, map[string]float64) {
	scores := make(map[string]float64, len(healthy))
	best := 0
	bestScore := healthy[0].ComputeLoadScore()
	scores[healthy[0].Instance.ID] = bestScore
	for i := 1; i < len(healthy); i++ {
		score := healthy[i].ComputeLoadScore()
		scores[healthy[i].Instance.ID] = score
		if score < bestScore {
			best = i
			bestScore = score
		}
	}
	return best, scores
}

// hashKey implements FNV-1a over the client key
func hashKey(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32()
}
