package memory

import "time"

const (
	// decayGracePeriod is how long an unused memory keeps full confidence.
	decayGracePeriod = 7 * 24 * time.Hour
	// decayPerWeek is the confidence lost per idle week past the grace
	// period.
	decayPerWeek = 0.01
	// decayFloor is the lowest confidence decay can produce; memories never
	// vanish through disuse alone.
	decayFloor = 0.1
)

// ApplyDecay returns the confidence after idle-time decay. Within the grace
// period the value is unchanged; past it, confidence drops linearly per
// idle week down to the floor.
func ApplyDecay(confidence float64, lastUsed, now time.Time) float64 {
	idle := now.Sub(lastUsed)
	if idle <= decayGracePeriod {
		return confidence
	}
	weeks := (idle - decayGracePeriod).Hours() / (7 * 24)
	decayed := confidence - decayPerWeek*weeks
	if decayed < decayFloor {
		return decayFloor
	}
	return decayed
}

// DecayAll applies decay to every entry in the store, persisting the ones
// that changed. Returns how many entries were updated. Run by the
// maintenance job.
func DecayAll(store Store, now time.Time) (int, error) {
	entries, err := store.List()
	if err != nil {
		return 0, err
	}
	updated := 0
	for _, entry := range entries {
		decayed := ApplyDecay(entry.Confidence, entry.LastUsedAt, now)
		if decayed == entry.Confidence {
			continue
		}
		_, content, err := store.Get(entry.ID)
		if err != nil {
			continue
		}
		entry.Confidence = decayed
		if err := store.Update(entry, content); err != nil {
			continue
		}
		updated++
	}
	return updated, nil
}
