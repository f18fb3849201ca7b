package policy

import (
	"math/rand"
	"sync"
	"time"

	"github.com/Reaper7531/gojo/internal/gojo/persona"
)

// offlineResponses are the deflection lines used when generation is
// unavailable (quota breaker open or all retries failed), keyed by
// requester identity.
var offlineResponses = map[persona.Identity][]string{
	persona.IdentityDefault: {
		"My limitless technique is recharging right now. Even I need a break sometimes.",
		"Tch, too many people want my attention. Come back later when I'm not so busy being the strongest.",
		"My six eyes are taking a power nap. Try again in a few minutes.",
		"Sorry, but even infinity has its limits... apparently. Give me a sec.",
	},
	persona.IdentitySukuna: {
		"Even the King of Curses has to wait when my power's recharging. How's that feel, Sukuna?",
		"Looks like you'll have to wait to get humiliated again. My technique is on a break.",
		"Not now, Sukuna. I'll deal with you later.",
	},
	persona.IdentitySuguru: {
		"Sorry Suguru, even best friends have to wait sometimes. My limitless needs a moment.",
		"Give me a sec, besto friendo. Even my infinite power needs to recharge.",
		"Hold on Suguru, my six eyes are taking a quick break.",
	},
}

// Picker selects canned replies. The random source is injected so tests can
// pin the selection; NewPicker seeds from the wall clock for production use.
type Picker struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewPicker returns a Picker seeded from the current time.
func NewPicker() *Picker {
	return NewSeededPicker(time.Now().UnixNano())
}

// NewSeededPicker returns a Picker with a deterministic sequence.
func NewSeededPicker(seed int64) *Picker {
	return &Picker{rng: rand.New(rand.NewSource(seed))}
}

// Offline returns a deflection line for the given identity, chosen
// uniformly from that identity's fixed set.
func (p *Picker) Offline(identity persona.Identity) string {
	set, ok := offlineResponses[identity]
	if !ok {
		set = offlineResponses[persona.IdentityDefault]
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return set[p.rng.Intn(len(set))]
}
