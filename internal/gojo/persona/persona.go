// Package persona owns the bot's voice: the system instruction sent with
// every generation call, selected by who is talking. Three identities
// exist — two configured special users and everyone else — and each maps to
// a different task paragraph appended to the shared base persona.
//
// Persona content is compiled in. An operator can replace it wholesale with
// a YAML file (see Load), validated against an embedded schema before it is
// accepted.
package persona

import "strings"

// Identity is the requester category resolved from the author ID.
type Identity int

const (
	// IdentityDefault is any user who is not one of the two special IDs.
	IdentityDefault Identity = iota
	// IdentitySukuna is the configured arch-nemesis user.
	IdentitySukuna
	// IdentitySuguru is the configured best-friend user.
	IdentitySuguru
)

// String returns the identity name used in logs.
func (i Identity) String() string {
	switch i {
	case IdentitySukuna:
		return "sukuna"
	case IdentitySuguru:
		return "suguru"
	default:
		return "default"
	}
}

// Resolver maps author IDs to identities by exact match against the two
// configured special identifiers. Empty identifiers never match.
type Resolver struct {
	SukunaID string
	SuguruID string
}

// Resolve returns the identity category for an author.
func (r Resolver) Resolve(authorID string) Identity {
	switch {
	case r.SukunaID != "" && authorID == r.SukunaID:
		return IdentitySukuna
	case r.SuguruID != "" && authorID == r.SuguruID:
		return IdentitySuguru
	default:
		return IdentityDefault
	}
}

// usernamePlaceholder is substituted with the requester's display name when
// the instruction is assembled.
const usernamePlaceholder = "{username}"

// Persona holds the base instruction and the per-identity task paragraphs.
// Task texts may contain {username}, replaced at assembly time.
type Persona struct {
	Base        string `yaml:"base"`
	DefaultTask string `yaml:"default_task"`
	SukunaTask  string `yaml:"sukuna_task"`
	SuguruTask  string `yaml:"suguru_task"`
}

// Default returns the compiled-in Gojo Satoru persona.
func Default() *Persona {
	return &Persona{
		Base: `You are Gojo Satoru, the strongest jujutsu sorcerer. Keep responses VERY SHORT (1-2 sentences max).
PERSONALITY: Extremely confident, cocky, playful, arrogant. You know you're the strongest.
SPEECH: Use casual, modern slang like "yeah", "nah", "damn". Be cocky. Tease people. Keep it short.
ABSOLUTE RULE: Never, under any circumstances, start your response with your own name or a colon (e.g., do not write 'Gojo:' or 'kitkat:'). Just give the response directly.`,
		DefaultTask: `YOUR CURRENT TASK: You are responding to the user named '{username}'. Be your usual cool, cocky, and casual self. You are superior to them.`,
		SukunaTask:  `YOUR CURRENT TASK: You are responding to the user named '{username}', who is your arch-nemesis, Sukuna. Be confrontational, arrogant, and dismissive of his power. You know you'll always win. Taunt him directly.`,
		SuguruTask:  `YOUR CURRENT TASK: You are responding to the user named '{username}', who is Suguru Geto, your one and only best friend. Be relaxed, playful, and caring in your own way. Address him warmly.`,
	}
}

// Instruction assembles the full system instruction for one generation
// call: base persona plus the identity's task paragraph with the username
// substituted in.
func (p *Persona) Instruction(identity Identity, username string) string {
	task := p.DefaultTask
	switch identity {
	case IdentitySukuna:
		task = p.SukunaTask
	case IdentitySuguru:
		task = p.SuguruTask
	}
	task = strings.ReplaceAll(task, usernamePlaceholder, username)
	return p.Base + "\n\n" + task
}
