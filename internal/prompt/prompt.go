// Package prompt builds the single text prompt sent to the LLM for each child
// utterance: a persona preamble, tier-specific tone rules, the serialised
// conversation history and the new utterance.
//
// Building is pure: no I/O, no side effects, safe for concurrent use.
package prompt

import (
	"fmt"
	"strings"

	"github.com/MrWong99/talkbuddy/internal/conversation"
)

// DefaultPersona is the companion name used when none is configured.
const DefaultPersona = "Buddy"

// noHistory marks an empty conversation.
const noHistory = "None"

// Tone is the fixed tone configuration of one tier.
type Tone struct {
	// Descriptor explains the tier to the model.
	Descriptor string

	// Praise describes how enthusiastic the opening praise is.
	Praise string

	// MaxCorrections is the ceiling on corrected mistakes per reply.
	MaxCorrections int

	// Length is the target reply length band.
	Length string

	// Vocabulary lists example words suited to the tier.
	Vocabulary []string
}

// Tones maps each tier to its tone configuration.
var Tones = map[conversation.Tier]Tone{
	conversation.Beginner: {
		Descriptor:     "young learner who is just starting to speak English",
		Praise:         "big, excited praise with an exclamation mark",
		MaxCorrections: 1,
		Length:         "1-2 short sentences, no more than 20 words in total",
		Vocabulary:     []string{"cat", "dog", "happy", "play", "red", "big", "like"},
	},
	conversation.Intermediate: {
		Descriptor:     "learner who can build simple sentences and is growing vocabulary",
		Praise:         "warm, specific praise for what they did well",
		MaxCorrections: 2,
		Length:         "2-3 sentences",
		Vocabulary:     []string{"because", "favourite", "yesterday", "weekend", "explore", "delicious"},
	},
	conversation.Advanced: {
		Descriptor:     "confident learner ready for richer sentences and new expressions",
		Praise:         "encouraging, natural praise like a friendly teacher",
		MaxCorrections: 2,
		Length:         "3-4 sentences",
		Vocabulary:     []string{"although", "imagine", "curious", "adventure", "however", "describe"},
	},
}

// ToneFor returns the tone for t, falling back to the default tier for
// unknown values.
func ToneFor(t conversation.Tier) (conversation.Tier, Tone) {
	if tone, ok := Tones[t]; ok {
		return t, tone
	}
	return conversation.DefaultTier, Tones[conversation.DefaultTier]
}

// Builder renders prompts for one companion persona.
type Builder struct {
	persona string
}

// New returns a Builder for persona. An empty persona selects
// [DefaultPersona].
func New(persona string) *Builder {
	persona = strings.TrimSpace(persona)
	if persona == "" {
		persona = DefaultPersona
	}
	return &Builder{persona: persona}
}

// Persona returns the companion name used in prompts.
func (b *Builder) Persona() string { return b.persona }

// Build returns the prompt for utterance given the tier and history.
func (b *Builder) Build(tier conversation.Tier, history []conversation.Turn, utterance string) string {
	tier, tone := ToneFor(tier)

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s, a kind and playful friend who helps children practise speaking English.\n", b.persona)
	sb.WriteString("The child talks to you out loud, so answer the way you would speak, without lists, emoji or formatting.\n\n")

	sb.WriteString("Rules:\n")
	fmt.Fprintf(&sb, "- Always open with praise: %s.\n", tone.Praise)
	fmt.Fprintf(&sb, "- Correct at most %s. Say the correct version gently instead of explaining grammar.\n", plural(tone.MaxCorrections, "mistake"))
	fmt.Fprintf(&sb, "- Keep your reply to %s.\n", tone.Length)
	fmt.Fprintf(&sb, "- Prefer simple words such as: %s.\n", strings.Join(tone.Vocabulary, ", "))
	sb.WriteString("- End by repeating one example sentence and asking the child to try saying it.\n\n")

	fmt.Fprintf(&sb, "Level: %s (%s).\n\n", tier, tone.Descriptor)

	sb.WriteString("Conversation so far:\n")
	sb.WriteString(b.formatHistory(history))
	sb.WriteString("\n\n")

	fmt.Fprintf(&sb, "The child just said: \"%s\"\n", utterance)
	fmt.Fprintf(&sb, "%s:", b.persona)
	return sb.String()
}

// formatHistory renders one speaker-labelled line per turn.
func (b *Builder) formatHistory(history []conversation.Turn) string {
	if len(history) == 0 {
		return noHistory
	}
	lines := make([]string, 0, len(history))
	for _, t := range history {
		speaker := "Child"
		if t.Role == conversation.RoleAssistant {
			speaker = b.persona
		}
		lines = append(lines, speaker+": "+strings.TrimSpace(t.Text))
	}
	return strings.Join(lines, "\n")
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
