// Package prompt renders the guide's system instruction from the player's
// game state.
package prompt

import (
	"fmt"
	"strings"
)

// Quest is the player's active quest.
type Quest struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Steps       []string `json:"steps,omitempty"`
	CurrentStep int      `json:"current_step"`
}

// GameContext is the state the guide is told about at connect time.
type GameContext struct {
	UserName         string   `json:"user_name,omitempty"`
	Language         string   `json:"language,omitempty"`
	VisitedLocations []string `json:"visited_locations,omitempty"`
	NearbyLocations  []string `json:"nearby_locations,omitempty"`
	LearnedPhrases   []string `json:"learned_phrases,omitempty"`
	ActiveQuest      *Quest   `json:"active_quest,omitempty"`
	Points           int      `json:"points,omitempty"`
}

type Builder interface {
	Build(gc GameContext) string
}

// BuilderFunc adapts a function to Builder.
type BuilderFunc func(GameContext) string

func (f BuilderFunc) Build(gc GameContext) string { return f(gc) }

const defaultPersona = `You are Medea, a warm and witty local guide in Poti, Georgia, the city where the Argonauts are said to have landed in search of the Golden Fleece.
You speak with the visitor in real time while they explore the city on foot. You can see through their camera when it is on.
Keep answers short and conversational, two or three sentences at a time, and let the visitor lead.
Weave in the myth of Jason, Medea and the Argonauts where it fits, along with real history of Colchis, the Rioni river and the Black Sea port.
Teach one Georgian phrase at a time: say it, give its meaning, and invite the visitor to repeat it.`

const toolGuidance = `When the visitor says they have arrived at a landmark, call visit_location with its name.
When the visitor correctly repeats a Georgian phrase, call learn_phrase with the phrase in Georgian script.
Use start_quest and advance_quest_step to run quests, and get_user_progress when asked about progress.
Do not announce that you are calling a tool; just continue the conversation.`

// Default is the stock Poti guide persona.
type Default struct {
	// Persona replaces the built-in persona paragraph when set.
	Persona string
	// Tools adds tool usage guidance.
	Tools bool
}

func (d Default) Build(gc GameContext) string {
	var b strings.Builder
	persona := strings.TrimSpace(d.Persona)
	if persona == "" {
		persona = defaultPersona
	}
	b.WriteString(persona)
	b.WriteString("\n")

	if d.Tools {
		b.WriteString("\n")
		b.WriteString(toolGuidance)
		b.WriteString("\n")
	}

	var state []string
	if name := strings.TrimSpace(gc.UserName); name != "" {
		state = append(state, fmt.Sprintf("The visitor's name is %s.", name))
	}
	if lang := strings.TrimSpace(gc.Language); lang != "" {
		state = append(state, fmt.Sprintf("Speak %s unless the visitor switches language.", lang))
	}
	if len(gc.VisitedLocations) > 0 {
		state = append(state, "Already visited: "+strings.Join(gc.VisitedLocations, ", ")+".")
	} else {
		state = append(state, "The visitor has not visited any landmarks yet.")
	}
	if len(gc.NearbyLocations) > 0 {
		state = append(state, "Nearby landmarks: "+strings.Join(gc.NearbyLocations, ", ")+".")
	}
	if len(gc.LearnedPhrases) > 0 {
		state = append(state, "Georgian phrases already learned: "+strings.Join(gc.LearnedPhrases, ", ")+". Do not teach these again.")
	}
	if q := gc.ActiveQuest; q != nil && strings.TrimSpace(q.Title) != "" {
		line := fmt.Sprintf("Active quest: %s", q.Title)
		if q.CurrentStep >= 0 && q.CurrentStep < len(q.Steps) {
			line += fmt.Sprintf(" (step %d of %d: %s)", q.CurrentStep+1, len(q.Steps), q.Steps[q.CurrentStep])
		}
		state = append(state, line+".")
	}
	if gc.Points > 0 {
		state = append(state, fmt.Sprintf("The visitor has %d points.", gc.Points))
	}

	b.WriteString("\nCurrent game state:\n")
	for _, line := range state {
		b.WriteString("- ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
