package tools

import "google.golang.org/genai"

// Declarations returns the function schema advertised to the model, one
// declaration per known tool.
func Declarations() []*genai.FunctionDeclaration {
	return []*genai.FunctionDeclaration{
		{
			Name:        string(VisitLocation),
			Description: "Record that the user has arrived at a landmark in Poti. Call this when the user says they are at, or have reached, a location.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"location_name": {Type: genai.TypeString, Description: "Name of the location the user is visiting."},
				},
				Required: []string{"location_name"},
			},
		},
		{
			Name:        string(LearnPhrase),
			Description: "Record that the user learned a Georgian phrase.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"phrase":  {Type: genai.TypeString, Description: "The phrase in Georgian script."},
					"meaning": {Type: genai.TypeString, Description: "English meaning of the phrase."},
				},
				Required: []string{"phrase"},
			},
		},
		{
			Name:        string(StartQuest),
			Description: "Start a quest for the user.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"quest_id": {Type: genai.TypeString, Description: "Identifier of the quest to start."},
				},
				Required: []string{"quest_id"},
			},
		},
		{
			Name:        string(AdvanceQuestStep),
			Description: "Mark the current step of an active quest as completed.",
			Parameters: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"quest_id": {Type: genai.TypeString, Description: "Identifier of the active quest."},
					"step":     {Type: genai.TypeInteger, Description: "Zero-based index of the completed step."},
				},
				Required: []string{"quest_id"},
			},
		},
		{
			Name:        string(GetUserProgress),
			Description: "Get the user's visited locations, learned phrases, quests and points.",
		},
	}
}

// Tool wraps Declarations for a live connect config.
func Tool() *genai.Tool {
	return &genai.Tool{FunctionDeclarations: Declarations()}
}
