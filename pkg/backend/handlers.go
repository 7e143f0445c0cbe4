package backend

import (
	"context"
	"fmt"

	"github.com/vango-go/argonauts-live/pkg/guide/detect"
	"github.com/vango-go/argonauts-live/pkg/guide/prompt"
	"github.com/vango-go/argonauts-live/pkg/guide/tools"
)

// ToolHandlers exposes the client as guide tool handlers.
func (c *Client) ToolHandlers() *tools.Handlers {
	return &tools.Handlers{
		VisitLocation: func(ctx context.Context, args map[string]any) (tools.Result, error) {
			name, err := tools.StringArg(args, "location_name")
			if err != nil {
				return tools.Result{}, err
			}
			res, err := c.VisitLocation(ctx, name)
			if err != nil {
				return tools.Result{}, err
			}
			return actionResult(res, fmt.Sprintf("Visited %s", name)), nil
		},
		LearnPhrase: func(ctx context.Context, args map[string]any) (tools.Result, error) {
			phrase, err := tools.StringArg(args, "phrase")
			if err != nil {
				return tools.Result{}, err
			}
			res, err := c.LearnPhrase(ctx, phrase, tools.OptionalStringArg(args, "meaning"))
			if err != nil {
				return tools.Result{}, err
			}
			return actionResult(res, fmt.Sprintf("Learned %s", phrase)), nil
		},
		StartQuest: func(ctx context.Context, args map[string]any) (tools.Result, error) {
			res, err := c.StartQuest(ctx, tools.OptionalStringArg(args, "quest_id"))
			if err != nil {
				return tools.Result{}, err
			}
			return actionResult(res, "Quest started"), nil
		},
		AdvanceQuestStep: func(ctx context.Context, args map[string]any) (tools.Result, error) {
			var step *int
			n, ok, err := tools.IntArg(args, "step")
			if err != nil {
				return tools.Result{}, err
			}
			if ok {
				step = &n
			}
			res, err := c.AdvanceQuestStep(ctx, tools.OptionalStringArg(args, "quest_id"), step)
			if err != nil {
				return tools.Result{}, err
			}
			return actionResult(res, "Quest advanced"), nil
		},
		GetProgress: func(ctx context.Context, _ map[string]any) (tools.Result, error) {
			p, err := c.GetProgress(ctx)
			if err != nil {
				return tools.Result{}, err
			}
			data := map[string]any{
				"points":            p.Points,
				"visited_locations": p.VisitedLocations,
				"learned_phrases":   p.LearnedPhrases,
				"achievements":      len(p.Achievements),
			}
			if p.ActiveQuest != nil {
				data["active_quest"] = p.ActiveQuest.Title
				data["quest_step"] = p.ActiveQuest.CurrentStep
			}
			return tools.Result{Success: true, Data: data}, nil
		},
	}
}

// OnVisit reports detected visits to the game.
func (c *Client) OnVisit() detect.VisitFunc {
	return func(ctx context.Context, loc detect.Location) ([]detect.Achievement, error) {
		res, err := c.VisitLocation(ctx, loc.Name)
		if err != nil {
			return nil, err
		}
		return res.Achievements, nil
	}
}

// OnLearn reports detected phrases to the game.
func (c *Client) OnLearn() detect.LearnFunc {
	return func(ctx context.Context, p detect.Phrase) ([]detect.Achievement, error) {
		res, err := c.LearnPhrase(ctx, p.Text, p.Meaning)
		if err != nil {
			return nil, err
		}
		return res.Achievements, nil
	}
}

// GameState builds the connect-time game context. It asks the game for the
// player's progress and uses fallback when c is nil or the call fails.
// Whatever is used also seeds det so known visits and phrases are not
// reported twice.
func GameState(c *Client, fallback prompt.GameContext, det *detect.Detector) func(context.Context) prompt.GameContext {
	return func(ctx context.Context) prompt.GameContext {
		gc := fallback
		if c != nil && c.UserID() != "" {
			p, err := c.GetProgress(ctx)
			if err != nil {
				c.logger.Warn("fetch progress failed, using client context", "error", err)
			} else {
				gc = p.GameContext()
				if gc.Language == "" {
					gc.Language = fallback.Language
				}
				if len(gc.NearbyLocations) == 0 {
					gc.NearbyLocations = fallback.NearbyLocations
				}
			}
		}
		if det != nil {
			for _, name := range gc.VisitedLocations {
				if loc, ok := det.ResolveLocation(name); ok {
					det.MarkVisited(loc.ID)
				}
			}
			det.MarkLearned(gc.LearnedPhrases...)
		}
		return gc
	}
}

func actionResult(res *ActionResult, fallback string) tools.Result {
	msg := res.Message
	if msg == "" && res.Success {
		msg = fallback
	}
	out := tools.Result{Success: res.Success, Message: msg}
	data := map[string]any{}
	if res.Points > 0 {
		data["points"] = res.Points
	}
	if len(res.Achievements) > 0 {
		titles := make([]string, 0, len(res.Achievements))
		for _, a := range res.Achievements {
			titles = append(titles, a.Title)
		}
		data["achievements"] = titles
	}
	if res.Quest != nil {
		data["quest"] = res.Quest.Title
		data["quest_step"] = res.Quest.CurrentStep
	}
	if len(data) > 0 {
		out.Data = data
	}
	return out
}
