// Package render lays out an activity as Slack blocks.
package render

import (
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"slava/internal/maps"
	"slava/internal/models"
	"slava/internal/slackbot"
	"slava/internal/units"
)

const (
	maxSectionFields = 10
	fullMapSize      = 800
	thumbMapSize     = 100
	dateLayout       = "Monday, January 2, 2006 at 3:04 PM"
)

// Options are the team and owner settings a post is rendered with.
type Options struct {
	Units  units.Units
	Fields []Field
	Maps   models.MapsMode
	Map    maps.Provider

	// Owner is a user mention or an athlete name.
	Owner string
	Medal string
}

// Message renders the title, context, description, fields with the map, and
// photo blocks, in that order. Blocks with nothing to show are left out.
func Message(a *models.Activity, opts Options) (slackbot.Message, error) {
	var blocks []slack.Block

	blocks = append(blocks, titleBlock(a))
	if ctx := contextBlock(a, opts); ctx != nil {
		blocks = append(blocks, ctx)
	}
	if a.Description != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, a.Description, false, false), nil, nil))
	}

	fieldBlocks, err := fieldsBlocks(a, opts)
	if err != nil {
		return slackbot.Message{}, err
	}
	blocks = append(blocks, fieldBlocks...)

	if opts.Maps == models.MapsFull {
		if u := mapURL(a, opts, fullMapSize); u != "" {
			blocks = append(blocks, slack.NewImageBlock(u, "map", "", nil))
		}
	}
	if a.PhotoURL != "" {
		blocks = append(blocks, slack.NewImageBlock(a.PhotoURL, a.Name, "", nil))
	}

	return slackbot.Message{Text: fallbackText(a, opts), Blocks: blocks}, nil
}

func title(a *models.Activity) string {
	if a.Name != "" {
		return a.Name
	}
	return a.Type
}

func titleBlock(a *models.Activity) slack.Block {
	text := "*" + title(a) + "*"
	if u := a.StravaURL(); u != "" {
		text = fmt.Sprintf("*<%s|%s>*", u, title(a))
	}
	return slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil)
}

func contextBlock(a *models.Activity, opts Options) slack.Block {
	var parts []string
	if opts.Owner != "" {
		parts = append(parts, opts.Owner)
	}
	if opts.Medal != "" {
		parts = append(parts, opts.Medal)
	}
	if !a.StartDateLocal.IsZero() {
		parts = append(parts, "on "+a.StartDateLocal.Format(dateLayout))
	}
	if len(parts) == 0 {
		return nil
	}
	return slack.NewContextBlock("", slack.NewTextBlockObject(slack.MarkdownType, strings.Join(parts, " "), false, false))
}

func fieldsBlocks(a *models.Activity, opts Options) ([]slack.Block, error) {
	var fields []*slack.TextBlockObject
	for _, f := range opts.Fields {
		v, ok, err := Value(a, f, opts.Units)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		fields = append(fields, slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*%s*\n%s", f, v), false, false))
	}

	var thumb *slack.ImageBlockElement
	if opts.Maps == models.MapsThumb {
		if u := mapURL(a, opts, thumbMapSize); u != "" {
			thumb = slack.NewImageBlockElement(u, "map")
		}
	}

	if len(fields) == 0 {
		if thumb != nil {
			return []slack.Block{slack.NewImageBlock(thumb.ImageURL, "map", "", nil)}, nil
		}
		return nil, nil
	}

	var blocks []slack.Block
	for i := 0; i < len(fields); i += maxSectionFields {
		chunk := fields[i:min(i+maxSectionFields, len(fields))]
		var accessory *slack.Accessory
		if i == 0 && thumb != nil {
			accessory = slack.NewAccessory(thumb)
		}
		blocks = append(blocks, slack.NewSectionBlock(nil, chunk, accessory))
	}
	return blocks, nil
}

func mapURL(a *models.Activity, opts Options, size int) string {
	if opts.Map == nil || a.SummaryPolyline == "" {
		return ""
	}
	return opts.Map.ImageURL(a.SummaryPolyline, size, size)
}

func fallbackText(a *models.Activity, opts Options) string {
	parts := []string{title(a)}
	if opts.Owner != "" {
		parts = []string{opts.Owner + ":", title(a)}
	}
	if d, ok, _ := Value(a, FieldDistance, opts.Units); ok {
		parts = append(parts, d)
	}
	if t, ok, _ := Value(a, FieldTime, opts.Units); ok {
		parts = append(parts, t)
	}
	return strings.Join(parts, " ")
}
