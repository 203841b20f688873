// Package slackbot posts, updates and deletes activity messages through the
// Slack Web API.
package slackbot

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/slack-go/slack"
)

// Message is the content of a post.
type Message struct {
	Text     string
	Blocks   []slack.Block
	ThreadTS string
}

func (m Message) options() []slack.MsgOption {
	opts := []slack.MsgOption{slack.MsgOptionText(m.Text, false)}
	if len(m.Blocks) > 0 {
		opts = append(opts, slack.MsgOptionBlocks(m.Blocks...))
	}
	if m.ThreadTS != "" {
		opts = append(opts, slack.MsgOptionTS(m.ThreadTS))
	}
	return opts
}

// Messenger is the bot's view of one Slack workspace.
type Messenger interface {
	PostMessage(ctx context.Context, channel string, msg Message) (string, error)
	UpdateMessage(ctx context.Context, channel, ts string, msg Message) error
	DeleteMessage(ctx context.Context, channel, ts string) error
	BotChannels(ctx context.Context) ([]string, error)
	ChannelMembers(ctx context.Context, channel string) ([]string, error)
	DirectMessage(ctx context.Context, userID, text string) error
}

// Factory returns a Messenger authenticated with a team's bot token.
type Factory func(token string) Messenger

// NewFactory builds messengers backed by slack-go.
func NewFactory(opts ...slack.Option) Factory {
	return func(token string) Messenger {
		return &Client{api: slack.New(token, opts...)}
	}
}

// Client implements Messenger with slack-go.
type Client struct {
	api *slack.Client
}

func (c *Client) PostMessage(ctx context.Context, channel string, msg Message) (string, error) {
	_, ts, err := c.api.PostMessageContext(ctx, channel, msg.options()...)
	if err != nil {
		return "", fmt.Errorf("failed to post to %s: %w", channel, err)
	}
	return ts, nil
}

func (c *Client) UpdateMessage(ctx context.Context, channel, ts string, msg Message) error {
	msg.ThreadTS = ""
	if _, _, _, err := c.api.UpdateMessageContext(ctx, channel, ts, msg.options()...); err != nil {
		return fmt.Errorf("failed to update %s/%s: %w", channel, ts, err)
	}
	return nil
}

func (c *Client) DeleteMessage(ctx context.Context, channel, ts string) error {
	if _, _, err := c.api.DeleteMessageContext(ctx, channel, ts); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", channel, ts, err)
	}
	return nil
}

// BotChannels lists the channels the bot is a member of.
func (c *Client) BotChannels(ctx context.Context) ([]string, error) {
	var ids []string
	params := &slack.GetConversationsForUserParameters{
		Types:           []string{"public_channel", "private_channel"},
		ExcludeArchived: true,
		Limit:           200,
	}
	for {
		channels, cursor, err := c.api.GetConversationsForUserContext(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("failed to list bot channels: %w", err)
		}
		for _, ch := range channels {
			ids = append(ids, ch.ID)
		}
		if cursor == "" {
			return ids, nil
		}
		params.Cursor = cursor
	}
}

func (c *Client) ChannelMembers(ctx context.Context, channel string) ([]string, error) {
	var members []string
	params := &slack.GetUsersInConversationParameters{ChannelID: channel, Limit: 200}
	for {
		page, cursor, err := c.api.GetUsersInConversationContext(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("failed to list members of %s: %w", channel, err)
		}
		members = append(members, page...)
		if cursor == "" {
			return members, nil
		}
		params.Cursor = cursor
	}
}

func (c *Client) DirectMessage(ctx context.Context, userID, text string) error {
	ch, _, _, err := c.api.OpenConversationContext(ctx, &slack.OpenConversationParameters{Users: []string{userID}})
	if err != nil {
		return fmt.Errorf("failed to open conversation with %s: %w", userID, err)
	}
	_, err = c.PostMessage(ctx, ch.ID, Message{Text: text})
	return err
}

// goneErrors are answers after which a destination will never accept posts.
var goneErrors = []string{
	"channel_not_found",
	"not_in_channel",
	"is_archived",
	"account_inactive",
	"invalid_auth",
	"token_revoked",
	"team_access_not_granted",
	"restricted_action",
	"ekm_access_denied",
}

// IsDestinationGone reports whether err means the channel or workspace can no
// longer be posted to.
func IsDestinationGone(err error) bool {
	if err == nil {
		return false
	}
	var resp slack.SlackErrorResponse
	if errors.As(err, &resp) {
		return slices.Contains(goneErrors, resp.Err)
	}
	var gone *GoneError
	return errors.As(err, &gone)
}

// workspaceGoneErrors mean the bot's token no longer works anywhere.
var workspaceGoneErrors = []string{
	"account_inactive",
	"invalid_auth",
	"token_revoked",
	"team_access_not_granted",
}

// IsWorkspaceGone reports whether err means the whole workspace, not just one
// channel, can no longer be reached.
func IsWorkspaceGone(err error) bool {
	if err == nil {
		return false
	}
	var resp slack.SlackErrorResponse
	if errors.As(err, &resp) {
		return slices.Contains(workspaceGoneErrors, resp.Err)
	}
	var gone *GoneError
	return errors.As(err, &gone) && slices.Contains(workspaceGoneErrors, gone.Reason)
}

// IsMessageGone reports whether a message to update or delete no longer exists.
func IsMessageGone(err error) bool {
	var resp slack.SlackErrorResponse
	return errors.As(err, &resp) && (resp.Err == "message_not_found" || resp.Err == "cant_delete_message")
}

// GoneError is a destination-gone failure raised outside slack-go.
type GoneError struct {
	Channel string
	Reason  string
}

func (e *GoneError) Error() string {
	return fmt.Sprintf("%s: %s", e.Channel, e.Reason)
}
