// Package slackbottest provides an in-memory Messenger for tests.
package slackbottest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"slava/internal/slackbot"
)

// Post is a message recorded by the fake.
type Post struct {
	Channel string
	TS      string
	Message slackbot.Message
}

// Workspace is an in-memory Slack workspace shared by every messenger the
// factory hands out.
type Workspace struct {
	mu sync.Mutex

	// Members maps channel ids the bot is in to their members.
	Members map[string][]string
	// Fail makes operations on a channel return the error.
	Fail map[string]error
	// Down makes listing the bot's channels return the error.
	Down error

	Posts   []Post
	Updates []Post
	Deletes []Post
	DMs     map[string][]string

	seq int
}

func NewWorkspace() *Workspace {
	return &Workspace{
		Members: map[string][]string{},
		Fail:    map[string]error{},
		DMs:     map[string][]string{},
	}
}

// Factory returns the workspace for any token.
func (w *Workspace) Factory() slackbot.Factory {
	return func(string) slackbot.Messenger { return w }
}

func (w *Workspace) PostMessage(_ context.Context, channel string, msg slackbot.Message) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.Fail[channel]; err != nil {
		return "", err
	}
	w.seq++
	ts := fmt.Sprintf("1700000000.%06d", w.seq)
	w.Posts = append(w.Posts, Post{Channel: channel, TS: ts, Message: msg})
	return ts, nil
}

func (w *Workspace) UpdateMessage(_ context.Context, channel, ts string, msg slackbot.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.Fail[channel]; err != nil {
		return err
	}
	w.Updates = append(w.Updates, Post{Channel: channel, TS: ts, Message: msg})
	return nil
}

func (w *Workspace) DeleteMessage(_ context.Context, channel, ts string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.Fail[channel]; err != nil {
		return err
	}
	w.Deletes = append(w.Deletes, Post{Channel: channel, TS: ts})
	return nil
}

func (w *Workspace) BotChannels(context.Context) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Down != nil {
		return nil, w.Down
	}
	channels := make([]string, 0, len(w.Members))
	for ch := range w.Members {
		channels = append(channels, ch)
	}
	sort.Strings(channels)
	return channels, nil
}

func (w *Workspace) ChannelMembers(_ context.Context, channel string) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.Fail[channel]; err != nil {
		return nil, err
	}
	return w.Members[channel], nil
}

func (w *Workspace) DirectMessage(_ context.Context, userID, text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.DMs[userID] = append(w.DMs[userID], text)
	return nil
}

// PostsTo returns the posts recorded for channel.
func (w *Workspace) PostsTo(channel string) []Post {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []Post
	for _, p := range w.Posts {
		if p.Channel == channel {
			out = append(out, p)
		}
	}
	return out
}
