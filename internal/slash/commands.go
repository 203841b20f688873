// Package slash answers the /slava slash command.
package slash

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"slava/internal/auth"
	"slava/internal/locks"
	"slava/internal/models"
	"slava/internal/render"
	"slava/internal/strava"
	"slava/internal/units"
)

// Request is a parsed slash command invocation.
type Request struct {
	TeamID    string
	UserID    string
	UserName  string
	ChannelID string
	Text      string
}

// Response is the reply shown to the user. Ephemeral unless InChannel.
type Response struct {
	Text      string
	InChannel bool
}

// Syncer pulls and brags a user's activities.
type Syncer interface {
	SyncAndBrag(ctx context.Context, user *models.User, last bool) (int, []models.ChannelMessage, error)
}

// Strava is the part of the Strava client commands use.
type Strava interface {
	AuthorizeURL(state string) string
	GetClub(ctx context.Context, token string, clubID int64) (*strava.Club, error)
}

const helpText = "*Slava* posts your Strava activities to the channels you are in.\n" +
	"`/slava connect` connect your Strava account\n" +
	"`/slava disconnect` disconnect your Strava account\n" +
	"`/slava sync` sync your activities now\n" +
	"`/slava set` show settings\n" +
	"`/slava set private|followers|sync on|off` choose what gets posted\n" +
	"`/slava set units mi|km|both` (admin)\n" +
	"`/slava set fields Type, Distance, Time, Pace` (admin)\n" +
	"`/slava set maps off|full|thumb` (admin)\n" +
	"`/slava set threads none|daily|weekly|monthly` (admin)\n" +
	"`/slava set retention <days>` (admin, 0 keeps everything)\n" +
	"`/slava clubs` list clubs connected to this channel\n" +
	"`/slava clubs connect|disconnect <id>` post a Strava club's activities here"

// Commander dispatches slash commands
type Commander struct {
	db     *gorm.DB
	strava Strava
	signer *auth.StateSigner
	syncer Syncer
	log    zerolog.Logger
}

// NewCommander creates a new Commander
func NewCommander(db *gorm.DB, client Strava, signer *auth.StateSigner, syncer Syncer, log zerolog.Logger) *Commander {
	return &Commander{
		db:     db,
		strava: client,
		signer: signer,
		syncer: syncer,
		log:    log.With().Str("component", "slash").Logger(),
	}
}

// Handle runs one command. Failures the user can act on are replies; the
// error return is reserved for storage failures.
func (c *Commander) Handle(ctx context.Context, req Request) (Response, error) {
	var team models.Team
	err := c.db.WithContext(ctx).Where("slack_team_id = ?", req.TeamID).First(&team).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !team.Active) {
		return reply("This workspace is not active. Ask your admin to reinstall Slava."), nil
	} else if err != nil {
		return Response{}, err
	}

	user, err := c.user(ctx, &team, req)
	if err != nil {
		return Response{}, err
	}

	args := strings.Fields(req.Text)
	if len(args) == 0 {
		return reply(helpText), nil
	}

	c.log.Debug().Str("team", team.SlackTeamID).Str("user", user.SlackUserID).Strs("args", args).Msg("command")
	switch strings.ToLower(args[0]) {
	case "help":
		return reply(helpText), nil
	case "connect":
		return c.connect(&team, user, req)
	case "disconnect":
		return c.disconnect(ctx, user)
	case "sync":
		return c.sync(ctx, &team, user)
	case "set":
		return c.set(ctx, &team, user, args[1:])
	case "clubs":
		return c.clubs(ctx, &team, user, req.ChannelID, args[1:])
	}
	return reply(fmt.Sprintf("Sorry, I don't understand `%s`. Try `/slava help`.", req.Text)), nil
}

func reply(text string) Response {
	return Response{Text: text}
}

func (c *Commander) user(ctx context.Context, team *models.Team, req Request) (*models.User, error) {
	var user models.User
	err := c.db.WithContext(ctx).Where("team_id = ? AND slack_user_id = ?", team.ID, req.UserID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		created := models.NewUser(team.ID, req.UserID, req.UserName)
		if err := c.db.WithContext(ctx).Create(created).Error; err != nil {
			return nil, fmt.Errorf("failed to create user: %w", err)
		}
		return created, nil
	} else if err != nil {
		return nil, err
	}

	if req.UserName != "" && user.UserName != req.UserName {
		user.UserName = req.UserName
		if err := c.db.WithContext(ctx).Model(&user).Update("user_name", req.UserName).Error; err != nil {
			return nil, err
		}
	}
	return &user, nil
}

func (c *Commander) connect(team *models.Team, user *models.User, req Request) (Response, error) {
	state, err := c.signer.Sign(auth.State{TeamID: team.SlackTeamID, SlackUserID: user.SlackUserID, ChannelID: req.ChannelID})
	if err != nil {
		return Response{}, err
	}
	text := fmt.Sprintf("Please <%s|connect your Strava account>.", c.strava.AuthorizeURL(state))
	if user.Connected() {
		text = fmt.Sprintf("Your Strava account %s is already connected. <%s|Reconnect> to refresh permissions.", user.AthleteName, c.strava.AuthorizeURL(state))
	}
	return reply(text), nil
}

func (c *Commander) disconnect(ctx context.Context, user *models.User) (Response, error) {
	if !user.Connected() {
		return reply("Your Strava account is not connected."), nil
	}
	user.Disconnect()
	if err := c.db.WithContext(ctx).Save(user).Error; err != nil {
		return Response{}, err
	}
	return reply("Your Strava account has been disconnected."), nil
}

func (c *Commander) sync(ctx context.Context, team *models.Team, user *models.User) (Response, error) {
	if !user.Connected() {
		return reply("Please connect your Strava account first with `/slava connect`."), nil
	}
	if team.SubscriptionExpired() {
		return reply("Your trial has expired, activities are no longer posted."), nil
	}

	changed, posts, err := c.syncer.SyncAndBrag(ctx, user, false)
	if err != nil {
		c.log.Warn().Err(err).Str("user", user.SlackUserID).Msg("manual sync failed")
		return reply(syncFailure(err)), nil
	}
	return reply(fmt.Sprintf("Synced %d new or updated %s, posted to %d %s.",
		changed, plural(changed, "activity", "activities"), len(posts), plural(len(posts), "channel", "channels"))), nil
}

func syncFailure(err error) string {
	switch {
	case errors.Is(err, strava.ErrUnauthorized):
		return "Strava rejected your authorization. Please reconnect with `/slava connect`."
	case errors.Is(err, strava.ErrRateLimited):
		return "Strava is busy right now, please try again in a few minutes."
	case errors.Is(err, locks.ErrLocked):
		return "Your activities are being synced right now, please try again in a minute."
	}
	return "Sorry, syncing your activities failed. Please try again later."
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func (c *Commander) set(ctx context.Context, team *models.Team, user *models.User, args []string) (Response, error) {
	if len(args) == 0 {
		return reply(settings(team, user)), nil
	}
	key := strings.ToLower(args[0])
	value := strings.TrimSpace(strings.Join(args[1:], " "))

	switch key {
	case "private", "followers", "sync":
		return c.setUser(ctx, user, key, value)
	case "units", "fields", "maps", "threads", "retention":
		if !team.IsAdmin(user.SlackUserID) && !user.IsAdmin {
			return reply(fmt.Sprintf("Sorry, only an admin can change `%s`.", key)), nil
		}
		return c.setTeam(ctx, team, key, value)
	}
	return reply(fmt.Sprintf("Invalid setting `%s`, see `/slava help`.", key)), nil
}

func (c *Commander) setUser(ctx context.Context, user *models.User, key, value string) (Response, error) {
	on, err := parseOnOff(value)
	if err != nil {
		return reply(fmt.Sprintf("Invalid value `%s` for `%s`, use `on` or `off`.", value, key)), nil
	}

	var column, text string
	switch key {
	case "private":
		user.PrivateActivities, column = on, "private_activities"
		text = "Private activities will %sbe posted."
	case "followers":
		user.FollowersOnlyActivities, column = on, "followers_only_activities"
		text = "Followers only activities will %sbe posted."
	case "sync":
		user.SyncActivities, column = on, "sync_activities"
		text = "Your activities will %sbe synced."
	}
	if err := c.db.WithContext(ctx).Model(user).Update(column, on).Error; err != nil {
		return Response{}, err
	}
	not := "not "
	if on {
		not = ""
	}
	return reply(fmt.Sprintf(text, not)), nil
}

func (c *Commander) setTeam(ctx context.Context, team *models.Team, key, value string) (Response, error) {
	var update any
	switch key {
	case "units":
		u, err := units.Parse(value)
		if err != nil {
			return reply(fmt.Sprintf("Invalid value `%s` for units, use `mi`, `km` or `both`.", value)), nil
		}
		team.Units, update = u, u
	case "fields":
		names := []string{}
		if !strings.EqualFold(value, "default") {
			fields, err := render.ParseFields(value)
			if err != nil || len(fields) == 0 {
				return reply(fmt.Sprintf("Invalid fields `%s`.", value)), nil
			}
			names = render.Names(fields)
		}
		team.Fields = names
		update = team.Fields
	case "maps":
		m, err := models.ParseMapsMode(strings.ToLower(value))
		if err != nil {
			return reply(fmt.Sprintf("Invalid value `%s` for maps, use `off`, `full` or `thumb`.", value)), nil
		}
		team.Maps, update = m, m
	case "threads":
		m, err := models.ParseThreadsMode(strings.ToLower(value))
		if err != nil {
			return reply(fmt.Sprintf("Invalid value `%s` for threads, use `none`, `daily`, `weekly` or `monthly`.", value)), nil
		}
		team.Threads, update = m, m
	case "retention":
		days, err := strconv.Atoi(value)
		if err != nil || days < 0 {
			return reply(fmt.Sprintf("Invalid value `%s` for retention, use a number of days.", value)), nil
		}
		team.RetentionDays, update = days, days
	}

	column := key
	if key == "retention" {
		column = "retention_days"
	}
	if err := c.db.WithContext(ctx).Model(team).Update(column, update).Error; err != nil {
		return Response{}, err
	}
	return Response{Text: settings(team, nil), InChannel: true}, nil
}

func parseOnOff(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "on", "yes", "true":
		return true, nil
	case "off", "no", "false":
		return false, nil
	}
	return false, fmt.Errorf("invalid value %q", value)
}

func settings(team *models.Team, user *models.User) string {
	fields, err := render.TeamFields(team.Fields)
	if err != nil {
		fields = render.DefaultFields
	}
	retention := "forever"
	if team.RetentionDays > 0 {
		retention = fmt.Sprintf("%d days", team.RetentionDays)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Units: %s\n", team.DisplayUnits())
	fmt.Fprintf(&b, "Fields: %s\n", strings.Join(render.Names(fields), ", "))
	fmt.Fprintf(&b, "Maps: %s\n", team.Maps)
	fmt.Fprintf(&b, "Threads: %s\n", team.Threads)
	fmt.Fprintf(&b, "Activities are kept %s.", retention)
	if user != nil {
		fmt.Fprintf(&b, "\nPrivate activities: %s\n", onOff(user.PrivateActivities))
		fmt.Fprintf(&b, "Followers only activities: %s\n", onOff(user.FollowersOnlyActivities))
		fmt.Fprintf(&b, "Sync: %s", onOff(user.SyncActivities))
	}
	return b.String()
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func (c *Commander) clubs(ctx context.Context, team *models.Team, user *models.User, channel string, args []string) (Response, error) {
	if len(args) == 0 || strings.EqualFold(args[0], "list") {
		var clubs []models.Club
		if err := c.db.WithContext(ctx).Where("team_id = ? AND channel_id = ?", team.ID, channel).Find(&clubs).Error; err != nil {
			return Response{}, err
		}
		if len(clubs) == 0 {
			return reply("No clubs are connected to this channel."), nil
		}
		lines := make([]string, 0, len(clubs))
		for _, club := range clubs {
			lines = append(lines, fmt.Sprintf("<%s|%s> (%d)", club.StravaURL(), club.Name, club.StravaID))
		}
		return reply("Clubs in this channel:\n" + strings.Join(lines, "\n")), nil
	}

	if len(args) < 2 {
		return reply("Please specify a Strava club id, for example `/slava clubs connect 12345`."), nil
	}
	id, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return reply(fmt.Sprintf("Invalid club id `%s`.", args[1])), nil
	}

	switch strings.ToLower(args[0]) {
	case "connect":
		return c.connectClub(ctx, team, user, channel, id)
	case "disconnect":
		res := c.db.WithContext(ctx).Where("team_id = ? AND channel_id = ? AND strava_id = ?", team.ID, channel, id).Delete(&models.Club{})
		if res.Error != nil {
			return Response{}, res.Error
		}
		if res.RowsAffected == 0 {
			return reply(fmt.Sprintf("Club %d is not connected to this channel.", id)), nil
		}
		return Response{Text: fmt.Sprintf("Club %d was disconnected from this channel.", id), InChannel: true}, nil
	}
	return reply(fmt.Sprintf("Sorry, I don't understand `clubs %s`.", args[0])), nil
}

func (c *Commander) connectClub(ctx context.Context, team *models.Team, user *models.User, channel string, id int64) (Response, error) {
	if !user.Connected() {
		return reply("Please connect your Strava account first with `/slava connect`, clubs are read with your permissions."), nil
	}

	var count int64
	if err := c.db.WithContext(ctx).Model(&models.Club{}).Where("team_id = ? AND channel_id = ? AND strava_id = ?", team.ID, channel, id).Count(&count).Error; err != nil {
		return Response{}, err
	}
	if count > 0 {
		return reply(fmt.Sprintf("Club %d is already connected to this channel.", id)), nil
	}

	info, err := c.strava.GetClub(ctx, user.AccessToken, id)
	switch {
	case errors.Is(err, strava.ErrNotFound):
		return reply(fmt.Sprintf("Club %d was not found on Strava, are you a member?", id)), nil
	case errors.Is(err, strava.ErrUnauthorized):
		return reply("Strava rejected your authorization. Please reconnect with `/slava connect`."), nil
	case err != nil:
		return Response{}, err
	}

	club := &models.Club{
		TeamID:         team.ID,
		StravaID:       info.ID,
		Name:           info.Name,
		URL:            info.URL,
		LogoURL:        info.ProfileMedium,
		ChannelID:      channel,
		ConnectedBy:    user.SlackUserID,
		AccessToken:    user.AccessToken,
		RefreshToken:   user.RefreshToken,
		TokenExpiresAt: user.TokenExpiresAt,
		SyncActivities: true,
	}
	if err := c.db.WithContext(ctx).Create(club).Error; err != nil {
		return Response{}, fmt.Errorf("failed to create club: %w", err)
	}
	return Response{Text: fmt.Sprintf("Club <%s|%s> is now connected to this channel.", club.StravaURL(), club.Name), InChannel: true}, nil
}
