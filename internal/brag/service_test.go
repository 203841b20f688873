package brag

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"slava/internal/models"
	"slava/internal/slackbot/slackbottest"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}
	return db
}

type fixture struct {
	db        *gorm.DB
	workspace *slackbottest.Workspace
	service   *Service
	team      *models.Team
	user      *models.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := setupTestDB(t)
	workspace := slackbottest.NewWorkspace()

	team := models.NewTeam("T1", "Team", "xoxb-1", 14*24*time.Hour)
	team.ActivatedUserID = "UADMIN"
	require.NoError(t, db.Create(team).Error)

	user := models.NewUser(team.ID, "U1", "dblock")
	user.AccessToken = "token"
	require.NoError(t, db.Create(user).Error)

	return &fixture{
		db:        db,
		workspace: workspace,
		service:   NewService(db, workspace.Factory(), nil, DefaultConfig(), zerolog.Nop()),
		team:      team,
		user:      user,
	}
}

func (f *fixture) userActivity(t *testing.T, user *models.User, stravaID string) *models.UserActivity {
	t.Helper()
	a := &models.UserActivity{UserID: user.ID}
	a.TeamID = f.team.ID
	a.StravaID = stravaID
	a.Name = "Morning Run"
	a.Type = "Run"
	a.Distance = 22539.6
	a.MovingTime = 7586
	a.AverageSpeed = 2.971
	a.StartDate = time.Date(2018, 2, 20, 18, 2, 13, 0, time.UTC)
	a.StartDateLocal = time.Date(2018, 2, 20, 10, 2, 13, 0, time.UTC)
	a.Visibility = models.VisibilityEveryone
	require.NoError(t, f.db.Create(a).Error)
	return a
}

func (f *fixture) club(t *testing.T, channel string) *models.Club {
	t.Helper()
	club := &models.Club{TeamID: f.team.ID, StravaID: 42, Name: "Running Club", ChannelID: channel, SyncActivities: true}
	require.NoError(t, f.db.Create(club).Error)
	return club
}

func (f *fixture) clubActivity(t *testing.T, club *models.Club) *models.ClubActivity {
	t.Helper()
	a := &models.ClubActivity{ClubID: club.ID, AthleteName: "Peter C."}
	a.TeamID = f.team.ID
	a.StravaID = "digest"
	a.Name = "Morning Run"
	a.Type = "Run"
	a.Distance = 22539.6
	a.MovingTime = 7586
	a.StartDate = time.Now().UTC()
	a.Visibility = models.VisibilityEveryone
	require.NoError(t, f.db.Create(a).Error)
	return a
}

func reload[T any](t *testing.T, db *gorm.DB, id any) *T {
	t.Helper()
	var v T
	require.NoError(t, db.First(&v, "id = ?", id).Error)
	return &v
}

func TestBrag_PostsToUserChannels(t *testing.T) {
	f := newFixture(t)
	f.workspace.Members["C1"] = []string{"U1", "U2"}
	f.workspace.Members["C2"] = []string{"U2"}
	a := f.userActivity(t, f.user, "1")

	posts, err := f.service.Brag(context.Background(), a)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "C1", posts[0].Channel)
	assert.Len(t, f.workspace.PostsTo("C1"), 1)
	assert.Empty(t, f.workspace.PostsTo("C2"))

	stored := reload[models.UserActivity](t, f.db, a.ID)
	assert.NotNil(t, stored.BraggedAt)
	assert.Equal(t, posts, []models.ChannelMessage(stored.Channels))

	user := reload[models.User](t, f.db, f.user.ID)
	require.NotNil(t, user.ActivitiesAt)
	assert.True(t, user.ActivitiesAt.Equal(a.StartDate))
}

func TestBrag_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.workspace.Members["C1"] = []string{"U1"}
	a := f.userActivity(t, f.user, "1")

	first, err := f.service.Brag(context.Background(), a)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := f.service.Brag(context.Background(), a)
	require.NoError(t, err)
	assert.Empty(t, second)
	assert.Len(t, f.workspace.Posts, 1)
}

func TestBrag_LosesClaimRace(t *testing.T) {
	f := newFixture(t)
	f.workspace.Members["C1"] = []string{"U1"}
	a := f.userActivity(t, f.user, "1")

	// another worker claimed the row after this copy was loaded
	require.NoError(t, f.db.Model(&models.UserActivity{}).Where("id = ?", a.ID).Update("bragged_at", time.Now().UTC()).Error)

	posts, err := f.service.Brag(context.Background(), a)
	require.NoError(t, err)
	assert.Empty(t, posts)
	assert.Empty(t, f.workspace.Posts)
}

func TestBrag_HiddenActivity(t *testing.T) {
	f := newFixture(t)
	f.workspace.Members["C1"] = []string{"U1"}
	a := f.userActivity(t, f.user, "1")
	a.Private = true

	posts, err := f.service.Brag(context.Background(), a)
	require.NoError(t, err)
	assert.Empty(t, posts)
	assert.Empty(t, f.workspace.Posts)
	assert.NotNil(t, reload[models.UserActivity](t, f.db, a.ID).BraggedAt)
}

func TestBrag_FollowersOnlyAllowedByDefault(t *testing.T) {
	f := newFixture(t)
	f.workspace.Members["C1"] = []string{"U1"}
	a := f.userActivity(t, f.user, "1")
	a.Visibility = models.VisibilityFollowersOnly

	posts, err := f.service.Brag(context.Background(), a)
	require.NoError(t, err)
	assert.Len(t, posts, 1)
}

func TestBrag_ClubFirstSync(t *testing.T) {
	f := newFixture(t)
	club := f.club(t, "C1")
	a := f.clubActivity(t, club)
	a.FirstSync = true

	posts, err := f.service.Brag(context.Background(), a)
	require.NoError(t, err)
	assert.Empty(t, posts)
	assert.Empty(t, f.workspace.Posts)
	assert.NotNil(t, reload[models.ClubActivity](t, f.db, a.ID).BraggedAt)
}

func TestBrag_Club(t *testing.T) {
	f := newFixture(t)
	club := f.club(t, "C9")
	a := f.clubActivity(t, club)

	posts, err := f.service.Brag(context.Background(), a)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "C9", posts[0].Channel)
}

func TestBrag_DuplicateOfUserPost(t *testing.T) {
	f := newFixture(t)
	f.workspace.Members["C1"] = []string{"U1"}
	posted := f.userActivity(t, f.user, "1")
	_, err := f.service.Brag(context.Background(), posted)
	require.NoError(t, err)

	club := f.club(t, "C1")
	a := f.clubActivity(t, club)

	posts, err := f.service.Brag(context.Background(), a)
	require.NoError(t, err)
	assert.Empty(t, posts)
	assert.Len(t, f.workspace.Posts, 1)
	assert.NotNil(t, reload[models.ClubActivity](t, f.db, a.ID).BraggedAt)
}

func TestBrag_DuplicateFiltersOnlyMatchingChannels(t *testing.T) {
	f := newFixture(t)
	f.workspace.Members["C1"] = []string{"U1"}
	club := f.club(t, "C1")
	clubActivity := f.clubActivity(t, club)
	_, err := f.service.Brag(context.Background(), clubActivity)
	require.NoError(t, err)

	f.workspace.Members["C2"] = []string{"U1"}
	a := f.userActivity(t, f.user, "1")

	posts, err := f.service.Brag(context.Background(), a)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "C2", posts[0].Channel)
}

func TestBrag_ClubPrivatelyBragged(t *testing.T) {
	f := newFixture(t)
	f.workspace.Members["C1"] = []string{"U1"}
	private := f.userActivity(t, f.user, "1")
	private.Private = true
	require.NoError(t, f.db.Model(private).Update("private", true).Error)
	_, err := f.service.Brag(context.Background(), private)
	require.NoError(t, err)

	club := f.club(t, "C7")
	a := f.clubActivity(t, club)

	posts, err := f.service.Brag(context.Background(), a)
	require.NoError(t, err)
	assert.Empty(t, posts)
	assert.Empty(t, f.workspace.Posts)
}

func TestBrag_DestinationGone(t *testing.T) {
	f := newFixture(t)
	f.workspace.Members["C1"] = []string{"U1"}
	f.workspace.Members["C2"] = []string{"U1"}
	f.workspace.Fail["C1"] = slack.SlackErrorResponse{Err: "channel_not_found"}
	a := f.userActivity(t, f.user, "1")

	posts, err := f.service.Brag(context.Background(), a)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "C2", posts[0].Channel)

	user := reload[models.User](t, f.db, f.user.ID)
	assert.True(t, user.ChannelDisabled("C1"))
	require.Len(t, f.workspace.DMs["UADMIN"], 1)
	assert.Contains(t, f.workspace.DMs["UADMIN"][0], "<#C1>")
	assert.NotNil(t, reload[models.UserActivity](t, f.db, a.ID).BraggedAt)
}

func TestBrag_UnreadableChannelIsDisabled(t *testing.T) {
	f := newFixture(t)
	f.workspace.Members["C1"] = []string{"U1"}
	f.workspace.Members["C2"] = []string{"U1"}
	f.workspace.Fail["C1"] = slack.SlackErrorResponse{Err: "not_in_channel"}
	a := f.userActivity(t, f.user, "1")

	posts, err := f.service.Brag(context.Background(), a)
	require.NoError(t, err)
	require.Len(t, posts, 1)
	assert.Equal(t, "C2", posts[0].Channel)
	assert.Len(t, f.workspace.Posts, 1)

	assert.True(t, reload[models.User](t, f.db, f.user.ID).ChannelDisabled("C1"))
	require.Len(t, f.workspace.DMs["UADMIN"], 1)
	assert.Contains(t, f.workspace.DMs["UADMIN"][0], "<#C1>")
	assert.NotNil(t, reload[models.UserActivity](t, f.db, a.ID).BraggedAt)
}

func TestBrag_WorkspaceGoneLeavesActivityUnclaimed(t *testing.T) {
	f := newFixture(t)
	f.workspace.Members["C1"] = []string{"U1"}
	f.workspace.Down = slack.SlackErrorResponse{Err: "token_revoked"}
	a := f.userActivity(t, f.user, "1")

	posts, err := f.service.Brag(context.Background(), a)
	require.NoError(t, err)
	assert.Empty(t, posts)
	assert.Empty(t, f.workspace.Posts)
	assert.Nil(t, reload[models.UserActivity](t, f.db, a.ID).BraggedAt)
	assert.Empty(t, reload[models.User](t, f.db, f.user.ID).DisabledChannels)
}

func TestBrag_RenderFailureLeavesActivityUnclaimed(t *testing.T) {
	f := newFixture(t)
	f.workspace.Members["C1"] = []string{"U1"}
	f.team.Fields = []string{"Bogus"}
	require.NoError(t, f.db.Save(f.team).Error)
	a := f.userActivity(t, f.user, "1")

	_, err := f.service.Brag(context.Background(), a)
	require.Error(t, err)
	assert.Empty(t, f.workspace.Posts)
	assert.Nil(t, reload[models.UserActivity](t, f.db, a.ID).BraggedAt)
}

func TestBrag_UserPrivatelyBragged(t *testing.T) {
	f := newFixture(t)
	f.workspace.Members["C1"] = []string{"U1"}

	hidden := f.userActivity(t, f.user, "1")
	hidden.Private = true
	require.NoError(t, f.db.Save(hidden).Error)
	posts, err := f.service.Brag(context.Background(), hidden)
	require.NoError(t, err)
	assert.Empty(t, posts)

	copied := f.userActivity(t, f.user, "2")
	posts, err = f.service.Brag(context.Background(), copied)
	require.NoError(t, err)
	assert.Empty(t, posts)
	assert.Empty(t, f.workspace.Posts)
	assert.NotNil(t, reload[models.UserActivity](t, f.db, copied.ID).BraggedAt)

	other := f.userActivity(t, f.user, "3")
	other.MovingTime = 1500
	require.NoError(t, f.db.Save(other).Error)
	posts, err = f.service.Brag(context.Background(), other)
	require.NoError(t, err)
	assert.Len(t, posts, 1)
}

func TestBrag_ClubDestinationGone(t *testing.T) {
	f := newFixture(t)
	f.workspace.Fail["C1"] = slack.SlackErrorResponse{Err: "is_archived"}
	club := f.club(t, "C1")
	a := f.clubActivity(t, club)

	posts, err := f.service.Brag(context.Background(), a)
	require.NoError(t, err)
	assert.Empty(t, posts)
	assert.False(t, reload[models.Club](t, f.db, club.ID).SyncActivities)
}

func TestBrag_OtherErrorsPropagate(t *testing.T) {
	f := newFixture(t)
	f.workspace.Members["C1"] = []string{"U1"}
	f.workspace.Fail["C1"] = slack.SlackErrorResponse{Err: "ratelimited"}
	a := f.userActivity(t, f.user, "1")

	_, err := f.service.Brag(context.Background(), a)
	assert.Error(t, err)
}

func TestBrag_DailyThreads(t *testing.T) {
	f := newFixture(t)
	f.workspace.Members["C1"] = []string{"U1"}
	require.NoError(t, f.db.Model(f.team).Update("threads", models.ThreadsDaily).Error)

	morning := f.userActivity(t, f.user, "1")
	first, err := f.service.Brag(context.Background(), morning)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Empty(t, first[0].ThreadTS)

	evening := f.userActivity(t, f.user, "2")
	evening.Distance = 5000
	evening.MovingTime = 1500
	evening.StartDateLocal = evening.StartDateLocal.Add(8 * time.Hour)
	require.NoError(t, f.db.Save(evening).Error)

	second, err := f.service.Brag(context.Background(), evening)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].TS, second[0].ThreadTS)

	nextDay := f.userActivity(t, f.user, "3")
	nextDay.Distance = 1000
	nextDay.StartDateLocal = nextDay.StartDateLocal.Add(24 * time.Hour)
	require.NoError(t, f.db.Save(nextDay).Error)

	third, err := f.service.Brag(context.Background(), nextDay)
	require.NoError(t, err)
	require.Len(t, third, 1)
	assert.Empty(t, third[0].ThreadTS)
}

func TestBrag_Medal(t *testing.T) {
	f := newFixture(t)
	f.workspace.Members["C1"] = []string{"U1", "U2"}

	rival := models.NewUser(f.team.ID, "U2", "rival")
	require.NoError(t, f.db.Create(rival).Error)
	short := f.userActivity(t, rival, "9")
	short.Distance = 5000
	short.MovingTime = 1500
	require.NoError(t, f.db.Save(short).Error)
	_, err := f.service.Brag(context.Background(), short)
	require.NoError(t, err)

	a := f.userActivity(t, f.user, "1")
	_, err = f.service.Brag(context.Background(), a)
	require.NoError(t, err)

	posts := f.workspace.PostsTo("C1")
	require.Len(t, posts, 2)
	ctx := posts[1].Message.Blocks[1].(*slack.ContextBlock)
	assert.Contains(t, ctx.ContextElements.Elements[0].(*slack.TextBlockObject).Text, ":first_place_medal:")
}

func TestRebragAndUnbrag(t *testing.T) {
	f := newFixture(t)
	f.workspace.Members["C1"] = []string{"U1"}
	a := f.userActivity(t, f.user, "1")
	posts, err := f.service.Brag(context.Background(), a)
	require.NoError(t, err)
	require.Len(t, posts, 1)

	a.Name = "Renamed Run"
	updated, err := f.service.Rebrag(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, posts, updated)
	require.Len(t, f.workspace.Updates, 1)
	assert.Equal(t, posts[0].TS, f.workspace.Updates[0].TS)
	assert.Contains(t, f.workspace.Updates[0].Message.Text, "Renamed Run")

	require.NoError(t, f.service.Unbrag(context.Background(), a))
	require.Len(t, f.workspace.Deletes, 1)
	assert.Equal(t, posts[0].TS, f.workspace.Deletes[0].TS)

	stored := reload[models.UserActivity](t, f.db, a.ID)
	assert.Empty(t, stored.Channels)
	assert.NotNil(t, stored.BraggedAt)

	// nothing posted, nothing to do
	require.NoError(t, f.service.Unbrag(context.Background(), a))
	again, err := f.service.Rebrag(context.Background(), a)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestRebrag_DropsGoneChannels(t *testing.T) {
	f := newFixture(t)
	f.workspace.Members["C1"] = []string{"U1"}
	f.workspace.Members["C2"] = []string{"U1"}
	a := f.userActivity(t, f.user, "1")
	posts, err := f.service.Brag(context.Background(), a)
	require.NoError(t, err)
	require.Len(t, posts, 2)

	f.workspace.Fail["C1"] = slack.SlackErrorResponse{Err: "channel_not_found"}
	kept, err := f.service.Rebrag(context.Background(), a)
	require.NoError(t, err)
	require.Len(t, kept, 1)
	assert.Equal(t, "C2", kept[0].Channel)
	assert.True(t, reload[models.User](t, f.db, f.user.ID).ChannelDisabled("C1"))
}

func TestBucket(t *testing.T) {
	tuesday := time.Date(2018, 2, 20, 10, 2, 13, 0, time.UTC)

	from, to, ok := bucket(models.ThreadsWeekly, tuesday)
	require.True(t, ok)
	assert.Equal(t, time.Date(2018, 2, 19, 0, 0, 0, 0, time.UTC), from)
	assert.Equal(t, time.Date(2018, 2, 26, 0, 0, 0, 0, time.UTC), to)

	from, _, ok = bucket(models.ThreadsMonthly, tuesday)
	require.True(t, ok)
	assert.Equal(t, time.Date(2018, 2, 1, 0, 0, 0, 0, time.UTC), from)

	_, _, ok = bucket(models.ThreadsNone, tuesday)
	assert.False(t, ok)
}
