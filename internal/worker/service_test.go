package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"slava/internal/brag"
	"slava/internal/locks"
	"slava/internal/models"
	"slava/internal/slackbot/slackbottest"
	"slava/internal/strava"
	"slava/internal/syncer"
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

// quietStrava has nothing new for anyone.
type quietStrava struct{}

func (quietStrava) ListAthleteActivities(context.Context, string, strava.ListOptions) ([]strava.Activity, error) {
	return nil, nil
}

func (quietStrava) GetActivity(context.Context, string, string) (*strava.Activity, error) {
	return nil, strava.ErrNotFound
}

func (quietStrava) ListClubActivities(context.Context, string, int64, int, int) ([]strava.ClubActivity, error) {
	return nil, nil
}

func (quietStrava) RefreshToken(context.Context, string) (*strava.Token, error) {
	return nil, strava.ErrUnauthorized
}

func seedUser(t *testing.T, db *gorm.DB, team *models.Team, slackID string, movingTime int) *models.User {
	t.Helper()
	user := models.NewUser(team.ID, slackID, slackID)
	user.AccessToken = "token-" + slackID
	require.NoError(t, db.Create(user).Error)

	a := &models.UserActivity{UserID: user.ID}
	a.TeamID = team.ID
	a.StravaID = "1" + slackID
	a.Name = "Run of " + slackID
	a.Type = "Run"
	a.Distance = 10000
	a.MovingTime = movingTime
	a.AverageSpeed = 3
	a.StartDate = time.Now().UTC().Add(-time.Hour)
	a.Visibility = models.VisibilityEveryone
	require.NoError(t, db.Create(a).Error)
	return user
}

func TestTickMinute_DestinationGoneIsIsolated(t *testing.T) {
	db := setupTestDB(t)
	workspace := slackbottest.NewWorkspace()
	log := zerolog.Nop()

	team := models.NewTeam("T1", "Team", "xoxb-1", 14*24*time.Hour)
	team.ActivatedUserID = "UADMIN"
	require.NoError(t, db.Create(team).Error)

	gone := seedUser(t, db, team, "U1", 3000)
	seedUser(t, db, team, "U2", 3100)
	workspace.Members["C1"] = []string{"U1"}
	workspace.Members["C2"] = []string{"U2"}
	workspace.Fail["C1"] = slack.SlackErrorResponse{Err: "channel_not_found"}

	bragger := brag.NewService(db, workspace.Factory(), nil, brag.DefaultConfig(), log)
	locker := locks.NewMemoryLocker()
	syncs := syncer.NewService(db, quietStrava{}, bragger, workspace.Factory(), locker, syncer.DefaultConfig(), log)
	scheduler := NewScheduler(db, syncs, nil, locker, DefaultConfig(), log)

	res, err := scheduler.TickMinute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Processed: 2}, res)

	require.Len(t, workspace.PostsTo("C2"), 1)
	assert.Empty(t, workspace.PostsTo("C1"))

	var stored models.User
	require.NoError(t, db.First(&stored, "id = ?", gone.ID).Error)
	assert.Contains(t, []string(stored.DisabledChannels), "C1")

	var unbragged int64
	db.Model(&models.UserActivity{}).Where("bragged_at IS NULL").Count(&unbragged)
	assert.Equal(t, int64(0), unbragged)
}

type fakeSyncer struct {
	mu      sync.Mutex
	synced  []string
	bragged []string
	fail    map[string]error
	panics  map[string]bool
}

func (f *fakeSyncer) SyncNew(_ context.Context, user *models.User) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics[user.SlackUserID] {
		panic("unexpected")
	}
	f.synced = append(f.synced, user.SlackUserID)
	return 0, f.fail[user.SlackUserID]
}

func (f *fakeSyncer) BragNext(_ context.Context, user *models.User) ([]models.ChannelMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bragged = append(f.bragged, user.SlackUserID)
	return nil, nil
}

func (f *fakeSyncer) SyncClub(_ context.Context, club *models.Club) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced = append(f.synced, club.Name)
	return 0, nil
}

func (f *fakeSyncer) BragNextClub(_ context.Context, club *models.Club) ([]models.ChannelMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bragged = append(f.bragged, club.Name)
	return nil, nil
}

func TestTickMinute_FailuresAndLocks(t *testing.T) {
	db := setupTestDB(t)

	team := models.NewTeam("T1", "Team", "xoxb-1", time.Hour)
	require.NoError(t, db.Create(team).Error)
	expired := models.NewTeam("T2", "Expired", "xoxb-2", -time.Hour)
	require.NoError(t, db.Create(expired).Error)

	for _, id := range []string{"U1", "U2", "U3", "U4"} {
		seedUser(t, db, team, id, 3000)
	}
	seedUser(t, db, expired, "U9", 3000)

	paused := models.NewUser(team.ID, "U5", "paused")
	paused.AccessToken = "token"
	paused.SyncActivities = false
	require.NoError(t, db.Create(paused).Error)
	disconnected := models.NewUser(team.ID, "U6", "disconnected")
	require.NoError(t, db.Create(disconnected).Error)

	club := &models.Club{TeamID: team.ID, StravaID: 1, Name: "Club", ChannelID: "C1", AccessToken: "t", SyncActivities: true}
	require.NoError(t, db.Create(club).Error)

	var u4 models.User
	require.NoError(t, db.First(&u4, "slack_user_id = ?", "U4").Error)
	locker := locks.NewMemoryLocker()
	_, err := locker.TryLock(context.Background(), locks.UserKey(u4.ID), time.Hour)
	require.NoError(t, err)

	fake := &fakeSyncer{
		fail:   map[string]error{"U1": strava.ErrRateLimited},
		panics: map[string]bool{"U2": true},
	}
	scheduler := NewScheduler(db, fake, nil, locker, DefaultConfig(), zerolog.Nop())

	res, err := scheduler.TickMinute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Processed: 2, Failed: 2, Locked: 1}, res)
	assert.ElementsMatch(t, []string{"U1", "U3", "Club"}, fake.synced)
	assert.ElementsMatch(t, []string{"U3", "Club"}, fake.bragged)
}

type mockTeams struct {
	mock.Mock
}

func (m *mockTeams) CheckSubscription(ctx context.Context, team *models.Team) error {
	return m.Called(ctx, team.SlackTeamID).Error(0)
}

func (m *mockTeams) CheckTrial(ctx context.Context, team *models.Team) error {
	return m.Called(ctx, team.SlackTeamID).Error(0)
}

func (m *mockTeams) Prune(ctx context.Context, team *models.Team) (int64, error) {
	args := m.Called(ctx, team.SlackTeamID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockTeams) Purge(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func TestTickHour(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	for _, id := range []string{"T1", "T2"} {
		team := models.NewTeam(id, id, "xoxb", time.Hour)
		team.Subscribed = true
		team.StripeSubscriptionID = "sub_" + id
		require.NoError(t, db.Create(team).Error)
	}
	trial := models.NewTeam("T3", "T3", "xoxb", time.Hour)
	require.NoError(t, db.Create(trial).Error)

	teams := new(mockTeams)
	teams.On("CheckSubscription", mock.Anything, "T1").Return(errors.New("stripe down")).Once()
	teams.On("CheckSubscription", mock.Anything, "T2").Return(nil).Once()

	scheduler := NewScheduler(db, nil, teams, locks.NewMemoryLocker(), DefaultConfig(), zerolog.Nop())
	res, err := scheduler.TickHour(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Processed: 1, Failed: 1}, res)
	teams.AssertExpectations(t)
}

func TestTickDay(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	active := models.NewTeam("T1", "T1", "xoxb", time.Hour)
	require.NoError(t, db.Create(active).Error)
	inactive := models.NewTeam("T2", "T2", "xoxb", time.Hour)
	inactive.Active = false
	require.NoError(t, db.Create(inactive).Error)
	require.NoError(t, db.Model(inactive).Update("active", false).Error)

	teams := new(mockTeams)
	teams.On("CheckTrial", mock.Anything, "T1").Return(nil).Once()
	teams.On("Prune", mock.Anything, "T1").Return(int64(3), nil).Once()
	teams.On("Purge", mock.Anything).Return(1, nil).Once()

	scheduler := NewScheduler(db, nil, teams, locks.NewMemoryLocker(), DefaultConfig(), zerolog.Nop())
	res, err := scheduler.TickDay(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Processed: 1}, res)
	teams.AssertExpectations(t)
}

func TestSchedulerStartStop(t *testing.T) {
	db := setupTestDB(t)
	scheduler := NewScheduler(db, &fakeSyncer{}, new(mockTeams), locks.NewMemoryLocker(), DefaultConfig(), zerolog.Nop())

	require.NoError(t, scheduler.Start())
	assert.True(t, scheduler.IsRunning())
	status := scheduler.GetStatus()
	assert.Equal(t, true, status["running"])
	assert.Len(t, status["cadences"], 3)

	scheduler.Stop()
	assert.False(t, scheduler.IsRunning())
}
