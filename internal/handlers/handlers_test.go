package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"slava/internal/auth"
	"slava/internal/brag"
	"slava/internal/locks"
	"slava/internal/models"
	"slava/internal/slackbot/slackbottest"
	"slava/internal/slash"
	"slava/internal/strava"
)

func init() {
	gin.SetMode(gin.TestMode)
}

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

func seedTeam(t *testing.T, db *gorm.DB) *models.Team {
	t.Helper()
	team := models.NewTeam("T1", "Team", "xoxb-1", 14*24*time.Hour)
	team.ActivatedUserID = "UADMIN"
	require.NoError(t, db.Create(team).Error)
	return team
}

func seedAthlete(t *testing.T, db *gorm.DB, team *models.Team, slackID string, athleteID int64) *models.User {
	t.Helper()
	user := models.NewUser(team.ID, slackID, slackID)
	user.AthleteID = athleteID
	user.AccessToken = "token-" + slackID
	require.NoError(t, db.Create(user).Error)
	return user
}

func serve(e *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	return w
}

type mockActivitySyncer struct {
	mock.Mock
}

func (m *mockActivitySyncer) SyncActivity(ctx context.Context, user *models.User, id string) error {
	return m.Called(ctx, user.SlackUserID, id).Error(0)
}

func (m *mockActivitySyncer) DeleteActivity(ctx context.Context, user *models.User, id string) error {
	return m.Called(ctx, user.SlackUserID, id).Error(0)
}

func TestHealthAndMetrics(t *testing.T) {
	e := (&Router{}).Engine()

	w := serve(e, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")

	w = serve(e, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStravaHandler_VerifySubscription(t *testing.T) {
	h := NewStravaHandler(nil, nil, "verify-me", NewBackground(time.Second, zerolog.Nop()), zerolog.Nop())
	e := (&Router{Strava: h}).Engine()

	w := serve(e, httptest.NewRequest(http.MethodGet, "/api/strava/event?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=15f7d1a91c1f40f8a748fd134752feb3", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "15f7d1a91c1f40f8a748fd134752feb3", body["hub.challenge"])

	w = serve(e, httptest.NewRequest(http.MethodGet, "/api/strava/event?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=x", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestStravaHandler_ReceiveEvent(t *testing.T) {
	db := setupTestDB(t)
	team := seedTeam(t, db)
	seedAthlete(t, db, team, "U1", 123)
	paused := seedAthlete(t, db, team, "U2", 456)
	require.NoError(t, db.Model(paused).Update("sync_activities", false).Error)

	syncer := new(mockActivitySyncer)
	syncer.On("SyncActivity", mock.Anything, "U1", "987").Return(nil).Once()
	syncer.On("DeleteActivity", mock.Anything, "U1", "988").Return(nil).Once()
	syncer.On("DeleteActivity", mock.Anything, "U2", "555").Return(nil).Once()

	bg := NewBackground(5*time.Second, zerolog.Nop())
	e := (&Router{Strava: NewStravaHandler(db, syncer, "verify-me", bg, zerolog.Nop())}).Engine()

	events := []string{
		`{"object_type":"activity","object_id":987,"aspect_type":"create","owner_id":123,"subscription_id":1,"event_time":1516126040}`,
		`{"object_type":"activity","object_id":988,"aspect_type":"delete","owner_id":123,"subscription_id":1,"event_time":1516126040}`,
		`{"object_type":"activity","object_id":554,"aspect_type":"update","owner_id":456,"subscription_id":1,"event_time":1516126040,"updates":{"title":"Messy"}}`,
		`{"object_type":"activity","object_id":555,"aspect_type":"delete","owner_id":456,"subscription_id":1,"event_time":1516126040}`,
		`{"object_type":"activity","object_id":1,"aspect_type":"create","owner_id":999,"subscription_id":1,"event_time":1516126040}`,
	}
	for _, event := range events {
		req := httptest.NewRequest(http.MethodPost, "/api/strava/event", strings.NewReader(event))
		req.Header.Set("Content-Type", "application/json")
		w := serve(e, req)
		assert.Equal(t, http.StatusOK, w.Code)
	}
	bg.Wait()
	syncer.AssertExpectations(t)

	w := serve(e, httptest.NewRequest(http.MethodPost, "/api/strava/event", strings.NewReader("not json")))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStravaHandler_Deauthorize(t *testing.T) {
	db := setupTestDB(t)
	team := seedTeam(t, db)
	user := seedAthlete(t, db, team, "U1", 123)

	h := NewStravaHandler(db, new(mockActivitySyncer), "verify-me", NewBackground(time.Second, zerolog.Nop()), zerolog.Nop())
	err := h.HandleEvent(context.Background(), strava.Event{
		ObjectType: strava.ObjectAthlete,
		ObjectID:   123,
		AspectType: strava.AspectUpdate,
		OwnerID:    123,
		Updates:    map[string]string{"authorized": "false"},
	})
	require.NoError(t, err)

	var stored models.User
	require.NoError(t, db.First(&stored, "id = ?", user.ID).Error)
	assert.False(t, stored.Connected())
	assert.Equal(t, int64(123), stored.AthleteID)
}

type fakeCommands struct {
	requests []slash.Request
	response slash.Response
}

func (f *fakeCommands) Handle(_ context.Context, req slash.Request) (slash.Response, error) {
	f.requests = append(f.requests, req)
	return f.response, nil
}

type fakeDeactivator struct {
	mu    sync.Mutex
	teams []string
}

func (f *fakeDeactivator) Deactivate(_ context.Context, team *models.Team) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.teams = append(f.teams, team.SlackTeamID)
	return nil
}

func signedRequest(t *testing.T, path, contentType, body, secret string) *http.Request {
	t.Helper()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	_, err := mac.Write([]byte("v0:" + ts + ":" + body))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Slack-Request-Timestamp", ts)
	req.Header.Set("X-Slack-Signature", "v0="+hex.EncodeToString(mac.Sum(nil)))
	return req
}

func TestSlackHandler_Command(t *testing.T) {
	commands := &fakeCommands{response: slash.Response{Text: "Units: km", InChannel: true}}
	e := (&Router{Slack: NewSlackHandler(nil, commands, nil, "signing-secret", zerolog.Nop())}).Engine()

	form := url.Values{
		"command":    {"/slava"},
		"team_id":    {"T1"},
		"user_id":    {"U1"},
		"user_name":  {"dblock"},
		"channel_id": {"C1"},
		"text":       {"set units km"},
	}.Encode()

	w := serve(e, signedRequest(t, "/api/slack/command", "application/x-www-form-urlencoded", form, "signing-secret"))
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "in_channel", body["response_type"])
	assert.Equal(t, "Units: km", body["text"])

	require.Len(t, commands.requests, 1)
	assert.Equal(t, slash.Request{TeamID: "T1", UserID: "U1", UserName: "dblock", ChannelID: "C1", Text: "set units km"}, commands.requests[0])

	w = serve(e, signedRequest(t, "/api/slack/command", "application/x-www-form-urlencoded", form, "other-secret"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Len(t, commands.requests, 1)
}

func TestSlackHandler_Event(t *testing.T) {
	db := setupTestDB(t)
	seedTeam(t, db)
	teams := &fakeDeactivator{}
	e := (&Router{Slack: NewSlackHandler(db, nil, teams, "signing-secret", zerolog.Nop())}).Engine()

	challenge := `{"token":"Jhj5dZrVaK7ZwHHjRyZWjbDl","challenge":"3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P","type":"url_verification"}`
	w := serve(e, signedRequest(t, "/api/slack/event", "application/json", challenge, "signing-secret"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P", w.Body.String())

	uninstalled := `{"token":"x","team_id":"T1","api_app_id":"A1","event":{"type":"app_uninstalled"},"type":"event_callback","event_id":"Ev1","event_time":1700000000}`
	w = serve(e, signedRequest(t, "/api/slack/event", "application/json", uninstalled, "signing-secret"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"T1"}, teams.teams)

	unknown := `{"token":"x","team_id":"T404","api_app_id":"A1","event":{"type":"app_uninstalled"},"type":"event_callback","event_id":"Ev2","event_time":1700000000}`
	w = serve(e, signedRequest(t, "/api/slack/event", "application/json", unknown, "signing-secret"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"T1"}, teams.teams)
}

type mockExchanger struct {
	mock.Mock
}

func (m *mockExchanger) ExchangeCode(ctx context.Context, code string) (*strava.Token, error) {
	args := m.Called(ctx, code)
	token, _ := args.Get(0).(*strava.Token)
	return token, args.Error(1)
}

type mockInitialSyncer struct {
	mock.Mock
}

func (m *mockInitialSyncer) SyncAndBrag(ctx context.Context, user *models.User, last bool) (int, []models.ChannelMessage, error) {
	args := m.Called(ctx, user.SlackUserID, last)
	posts, _ := args.Get(1).([]models.ChannelMessage)
	return args.Int(0), posts, args.Error(2)
}

func TestConnectHandler_Callback(t *testing.T) {
	db := setupTestDB(t)
	team := seedTeam(t, db)
	workspace := slackbottest.NewWorkspace()
	signer := auth.NewStateSigner("secret", time.Hour)

	exchanger := new(mockExchanger)
	exchanger.On("ExchangeCode", mock.Anything, "code-1").Return(&strava.Token{
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(6 * time.Hour).Unix(),
		Athlete:      &strava.Athlete{ID: 26462176, FirstName: "Daniel", LastName: "Block"},
	}, nil).Once()

	syncer := new(mockInitialSyncer)
	syncer.On("SyncAndBrag", mock.Anything, "U1", true).Return(1, nil, nil).Once()

	bg := NewBackground(5*time.Second, zerolog.Nop())
	h := NewConnectHandler(db, exchanger, signer, syncer, workspace.Factory(), bg, zerolog.Nop())
	e := (&Router{Connect: h}).Engine()

	state, err := signer.Sign(auth.State{TeamID: "T1", SlackUserID: "U1", ChannelID: "C1"})
	require.NoError(t, err)

	w := serve(e, httptest.NewRequest(http.MethodGet, "/connect?code=code-1&scope=read,activity:read_all&state="+url.QueryEscape(state), nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Daniel Block")
	bg.Wait()

	var user models.User
	require.NoError(t, db.First(&user, "team_id = ? AND slack_user_id = ?", team.ID, "U1").Error)
	assert.Equal(t, "access", user.AccessToken)
	assert.Equal(t, "refresh", user.RefreshToken)
	assert.Equal(t, int64(26462176), user.AthleteID)
	assert.Equal(t, "Daniel Block", user.AthleteName)
	assert.NotNil(t, user.ConnectedToStravaAt)
	assert.True(t, user.SyncActivities)

	require.Len(t, workspace.DMs["U1"], 1)
	assert.Contains(t, workspace.DMs["U1"][0], "is now connected")

	exchanger.AssertExpectations(t)
	syncer.AssertExpectations(t)
}

func TestConnectHandler_Rejects(t *testing.T) {
	db := setupTestDB(t)
	seedTeam(t, db)
	signer := auth.NewStateSigner("secret", time.Hour)
	h := NewConnectHandler(db, new(mockExchanger), signer, new(mockInitialSyncer), slackbottest.NewWorkspace().Factory(), NewBackground(time.Second, zerolog.Nop()), zerolog.Nop())
	e := (&Router{Connect: h}).Engine()

	w := serve(e, httptest.NewRequest(http.MethodGet, "/connect?error=access_denied", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(e, httptest.NewRequest(http.MethodGet, "/connect?code=x&state=forged", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "expired")

	state, err := signer.Sign(auth.State{TeamID: "T404", SlackUserID: "U1"})
	require.NoError(t, err)
	w = serve(e, httptest.NewRequest(http.MethodGet, "/connect?code=x&state="+url.QueryEscape(state), nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	var users int64
	db.Model(&models.User{}).Count(&users)
	assert.Zero(t, users)
}

type fakeAdminSyncer struct {
	synced []string
	busy   bool
}

func (f *fakeAdminSyncer) SyncAndBrag(_ context.Context, user *models.User, last bool) (int, []models.ChannelMessage, error) {
	if f.busy {
		return 0, nil, fmt.Errorf("failed to lock: %w", locks.ErrLocked)
	}
	f.synced = append(f.synced, user.SlackUserID)
	return 2, []models.ChannelMessage{{Channel: "C1", TS: "1.1"}}, nil
}

type fakeBragger struct {
	rebragged, unbragged []string
}

func (f *fakeBragger) Rebrag(_ context.Context, item brag.Braggable) ([]models.ChannelMessage, error) {
	f.rebragged = append(f.rebragged, item.Record().StravaID)
	return item.Record().Channels, nil
}

func (f *fakeBragger) Unbrag(_ context.Context, item brag.Braggable) error {
	f.unbragged = append(f.unbragged, item.Record().StravaID)
	return nil
}

func adminRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("admin", "pw")
	return req
}

func TestAdminHandler_Teams(t *testing.T) {
	db := setupTestDB(t)
	h := NewAdminHandler(db, &fakeAdminSyncer{}, &fakeBragger{}, "pw", 14*24*time.Hour, zerolog.Nop())
	e := (&Router{Admin: h}).Engine()

	w := serve(e, httptest.NewRequest(http.MethodGet, "/admin/api/teams", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = serve(e, adminRequest(http.MethodPost, "/admin/api/teams", `{"slack_team_id":"T1","name":"Team","token":"xoxb-1","activated_user_id":"U1"}`))
	require.Equal(t, http.StatusCreated, w.Code)

	w = serve(e, adminRequest(http.MethodPost, "/admin/api/teams", `{"slack_team_id":"T1","token":"xoxb-2"}`))
	require.Equal(t, http.StatusOK, w.Code)

	w = serve(e, adminRequest(http.MethodPost, "/admin/api/teams", `{"name":"Missing"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var team models.Team
	require.NoError(t, db.First(&team, "slack_team_id = ?", "T1").Error)
	assert.Equal(t, "xoxb-2", team.Token)
	assert.Equal(t, "Team", team.Name)
	assert.Equal(t, "U1", team.ActivatedUserID)
	assert.True(t, team.Active)
	assert.NotNil(t, team.TrialEndsAt)

	w = serve(e, adminRequest(http.MethodPost, "/admin/api/teams/"+team.ID.String()+"/subscription", `{"stripe_customer_id":"cus_1","stripe_subscription_id":"sub_1"}`))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, db.First(&team, "id = ?", team.ID).Error)
	assert.True(t, team.Subscribed)
	assert.Equal(t, "sub_1", team.StripeSubscriptionID)

	w = serve(e, adminRequest(http.MethodGet, "/admin/api/teams", ""))
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)

	w = serve(e, adminRequest(http.MethodGet, "/admin/", ""))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "subscribed")
}

func TestAdminHandler_UsersAndActivities(t *testing.T) {
	db := setupTestDB(t)
	team := seedTeam(t, db)
	user := seedAthlete(t, db, team, "U1", 123)
	idle := models.NewUser(team.ID, "U2", "idle")
	require.NoError(t, db.Create(idle).Error)

	activity := &models.UserActivity{UserID: user.ID}
	activity.TeamID = team.ID
	activity.StravaID = "1473024961"
	activity.Name = "Morning Run"
	activity.StartDate = time.Now().UTC()
	require.NoError(t, db.Create(activity).Error)

	syncer := &fakeAdminSyncer{}
	bragger := &fakeBragger{}
	e := (&Router{Admin: NewAdminHandler(db, syncer, bragger, "pw", time.Hour, zerolog.Nop())}).Engine()

	w := serve(e, adminRequest(http.MethodGet, "/admin/api/users?team_id="+team.ID.String(), ""))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"total":2`)

	w = serve(e, adminRequest(http.MethodPost, "/admin/api/users/"+user.ID.String()+"/sync", ""))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"synced":2`)
	assert.Equal(t, []string{"U1"}, syncer.synced)

	syncer.busy = true
	w = serve(e, adminRequest(http.MethodPost, "/admin/api/users/"+user.ID.String()+"/sync", ""))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "being synced")
	syncer.busy = false

	w = serve(e, adminRequest(http.MethodPost, "/admin/api/users/"+idle.ID.String()+"/sync", ""))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = serve(e, adminRequest(http.MethodPost, "/admin/api/activities/"+activity.ID.String()+"/rebrag", ""))
	require.Equal(t, http.StatusOK, w.Code)
	w = serve(e, adminRequest(http.MethodPost, "/admin/api/activities/"+activity.ID.String()+"/unbrag", ""))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"1473024961"}, bragger.rebragged)
	assert.Equal(t, []string{"1473024961"}, bragger.unbragged)

	w = serve(e, adminRequest(http.MethodPost, "/admin/api/activities/not-a-uuid/rebrag", ""))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = serve(e, adminRequest(http.MethodPost, "/admin/api/activities/"+team.ID.String()+"/rebrag", ""))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDocsHandler(t *testing.T) {
	docs, err := NewDocsHandler()
	require.NoError(t, err)
	e := (&Router{Docs: docs}).Engine()

	w := serve(e, httptest.NewRequest(http.MethodGet, "/doc/help", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<h2 id=\"commands\">Commands</h2>")
	assert.Contains(t, w.Body.String(), "<table>")

	w = serve(e, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(e, httptest.NewRequest(http.MethodGet, "/doc/README", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
