package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/k-negishi/calendar-sync-engine/internal/bus"
	"github.com/k-negishi/calendar-sync-engine/internal/domain"
	"github.com/k-negishi/calendar-sync-engine/internal/engine"
)

// MockEventSource は EventSource のテスト用モック
type MockEventSource struct {
	mock.Mock
}

func (m *MockEventSource) EnsureRangeLoaded(ctx context.Context, visibleStart, visibleEnd time.Time, opts engine.LoadOptions) error {
	args := m.Called(ctx, visibleStart, visibleEnd, opts)
	return args.Error(0)
}

func (m *MockEventSource) EventsForDate(t time.Time) []domain.Event {
	args := m.Called(t)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]domain.Event)
}

// MockNotifier は Notifier と AlertNotifier のテスト用モック
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) SendScheduleNotification(ctx context.Context, todayEvents, tomorrowEvents []domain.Event) error {
	args := m.Called(ctx, todayEvents, tomorrowEvents)
	return args.Error(0)
}

func (m *MockNotifier) SendAlert(ctx context.Context, text string) error {
	args := m.Called(ctx, text)
	return args.Error(0)
}

var jst = time.FixedZone("JST", 9*60*60)

func days() (time.Time, time.Time) {
	return time.Date(2024, 1, 15, 0, 0, 0, 0, jst), time.Date(2024, 1, 16, 0, 0, 0, 0, jst)
}

// --- Execute テスト ---

func TestExecute_Success(t *testing.T) {
	mockSource := new(MockEventSource)
	mockNotifier := new(MockNotifier)
	uc := NewNotifyScheduleUseCase(mockSource, mockNotifier)
	today, tomorrow := days()

	todayEvents := []domain.Event{
		{Title: "朝会", StartTime: today.Add(9 * time.Hour), EndTime: today.Add(10 * time.Hour)},
	}
	tomorrowEvents := []domain.Event{
		{Title: "終日イベント", IsAllDay: true},
	}

	mockSource.On("EnsureRangeLoaded", mock.Anything, today, tomorrow, engine.LoadOptions{}).Return(nil)
	mockSource.On("EventsForDate", today).Return(todayEvents)
	mockSource.On("EventsForDate", tomorrow).Return(tomorrowEvents)
	mockNotifier.On("SendScheduleNotification", mock.Anything, todayEvents, tomorrowEvents).Return(nil)

	skipped, err := uc.Execute(context.Background(), today, tomorrow)
	require.NoError(t, err)
	assert.False(t, skipped)
	mockSource.AssertExpectations(t)
	mockNotifier.AssertExpectations(t)
}

func TestExecute_DeclinedInvitesAreHidden(t *testing.T) {
	mockSource := new(MockEventSource)
	mockNotifier := new(MockNotifier)
	uc := NewNotifyScheduleUseCase(mockSource, mockNotifier)
	today, tomorrow := days()

	accepted := domain.Event{ID: "a", Title: "設計レビュー", ViewerResponseStatus: "accepted"}
	declined := domain.Event{ID: "d", Title: "懇親会", ViewerResponseStatus: "declined"}

	mockSource.On("EnsureRangeLoaded", mock.Anything, today, tomorrow, engine.LoadOptions{}).Return(nil)
	mockSource.On("EventsForDate", today).Return([]domain.Event{accepted, declined})
	mockSource.On("EventsForDate", tomorrow).Return([]domain.Event{declined})
	mockNotifier.On("SendScheduleNotification", mock.Anything, []domain.Event{accepted}, []domain.Event{}).Return(nil)

	skipped, err := uc.Execute(context.Background(), today, tomorrow)
	require.NoError(t, err)
	assert.False(t, skipped)
	mockNotifier.AssertExpectations(t)
}

func TestExecute_NoEvents_Skipped(t *testing.T) {
	mockSource := new(MockEventSource)
	mockNotifier := new(MockNotifier)
	uc := NewNotifyScheduleUseCase(mockSource, mockNotifier)
	today, tomorrow := days()

	mockSource.On("EnsureRangeLoaded", mock.Anything, today, tomorrow, engine.LoadOptions{}).Return(nil)
	mockSource.On("EventsForDate", mock.Anything).Return(nil)

	skipped, err := uc.Execute(context.Background(), today, tomorrow)
	require.NoError(t, err)
	assert.True(t, skipped)
	// 予定なしの場合 SendScheduleNotification は呼ばれない
	mockNotifier.AssertNotCalled(t, "SendScheduleNotification")
}

func TestExecute_LoadError(t *testing.T) {
	mockSource := new(MockEventSource)
	mockNotifier := new(MockNotifier)
	uc := NewNotifyScheduleUseCase(mockSource, mockNotifier)
	today, tomorrow := days()

	mockSource.On("EnsureRangeLoaded", mock.Anything, today, tomorrow, engine.LoadOptions{}).
		Return(errors.New("calendar API error"))

	_, err := uc.Execute(context.Background(), today, tomorrow)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "calendar API error")
	mockSource.AssertNotCalled(t, "EventsForDate", mock.Anything)
	mockNotifier.AssertNotCalled(t, "SendScheduleNotification")
}

func TestExecute_NotifierError(t *testing.T) {
	mockSource := new(MockEventSource)
	mockNotifier := new(MockNotifier)
	uc := NewNotifyScheduleUseCase(mockSource, mockNotifier)
	today, tomorrow := days()

	todayEvents := []domain.Event{{Title: "テスト"}}

	mockSource.On("EnsureRangeLoaded", mock.Anything, today, tomorrow, engine.LoadOptions{}).Return(nil)
	mockSource.On("EventsForDate", today).Return(todayEvents)
	mockSource.On("EventsForDate", tomorrow).Return([]domain.Event{})
	mockNotifier.On("SendScheduleNotification", mock.Anything, todayEvents, []domain.Event{}).Return(errors.New("LINE API error"))

	_, err := uc.Execute(context.Background(), today, tomorrow)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "LINE API error")
}

// --- AlertForwarder テスト ---

func TestAlertForwarder_ForwardsRollbacks(t *testing.T) {
	mockNotifier := new(MockNotifier)
	b := bus.New()
	f := NewAlertForwarder(mockNotifier)
	unsubscribe := f.Attach(b)

	mockNotifier.On("SendAlert", mock.Anything, "「定例」は主催者ではないため変更できませんでした。元に戻しました").Return(nil).Once()
	mockNotifier.On("SendAlert", mock.Anything, "「ev-9」の削除に失敗したため元に戻しました").Return(nil).Once()

	b.Publish(bus.EventBounced{EventID: "ev-1", Title: "定例", Err: domain.ErrPermissionDenied})
	b.Publish(bus.DeleteFailed{EventID: "ev-9", Err: domain.ErrNetwork})
	b.Publish(bus.EventsRefreshNeeded{Reason: "todo"})
	unsubscribe()
	f.Close()

	mockNotifier.AssertExpectations(t)
	mockNotifier.AssertNumberOfCalls(t, "SendAlert", 2)
}

func TestAlertForwarder_SlowSendDoesNotBlockPublisher(t *testing.T) {
	mockNotifier := new(MockNotifier)
	b := bus.New()
	f := NewAlertForwarder(mockNotifier)
	defer f.Attach(b)()

	release := make(chan struct{})
	mockNotifier.On("SendAlert", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { <-release }).
		Return(nil)

	published := make(chan struct{})
	go func() {
		b.Publish(bus.EventBounced{EventID: "ev-1", Title: "定例", Err: domain.ErrPermissionDenied})
		b.Publish(bus.DeleteFailed{EventID: "ev-2", Title: "休暇", Err: domain.ErrNetwork})
		close(published)
	}()

	select {
	case <-published:
	case <-time.After(5 * time.Second):
		t.Fatal("警告の送信が発行元を待たせています")
	}
	close(release)
	f.Close()
	mockNotifier.AssertNumberOfCalls(t, "SendAlert", 2)
}

func TestAlertForwarder_SendFailureIsSwallowed(t *testing.T) {
	mockNotifier := new(MockNotifier)
	f := NewAlertForwarder(mockNotifier)

	mockNotifier.On("SendAlert", mock.Anything, mock.Anything).Return(errors.New("LINE API error"))

	assert.NotPanics(t, func() {
		f.Handle(bus.DeleteFailed{EventID: "ev-1", Title: "休暇"})
		f.Close()
	})
	mockNotifier.AssertExpectations(t)
}

func TestAlertForwarder_HandleAfterCloseIsIgnored(t *testing.T) {
	mockNotifier := new(MockNotifier)
	f := NewAlertForwarder(mockNotifier)
	f.Close()
	f.Close()

	assert.NotPanics(t, func() {
		f.Handle(bus.DeleteFailed{EventID: "ev-1", Title: "休暇"})
	})
	mockNotifier.AssertNotCalled(t, "SendAlert", mock.Anything, mock.Anything)
}
