package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"imagerelay/backend/internal/domain"
	"imagerelay/backend/internal/monitoring"
)

// MockFileStore 模拟文件存储
type MockFileStore struct {
	mock.Mock
}

func (m *MockFileStore) Remove(file *domain.UploadedFile) error {
	args := m.Called(file)
	return args.Error(0)
}

// MockSender 模拟邮件投递
type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.DeliveryReceipt, error) {
	args := m.Called(ctx, msg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.DeliveryReceipt), args.Error(1)
}

// queuedRunner 记录提交的任务，由测试决定何时执行
type queuedRunner struct {
	tasks  []func()
	closed bool
}

func (r *queuedRunner) Submit(task func()) error {
	if r.closed {
		return errors.New("pool closed")
	}
	r.tasks = append(r.tasks, task)
	return nil
}

func (r *queuedRunner) runAll() {
	for _, task := range r.tasks {
		task()
	}
	r.tasks = nil
}

// recordingPublisher 记录发布的事件
type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.DeliveryEvent
}

func (p *recordingPublisher) Publish(event domain.DeliveryEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) stages() []domain.DeliveryStage {
	p.mu.Lock()
	defer p.mu.Unlock()
	stages := make([]domain.DeliveryStage, 0, len(p.events))
	for _, event := range p.events {
		stages = append(stages, event.Stage)
	}
	return stages
}

type stubChecker struct {
	reason string
}

func (c stubChecker) Check(subject, text string) string {
	return c.reason
}

const (
	testFrom     = "relay@example.com"
	testOperator = "operator@example.com"
	testUser     = "user@example.com"
)

func testFile() *domain.UploadedFile {
	return &domain.UploadedFile{
		ID:           "upload-1",
		OriginalName: "cat.png",
		StoredName:   "1700000000-42.png",
		StoragePath:  "/data/uploads/1700000000-42.png",
		Size:         128,
		ContentType:  "image/png",
		CreatedAt:    time.Now(),
	}
}

func testPayload(file *domain.UploadedFile) domain.RequestPayload {
	return domain.RequestPayload{
		To:      testUser,
		Subject: "Hello",
		Text:    "See attached",
		File:    file,
	}
}

func toRecipient(addr string) interface{} {
	return mock.MatchedBy(func(msg *domain.EmailMessage) bool {
		return msg.To == addr
	})
}

func receiptFor(addr string) *domain.DeliveryReceipt {
	return &domain.DeliveryReceipt{MessageID: "<" + addr + ">", Recipient: addr, AcceptedAt: time.Now()}
}

func newTestService(store *MockFileStore, sender *MockSender, runner TaskRunner, selfCopy bool) (*RelayService, *recordingPublisher) {
	svc := NewRelayService(store, sender, runner, RelayOptions{
		From:        testFrom,
		Operator:    testOperator,
		SelfCopy:    selfCopy,
		SendTimeout: time.Second,
	}, nil)
	events := &recordingPublisher{}
	svc.SetEventPublisher(events)
	return svc, events
}

func TestRelayService_Validation(t *testing.T) {
	t.Run("缺少图片不删除任何文件", func(t *testing.T) {
		store := new(MockFileStore)
		sender := new(MockSender)
		svc, events := newTestService(store, sender, &queuedRunner{}, true)

		called := false
		err := svc.Run(context.Background(), testPayload(nil), func() { called = true })

		assert.ErrorIs(t, err, domain.ErrNoImage)
		assert.False(t, called)
		assert.Empty(t, events.stages())
		store.AssertNotCalled(t, "Remove", mock.Anything)
		sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	})

	testCases := []struct {
		name   string
		mutate func(p *domain.RequestPayload)
	}{
		{name: "缺少收件人", mutate: func(p *domain.RequestPayload) { p.To = "" }},
		{name: "缺少主题", mutate: func(p *domain.RequestPayload) { p.Subject = "" }},
		{name: "缺少正文", mutate: func(p *domain.RequestPayload) { p.Text = "" }},
	}

	for _, tc := range testCases {
		t.Run(tc.name+"时删除已保存文件", func(t *testing.T) {
			file := testFile()
			store := new(MockFileStore)
			store.On("Remove", file).Return(nil).Once()
			sender := new(MockSender)
			svc, events := newTestService(store, sender, &queuedRunner{}, true)

			payload := testPayload(file)
			tc.mutate(&payload)

			called := false
			err := svc.Run(context.Background(), payload, func() { called = true })

			assert.ErrorIs(t, err, domain.ErrMissingFields)
			assert.True(t, domain.IsValidationError(err))
			assert.False(t, called)
			assert.Equal(t, []domain.DeliveryStage{domain.StageRejected}, events.stages())
			store.AssertExpectations(t)
			sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
		})
	}
}

func TestRelayService_SelfCopyFailure(t *testing.T) {
	file := testFile()
	store := new(MockFileStore)
	sender := new(MockSender)
	sendErr := &domain.DeliveryError{Recipient: testOperator, Err: errors.New("535 authentication failed")}
	sender.On("Send", mock.Anything, toRecipient(testOperator)).Return(nil, sendErr).Once()

	runner := &queuedRunner{}
	svc, events := newTestService(store, sender, runner, true)

	called := false
	err := svc.Run(context.Background(), testPayload(file), func() { called = true })

	var deliveryErr *domain.DeliveryError
	require.ErrorAs(t, err, &deliveryErr)
	assert.Equal(t, testOperator, deliveryErr.Recipient)
	assert.False(t, called, "accepted must not be invoked")
	assert.Empty(t, runner.tasks, "user copy must not be scheduled")
	assert.Equal(t, []domain.DeliveryStage{domain.StageStored, domain.StageSelfNotifyFailed}, events.stages())

	// 文件保留
	store.AssertNotCalled(t, "Remove", mock.Anything)
	sender.AssertNumberOfCalls(t, "Send", 1)
}

func TestRelayService_Success(t *testing.T) {
	file := testFile()
	store := new(MockFileStore)
	store.On("Remove", file).Return(nil).Once()

	var order []string
	sender := new(MockSender)
	sender.On("Send", mock.Anything, toRecipient(testOperator)).
		Run(func(args mock.Arguments) { order = append(order, "self") }).
		Return(receiptFor(testOperator), nil).Once()
	sender.On("Send", mock.Anything, toRecipient(testUser)).
		Run(func(args mock.Arguments) { order = append(order, "user") }).
		Return(receiptFor(testUser), nil).Once()

	runner := &queuedRunner{}
	svc, events := newTestService(store, sender, runner, true)

	err := svc.Run(context.Background(), testPayload(file), func() { order = append(order, "accepted") })
	require.NoError(t, err)

	// 用户邮件在响应之后才执行
	assert.Equal(t, []string{"self", "accepted"}, order)
	require.Len(t, runner.tasks, 1)
	store.AssertNotCalled(t, "Remove", mock.Anything)

	runner.runAll()

	assert.Equal(t, []string{"self", "accepted", "user"}, order)
	store.AssertExpectations(t)
	sender.AssertExpectations(t)
	assert.Equal(t, []domain.DeliveryStage{
		domain.StageStored,
		domain.StageSelfNotified,
		domain.StageUserNotified,
		domain.StageCleaned,
	}, events.stages())

	// 两封邮件内容一致，附件相同
	for _, call := range sender.Calls {
		msg := call.Arguments.Get(1).(*domain.EmailMessage)
		assert.Equal(t, testFrom, msg.From)
		assert.Equal(t, "Hello", msg.Subject)
		assert.Equal(t, "See attached", msg.Text)
		assert.Same(t, file, msg.Attachment)
	}
}

func TestRelayService_UserCopyFailure(t *testing.T) {
	file := testFile()
	store := new(MockFileStore)
	sender := new(MockSender)
	sender.On("Send", mock.Anything, toRecipient(testOperator)).Return(receiptFor(testOperator), nil).Once()
	sender.On("Send", mock.Anything, toRecipient(testUser)).
		Return(nil, &domain.DeliveryError{Recipient: testUser, Err: errors.New("550 mailbox unavailable")}).Once()

	runner := &queuedRunner{}
	svc, events := newTestService(store, sender, runner, true)

	called := false
	err := svc.Run(context.Background(), testPayload(file), func() { called = true })
	require.NoError(t, err)
	assert.True(t, called)

	runner.runAll()

	store.AssertNotCalled(t, "Remove", mock.Anything)
	sender.AssertExpectations(t)
	assert.Equal(t, []domain.DeliveryStage{
		domain.StageStored,
		domain.StageSelfNotified,
		domain.StageUserNotifyFailed,
	}, events.stages())
}

func TestRelayService_TailSurvivesRequestCancel(t *testing.T) {
	file := testFile()
	store := new(MockFileStore)
	store.On("Remove", file).Return(nil).Once()
	sender := new(MockSender)
	sender.On("Send", mock.Anything, toRecipient(testOperator)).Return(receiptFor(testOperator), nil).Once()
	sender.On("Send", mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil }), toRecipient(testUser)).
		Return(receiptFor(testUser), nil).Once()

	runner := &queuedRunner{}
	svc, _ := newTestService(store, sender, runner, true)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, svc.Run(ctx, testPayload(file), nil))

	// 请求结束后上下文被取消，用户邮件仍然发送
	cancel()
	runner.runAll()

	sender.AssertExpectations(t)
	store.AssertExpectations(t)
}

func TestRelayService_RunnerClosed(t *testing.T) {
	file := testFile()
	store := new(MockFileStore)
	store.On("Remove", file).Return(nil).Once()
	sender := new(MockSender)
	sender.On("Send", mock.Anything, toRecipient(testOperator)).Return(receiptFor(testOperator), nil).Once()
	sender.On("Send", mock.Anything, toRecipient(testUser)).Return(receiptFor(testUser), nil).Once()

	svc, _ := newTestService(store, sender, &queuedRunner{closed: true}, true)

	err := svc.Run(context.Background(), testPayload(file), nil)
	require.NoError(t, err)

	// 任务在调用方同步执行，不会丢失
	sender.AssertExpectations(t)
	store.AssertExpectations(t)
}

func TestRelayService_SelfCopyDisabled(t *testing.T) {
	t.Run("成功时同步发送并删除文件", func(t *testing.T) {
		file := testFile()
		store := new(MockFileStore)
		store.On("Remove", file).Return(nil).Once()
		sender := new(MockSender)
		sender.On("Send", mock.Anything, toRecipient(testUser)).Return(receiptFor(testUser), nil).Once()

		runner := &queuedRunner{}
		svc, events := newTestService(store, sender, runner, false)

		called := false
		require.NoError(t, svc.Run(context.Background(), testPayload(file), func() { called = true }))

		assert.True(t, called)
		assert.Empty(t, runner.tasks)
		sender.AssertNumberOfCalls(t, "Send", 1)
		store.AssertExpectations(t)
		assert.Equal(t, []domain.DeliveryStage{
			domain.StageStored,
			domain.StageUserNotified,
			domain.StageCleaned,
		}, events.stages())
	})

	t.Run("失败时返回投递错误并保留文件", func(t *testing.T) {
		file := testFile()
		store := new(MockFileStore)
		sender := new(MockSender)
		sender.On("Send", mock.Anything, toRecipient(testUser)).
			Return(nil, &domain.DeliveryError{Recipient: testUser, Err: errors.New("dial tcp: connection refused")}).Once()

		svc, _ := newTestService(store, sender, &queuedRunner{}, false)

		called := false
		err := svc.Run(context.Background(), testPayload(file), func() { called = true })

		var deliveryErr *domain.DeliveryError
		assert.ErrorAs(t, err, &deliveryErr)
		assert.False(t, called)
		store.AssertNotCalled(t, "Remove", mock.Anything)
	})
}

func TestRelayService_SendTimeout(t *testing.T) {
	file := testFile()
	store := new(MockFileStore)
	sender := new(MockSender)
	sender.On("Send", mock.MatchedBy(func(ctx context.Context) bool {
		deadline, ok := ctx.Deadline()
		return ok && time.Until(deadline) <= 50*time.Millisecond
	}), toRecipient(testOperator)).Return(nil, &domain.DeliveryError{Recipient: testOperator, Err: context.DeadlineExceeded}).Once()

	svc := NewRelayService(store, sender, &queuedRunner{}, RelayOptions{
		From:        testFrom,
		Operator:    testOperator,
		SelfCopy:    true,
		SendTimeout: 50 * time.Millisecond,
	}, nil)

	err := svc.Run(context.Background(), testPayload(file), nil)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	sender.AssertExpectations(t)
}

func TestRelayService_Metrics(t *testing.T) {
	file := testFile()
	file.Warning = "double extension"
	store := new(MockFileStore)
	store.On("Remove", file).Return(nil).Once()
	sender := new(MockSender)
	sender.On("Send", mock.Anything, toRecipient(testOperator)).Return(receiptFor(testOperator), nil).Once()
	sender.On("Send", mock.Anything, toRecipient(testUser)).Return(receiptFor(testUser), nil).Once()

	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)

	runner := &queuedRunner{}
	svc, _ := newTestService(store, sender, runner, true)
	svc.SetMetrics(metrics)
	svc.SetContentChecker(stubChecker{reason: "spam keywords"})

	require.NoError(t, svc.Run(context.Background(), testPayload(file), nil))
	runner.runAll()

	assert.Equal(t, 1.0, counterValue(t, reg, "uploads_total", "result", monitoring.UploadStored))
	assert.Equal(t, 1.0, counterValue(t, reg, "deliveries_total", "kind", monitoring.DeliverySelf, "result", "success"))
	assert.Equal(t, 1.0, counterValue(t, reg, "deliveries_total", "kind", monitoring.DeliveryUser, "result", "success"))
	assert.Equal(t, 1.0, counterValue(t, reg, "cleanups_total", "result", monitoring.CleanupRemoved))
	assert.Equal(t, 1.0, counterValue(t, reg, "content_flags_total", "source", "attachment"))
	assert.Equal(t, 1.0, counterValue(t, reg, "content_flags_total", "source", "content"))
}

// counterValue 读取带标签的计数器值，不存在时返回 0
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels ...string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() != monitoring.Namespace+"_"+name {
			continue
		}
	metrics:
		for _, metric := range family.GetMetric() {
			for i := 0; i+1 < len(labels); i += 2 {
				found := false
				for _, pair := range metric.GetLabel() {
					if pair.GetName() == labels[i] && pair.GetValue() == labels[i+1] {
						found = true
						break
					}
				}
				if !found {
					continue metrics
				}
			}
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}
