package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Severity 告警级别
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// historyLimit 保留的已解决告警条数
const historyLimit = 100

// Alert 某条规则的一次触发
type Alert struct {
	Rule       string     `json:"rule"`
	Title      string     `json:"title"`
	Summary    string     `json:"summary"`
	Severity   Severity   `json:"severity"`
	Component  string     `json:"component"`
	FiredAt    time.Time  `json:"fired_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Resolved 告警是否已恢复
func (a Alert) Resolved() bool { return a.ResolvedAt != nil }

// Rule 告警规则
//
// Evaluate 返回 true 表示正在告警，summary 为空时使用 Summary。
// 持续告警期间每隔 Repeat 重新通知一次，Repeat 为 0 时只通知一次。
type Rule struct {
	Name      string
	Title     string
	Summary   string
	Severity  Severity
	Component string
	Repeat    time.Duration
	Evaluate  func() (firing bool, summary string)
}

// Notifier 告警通知渠道
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

type ruleState struct {
	active   *Alert
	notified time.Time
}

// AlertManager 周期性评估规则并通知
type AlertManager struct {
	mu        sync.Mutex
	rules     []Rule
	state     map[string]*ruleState
	history   []Alert
	notifiers []Notifier
	logger    *zap.Logger
	now       func() time.Time
}

// NewAlertManager 创建告警管理器
func NewAlertManager(logger *zap.Logger) *AlertManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertManager{
		state:  make(map[string]*ruleState),
		logger: logger,
		now:    time.Now,
	}
}

// AddNotifier 添加通知渠道
func (am *AlertManager) AddNotifier(n Notifier) {
	am.mu.Lock()
	am.notifiers = append(am.notifiers, n)
	am.mu.Unlock()
}

// AddRule 添加规则，同名规则会替换旧规则
func (am *AlertManager) AddRule(rule Rule) {
	am.mu.Lock()
	defer am.mu.Unlock()
	for i := range am.rules {
		if am.rules[i].Name == rule.Name {
			am.rules[i] = rule
			return
		}
	}
	am.rules = append(am.rules, rule)
}

// Evaluate 评估所有规则一次
func (am *AlertManager) Evaluate(ctx context.Context) {
	am.mu.Lock()
	rules := append([]Rule(nil), am.rules...)
	am.mu.Unlock()

	for _, rule := range rules {
		firing, summary := rule.Evaluate()
		if summary == "" {
			summary = rule.Summary
		}
		if alert, ok := am.transition(rule, firing, summary); ok {
			am.notify(ctx, alert)
		}
	}
}

// transition 更新规则状态，返回需要通知的告警
func (am *AlertManager) transition(rule Rule, firing bool, summary string) (Alert, bool) {
	am.mu.Lock()
	defer am.mu.Unlock()

	now := am.now()
	st := am.state[rule.Name]
	if st == nil {
		st = &ruleState{}
		am.state[rule.Name] = st
	}

	switch {
	case firing && st.active == nil:
		st.active = &Alert{
			Rule:      rule.Name,
			Title:     rule.Title,
			Summary:   summary,
			Severity:  rule.Severity,
			Component: rule.Component,
			FiredAt:   now,
		}
		st.notified = now
		return *st.active, true

	case firing:
		st.active.Summary = summary
		if rule.Repeat > 0 && now.Sub(st.notified) >= rule.Repeat {
			st.notified = now
			return *st.active, true
		}

	case st.active != nil:
		resolved := *st.active
		resolved.ResolvedAt = &now
		st.active = nil
		am.history = append(am.history, resolved)
		if len(am.history) > historyLimit {
			am.history = am.history[len(am.history)-historyLimit:]
		}
		return resolved, true
	}
	return Alert{}, false
}

func (am *AlertManager) notify(ctx context.Context, alert Alert) {
	am.mu.Lock()
	notifiers := append([]Notifier(nil), am.notifiers...)
	am.mu.Unlock()

	for _, n := range notifiers {
		if err := n.Notify(ctx, alert); err != nil {
			am.logger.Error("alert notification failed",
				zap.String("rule", alert.Rule),
				zap.Error(err),
			)
		}
	}
}

// Active 当前正在告警的规则，按名称排序
func (am *AlertManager) Active() []Alert {
	am.mu.Lock()
	defer am.mu.Unlock()

	var out []Alert
	for _, st := range am.state {
		if st.active != nil {
			out = append(out, *st.active)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rule < out[j].Rule })
	return out
}

// History 最近已解决的告警，旧的在前
func (am *AlertManager) History() []Alert {
	am.mu.Lock()
	defer am.mu.Unlock()
	return append([]Alert(nil), am.history...)
}

// Run 按间隔评估规则直到 ctx 结束
func (am *AlertManager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			am.Evaluate(ctx)
		}
	}
}

// RetainedUploadsRule 投递失败后留在磁盘上的文件过多
func RetainedUploadsRule(stats func() (int, int64, error), threshold int) Rule {
	return Rule{
		Name:      "retained_uploads",
		Title:     "Retained Uploads",
		Summary:   "Too many upload files retained on disk",
		Severity:  SeverityWarning,
		Component: "storage",
		Repeat:    time.Hour,
		Evaluate: func() (bool, string) {
			files, size, err := stats()
			if err != nil {
				return true, "failed to read upload directory: " + err.Error()
			}
			if files <= threshold {
				return false, ""
			}
			return true, fmt.Sprintf("%d upload files (%d bytes) left on disk after failed deliveries, threshold %d", files, size, threshold)
		},
	}
}

// SMTPReachabilityRule 外发服务器不可达
func SMTPReachabilityRule(check func() error) Rule {
	return Rule{
		Name:      "smtp_unreachable",
		Title:     "SMTP Unreachable",
		Summary:   "SMTP server unreachable",
		Severity:  SeverityCritical,
		Component: "smtp",
		Repeat:    15 * time.Minute,
		Evaluate: func() (bool, string) {
			if err := check(); err != nil {
				return true, "SMTP server unreachable: " + err.Error()
			}
			return false, ""
		},
	}
}

// HighMemoryUsageRule 堆内存超过阈值
func HighMemoryUsageRule(thresholdMB float64) Rule {
	return Rule{
		Name:      "high_memory_usage",
		Title:     "High Memory Usage",
		Severity:  SeverityWarning,
		Component: "runtime",
		Evaluate: func() (bool, string) {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			usedMB := float64(m.HeapAlloc) / (1 << 20)
			if usedMB <= thresholdMB {
				return false, ""
			}
			return true, fmt.Sprintf("heap %.1f MB exceeds %.0f MB", usedMB, thresholdMB)
		},
	}
}

// LogNotifier 把告警写入日志
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier 创建日志通知渠道
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify 按级别写日志，恢复的告警统一记为 info
func (n *LogNotifier) Notify(_ context.Context, alert Alert) error {
	fields := []zap.Field{
		zap.String("rule", alert.Rule),
		zap.String("summary", alert.Summary),
		zap.String("component", alert.Component),
		zap.Time("fired_at", alert.FiredAt),
	}
	if alert.Resolved() {
		n.logger.Info("alert resolved: "+alert.Title, fields...)
		return nil
	}

	switch alert.Severity {
	case SeverityCritical:
		n.logger.Error("alert firing: "+alert.Title, fields...)
	case SeverityWarning:
		n.logger.Warn("alert firing: "+alert.Title, fields...)
	default:
		n.logger.Info("alert firing: "+alert.Title, fields...)
	}
	return nil
}

// WebhookNotifier 以 JSON POST 推送告警
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier 创建 Webhook 通知渠道
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify 推送告警，非 2xx 响应视为失败
func (n *WebhookNotifier) Notify(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}
	return nil
}
