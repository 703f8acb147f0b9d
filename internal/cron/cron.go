// Package cron 负责定时维护任务：合并重复会话、清理过期的备用计数行。
package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	cronv3 "github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// 任务名称
const (
	JobDedupConversations = "dedup_conversations"
	JobCounterPurge       = "counter_purge"
)

const defaultJobTimeout = 5 * time.Minute

// Job 一个定时任务，Schedule 为空表示禁用
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Recorder 记录任务执行结果
type Recorder interface {
	MaintenanceRun(job string, err error)
}

// Manager 定时任务管理器
type Manager struct {
	log      *zap.Logger
	recorder Recorder
	cron     *cronv3.Cron
	timeout  time.Duration

	mu     sync.Mutex
	jobs   map[string]Job
	jobIDs map[string]cronv3.EntryID
}

// NewManager 创建管理器，recorder 可为 nil
func NewManager(log *zap.Logger, recorder Recorder) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	cl := cronLogger{log: log.Sugar()}
	return &Manager{
		log:      log,
		recorder: recorder,
		cron: cronv3.New(
			cronv3.WithLogger(cl),
			cronv3.WithChain(
				cronv3.SkipIfStillRunning(cl),
				cronv3.Recover(cl),
			),
		),
		timeout: defaultJobTimeout,
		jobs:    make(map[string]Job),
		jobIDs:  make(map[string]cronv3.EntryID),
	}
}

// Register 注册任务；Schedule 为空时只记录日志不调度
func (m *Manager) Register(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("cron job requires a name and a run function")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.Name]; exists {
		return fmt.Errorf("cron job %q already registered", job.Name)
	}
	m.jobs[job.Name] = job

	if job.Schedule == "" {
		m.log.Info("cron job disabled", zap.String("job", job.Name))
		return nil
	}
	id, err := m.cron.AddFunc(job.Schedule, func() { _ = m.run(job) })
	if err != nil {
		delete(m.jobs, job.Name)
		return fmt.Errorf("could not add cron job %q: %w", job.Name, err)
	}
	m.jobIDs[job.Name] = id
	m.log.Info("registered cron job", zap.String("job", job.Name), zap.String("schedule", job.Schedule))
	return nil
}

// RunNow 立即同步执行已注册的任务
func (m *Manager) RunNow(name string) error {
	m.mu.Lock()
	job, ok := m.jobs[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("cron job %q not registered", name)
	}
	return m.run(job)
}

func (m *Manager) run(job Job) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	start := time.Now()
	err := job.Run(ctx)
	if m.recorder != nil {
		m.recorder.MaintenanceRun(job.Name, err)
	}
	if err != nil {
		m.log.Warn("cron job failed",
			zap.String("job", job.Name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return err
	}
	m.log.Debug("cron job finished", zap.String("job", job.Name), zap.Duration("duration", time.Since(start)))
	return nil
}

// Start 启动调度
func (m *Manager) Start() {
	m.log.Info("starting cron manager", zap.Int("jobs", len(m.jobIDs)))
	m.cron.Start()
}

// Stop 停止调度并等待运行中的任务结束，ctx 到期时不再等待
func (m *Manager) Stop(ctx context.Context) {
	done := m.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		m.log.Warn("cron jobs still running at shutdown")
	}
}

// cronLogger 把 robfig/cron 的日志接口接到 zap
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
