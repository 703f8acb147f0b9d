package cron

import (
	"context"

	"go.uber.org/zap"
)

// Collapser 合并重复会话
type Collapser interface {
	CollapseAllDuplicates(ctx context.Context) (int, error)
}

// Purger 清理过期的计数行
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// DedupJob 定期合并因会话 ID 格式变化而重复的会话
func DedupJob(schedule string, c Collapser, log *zap.Logger) Job {
	return Job{
		Name:     JobDedupConversations,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			merged, err := c.CollapseAllDuplicates(ctx)
			if err != nil {
				return err
			}
			if merged > 0 && log != nil {
				log.Info("collapsed duplicate conversations", zap.Int("merged", merged))
			}
			return nil
		},
	}
}

// CounterPurgeJob 定期删除关系库中已过期的备用计数行
func CounterPurgeJob(schedule string, p Purger, log *zap.Logger) Job {
	return Job{
		Name:     JobCounterPurge,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			purged, err := p.PurgeExpired(ctx)
			if err != nil {
				return err
			}
			if purged > 0 && log != nil {
				log.Debug("purged expired counter rows", zap.Int64("rows", purged))
			}
			return nil
		},
	}
}
