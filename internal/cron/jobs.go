package cron

import (
	"context"
	"log/slog"

	"github.com/basket/go-wayang/internal/persistence"
)

const (
	JobRetention     = "retention"
	JobSchemaRefresh = "schema-refresh"
)

type retentionStore interface {
	RunRetention(ctx context.Context, days int) (persistence.RetentionResult, error)
}

type schemaLoader interface {
	LoadAll(ctx context.Context) (string, error)
}

// RetentionJob purges finished sessions and audit rows older than days.
func RetentionJob(expr string, days int, store retentionStore, logger *slog.Logger) Job {
	return Job{
		Name: JobRetention,
		Expr: expr,
		Run: func(ctx context.Context) error {
			res, err := store.RunRetention(ctx, days)
			if err != nil {
				return err
			}
			if logger != nil {
				logger.Info("retention purged",
					"sessions", res.PurgedSessions,
					"audit_logs", res.PurgedAuditLogs,
					"days", days,
				)
			}
			return nil
		},
	}
}

// SchemaRefreshJob reloads table and text file schemas.
func SchemaRefreshJob(expr string, loader schemaLoader) Job {
	return Job{
		Name: JobSchemaRefresh,
		Expr: expr,
		Run: func(ctx context.Context) error {
			_, err := loader.LoadAll(ctx)
			return err
		},
	}
}
