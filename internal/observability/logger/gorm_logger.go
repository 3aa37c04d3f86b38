package logger

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	gormlogger "gorm.io/gorm/logger"
)

// SQLLogOptions configures the GORM bridge.
type SQLLogOptions struct {
	Level         gormlogger.LogLevel
	SlowThreshold time.Duration
	// QuietNotFound drops ErrRecordNotFound, which lookups of unknown
	// transactions and queue items produce routinely.
	QuietNotFound bool
}

// DefaultSQLLogOptions logs failures and slow statements only.
func DefaultSQLLogOptions() SQLLogOptions {
	return SQLLogOptions{
		Level:         gormlogger.Warn,
		SlowThreshold: 250 * time.Millisecond,
		QuietNotFound: true,
	}
}

// SQLLogger routes GORM output through the context logger so statements
// carry tenant and device fields.
type SQLLogger struct {
	opts SQLLogOptions
}

func NewSQLLogger(opts SQLLogOptions) *SQLLogger {
	return &SQLLogger{opts: opts}
}

func (l *SQLLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	next := *l
	next.opts.Level = level
	return &next
}

func (l *SQLLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Info, zapcore.InfoLevel, msg, data)
}

func (l *SQLLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Warn, zapcore.WarnLevel, msg, data)
}

func (l *SQLLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	l.message(ctx, gormlogger.Error, zapcore.ErrorLevel, msg, data)
}

func (l *SQLLogger) message(ctx context.Context, min gormlogger.LogLevel, level zapcore.Level, msg string, data []interface{}) {
	if l.opts.Level < min {
		return
	}
	ce := FromContext(ctx).Check(level, "db."+strings.TrimSpace(msg))
	if ce == nil {
		return
	}
	if len(data) > 0 {
		ce.Write(zap.Any("data", data))
		return
	}
	ce.Write()
}

func (l *SQLLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.opts.Level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)

	var level zapcore.Level
	switch {
	case err != nil && l.opts.Level >= gormlogger.Error:
		if l.opts.QuietNotFound && errors.Is(err, gormlogger.ErrRecordNotFound) {
			return
		}
		level = zapcore.ErrorLevel
	case l.opts.SlowThreshold > 0 && elapsed > l.opts.SlowThreshold && l.opts.Level >= gormlogger.Warn:
		level = zapcore.WarnLevel
	case l.opts.Level >= gormlogger.Info:
		level = zapcore.DebugLevel
	default:
		return
	}

	ce := FromContext(ctx).Check(level, "db.query")
	if ce == nil {
		return
	}
	sql, rows := fc()
	fields := []zap.Field{
		zap.String("op", operationFromSQL(sql)),
		zap.String("table", tableFromSQL(sql)),
		zap.Duration("elapsed", elapsed),
	}
	if rows >= 0 {
		fields = append(fields, zap.Int64("rows", rows))
	}
	if !touchesSecrets(sql) {
		fields = append(fields, zap.String("sql", strings.TrimSpace(sql)))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	ce.Write(fields...)
}

// ParamsFilter drops bound values; they include receipt amounts and PEM blobs.
func (l *SQLLogger) ParamsFilter(_ context.Context, sql string, _ ...interface{}) (string, []interface{}) {
	return sql, nil
}

// operationFromSQL returns the first statement keyword outside parentheses,
// so CTE bodies do not mask the outer INSERT or UPDATE.
func operationFromSQL(sql string) string {
	depth := 0
	for _, token := range strings.Fields(strings.ToUpper(sql)) {
		if depth == 0 && !strings.HasPrefix(token, "(") {
			switch word := strings.Trim(token, ");"); word {
			case "SELECT", "INSERT", "UPDATE", "DELETE", "MERGE":
				return word
			}
		}
		depth = max(depth+strings.Count(token, "(")-strings.Count(token, ")"), 0)
	}
	return "UNKNOWN"
}

// secretTables hold encrypted key material; their statement text is never logged.
var secretTables = []string{"device_profiles", "enrollment_requests"}

func touchesSecrets(sql string) bool {
	lower := strings.ToLower(sql)
	for _, table := range secretTables {
		if strings.Contains(lower, table) {
			return true
		}
	}
	return false
}

func tableFromSQL(sql string) string {
	tokens := strings.Fields(strings.ToLower(sql))
	for i := 0; i+1 < len(tokens); i++ {
		switch tokens[i] {
		case "from", "into", "update", "join":
			return strings.Trim(tokens[i+1], "`\"();")
		}
	}
	return ""
}

var _ gormlogger.Interface = (*SQLLogger)(nil)
