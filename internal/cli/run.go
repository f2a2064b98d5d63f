package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/harun/pgasync/internal/config"
	"github.com/harun/pgasync/internal/logger"
	"github.com/harun/pgasync/internal/observability"
	"github.com/harun/pgasync/internal/tracing"
	"github.com/harun/pgasync/pkg/conn"
	"github.com/harun/pgasync/pkg/opqueue"
	"github.com/harun/pgasync/pkg/sqlexec"
	_ "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	runFile     string
	runTimeout  time.Duration
	runSchedule string
	runCount    int
)

var runCmd = &cobra.Command{
	Use:   "run [statement...]",
	Short: "Run statements through one pipelined connection",
	Long: `Run opens one connection and submits every statement immediately. The
connect exchange runs first; statements then execute one at a time in the order
given. A failing statement does not stop the ones after it. If the connect
fails, every statement is cancelled with the connect error.

Statements come from the arguments and, with --file, from a script whose
statements are separated by semicolons.

With --schedule the connection stays open and the statements run again at
every activation of the cron expression until interrupted or --runs batches
have completed.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "read statements from a script file ('-' for stdin)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "per-statement timeout (overrides connection.operation_timeout_ms)")
	runCmd.Flags().StringVar(&runSchedule, "schedule", "", `re-run on a cron schedule, e.g. "*/5 * * * *" or "@every 30s"`)
	runCmd.Flags().IntVar(&runCount, "runs", 0, "with --schedule, stop after this many batches (0 = until interrupted)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if runTimeout > 0 {
		cfg.Connection.OperationTimeoutMs = int(runTimeout / time.Millisecond)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	stmts, err := collectStatements(args, runFile, cmd.InOrStdin())
	if err != nil {
		return err
	}
	if len(stmts) == 0 {
		return fmt.Errorf("no statements to run")
	}

	var sched cron.Schedule
	if runSchedule != "" {
		if sched, err = parseSchedule(runSchedule); err != nil {
			return err
		}
	}

	lg, err := logger.New(loggerConfig(cfg.Logging))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer lg.Close()

	shutdown, err := startObservability(cfg)
	if err != nil {
		return err
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runBatches(tracing.NewRequestContext(ctx), cfg, stmts, sched, runCount, cmd.OutOrStdout())
}

func loggerConfig(cfg config.LoggingConfig) logger.Config {
	return logger.Config{
		Level:     cfg.Level,
		File:      cfg.File,
		Console:   cfg.Console,
		Pretty:    cfg.Pretty,
		Redaction: cfg.Redaction,
		MaxSize:   cfg.MaxSize,
		MaxAge:    cfg.MaxAge,
		Compress:  cfg.Compress,
	}
}

// startObservability wires tracing, auditing and the metrics endpoint. The
// returned func releases whatever was started.
func startObservability(cfg *config.Config) (func(), error) {
	var closers []func()
	shutdown := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio); err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
		closers = append(closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
				log.Warn().Err(err).Msg("Failed to flush traces")
			}
		})
	}

	if cfg.Audit.File != "" {
		if err := observability.InitAuditLogger(cfg.Audit.File); err != nil {
			shutdown()
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		closers = append(closers, func() { _ = observability.GetAuditLogger().Close() })
	}

	if cfg.Metrics.Enabled {
		observability.EnsureRegistered()
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.MetricsHandler())
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("addr", cfg.Metrics.Addr).Msg("Metrics server failed")
			}
		}()
		log.Info().Str("addr", cfg.Metrics.Addr).Msg("Serving metrics")
		closers = append(closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		})
	}

	return shutdown, nil
}

// statementResult is what one statement produces: rows for queries, an
// affected count for everything else.
type statementResult struct {
	Rows         []map[string]interface{}
	RowsAffected int64
	Query        bool
}

// runStatements runs one batch on a fresh connection.
func runStatements(ctx context.Context, cfg *config.Config, stmts []string, out io.Writer) error {
	return runBatches(ctx, cfg, stmts, nil, 1, out)
}

// runBatches opens one connection and runs the statements as a batch, then
// again at every activation of sched until runs batches have completed or ctx
// is done. runs <= 0 means no limit. A nil sched runs a single batch.
func runBatches(ctx context.Context, cfg *config.Config, stmts []string, sched cron.Schedule, runs int, out io.Writer) error {
	transport, err := sqlexec.Open(cfg.Connection.Driver, cfg.Connection.DSN)
	if err != nil {
		return err
	}

	c := conn.New(transport,
		conn.WithName(cfg.Connection.Name),
		conn.WithWarnAfter(cfg.Connection.WarnAfter(), nil),
	)
	defer func() {
		if err := c.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close connection")
		}
	}()

	connect, err := c.Connect().Timeout(cfg.Connection.ConnectTimeout()).SubmitContext(ctx)
	if err != nil {
		return err
	}

	var failed, total int
	for batch := 1; ; batch++ {
		subs, err := submitBatch(ctx, c, cfg, stmts)
		if err != nil {
			return err
		}

		// Statements are already queued behind the connect.
		if batch == 1 {
			if _, err := connect.Wait(ctx); err != nil {
				return fmt.Errorf("connect failed: %w", err)
			}
		}

		if sched != nil {
			fmt.Fprintf(out, "-- batch %d at %s\n", batch, time.Now().Format(time.RFC3339))
		}
		n, err := report(ctx, subs, out)
		if err != nil {
			return err
		}
		failed += n
		total += len(subs)

		if sched == nil || (runs > 0 && batch >= runs) {
			break
		}
		if !sleepUntil(ctx, sched.Next(time.Now())) {
			log.Info().Int("batches", batch).Msg("Schedule stopped")
			break
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d statements failed", failed, total)
	}
	return nil
}

// submitBatch submits every statement without waiting on any of them.
func submitBatch(ctx context.Context, c *conn.Connection[*sqlexec.Transport], cfg *config.Config, stmts []string) ([]*opqueue.Submission[statementResult], error) {
	subs := make([]*opqueue.Submission[statementResult], 0, len(stmts))
	for i, stmt := range stmts {
		sub, err := conn.Do(c, func(ctx context.Context, t *sqlexec.Transport) (statementResult, error) {
			return execStatement(ctx, t, stmt)
		}).
			Timeout(cfg.Connection.OperationTimeout()).
			OnError(func(err error) {
				log.Error().Err(err).Int("statement", i+1).Msg("Statement failed")
			}).
			SubmitContext(ctx)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// report prints results in submission order and returns the failure count.
func report(ctx context.Context, subs []*opqueue.Submission[statementResult], out io.Writer) (int, error) {
	enc := json.NewEncoder(out)
	var failed int
	for i, sub := range subs {
		res, err := sub.Wait(ctx)
		if err != nil {
			failed++
			fmt.Fprintf(out, "-- statement %d: %s: %v\n", i+1, sub.State(), err)
			continue
		}
		if !res.Query {
			fmt.Fprintf(out, "-- statement %d: ok, %d rows affected\n", i+1, res.RowsAffected)
			continue
		}
		fmt.Fprintf(out, "-- statement %d: %d rows\n", i+1, len(res.Rows))
		for _, row := range res.Rows {
			if err := enc.Encode(row); err != nil {
				return failed, fmt.Errorf("failed to write row: %w", err)
			}
		}
	}
	return failed, nil
}

// sleepUntil waits until t and reports false if ctx ended first.
func sleepUntil(ctx context.Context, t time.Time) bool {
	timer := time.NewTimer(time.Until(t))
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// parseSchedule accepts five-field cron expressions and descriptors such as
// "@hourly" or "@every 30s".
func parseSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule: %w", err)
	}
	return sched, nil
}

func execStatement(ctx context.Context, t *sqlexec.Transport, stmt string) (statementResult, error) {
	if returnsRows(stmt) {
		rows, err := t.QueryMapsContext(ctx, stmt)
		if err != nil {
			return statementResult{}, err
		}
		return statementResult{Rows: rows, Query: true}, nil
	}

	res, err := t.ExecContext(ctx, stmt)
	if err != nil {
		return statementResult{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		n = -1
	}
	return statementResult{RowsAffected: n}, nil
}

var rowKeywords = map[string]bool{
	"SELECT":  true,
	"WITH":    true,
	"VALUES":  true,
	"PRAGMA":  true,
	"SHOW":    true,
	"EXPLAIN": true,
	"TABLE":   true,
}

func returnsRows(stmt string) bool {
	upper := strings.ToUpper(stmt)
	fields := strings.Fields(upper)
	if len(fields) == 0 {
		return false
	}
	if rowKeywords[strings.TrimLeft(fields[0], "(")] {
		return true
	}
	for _, f := range fields {
		if f == "RETURNING" {
			return true
		}
	}
	return false
}

// collectStatements gathers statements from args followed by the script file
func collectStatements(args []string, file string, stdin io.Reader) ([]string, error) {
	var stmts []string
	for _, arg := range args {
		stmts = append(stmts, splitStatements(arg)...)
	}

	if file == "" {
		return stmts, nil
	}

	var data []byte
	var err error
	if file == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return append(stmts, splitStatements(string(data))...), nil
}

// splitStatements splits on semicolons outside quotes and drops empty
// statements and "--" line comments
func splitStatements(script string) []string {
	var (
		stmts   []string
		current strings.Builder
		quote   rune
		comment bool
	)

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			stmts = append(stmts, s)
		}
		current.Reset()
	}

	runes := []rune(script)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case comment:
			if r == '\n' {
				comment = false
				current.WriteRune(r)
			}
		case quote != 0:
			current.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
			current.WriteRune(r)
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			comment = true
			i++
		case r == ';':
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return stmts
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
