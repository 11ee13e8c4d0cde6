package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/reef-io/reef/internal/db"
	"github.com/reef-io/reef/internal/dbclient"
)

// Load strategies for database targets.
const (
	LoadInsert      = "insert"
	LoadUpsert      = "upsert"
	LoadFullReplace = "fullreplace"
	LoadAppend      = "append"
)

// dbWriter issues batched writes against the import target table. Statements
// are parameterised; values never enter SQL text.
type dbWriter struct {
	client   dbclient.Client
	family   db.ConnectionKind
	table    string
	strategy string
	keyCols  []string
	logger   *zap.Logger
}

func newDBWriter(client dbclient.Client, family db.ConnectionKind, table, strategy string, keyCols []string, logger *zap.Logger) *dbWriter {
	return &dbWriter{
		client:   client,
		family:   family,
		table:    table,
		strategy: strings.ToLower(strategy),
		keyCols:  keyCols,
		logger:   logger,
	}
}

// flush writes one batch inside a transaction. Upsert tries an update by the
// key columns first and falls back to insert on zero affected rows, which is
// portable across all three target families.
func (w *dbWriter) flush(ctx context.Context, batch []map[string]any) (inserted, updated int64, err error) {
	if len(batch) == 0 {
		return 0, 0, nil
	}
	columns := rowColumns(batch[0])

	err = w.client.Tx(ctx, func(tx *sql.Tx) error {
		for _, row := range batch {
			switch w.strategy {
			case LoadUpsert:
				affected, uErr := w.update(ctx, tx, columns, row)
				if uErr != nil {
					return uErr
				}
				if affected > 0 {
					updated += affected
					continue
				}
				fallthrough
			default:
				if iErr := w.insert(ctx, tx, columns, row); iErr != nil {
					return iErr
				}
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return inserted, updated, nil
}

func (w *dbWriter) insert(ctx context.Context, tx *sql.Tx, columns []string, row map[string]any) error {
	quoted := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	args := make([]any, len(columns))
	for i, col := range columns {
		quoted[i] = w.quote(col)
		placeholders[i] = w.placeholder(i + 1)
		args[i] = row[col]
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		w.quote(w.table), strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("pipeline: insert into %s: %w", w.table, err)
	}
	return nil
}

func (w *dbWriter) update(ctx context.Context, tx *sql.Tx, columns []string, row map[string]any) (int64, error) {
	if len(w.keyCols) == 0 {
		return 0, fmt.Errorf("pipeline: upsert requires key columns")
	}
	keys := make(map[string]bool, len(w.keyCols))
	for _, k := range w.keyCols {
		keys[strings.ToLower(k)] = true
	}

	var (
		sets  []string
		where []string
		args  []any
	)
	n := 0
	for _, col := range columns {
		if keys[strings.ToLower(col)] {
			continue
		}
		n++
		sets = append(sets, fmt.Sprintf("%s = %s", w.quote(col), w.placeholder(n)))
		args = append(args, row[col])
	}
	for _, col := range w.keyCols {
		n++
		where = append(where, fmt.Sprintf("%s = %s", w.quote(col), w.placeholder(n)))
		v, _ := lookupValue(row, col)
		args = append(args, v)
	}
	if len(sets) == 0 {
		return 0, fmt.Errorf("pipeline: upsert requires at least one non-key column")
	}

	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		w.quote(w.table), strings.Join(sets, ", "), strings.Join(where, " AND "))
	res, err := tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, fmt.Errorf("pipeline: update %s: %w", w.table, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return affected, nil
}

// truncate empties the target table for full-replace loads.
func (w *dbWriter) truncate(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM "+w.quote(w.table)); err != nil {
		return fmt.Errorf("pipeline: truncate %s: %w", w.table, err)
	}
	return nil
}

// fullReplace truncates and reinserts the whole buffered row set in one
// transaction.
func (w *dbWriter) fullReplace(ctx context.Context, rows []map[string]any) (int64, error) {
	var inserted int64
	err := w.client.Tx(ctx, func(tx *sql.Tx) error {
		if err := w.truncate(ctx, tx); err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		columns := rowColumns(rows[0])
		for _, row := range rows {
			if err := w.insert(ctx, tx, columns, row); err != nil {
				return err
			}
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// softDelete flags rows matching the deleted reef ids; hardDelete removes
// them. Both run in one transaction per call.
func (w *dbWriter) softDelete(ctx context.Context, reefColumn, flagColumn string, reefIDs []string) (int64, error) {
	return w.deleteByIDs(ctx, reefIDs, func(placeholders string) string {
		return fmt.Sprintf("UPDATE %s SET %s = 1 WHERE %s IN (%s)",
			w.quote(w.table), w.quote(flagColumn), w.quote(reefColumn), placeholders)
	})
}

func (w *dbWriter) hardDelete(ctx context.Context, reefColumn string, reefIDs []string) (int64, error) {
	return w.deleteByIDs(ctx, reefIDs, func(placeholders string) string {
		return fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)",
			w.quote(w.table), w.quote(reefColumn), placeholders)
	})
}

func (w *dbWriter) deleteByIDs(ctx context.Context, reefIDs []string, build func(placeholders string) string) (int64, error) {
	if len(reefIDs) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(reefIDs))
	args := make([]any, len(reefIDs))
	for i, id := range reefIDs {
		placeholders[i] = w.placeholder(i + 1)
		args[i] = id
	}
	stmt := build(strings.Join(placeholders, ", "))

	var affected int64
	err := w.client.Tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, stmt, args...)
		if err != nil {
			return fmt.Errorf("pipeline: delete propagation: %w", err)
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected, err
}

// probeColumns reads the target table's column names without fetching data.
func (w *dbWriter) probeColumns(ctx context.Context) ([]string, error) {
	result, err := w.client.Query(ctx, "SELECT * FROM "+w.quote(w.table)+" WHERE 1 = 0", 0)
	if err != nil {
		return nil, err
	}
	return result.Columns, nil
}

func (w *dbWriter) placeholder(n int) string {
	switch w.family {
	case db.ConnectionPostgreSQL:
		return fmt.Sprintf("$%d", n)
	case db.ConnectionSQLServer:
		return fmt.Sprintf("@p%d", n)
	default:
		return "?"
	}
}

func (w *dbWriter) quote(ident string) string {
	switch w.family {
	case db.ConnectionMySQL:
		return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
	case db.ConnectionSQLServer:
		return "[" + strings.ReplaceAll(ident, "]", "]]") + "]"
	default:
		return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
	}
}

// rowColumns returns a row's column names in deterministic order.
func rowColumns(row map[string]any) []string {
	columns := make([]string, 0, len(row))
	for col := range row {
		columns = append(columns, col)
	}
	sort.Strings(columns)
	return columns
}

// fileWriter collects rows for a local-file target and writes them once at
// finalisation, honouring the overwrite/append mode.
type fileWriter struct {
	path   string
	format string
	append bool
	rows   []map[string]any
}

func newFileWriter(path, format, mode string) *fileWriter {
	return &fileWriter{
		path:   path,
		format: format,
		append: strings.EqualFold(mode, "append"),
	}
}

func (w *fileWriter) add(rows []map[string]any) {
	w.rows = append(w.rows, rows...)
}

func (w *fileWriter) finalize() (int64, error) {
	if len(w.rows) == 0 {
		return 0, nil
	}
	columns := rowColumns(w.rows[0])
	content, err := renderRows(w.format, columns, w.rows)
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return 0, fmt.Errorf("pipeline: target dir: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if w.append {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(w.path, flags, 0o644)
	if err != nil {
		return 0, fmt.Errorf("pipeline: open target file: %w", err)
	}
	defer f.Close()

	n, err := f.WriteString(content)
	if err != nil {
		return 0, fmt.Errorf("pipeline: write target file: %w", err)
	}
	return int64(n), nil
}
