// Package repository содержит хранилища состояния леджера: в памяти и в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/svpn-ledger/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrCatalogPosition возвращается, если в каталоге нет записи с указанной позицией.
	ErrCatalogPosition = errors.New("catalog position out of range")
	// ErrDuplicateUserID возвращается при повторной записи оплаты с тем же идентификатором.
	ErrDuplicateUserID = errors.New("user id already recorded")
)

const maxRetries = 3

// PostgresStore хранит состояние леджера в PostgreSQL.
type PostgresStore struct {
	pool    *pgxpool.Pool
	backoff func() retry.Backoff
}

// NewPostgresStore создаёт хранилище и применяет миграции схемы.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &PostgresStore{
		pool: pool,
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(maxRetries, retry.NewFibonacci(500*time.Millisecond))
		},
	}

	if err := s.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn при конфликте сериализации, взаимной блокировке и обрыве соединения.
func (s *PostgresStore) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// SeedCatalog записывает entries, только если каталог пуст.
func (s *PostgresStore) SeedCatalog(ctx context.Context, entries []model.TokenPricing) (bool, error) {
	if len(entries) == 0 {
		return false, nil
	}

	var seeded bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		seeded = false
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `LOCK TABLE catalog IN EXCLUSIVE MODE`); err != nil {
				return fmt.Errorf("lock catalog: %w", err)
			}

			var count int64
			if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM catalog`).Scan(&count); err != nil {
				return fmt.Errorf("count catalog: %w", err)
			}
			if count > 0 {
				return nil
			}

			if err := insertCatalog(ctx, tx, 0, entries); err != nil {
				return err
			}
			seeded = true
			return nil
		})
	})
	if err != nil {
		return false, err
	}

	return seeded, nil
}

// AppendTokens добавляет записи в конец каталога.
func (s *PostgresStore) AppendTokens(ctx context.Context, entries []model.TokenPricing) error {
	if len(entries) == 0 {
		return nil
	}

	return s.withRetry(ctx, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `LOCK TABLE catalog IN EXCLUSIVE MODE`); err != nil {
				return fmt.Errorf("lock catalog: %w", err)
			}

			var next int64
			if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(position) + 1, 0) FROM catalog`).Scan(&next); err != nil {
				return fmt.Errorf("next catalog position: %w", err)
			}

			return insertCatalog(ctx, tx, next, entries)
		})
	})
}

func insertCatalog(ctx context.Context, tx pgx.Tx, start int64, entries []model.TokenPricing) error {
	batch := &pgx.Batch{}
	for i, e := range entries {
		batch.Queue(
			`INSERT INTO catalog (position, token, monthly_price, yearly_price) VALUES ($1, $2, $3::numeric, $4::numeric)`,
			start+int64(i), e.Token.Hex(), amountString(e.MonthlyPrice), amountString(e.YearlyPrice),
		)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert catalog: %w", err)
	}
	return nil
}

// Catalog возвращает каталог в порядке позиций.
func (s *PostgresStore) Catalog(ctx context.Context) ([]model.TokenPricing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT token, monthly_price::text, yearly_price::text
		 FROM catalog
		 ORDER BY position`,
	)
	if err != nil {
		return nil, fmt.Errorf("select catalog: %w", err)
	}
	defer rows.Close()

	var res []model.TokenPricing
	for rows.Next() {
		var token, monthly, yearly string
		if err := rows.Scan(&token, &monthly, &yearly); err != nil {
			return nil, fmt.Errorf("scan catalog: %w", err)
		}

		entry := model.TokenPricing{Token: common.HexToAddress(token)}
		if entry.MonthlyPrice, err = parseAmount(monthly); err != nil {
			return nil, err
		}
		if entry.YearlyPrice, err = parseAmount(yearly); err != nil {
			return nil, err
		}
		res = append(res, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UpdatePrice перезаписывает цену тарифа plan у записи каталога на позиции position.
func (s *PostgresStore) UpdatePrice(ctx context.Context, position int, plan model.Plan, amount *big.Int) error {
	query := `UPDATE catalog SET monthly_price = $2::numeric WHERE position = $1`
	if plan == model.PlanYearly {
		query = `UPDATE catalog SET yearly_price = $2::numeric WHERE position = $1`
	}

	return s.withRetry(ctx, func(ctx context.Context) error {
		tag, err := s.pool.Exec(ctx, query, position, amountString(amount))
		if err != nil {
			return fmt.Errorf("update price: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: position %d", ErrCatalogPosition, position)
		}
		return nil
	})
}

// RecordPayment добавляет запись оплаты и увеличивает счётчики в одной транзакции.
// Строка счётчиков блокируется, поэтому оплаты сериализуются и между экземплярами сервиса.
func (s *PostgresStore) RecordPayment(ctx context.Context, rec model.UserRecord) error {
	var monthly, yearly int64
	switch rec.Plan {
	case model.PlanMonthly:
		monthly = 1
	case model.PlanYearly:
		yearly = 1
	}

	return s.withRetry(ctx, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			var dummy int
			if err := tx.QueryRow(ctx, `SELECT 1 FROM sales WHERE id = 1 FOR UPDATE`).Scan(&dummy); err != nil {
				return fmt.Errorf("lock sales for update: %w", err)
			}

			_, err := tx.Exec(ctx,
				`INSERT INTO user_records (user_id, account, token, plan, paid_amount, paid_at)
				 VALUES ($1, $2, $3, $4, $5::numeric, $6)`,
				rec.UserID, rec.User.Hex(), rec.Token.Hex(), string(rec.Plan), amountString(rec.PaidAmount), rec.PaidAt,
			)
			if err != nil {
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
					return fmt.Errorf("%w: %s", ErrDuplicateUserID, rec.UserID)
				}
				return fmt.Errorf("insert user record: %w", err)
			}

			_, err = tx.Exec(ctx,
				`UPDATE sales SET monthly = monthly + $1, yearly = yearly + $2, overall = overall + 1 WHERE id = 1`,
				monthly, yearly,
			)
			if err != nil {
				return fmt.Errorf("update sales: %w", err)
			}

			return nil
		})
	})
}

// UserRecords возвращает оплаты пользователя в порядке вставки.
func (s *PostgresStore) UserRecords(ctx context.Context, user common.Address) ([]model.UserRecord, error) {
	return s.queryRecords(ctx,
		`SELECT user_id::text, account, token, plan, paid_amount::text, paid_at
		 FROM user_records
		 WHERE account = $1
		 ORDER BY seq`,
		user.Hex(),
	)
}

// Records возвращает все оплаты в порядке вставки.
func (s *PostgresStore) Records(ctx context.Context) ([]model.UserRecord, error) {
	return s.queryRecords(ctx,
		`SELECT user_id::text, account, token, plan, paid_amount::text, paid_at
		 FROM user_records
		 ORDER BY seq`,
	)
}

func (s *PostgresStore) queryRecords(ctx context.Context, query string, args ...any) ([]model.UserRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select user records: %w", err)
	}
	defer rows.Close()

	res := make([]model.UserRecord, 0)
	for rows.Next() {
		var (
			userID, account, token, plan, paid string
			paidAt                             time.Time
		)
		if err := rows.Scan(&userID, &account, &token, &plan, &paid, &paidAt); err != nil {
			return nil, fmt.Errorf("scan user record: %w", err)
		}

		amount, err := parseAmount(paid)
		if err != nil {
			return nil, err
		}

		res = append(res, model.UserRecord{
			UserID:     userID,
			User:       common.HexToAddress(account),
			Token:      common.HexToAddress(token),
			Plan:       model.Plan(plan),
			PaidAmount: amount,
			PaidAt:     paidAt.UTC(),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// Sales возвращает текущие счётчики продаж.
func (s *PostgresStore) Sales(ctx context.Context) (model.Sales, error) {
	var monthly, yearly, overall int64
	err := s.pool.QueryRow(ctx,
		`SELECT monthly, yearly, overall FROM sales WHERE id = 1`,
	).Scan(&monthly, &yearly, &overall)
	if err != nil {
		return model.Sales{}, fmt.Errorf("select sales: %w", err)
	}

	return model.Sales{
		Monthly: uint64(monthly),
		Yearly:  uint64(yearly),
		Overall: uint64(overall),
	}, nil
}

// RecordWithdrawal сохраняет факт вывода средств.
func (s *PostgresStore) RecordWithdrawal(ctx context.Context, w model.Withdrawal) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO withdrawals (token, recipient, amount, processed_at) VALUES ($1, $2, $3::numeric, $4)`,
			w.Token.Hex(), w.Recipient.Hex(), amountString(w.Amount), w.ProcessedAt,
		)
		if err != nil {
			return fmt.Errorf("insert withdrawal: %w", err)
		}
		return nil
	})
}

// Withdrawals возвращает историю выводов в порядке вставки.
func (s *PostgresStore) Withdrawals(ctx context.Context) ([]model.Withdrawal, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT token, recipient, amount::text, processed_at
		 FROM withdrawals
		 ORDER BY seq`,
	)
	if err != nil {
		return nil, fmt.Errorf("select withdrawals: %w", err)
	}
	defer rows.Close()

	res := make([]model.Withdrawal, 0)
	for rows.Next() {
		var (
			token, recipient, amount string
			processedAt              time.Time
		)
		if err := rows.Scan(&token, &recipient, &amount, &processedAt); err != nil {
			return nil, fmt.Errorf("scan withdrawal: %w", err)
		}

		v, err := parseAmount(amount)
		if err != nil {
			return nil, err
		}

		res = append(res, model.Withdrawal{
			Token:       common.HexToAddress(token),
			Recipient:   common.HexToAddress(recipient),
			Amount:      v,
			ProcessedAt: processedAt.UTC(),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("malformed amount %q", s)
	}
	return v, nil
}
