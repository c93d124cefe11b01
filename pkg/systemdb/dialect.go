package systemdb

import (
	"errors"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

// Dialect is the database-specific data the sqlx implementation needs:
// expressions for epoch-ms/txid/uuid and conflict-code classification.
// Upsert syntax and MySQL's quoted `key` column are still chosen by
// dialect checks inside the sqlx queries themselves.
type Dialect string

const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
)

// EpochMsExpr returns the SQL expression for "now, in epoch milliseconds".
func (d Dialect) EpochMsExpr() string {
	if d == MySQL {
		return "UNIX_TIMESTAMP(NOW(3))*1000"
	}
	return "EXTRACT(EPOCH FROM NOW())*1000"
}

// UUIDExpr returns the SQL expression for a server-generated UUID string.
func (d Dialect) UUIDExpr() string {
	if d == MySQL {
		return "UUID()"
	}
	return "gen_random_uuid()::text"
}

// TxnIDExpr returns the SQL expression that captures the DB-native
// transaction identifier from inside a live transaction, for
// transaction_outputs.txn_id.
func (d Dialect) TxnIDExpr() string {
	if d == MySQL {
		return "(SELECT TRX_ID FROM INFORMATION_SCHEMA.INNODB_TRX WHERE TRX_MYSQL_THREAD_ID = CONNECTION_ID())"
	}
	return "pg_current_xact_id_if_assigned()::text"
}

// SupportsSnapshot reports whether the dialect exposes an MVCC snapshot
// string usable for transaction_outputs.txn_snapshot.
func (d Dialect) SupportsSnapshot() bool {
	return d == Postgres
}

// TxnSnapshotExpr returns the SQL expression capturing the MVCC snapshot,
// valid only when SupportsSnapshot is true.
func (d Dialect) TxnSnapshotExpr() string {
	return "pg_current_snapshot()::text"
}

// IsConflict classifies err as a unique-constraint violation: SQLSTATE
// 23505 on Postgres, error 1062 on MySQL. This is the trigger for
// WorkflowConflictIDError.
func (d Dialect) IsConflict(err error) bool {
	if err == nil {
		return false
	}
	switch d {
	case MySQL:
		var me *mysql.MySQLError
		if errors.As(err, &me) {
			return me.Number == 1062
		}
	default:
		var pe *pq.Error
		if errors.As(err, &pe) {
			return pe.Code == "23505"
		}
	}
	return false
}

// IsForeignKeyViolation classifies err as a missing-parent-row violation:
// SQLSTATE 23503 on Postgres, error 1452 on MySQL. The inputs-buffer flush
// uses it to drop rows whose workflow_status parent never materialised.
func (d Dialect) IsForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	switch d {
	case MySQL:
		var me *mysql.MySQLError
		if errors.As(err, &me) {
			return me.Number == 1452
		}
	default:
		var pe *pq.Error
		if errors.As(err, &pe) {
			return pe.Code == "23503"
		}
	}
	return false
}
