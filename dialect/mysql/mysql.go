// Package mysql implements the dialect.Dialect capability set against
// MySQL and MariaDB, using database/sql with the go-sql-driver/mysql
// driver.
package mysql

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	gomysql "github.com/go-sql-driver/mysql"

	"github.com/nbari/dbpulse/dialect"
	"github.com/nbari/dbpulse/dsn"
	"github.com/nbari/dbpulse/metrics"
)

// MySQL implements dialect.Dialect.
type MySQL struct{}

// New returns a ready-to-use MySQL dialect.
func New() *MySQL { return &MySQL{} }

// Name returns "mysql".
func (MySQL) Name() string { return "mysql" }

// Probe runs one full iteration against a MySQL/MariaDB server.
func (my MySQL) Probe(ctx context.Context, cfg *dsn.Config, in dialect.IterationInput, m *metrics.Registry) error {
	db, closeFn, err := my.connect(ctx, cfg, m)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	connectedAt := time.Now()
	m.ConnectionsActive.WithLabelValues(my.Name()).Inc()
	defer func() {
		m.ConnectionDuration.WithLabelValues(my.Name()).Observe(time.Since(connectedAt).Seconds())
		m.ConnectionsActive.WithLabelValues(my.Name()).Dec()
		// explicit orderly close, never a bare drop of the socket
		closeFn()
	}()

	if err := my.applySessionTimeouts(ctx, db); err != nil {
		return fmt.Errorf("session_init: %w", err)
	}

	readOnly, err := my.isReadOnly(ctx, db)
	if err != nil {
		m.ErrorsTotal.WithLabelValues(my.Name(), "query").Inc()
	}
	m.DatabaseReadonly.WithLabelValues(my.Name()).Set(boolToFloat(readOnly))

	my.recordVersionAndUptime(ctx, db, m)

	if readOnly {
		my.recordReplicationLag(ctx, db, m)
		return fmt.Errorf("write: %w", dialect.ErrReadOnly)
	}

	my.recordBlockingQueries(ctx, db, m)

	if err := my.ensureTable(ctx, db, m); err != nil {
		return fmt.Errorf("ensure_table: %w", err)
	}

	if err := my.writeProbe(ctx, db, in, m); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	if err := my.readProbe(ctx, db, in, m); err != nil {
		return fmt.Errorf("read: %w", err)
	}

	if err := my.rollbackTest(ctx, db, in, m); err != nil {
		return fmt.Errorf("rollback_test: %w", err)
	}

	my.recordTableStats(ctx, db, m)

	my.cleanup(ctx, db, in.Now, m)
	my.dropIfSmall(ctx, db, in, m)

	return nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (my MySQL) connect(ctx context.Context, cfg *dsn.Config, m *metrics.Registry) (*sql.DB, func(), error) {
	start := time.Now()
	dsnStr, err := buildDSN(cfg, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	db, err := sql.Open("mysql", dsnStr)
	if err != nil {
		return nil, nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		if isUnknownDatabase(err) {
			if createErr := createDatabase(ctx, cfg); createErr == nil {
				return my.connect(ctx, cfg, m)
			}
		}
		return nil, nil, err
	}
	m.OperationDuration.WithLabelValues(my.Name(), dialect.OpConnect).Observe(time.Since(start).Seconds())

	if cfg.TLS.Enabled() {
		handshakeStart := time.Now()
		version, cipher, ok := tlsInfo(ctx, db)
		if ok {
			m.TLSHandshakeDuration.WithLabelValues(my.Name()).Observe(time.Since(handshakeStart).Seconds())
			m.TLSInfo.WithLabelValues(my.Name(), version, cipher).Set(1)
		}
	}

	return db, func() { _ = db.Close() }, nil
}

// buildDSN renders cfg as a go-sql-driver/mysql DSN. TLS policies beyond
// "no verification" require a named, pre-registered tls.Config, since the
// driver's DSN grammar only accepts a config name for custom policies.
func buildDSN(cfg *dsn.Config, database string) (string, error) {
	c := gomysql.NewConfig()
	c.User = cfg.User
	c.Passwd = cfg.Password
	c.DBName = database
	c.ParseTime = true
	if cfg.Socket != "" {
		c.Net = "unix"
		c.Addr = cfg.Socket
	} else {
		c.Net = "tcp"
		c.Addr = cfg.Host + ":" + cfg.Port
	}

	switch cfg.TLS.Mode {
	case dsn.TLSDisable, "":
		c.TLSConfig = "false"
	case dsn.TLSRequire:
		c.TLSConfig = "skip-verify"
	case dsn.TLSVerifyCA, dsn.TLSVerifyFull:
		name := "dbpulse-" + cfg.Host
		tlsCfg, err := buildTLSConfig(cfg)
		if err != nil {
			return "", err
		}
		if err := gomysql.RegisterTLSConfig(name, tlsCfg); err != nil {
			return "", err
		}
		c.TLSConfig = name
	}

	for k, v := range cfg.Extra {
		if c.Params == nil {
			c.Params = map[string]string{}
		}
		c.Params[k] = v
	}
	return c.FormatDSN(), nil
}

// buildTLSConfig builds the tls.Config backing verify-ca and verify-full
// modes. verify-full lets crypto/tls's normal hostname+chain check run;
// verify-ca disables the built-in check and replaces it with one that
// verifies the chain against the supplied CA but skips the hostname
// match, per the DSN grammar's mode table.
func buildTLSConfig(cfg *dsn.Config) (*tls.Config, error) {
	pool := x509.NewCertPool()
	if cfg.TLS.CAPath != "" {
		pem, err := os.ReadFile(cfg.TLS.CAPath)
		if err != nil {
			return nil, fmt.Errorf("reading CA file: %w", err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.TLS.CAPath)
		}
	}

	tlsCfg := &tls.Config{ServerName: cfg.Host, RootCAs: pool}
	if cfg.TLS.Mode == dsn.TLSVerifyFull {
		return tlsCfg, nil
	}

	// verify-ca: verify the chain to the CA, skip the hostname match.
	tlsCfg.InsecureSkipVerify = true
	tlsCfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		certs := make([]*x509.Certificate, len(rawCerts))
		for i, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return err
			}
			certs[i] = cert
		}
		if len(certs) == 0 {
			return fmt.Errorf("no certificates presented")
		}
		intermediates := x509.NewCertPool()
		for _, cert := range certs[1:] {
			intermediates.AddCert(cert)
		}
		_, err := certs[0].Verify(x509.VerifyOptions{Roots: pool, Intermediates: intermediates})
		return err
	}
	return tlsCfg, nil
}

func isUnknownDatabase(err error) bool {
	var mysqlErr *gomysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1049
	}
	return strings.Contains(err.Error(), "1049")
}

func createDatabase(ctx context.Context, cfg *dsn.Config) error {
	dsnStr, err := buildDSN(cfg, "mysql")
	if err != nil {
		return err
	}
	maintDB, err := sql.Open("mysql", dsnStr)
	if err != nil {
		return err
	}
	defer func() { _ = maintDB.Close() }()

	createCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = maintDB.ExecContext(createCtx, "CREATE DATABASE IF NOT EXISTS "+quoteIdent(cfg.Database))
	return err
}

func quoteIdent(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

func tlsInfo(ctx context.Context, db *sql.DB) (version, cipher string, ok bool) {
	rows, err := db.QueryContext(ctx, `SHOW STATUS LIKE 'Ssl%'`)
	if err != nil {
		return "", "", false
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			continue
		}
		switch name {
		case "Ssl_version":
			version = value
		case "Ssl_cipher":
			cipher = value
		}
	}
	return version, cipher, version != ""
}

func (my MySQL) applySessionTimeouts(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `SET SESSION max_execution_time = 5000`); err != nil {
		// MariaDB does not support max_execution_time; fall back to the
		// MariaDB-specific variable. Failure of the fallback itself is
		// ignored, matching the original implementation.
		_, _ = db.ExecContext(ctx, `SET SESSION max_statement_time = 5`)
	}
	if _, err := db.ExecContext(ctx, `SET SESSION innodb_lock_wait_timeout = 2`); err != nil {
		return err
	}
	return nil
}

func (my MySQL) isReadOnly(ctx context.Context, db *sql.DB) (bool, error) {
	var asInt sql.NullInt64
	var asStr sql.NullString
	err := db.QueryRowContext(ctx, `SELECT @@read_only`).Scan(&asInt)
	if err != nil {
		// Some servers surface this as a string ("ON"/"OFF").
		if err2 := db.QueryRowContext(ctx, `SELECT @@read_only`).Scan(&asStr); err2 == nil {
			return strings.EqualFold(asStr.String, "ON") || asStr.String == "1", nil
		}
		return false, err
	}
	return asInt.Int64 == 1, nil
}

func (my MySQL) recordVersionAndUptime(ctx context.Context, db *sql.DB, m *metrics.Registry) {
	var version string
	if err := db.QueryRowContext(ctx, `SELECT VERSION()`).Scan(&version); err == nil {
		m.DatabaseVersionInfo.WithLabelValues(my.Name(), version).Set(1)
	}

	rows, err := db.QueryContext(ctx, `SHOW GLOBAL STATUS LIKE 'Uptime'`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()
	if rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err == nil {
			if seconds, err := strconv.ParseFloat(value, 64); err == nil {
				m.DatabaseUptimeSeconds.WithLabelValues(my.Name()).Set(seconds)
			}
		}
	}

	my.recordHostInfo(ctx, db, m)
}

// recordHostInfo reports which physical host answered the connection,
// as seen by the server itself rather than the DSN the client dialed.
func (my MySQL) recordHostInfo(ctx context.Context, db *sql.DB, m *metrics.Registry) {
	var host string
	if err := db.QueryRowContext(ctx, `SELECT @@hostname`).Scan(&host); err != nil || host == "" {
		return
	}
	m.DatabaseHostInfo.WithLabelValues(my.Name(), host).Set(1)
}

func (my MySQL) recordReplicationLag(ctx context.Context, db *sql.DB, m *metrics.Registry) {
	rows, err := db.QueryContext(ctx, `SHOW REPLICA STATUS`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil || !rows.Next() {
		return
	}
	values := make([]sql.RawBytes, len(cols))
	scanArgs := make([]any, len(cols))
	for i := range values {
		scanArgs[i] = &values[i]
	}
	if err := rows.Scan(scanArgs...); err != nil {
		return
	}
	for i, col := range cols {
		if col != "Seconds_Behind_Source" && col != "Seconds_Behind_Master" {
			continue
		}
		lag, err := strconv.ParseInt(string(values[i]), 10, 64)
		if err != nil || lag < 0 {
			return // -1 (or unparsable) means "not currently replicating"
		}
		m.ReplicationLagSeconds.WithLabelValues(my.Name()).Observe(float64(lag))
		return
	}
}

func (my MySQL) recordBlockingQueries(ctx context.Context, db *sql.DB, m *metrics.Registry) {
	var n float64
	err := db.QueryRowContext(ctx, `
		SELECT count(*) FROM information_schema.processlist
		WHERE state LIKE '%lock%' OR state LIKE '%Locked%'`).Scan(&n)
	if err == nil {
		m.BlockingQueries.WithLabelValues(my.Name()).Set(n)
	}
}

func (my MySQL) ensureTable(ctx context.Context, db *sql.DB, m *metrics.Registry) error {
	start := time.Now()
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+dialect.TableName+` (
		id INT NOT NULL,
		t1 BIGINT NOT NULL,
		t2 TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		uuid CHAR(36) CHARACTER SET ascii NOT NULL,
		PRIMARY KEY (id),
		UNIQUE KEY (uuid),
		INDEX idx_t2 (t2)
	) ENGINE=InnoDB`)
	if err != nil {
		return err
	}
	m.OperationDuration.WithLabelValues(my.Name(), dialect.OpCreateTable).Observe(time.Since(start).Seconds())
	return nil
}

func (my MySQL) writeProbe(ctx context.Context, db *sql.DB, in dialect.IterationInput, m *metrics.Registry) error {
	start := time.Now()
	res, err := db.ExecContext(ctx, `
		INSERT INTO `+dialect.TableName+` (id, t1, uuid) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE t1 = VALUES(t1), uuid = VALUES(uuid)`,
		in.ID, in.T1, in.UUID)
	if err != nil {
		return err
	}
	m.OperationDuration.WithLabelValues(my.Name(), dialect.OpInsert).Observe(time.Since(start).Seconds())

	// MySQL's ON DUPLICATE KEY UPDATE reports 2 affected rows on an
	// actual update and 1 on a fresh insert; both count as a write.
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		m.RowsAffectedTotal.WithLabelValues(my.Name(), dialect.RowOpInsert).Add(1)
	} else if n == 0 {
		return fmt.Errorf("write_probe: expected to affect at least one row, affected 0")
	}
	return nil
}

func (my MySQL) readProbe(ctx context.Context, db *sql.DB, in dialect.IterationInput, m *metrics.Registry) error {
	start := time.Now()
	var got string
	err := db.QueryRowContext(ctx, `SELECT uuid FROM `+dialect.TableName+` WHERE id = ?`, in.ID).Scan(&got)
	m.OperationDuration.WithLabelValues(my.Name(), dialect.OpSelect).Observe(time.Since(start).Seconds())
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read_probe: no row for id %d", in.ID)
	}
	if err != nil {
		return err
	}
	if got != in.UUID {
		return fmt.Errorf("read_probe: records don't match: got %s, want %s", got, in.UUID)
	}
	return nil
}

func (my MySQL) rollbackTest(ctx context.Context, db *sql.DB, in dialect.IterationInput, m *metrics.Registry) error {
	start := time.Now()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO `+dialect.TableName+` (id, t1, uuid) VALUES (?, 999, UUID())
		ON DUPLICATE KEY UPDATE t1 = 999`, in.RollbackID)
	if err != nil {
		_ = tx.Rollback()
		return err
	}

	res, err := tx.ExecContext(ctx, `UPDATE `+dialect.TableName+` SET t1 = ? WHERE id = ?`, 0, in.RollbackID)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		m.RowsAffectedTotal.WithLabelValues(my.Name(), dialect.RowOpUpdate).Add(1)
	}

	var t1InTx int64
	if err := tx.QueryRowContext(ctx, `SELECT t1 FROM `+dialect.TableName+` WHERE id = ?`, in.RollbackID).Scan(&t1InTx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if t1InTx != 0 {
		_ = tx.Rollback()
		return fmt.Errorf("rollback_test: write inside transaction did not take effect")
	}

	if err := tx.Rollback(); err != nil {
		return err
	}

	var t1AfterRollback int64
	if err := db.QueryRowContext(ctx, `SELECT t1 FROM `+dialect.TableName+` WHERE id = ?`, in.RollbackID).Scan(&t1AfterRollback); err != nil {
		return err
	}
	if t1AfterRollback == 0 {
		return fmt.Errorf("rollback_test: transaction rollback failed: value is still 0")
	}

	m.OperationDuration.WithLabelValues(my.Name(), dialect.OpTransactionTest).Observe(time.Since(start).Seconds())
	return nil
}

func (my MySQL) recordTableStats(ctx context.Context, db *sql.DB, m *metrics.Registry) {
	var rows float64
	if err := db.QueryRowContext(ctx, `SELECT count(*) FROM `+dialect.TableName).Scan(&rows); err == nil {
		m.TableRows.WithLabelValues(my.Name(), dialect.TableName).Set(rows)
	}

	var size sql.NullFloat64
	_ = db.QueryRowContext(ctx, `
		SELECT data_length + index_length FROM information_schema.TABLES
		WHERE table_schema = DATABASE() AND table_name = ?`, dialect.TableName).Scan(&size)
	if size.Valid {
		m.TableSizeBytes.WithLabelValues(my.Name(), dialect.TableName).Set(size.Float64)
	}

	var dbSize sql.NullFloat64
	_ = db.QueryRowContext(ctx, `
		SELECT sum(data_length + index_length) FROM information_schema.TABLES
		WHERE table_schema = DATABASE()`).Scan(&dbSize)
	if dbSize.Valid {
		m.DatabaseSizeBytes.WithLabelValues(my.Name()).Set(dbSize.Float64)
	}
}

func (my MySQL) cleanup(ctx context.Context, db *sql.DB, now time.Time, m *metrics.Registry) {
	start := time.Now()
	cutoff := now.Add(-1 * time.Hour)
	res, err := db.ExecContext(ctx, `DELETE FROM `+dialect.TableName+` WHERE t2 < ? LIMIT 10000`, cutoff)
	if err != nil {
		m.ErrorsTotal.WithLabelValues(my.Name(), "query").Inc()
		return
	}
	if n, err := res.RowsAffected(); err == nil {
		m.RowsAffectedTotal.WithLabelValues(my.Name(), dialect.RowOpDelete).Add(float64(n))
	}
	m.OperationDuration.WithLabelValues(my.Name(), dialect.OpCleanup).Observe(time.Since(start).Seconds())
}

func (my MySQL) dropIfSmall(ctx context.Context, db *sql.DB, in dialect.IterationInput, m *metrics.Registry) {
	if in.Now.Minute() != 0 || in.ID >= 5 {
		return
	}
	var rows float64
	if err := db.QueryRowContext(ctx, `SELECT count(*) FROM `+dialect.TableName).Scan(&rows); err != nil {
		return
	}
	if rows >= 100000 {
		return
	}
	_, _ = db.ExecContext(ctx, `DROP TABLE IF EXISTS `+dialect.TableName)
}
