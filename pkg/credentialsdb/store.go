// Package credentialsdb implements the credentials store: transactional
// persistence of identities, methods, mechanisms, realms and access-control
// tokens, plus the joined read queries session core needs.
package credentialsdb

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/signond/signond/pkg/secrets"
	"github.com/signond/signond/pkg/signonerr"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

var ownerTokenPattern = regexp.MustCompile(`^AID::`)

// Store is the credentials store. A Store owns exactly one database
// connection; callers serialize access to it (session core does this by
// construction, see the concurrency design).
type Store struct {
	mu       sync.Mutex
	db       *sql.DB
	secrets  secrets.Provider
	lastErr  *signonerr.Error
	compromised bool
}

// Option configures Open.
type Option func(*Store)

// WithSecretsProvider wires a secrets.Provider so stored passwords are
// written to it instead of the plaintext CREDENTIALS.password column.
func WithSecretsProvider(p secrets.Provider) Option {
	return func(s *Store) { s.secrets = p }
}

// Open opens (creating if absent) the sqlite database at path and runs
// create_schema.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("credentialsdb: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.CreateSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// LastError returns the typed error of the most recently failed operation,
// or nil if the last operation succeeded.
func (s *Store) LastError() *signonerr.Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Store) fail(kind signonerr.Kind, message string, cause error) *signonerr.Error {
	e := signonerr.New(kind, message, cause)
	s.mu.Lock()
	s.lastErr = e
	s.mu.Unlock()
	return e
}

func (s *Store) ok() {
	s.mu.Lock()
	s.lastErr = nil
	s.mu.Unlock()
}

// rollback rolls tx back and marks the store compromised if rollback itself
// fails, per the failure semantics design.
func (s *Store) rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		s.mu.Lock()
		s.compromised = true
		s.mu.Unlock()
	}
}

// checkCompromisedLocked reports the compromised sentinel error if a prior
// rollback failed, short-circuiting further mutation attempts. Callers must
// already hold s.mu.
func (s *Store) checkCompromisedLocked() *signonerr.Error {
	if s.compromised {
		return signonerr.New(signonerr.InternalServer, "connection compromised by a failed rollback", nil)
	}
	return nil
}

// CreateSchema is idempotent: it runs the embedded goose migrations up to
// the latest version, succeeding whether the tables already exist or are
// created by this call.
func (s *Store) CreateSchema() error {
	goose.SetBaseFS(migrationFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return s.fail(signonerr.InternalServer, "set migration dialect", err)
	}
	if err := goose.Up(s.db, "migrations"); err != nil {
		return s.fail(signonerr.InternalServer, "run migrations", err)
	}
	s.ok()
	return nil
}

// Insert assigns a fresh id to info and writes it, its methods/mechanisms,
// tokens, realms and ACL rows in one transaction. ownerToken, if non-empty,
// is the daemon-synthesized "AID::<caller>" marker granting the identity's
// creator permanent access regardless of what ACL the caller itself
// supplied (clients cannot set it themselves: insertACL drops any
// client-submitted AID:: token). Returns 0 on failure.
func (s *Store) Insert(ctx context.Context, info Identity, storeSecret bool, ownerToken string) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkCompromisedLocked(); err != nil {
		s.lastErr = err
		return 0
	}

	id, err := s.writeIdentity(ctx, 0, info, storeSecret, ownerToken)
	if err != nil {
		s.lastErr = toStoreError(err)
		return 0
	}
	s.lastErr = nil
	return id
}

// Update rewrites info.ID's row, methods, realms and ACL within one
// transaction. ownerToken is re-synthesized the same way as Insert; callers
// updating an existing identity should pass back its existing owner token
// (via OwnerToken) rather than leave it empty, since writeIdentity deletes
// and re-inserts ACL rows wholesale. Returns 0 on failure.
func (s *Store) Update(ctx context.Context, info Identity, storeSecret bool, ownerToken string) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkCompromisedLocked(); err != nil {
		s.lastErr = err
		return 0
	}
	if info.ID == 0 {
		s.lastErr = signonerr.New(signonerr.StoreFailed, "update requires a persisted id", nil)
		return 0
	}

	id, err := s.writeIdentity(ctx, info.ID, info, storeSecret, ownerToken)
	if err != nil {
		s.lastErr = toStoreError(err)
		return 0
	}
	s.lastErr = nil
	return id
}

func (s *Store) writeIdentity(ctx context.Context, targetID uint32, info Identity, storeSecret bool, ownerToken string) (uint32, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer s.rollback(tx)

	password := ""
	if storeSecret && s.secrets == nil {
		password = info.Password
	}

	var id uint32
	if targetID == 0 {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO CREDENTIALS (caption, username, password, save_password, type) VALUES (?, ?, ?, ?, ?)`,
			info.Caption, info.Username, password, boolToInt(storeSecret), info.Type)
		if err != nil {
			return 0, err
		}
		lastID, err := res.LastInsertId()
		if err != nil {
			return 0, err
		}
		id = uint32(lastID)
	} else {
		id = targetID
		_, err := tx.ExecContext(ctx,
			`UPDATE CREDENTIALS SET caption = ?, username = ?, password = ?, save_password = ?, type = ? WHERE id = ?`,
			info.Caption, info.Username, password, boolToInt(storeSecret), info.Type, id)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM REALMS WHERE identity_id = ?`, id); err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM ACL WHERE identity_id = ?`, id); err != nil {
			return 0, err
		}
	}

	for _, realm := range info.Realms {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO REALMS (identity_id, realm, hostname) VALUES (?, ?, '')`,
			id, realm); err != nil {
			return 0, err
		}
	}

	for method, mechanisms := range info.Methods {
		methodID, err := uniqueInsert(ctx, tx, "METHODS", "method", method)
		if err != nil {
			return 0, err
		}
		if ownerToken != "" {
			if err := insertOwnerACL(ctx, tx, id, methodID, nil, ownerToken); err != nil {
				return 0, err
			}
		}
		if len(mechanisms) == 0 {
			for _, token := range info.ACL {
				if err := insertACL(ctx, tx, id, methodID, nil, token); err != nil {
					return 0, err
				}
			}
			continue
		}
		for _, mechanism := range mechanisms {
			mechanismID, err := uniqueInsert(ctx, tx, "MECHANISMS", "mechanism", mechanism)
			if err != nil {
				return 0, err
			}
			for _, token := range info.ACL {
				if err := insertACL(ctx, tx, id, methodID, &mechanismID, token); err != nil {
					return 0, err
				}
			}
		}
	}

	if s.secrets != nil && storeSecret {
		if err := s.secrets.SetSecret(ctx, secrets.NameFor(id), info.Password); err != nil {
			return 0, err
		}
	}

	if err := gc(ctx, tx); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// insertACL writes one client-submitted ACL row, silently dropping any
// token the client tried to set in the reserved AID:: namespace: that
// namespace is reserved for insertOwnerACL.
func insertACL(ctx context.Context, tx *sql.Tx, identityID, methodID uint32, mechanismID *uint32, token string) error {
	if ownerTokenPattern.MatchString(token) {
		return nil
	}
	return insertOwnerACL(ctx, tx, identityID, methodID, mechanismID, token)
}

// insertOwnerACL writes an ACL row unconditionally, bypassing insertACL's
// AID:: filter. Only the daemon itself calls this, with the token it
// synthesized for the caller's bus identity.
func insertOwnerACL(ctx context.Context, tx *sql.Tx, identityID, methodID uint32, mechanismID *uint32, token string) error {
	tokenID, err := uniqueInsert(ctx, tx, "TOKENS", "token", token)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO ACL (identity_id, method_id, mechanism_id, token_id) VALUES (?, ?, ?, ?)`,
		identityID, methodID, mechanismID, tokenID)
	return err
}

func uniqueInsert(ctx context.Context, tx *sql.Tx, table, column, value string) (uint32, error) {
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT OR IGNORE INTO %s (%s) VALUES (?)`, table, column), value); err != nil {
		return 0, err
	}
	var id uint32
	err := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT id FROM %s WHERE %s = ?`, table, column), value).Scan(&id)
	return id, err
}

// gc deletes METHODS/MECHANISMS/TOKENS rows no longer referenced by any ACL
// row, after any mutation that may have orphaned them.
func gc(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`DELETE FROM METHODS WHERE id NOT IN (SELECT method_id FROM ACL)`,
		`DELETE FROM MECHANISMS WHERE id NOT IN (SELECT mechanism_id FROM ACL WHERE mechanism_id IS NOT NULL)`,
		`DELETE FROM TOKENS WHERE id NOT IN (SELECT token_id FROM ACL)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes id's CREDENTIALS/ACL/REALMS rows in one transaction, then
// runs GC.
func (s *Store) Remove(ctx context.Context, id uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkCompromisedLocked(); err != nil {
		s.lastErr = err
		return false
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.lastErr = signonerr.New(signonerr.RemoveFailed, "begin transaction", err)
		return false
	}
	defer s.rollback(tx)

	for _, stmt := range []string{
		`DELETE FROM CREDENTIALS WHERE id = ?`,
		`DELETE FROM ACL WHERE identity_id = ?`,
		`DELETE FROM REALMS WHERE identity_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			s.lastErr = signonerr.New(signonerr.RemoveFailed, "remove identity", err)
			return false
		}
	}
	if err := gc(ctx, tx); err != nil {
		s.lastErr = signonerr.New(signonerr.RemoveFailed, "gc after remove", err)
		return false
	}
	if err := tx.Commit(); err != nil {
		s.lastErr = signonerr.New(signonerr.RemoveFailed, "commit", err)
		return false
	}
	if s.secrets != nil {
		_ = s.secrets.DeleteSecret(ctx, secrets.NameFor(id))
	}
	s.lastErr = nil
	return true
}

// AddReference increments id's reference count and returns the new value.
func (s *Store) AddReference(ctx context.Context, id uint32) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkCompromisedLocked(); err != nil {
		s.lastErr = err
		return 0, err
	}
	_, err := s.db.ExecContext(ctx, `UPDATE CREDENTIALS SET ref_count = ref_count + 1 WHERE id = ?`, id)
	if err != nil {
		s.lastErr = signonerr.New(signonerr.InternalServer, "add reference", err)
		return 0, s.lastErr
	}
	var count int32
	if err := s.db.QueryRowContext(ctx, `SELECT ref_count FROM CREDENTIALS WHERE id = ?`, id).Scan(&count); err != nil {
		s.lastErr = signonerr.New(signonerr.IdentityNotFound, fmt.Sprintf("identity %d not found", id), err)
		return 0, s.lastErr
	}
	s.lastErr = nil
	return count, nil
}

// RemoveReference decrements id's reference count, floored at zero, and
// returns the new value. A removal with the count already at zero leaves it
// at zero rather than driving it negative.
func (s *Store) RemoveReference(ctx context.Context, id uint32) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkCompromisedLocked(); err != nil {
		s.lastErr = err
		return 0, err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE CREDENTIALS SET ref_count = CASE WHEN ref_count > 0 THEN ref_count - 1 ELSE 0 END WHERE id = ?`, id)
	if err != nil {
		s.lastErr = signonerr.New(signonerr.InternalServer, "remove reference", err)
		return 0, s.lastErr
	}
	var count int32
	if err := s.db.QueryRowContext(ctx, `SELECT ref_count FROM CREDENTIALS WHERE id = ?`, id).Scan(&count); err != nil {
		s.lastErr = signonerr.New(signonerr.IdentityNotFound, fmt.Sprintf("identity %d not found", id), err)
		return 0, s.lastErr
	}
	s.lastErr = nil
	return count, nil
}

// Clear truncates all six tables.
func (s *Store) Clear(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkCompromisedLocked(); err != nil {
		s.lastErr = err
		return false
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.lastErr = signonerr.New(signonerr.InternalServer, "begin transaction", err)
		return false
	}
	defer s.rollback(tx)

	for _, table := range []string{"ACL", "REALMS", "TOKENS", "MECHANISMS", "METHODS", "CREDENTIALS"} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, table)); err != nil {
			s.lastErr = signonerr.New(signonerr.InternalServer, "clear "+table, err)
			return false
		}
	}
	if err := tx.Commit(); err != nil {
		s.lastErr = signonerr.New(signonerr.InternalServer, "commit", err)
		return false
	}
	s.lastErr = nil
	return true
}

// Credentials returns the fully assembled identity for id, or the "new"
// sentinel if absent. Password is populated only when both save_password and
// includePassword are true.
func (s *Store) Credentials(ctx context.Context, id uint32, includePassword bool) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ident Identity
	var savePassword int
	var password string
	row := s.db.QueryRowContext(ctx,
		`SELECT id, caption, username, password, save_password, type, ref_count FROM CREDENTIALS WHERE id = ?`, id)
	err := row.Scan(&ident.ID, &ident.Caption, &ident.Username, &password, &savePassword, &ident.Type, &ident.RefCount)
	if err == sql.ErrNoRows {
		s.lastErr = signonerr.New(signonerr.IdentityNotFound, fmt.Sprintf("identity %d not found", id), nil)
		return New(), s.lastErr
	}
	if err != nil {
		s.lastErr = signonerr.New(signonerr.InternalServer, "query credentials", err)
		return New(), s.lastErr
	}
	ident.StorePassword = savePassword != 0

	if ident.StorePassword && includePassword {
		if s.secrets != nil {
			if v, err := s.secrets.GetSecret(ctx, secrets.NameFor(id)); err == nil {
				ident.Password = v
			}
		} else {
			ident.Password = password
		}
	}

	ident.Realms, err = s.realms(ctx, id)
	if err != nil {
		s.lastErr = signonerr.New(signonerr.InternalServer, "query realms", err)
		return New(), s.lastErr
	}
	ident.ACL, err = s.aclTokens(ctx, id)
	if err != nil {
		s.lastErr = signonerr.New(signonerr.InternalServer, "query acl", err)
		return New(), s.lastErr
	}
	ident.Methods, err = s.methodMechanisms(ctx, id)
	if err != nil {
		s.lastErr = signonerr.New(signonerr.InternalServer, "query methods", err)
		return New(), s.lastErr
	}

	s.lastErr = nil
	return ident, nil
}

func (s *Store) realms(ctx context.Context, id uint32) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT realm FROM REALMS WHERE identity_id = ? ORDER BY realm`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) aclTokens(ctx context.Context, id uint32) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT T.token FROM ACL A JOIN TOKENS T ON T.id = A.token_id WHERE A.identity_id = ? ORDER BY T.token`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) methodMechanisms(ctx context.Context, id uint32) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT M.method, MC.mechanism FROM ACL A
		 JOIN METHODS M ON M.id = A.method_id
		 LEFT JOIN MECHANISMS MC ON MC.id = A.mechanism_id
		 WHERE A.identity_id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string][]string{}
	for rows.Next() {
		var method string
		var mechanism sql.NullString
		if err := rows.Scan(&method, &mechanism); err != nil {
			return nil, err
		}
		if _, ok := out[method]; !ok {
			out[method] = []string{}
		}
		if mechanism.Valid {
			out[method] = append(out[method], mechanism.String)
		}
	}
	for method := range out {
		sort.Strings(out[method])
	}
	return out, rows.Err()
}

// CredentialsFiltered returns all identities (password omitted) in
// ascending id order. The filter's only required behaviour is that an empty
// filter matches every identity; non-empty filters are matched against
// caption/username substrings.
func (s *Store) CredentialsFiltered(ctx context.Context, filter map[string]string) ([]Identity, error) {
	s.mu.Lock()
	ids, err := s.filteredIDs(ctx, filter)
	s.mu.Unlock()
	if err != nil {
		return nil, s.fail(signonerr.InvalidQuery, "query identities", err)
	}

	out := make([]Identity, 0, len(ids))
	for _, id := range ids {
		ident, err := s.Credentials(ctx, id, false)
		if err != nil {
			continue
		}
		out = append(out, ident)
	}
	s.ok()
	return out, nil
}

func (s *Store) filteredIDs(ctx context.Context, filter map[string]string) ([]uint32, error) {
	query := `SELECT id FROM CREDENTIALS`
	var args []any
	if caption, ok := filter["Caption"]; ok && caption != "" {
		query += ` WHERE caption LIKE ?`
		args = append(args, "%"+caption+"%")
	} else if username, ok := filter["UserName"]; ok && username != "" {
		query += ` WHERE username LIKE ?`
		args = append(args, "%"+username+"%")
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uint32
	for rows.Next() {
		var id uint32
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Methods returns the distinct methods permitted to token (or to any token
// when token is empty) on id.
func (s *Store) Methods(ctx context.Context, id uint32, token string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT DISTINCT M.method FROM ACL A JOIN METHODS M ON M.id = A.method_id WHERE A.identity_id = ?`
	args := []any{id}
	if token != "" {
		query += ` AND A.token_id IN (SELECT id FROM TOKENS WHERE token = ?)`
		args = append(args, token)
	}
	query += ` ORDER BY M.method`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.fail(signonerr.InternalServer, "query methods", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, s.fail(signonerr.InternalServer, "scan method", err)
		}
		out = append(out, m)
	}
	s.ok()
	return out, rows.Err()
}

// AccessControlList returns every distinct token granted access to id.
func (s *Store) AccessControlList(ctx context.Context, id uint32) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tokens, err := s.aclTokens(ctx, id)
	if err != nil {
		return nil, s.fail(signonerr.InternalServer, "query acl", err)
	}
	s.ok()
	return tokens, nil
}

// OwnerToken returns the first ACL token matching ^AID::.*, if any.
func (s *Store) OwnerToken(ctx context.Context, id uint32) (string, bool) {
	tokens, err := s.AccessControlList(ctx, id)
	if err != nil {
		return "", false
	}
	for _, t := range tokens {
		if ownerTokenPattern.MatchString(t) {
			return t, true
		}
	}
	return "", false
}

// CheckPassword is a fixed-row lookup against the stored credentials.
func (s *Store) CheckPassword(ctx context.Context, id uint32, username, password string) bool {
	ident, err := s.Credentials(ctx, id, true)
	if err != nil {
		return false
	}
	return ident.Username == username && ident.Password == password
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func toStoreError(err error) *signonerr.Error {
	if se, ok := err.(*signonerr.Error); ok {
		return se
	}
	return signonerr.New(signonerr.StoreFailed, "store operation failed", err)
}
