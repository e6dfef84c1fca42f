package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/tangle/internal/backend"
	"github.com/roach88/tangle/internal/deploy"
	"github.com/roach88/tangle/internal/errs"
	"github.com/roach88/tangle/internal/filter"
	"github.com/roach88/tangle/internal/filtersql"
	"github.com/roach88/tangle/internal/ident"
	"github.com/roach88/tangle/internal/schema"
	"github.com/roach88/tangle/internal/txn"
)

// Storage is one session against a database.
//
// A Storage is not safe for concurrent use. It owns one connection for all
// of its statements; cursors stream over connections of their own.
type Storage struct {
	reg      *schema.Registry
	db       *backend.DB
	conn     *backend.Conn
	compiler *filtersql.Compiler
	tx       *txn.Coordinator
	idmap    *ident.Map[Object]
	logger   *slog.Logger
	policy   ident.Retention

	// journal holds objects inserted by the open transaction, erasures the
	// live objects it erased.
	journal  []*Object
	erasures []erasure

	// cache holds prefetched contents until their owners are resolved.
	cache  map[cacheKey]any
	pinned map[ident.OID]*Object

	mu      sync.Mutex
	cursors map[*cursorRows]struct{}

	closed bool
}

type erasure struct {
	obj *Object
	oid ident.OID
}

type cacheKey struct {
	field *schema.Field
	owner ident.OID
}

// Capabilities describes what the connected backend supports.
type Capabilities struct {
	Dialect      string
	Transactions bool
	Retention    ident.Retention
}

// Connect opens a session on the database described by cfg.
func Connect(ctx context.Context, reg *schema.Registry, cfg Config, opts ...Option) (*Storage, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	policy, err := ident.ParseRetention(cfg.Retention)
	if err != nil {
		return nil, err
	}
	logger := o.logger.With("session", uuid.NewString())

	db, err := backend.Open(ctx, cfg.backend(), logger)
	if err != nil {
		return nil, errs.Backend("connect", err)
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, errs.Backend("connect", err)
	}

	if cfg.Deploy {
		if err := deploy.Deploy(ctx, conn, reg, db.Dialect(), logger); err != nil {
			conn.Close()
			db.Close()
			return nil, err
		}
	}

	s := &Storage{
		reg:     reg,
		db:      db,
		conn:    conn,
		idmap:   ident.NewMap[Object](policy),
		logger:  logger,
		policy:  policy,
		cache:   make(map[cacheKey]any),
		pinned:  make(map[ident.OID]*Object),
		cursors: make(map[*cursorRows]struct{}),
	}
	s.compiler = filtersql.New(reg, filtersql.WithObjectResolver(s.resolveObject))

	txOpts := []txn.Option{txn.WithLogger(logger), txn.OnFinish(s.finishTx)}
	if o.serialLock || cfg.Serialize || !db.Dialect().Transactions {
		txOpts = append(txOpts, txn.WithSerialLock(o.lock))
	}
	s.tx = txn.New(conn, txOpts...)

	logger.Info("storage connected",
		"dialect", db.Dialect().Name,
		"retention", policy.String(),
		"transactions", s.tx.Transactional())
	return s, nil
}

// Registry returns the schema the session maps.
func (s *Storage) Registry() *schema.Registry {
	return s.reg
}

// Capabilities reports backend features.
func (s *Storage) Capabilities() Capabilities {
	return Capabilities{
		Dialect:      s.db.Dialect().Name,
		Transactions: s.tx.Transactional(),
		Retention:    s.policy,
	}
}

// TxStats returns the backend transaction counters.
func (s *Storage) TxStats() txn.Stats {
	return s.tx.Stats()
}

func (s *Storage) check() error {
	if s.closed {
		return errs.Backend("session", errors.New("storage is disconnected"))
	}
	return nil
}

// Disconnect closes open cursors, rolls back an open transaction, detaches
// every live object and closes the connection.
func (s *Storage) Disconnect() error {
	if s.closed {
		return nil
	}
	var errList []error

	s.mu.Lock()
	open := make([]*cursorRows, 0, len(s.cursors))
	for r := range s.cursors {
		open = append(open, r)
	}
	s.mu.Unlock()
	for _, r := range open {
		errList = append(errList, r.close())
	}

	if s.tx.Active() {
		s.logger.Warn("disconnecting with an open transaction; rolling back", "depth", s.tx.Depth())
		errList = append(errList, s.tx.Rollback())
	}
	s.UnloadAll()
	s.closed = true

	errList = append(errList, s.conn.Close(), s.db.Close())
	if err := errors.Join(errList...); err != nil {
		return errs.Backend("disconnect", err)
	}
	s.logger.Info("storage disconnected")
	return nil
}

// Deploy creates the schema's missing tables.
func (s *Storage) Deploy(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	return deploy.Deploy(ctx, s.conn, s.reg, s.db.Dialect(), s.logger)
}

// Retreat drops every table of the schema and detaches all live objects.
// It is refused inside a transaction.
func (s *Storage) Retreat(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	if s.tx.Active() {
		return errs.TransactionMisuse("retreat inside a transaction")
	}
	if err := deploy.Retreat(ctx, s.conn, s.reg, s.logger); err != nil {
		return err
	}
	s.UnloadAll()
	return nil
}

// New returns a transient object of the named class with the given field
// values.
func (s *Storage) New(class string, values map[string]any) (*Object, error) {
	c, err := s.reg.Class(class)
	if err != nil {
		return nil, err
	}
	if c.Abstract {
		return nil, errs.SchemaMismatch(c.Name, "cannot instantiate an abstract class")
	}
	o := NewObject(c)
	for name, v := range values {
		if err := o.Set(name, v); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Remote returns a fresh query variable over the named class.
func (s *Storage) Remote(class string) (*filter.Remote, error) {
	c, err := s.reg.Class(class)
	if err != nil {
		return nil, err
	}
	return filter.NewRemote(c), nil
}

// Remotes returns one fresh query variable per named class.
func (s *Storage) Remotes(classes ...string) ([]*filter.Remote, error) {
	out := make([]*filter.Remote, len(classes))
	for i, name := range classes {
		r, err := s.Remote(name)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

// persistent reports whether o is a live object of this session.
func (s *Storage) persistent(o *Object) bool {
	if o == nil || o.owner != s || o.oid.IsZero() {
		return false
	}
	live, ok := s.idmap.Get(o.oid)
	return ok && live == o
}

// ID returns the OIDs of objs; transient objects yield zero.
func (s *Storage) ID(objs ...*Object) []ident.OID {
	out := make([]ident.OID, len(objs))
	for i, o := range objs {
		if s.persistent(o) {
			out[i] = o.oid
		}
	}
	return out
}

// OIDIsA reports whether oid denotes an object of the named class or one of
// its descendants. It needs no query.
func (s *Storage) OIDIsA(oid ident.OID, class string) (bool, error) {
	c, err := s.reg.Class(class)
	if err != nil {
		return false, err
	}
	oc, err := s.reg.OIDClass(oid)
	if err != nil {
		return false, err
	}
	return oc.IsA(c), nil
}

func (s *Storage) resolveObject(v any) (ident.OID, bool, error) {
	o, ok := v.(*Object)
	if !ok {
		return 0, false, nil
	}
	if !s.persistent(o) {
		return 0, false, errs.NotPersistent(o.class.Name, 0, "transient object used in a filter")
	}
	return o.oid, true, nil
}

func (s *Storage) register(o *Object, oid ident.OID) error {
	if err := s.idmap.Insert(oid, o); err != nil {
		var e *errs.Error
		if errors.As(err, &e) {
			e.Class = o.class.Name
		}
		return err
	}
	o.oid = oid
	o.owner = s
	return nil
}

func (s *Storage) forget(o *Object) {
	if o.owner != s {
		return
	}
	if live, ok := s.idmap.Get(o.oid); ok && live == o {
		s.idmap.Remove(o.oid)
	}
	delete(s.pinned, o.oid)
	o.oid = 0
	o.owner = nil
}

// Unload drops objs from the identity map. They become detached: later
// loads of the same OIDs produce new objects.
func (s *Storage) Unload(objs ...*Object) {
	for _, o := range objs {
		if o != nil {
			s.forget(o)
		}
	}
}

// UnloadAll drops every object from the identity map and clears the
// prefetch cache.
func (s *Storage) UnloadAll() {
	var live []*Object
	s.idmap.Range(func(_ ident.OID, o *Object) bool {
		live = append(live, o)
		return true
	})
	for _, o := range live {
		s.forget(o)
	}
	s.idmap.Clear()
	clear(s.cache)
	clear(s.pinned)
}

// TxStart opens a transaction or nests inside the open one.
func (s *Storage) TxStart(ctx context.Context) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.tx.Start(ctx)
}

// TxCommit closes one nesting level; the outermost commits.
func (s *Storage) TxCommit() error {
	if err := s.check(); err != nil {
		return err
	}
	return s.tx.Commit()
}

// TxRollback rolls back the whole transaction. Objects inserted during it
// return to transient; objects erased during it are live again.
func (s *Storage) TxRollback() error {
	if err := s.check(); err != nil {
		return err
	}
	return s.tx.Rollback()
}

// TxDo runs body in a transaction, committing on success and rolling back
// on failure or panic.
func (s *Storage) TxDo(ctx context.Context, body func(ctx context.Context) error) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.tx.Do(ctx, body)
}

// Do is TxDo for a body that returns a value.
func Do[T any](ctx context.Context, s *Storage, body func(ctx context.Context) (T, error)) (T, error) {
	if err := s.check(); err != nil {
		var zero T
		return zero, err
	}
	return txn.Run(ctx, s.tx, body)
}

func (s *Storage) finishTx(committed bool) {
	journal, erasures := s.journal, s.erasures
	s.journal, s.erasures = nil, nil
	if committed || !s.tx.Transactional() {
		return
	}
	for _, e := range erasures {
		if e.obj.owner != nil {
			continue
		}
		if err := s.register(e.obj, e.oid); err != nil {
			s.logger.Warn("rollback could not restore erased object", "oid", e.oid, "error", err)
		}
	}
	// Objects both inserted and erased in the transaction end up transient.
	for _, o := range journal {
		s.forget(o)
	}
	if len(journal) > 0 || len(erasures) > 0 {
		s.logger.Debug("rollback reverted objects", "inserted", len(journal), "erased", len(erasures))
	}
}

func (s *Storage) String() string {
	return fmt.Sprintf("storage(%s, %d live)", s.db.Dialect().Name, s.idmap.Len())
}
