// Package session provides the unit of work: an identity-mapped workspace
// over a single connection in which objects are loaded, mutated, and flushed
// back in dependency order.
package session

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ormcore/internal/flush"
	"ormcore/internal/identity"
	"ormcore/internal/loader"
	"ormcore/internal/state"
	"ormcore/pkg/executor"
	"ormcore/pkg/mapping"
	"ormcore/pkg/observe"
	"ormcore/pkg/ormerr"
)

// Config carries the collaborators a session needs. Registry and Conn are
// required; everything else defaults to a no-op.
type Config struct {
	Registry *mapping.Registry
	Conn     executor.Conn

	Logger   *zap.SugaredLogger
	Metrics  observe.Metrics
	Tracer   observe.Tracer
	Warnings ormerr.WarningSink

	// IdentityCapacity bounds the clean segment of the identity map.
	// Zero means the default capacity.
	IdentityCapacity int

	// NoExpireOnCommit keeps attribute values live after Commit instead of
	// expiring them for reload on next access.
	NoExpireOnCommit bool

	// NoAutoflush disables the implicit flush before queries.
	NoAutoflush bool
}

// Session is a unit of work. It is not safe for concurrent use.
type Session struct {
	id   string
	reg  *mapping.Registry
	conn executor.Conn

	ids     *identity.Map
	tracker *state.Tracker
	ld      *loader.Loader
	engine  *flush.Engine

	log     *zap.SugaredLogger
	metrics observe.Metrics
	tracer  observe.Tracer
	warn    ormerr.WarningSink

	objects map[*state.Instance]*Object

	// newSet holds pending instances not yet flushed; deleteSet holds
	// persistent instances scheduled for deletion.
	newSet    []*state.Instance
	deleteSet []*state.Instance

	// txInserted and txDeleted record flushed-but-uncommitted work so
	// Rollback can restore pre-transaction lifecycle states.
	txInserted []*state.Instance
	txDeleted  []*state.Instance

	expireOnCommit bool
	autoflush      bool
	txOpen         bool
	closed         bool
}

// New constructs a session over a configured registry and a checked-out
// connection.
func New(cfg Config) (*Session, error) {
	if cfg.Registry == nil {
		return nil, ormerr.ConfigError{Detail: "session requires a registry"}
	}
	if !cfg.Registry.Configured() {
		return nil, ormerr.ConfigError{Detail: "registry is not configured"}
	}
	if cfg.Conn == nil {
		return nil, ormerr.ConfigError{Detail: "session requires a connection"}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.NopMetrics{}
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = observe.NopTracer{}
	}
	warn := cfg.Warnings
	if warn == nil {
		warn = ormerr.DiscardSink{}
	}
	capacity := cfg.IdentityCapacity
	if capacity == 0 {
		capacity = identity.DefaultCleanCapacity
	}
	ids, err := identity.NewMap(capacity)
	if err != nil {
		return nil, err
	}
	tracker := state.NewTracker()
	ld := loader.New(cfg.Registry, cfg.Conn, ids, tracker, metrics, warn, log)
	engine := flush.New(cfg.Registry, ld, cfg.Conn, ids, metrics, tracer, log)
	id := uuid.NewString()
	return &Session{
		id:             id,
		reg:            cfg.Registry,
		conn:           cfg.Conn,
		ids:            ids,
		tracker:        tracker,
		ld:             ld,
		engine:         engine,
		log:            log.With("session", id),
		metrics:        metrics,
		tracer:         tracer,
		warn:           warn,
		objects:        make(map[*state.Instance]*Object),
		expireOnCommit: !cfg.NoExpireOnCommit,
		autoflush:      !cfg.NoAutoflush,
	}, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Registry returns the mapping registry the session was built with.
func (s *Session) Registry() *mapping.Registry { return s.reg }

// NewObject creates a transient instance of a mapped entity. It joins the
// unit of work only once Add is called or a save-update cascade reaches it.
func (s *Session) NewObject(entity string) (*Object, error) {
	desc, ok := s.reg.Entity(entity)
	if !ok {
		return nil, ormerr.ConfigError{Entity: entity, Detail: "unknown entity"}
	}
	inst := s.tracker.NewInstance(desc)
	return s.wrap(inst), nil
}

// Add schedules a transient object for insertion. Adding a pending or
// persistent object is a no-op; adding an object scheduled for deletion
// cancels the deletion.
func (s *Session) Add(obj *Object) error {
	if err := s.own(obj); err != nil {
		return err
	}
	switch obj.inst.Status() {
	case state.Transient:
		obj.inst.SetStatus(state.Pending)
		s.newSet = append(s.newSet, obj.inst)
	case state.Persistent:
		s.unschedule(obj.inst)
	case state.Detached:
		return ormerr.DetachedInstanceError{Entity: obj.Entity()}
	}
	return nil
}

// Delete schedules a persistent object for deletion. Deleting a pending
// object discards it from the unit of work instead.
func (s *Session) Delete(obj *Object) error {
	if err := s.own(obj); err != nil {
		return err
	}
	switch obj.inst.Status() {
	case state.Persistent:
		for _, d := range s.deleteSet {
			if d == obj.inst {
				return nil
			}
		}
		s.retain(obj.inst)
		s.deleteSet = append(s.deleteSet, obj.inst)
	case state.Pending:
		s.dropPending(obj.inst)
	case state.Transient:
		return ormerr.TransientInstanceError{Entity: obj.Entity(), Operation: "delete"}
	case state.Detached:
		return ormerr.DetachedInstanceError{Entity: obj.Entity()}
	}
	return nil
}

// Get returns the object with the given primary key, consulting the identity
// map before the database. A nil object means no row exists.
func (s *Session) Get(ctx context.Context, entity string, pk ...any) (*Object, error) {
	desc, ok := s.reg.Entity(entity)
	if !ok {
		return nil, ormerr.ConfigError{Entity: entity, Detail: "unknown entity"}
	}
	if err := s.maybeAutoflush(ctx); err != nil {
		return nil, err
	}
	inst, err := s.ld.Get(ctx, desc, pk)
	if err != nil || inst == nil {
		return nil, err
	}
	return s.wrap(inst), nil
}

// Query starts a query against a mapped entity.
func (s *Session) Query(entity string) *Query {
	q := &Query{sess: s}
	desc, ok := s.reg.Entity(entity)
	if !ok {
		q.err = ormerr.ConfigError{Entity: entity, Detail: "unknown entity"}
		return q
	}
	q.desc = desc
	return q
}

// Flush writes all pending changes to the database inside the session's
// transaction, beginning one if needed. Lifecycle transitions apply only when
// every statement succeeds; on error the caller should Rollback.
func (s *Session) Flush(ctx context.Context) (flush.Result, error) {
	if s.closed {
		return flush.Result{}, ormerr.ConfigError{Detail: "session is closed"}
	}
	cs := s.changeSet()
	if len(cs.Pending) == 0 && len(cs.Dirty) == 0 && len(cs.Deletes) == 0 {
		return flush.Result{}, nil
	}
	if err := s.begin(ctx); err != nil {
		return flush.Result{}, err
	}
	res, err := s.engine.Flush(ctx, cs)
	if err != nil {
		return flush.Result{}, err
	}
	s.txInserted = append(s.txInserted, cs.Pending...)
	s.txDeleted = append(s.txDeleted, cs.Deletes...)
	s.newSet = nil
	s.deleteSet = nil
	return res, nil
}

// Commit flushes remaining changes and commits the transaction. Deleted
// objects become detached; with expire-on-commit every persistent object's
// attributes expire so the next access sees committed database state.
func (s *Session) Commit(ctx context.Context) error {
	if _, err := s.Flush(ctx); err != nil {
		return err
	}
	if s.txOpen {
		if err := s.conn.Commit(ctx); err != nil {
			return err
		}
		s.txOpen = false
	}
	for _, inst := range s.txDeleted {
		inst.SetStatus(state.Detached)
	}
	s.txInserted = nil
	s.txDeleted = nil
	if s.expireOnCommit {
		for _, inst := range s.ids.All() {
			inst.Expire()
		}
	}
	// Everything just committed is clean; demote to the evictable segment.
	for _, inst := range s.ids.All() {
		if inst.Status() != state.Persistent || inst.Dirty() {
			continue
		}
		if key, ok := inst.Key(); ok {
			s.ids.MarkClean(key)
		}
	}
	return nil
}

// Rollback abandons the transaction and restores in-memory state: flushed
// inserts become transient again, flushed deletes rejoin the identity map,
// and surviving persistent objects have their attribute state expired so the
// next access reloads what the database actually holds. Values flushed inside
// the abandoned transaction never survive in memory.
func (s *Session) Rollback(ctx context.Context) error {
	if s.txOpen {
		if err := s.conn.Rollback(ctx); err != nil {
			return err
		}
		s.txOpen = false
	}
	for _, inst := range s.txInserted {
		if key, ok := inst.Key(); ok {
			s.ids.Remove(key)
		}
		inst.ClearKey()
		inst.SetStatus(state.Transient)
	}
	s.txInserted = nil
	for _, inst := range s.txDeleted {
		inst.SetStatus(state.Persistent)
		if key, ok := inst.Key(); ok {
			_ = s.ids.Add(key, inst)
		}
	}
	s.txDeleted = nil
	for _, inst := range s.newSet {
		inst.ClearKey()
		inst.SetStatus(state.Transient)
	}
	s.newSet = nil
	s.deleteSet = nil
	for _, inst := range s.ids.All() {
		inst.RevertToCommitted()
		inst.Expire()
	}
	return nil
}

// Refresh reloads an object's attributes from the database, overwriting any
// uncommitted changes. Relationships configured with a refresh-expire cascade
// are expired alongside.
func (s *Session) Refresh(ctx context.Context, obj *Object) error {
	if err := s.own(obj); err != nil {
		return err
	}
	if obj.inst.Status() != state.Persistent {
		return ormerr.DetachedInstanceError{Entity: obj.Entity()}
	}
	if err := s.ld.Refresh(ctx, obj.inst); err != nil {
		return err
	}
	for _, b := range obj.inst.Descriptor().Relationships() {
		if b.Cascade.RefreshExpire {
			obj.inst.Expire(b.Name)
		}
	}
	return nil
}

// Expire marks attributes for reload on next access. With no attributes
// named, everything expires.
func (s *Session) Expire(obj *Object, attrs ...string) error {
	if err := s.own(obj); err != nil {
		return err
	}
	obj.inst.Expire(attrs...)
	return nil
}

// Expunge removes an object from the unit of work without touching the
// database. Persistent objects become detached; pending objects revert to
// transient.
func (s *Session) Expunge(obj *Object) error {
	if err := s.own(obj); err != nil {
		return err
	}
	switch obj.inst.Status() {
	case state.Pending:
		s.dropPending(obj.inst)
	case state.Persistent:
		s.unschedule(obj.inst)
		if key, ok := obj.inst.Key(); ok {
			s.ids.Remove(key)
		}
		obj.inst.SetStatus(state.Detached)
	}
	delete(s.objects, obj.inst)
	return nil
}

// Merge copies the state of an object, typically detached from another
// session, onto the instance this session tracks for the same identity. The
// returned object belongs to this session; the input is never adopted.
// Relationships configured with a merge cascade are merged recursively.
func (s *Session) Merge(ctx context.Context, obj *Object) (*Object, error) {
	return s.merge(ctx, obj, make(map[*state.Instance]*Object))
}

func (s *Session) merge(ctx context.Context, obj *Object, seen map[*state.Instance]*Object) (*Object, error) {
	if done, ok := seen[obj.inst]; ok {
		return done, nil
	}
	desc := obj.inst.Descriptor()
	var target *Object
	if _, hasKey := obj.inst.Key(); hasKey {
		existing, err := s.ld.Get(ctx, desc, obj.inst.PrimaryKeyValues())
		if err != nil {
			return nil, err
		}
		if existing != nil {
			target = s.wrap(existing)
		}
	}
	if target == nil {
		fresh, err := s.NewObject(desc.Name)
		if err != nil {
			return nil, err
		}
		for _, attr := range desc.PrimaryKeyAttrs() {
			if v, ok := obj.inst.Get(attr); ok {
				fresh.inst.Set(attr, v)
			}
		}
		if err := s.Add(fresh); err != nil {
			return nil, err
		}
		target = fresh
	}
	seen[obj.inst] = target
	for _, attr := range desc.Attrs() {
		if isPrimaryKeyAttr(desc, attr) {
			continue
		}
		if obj.inst.AttrState(attr) != state.Loaded {
			continue
		}
		v, _ := obj.inst.Get(attr)
		target.inst.Set(attr, v)
	}
	for _, b := range desc.Relationships() {
		if !b.Cascade.Merge || !b.Writable() {
			continue
		}
		if b.Collection() {
			c := obj.inst.Collection(b.Name)
			if c.State() != state.Loaded {
				continue
			}
			var merged []*state.Instance
			for _, item := range c.Items() {
				m, err := s.merge(ctx, &Object{sess: s, inst: item}, seen)
				if err != nil {
					return nil, err
				}
				merged = append(merged, m.inst)
			}
			state.ReplaceCollection(target.inst, b, merged)
		} else {
			rel, st := obj.inst.Scalar(b.Name)
			if st != state.Loaded {
				continue
			}
			if rel == nil {
				state.SetScalar(target.inst, b, nil)
				continue
			}
			m, err := s.merge(ctx, &Object{sess: s, inst: rel}, seen)
			if err != nil {
				return nil, err
			}
			state.SetScalar(target.inst, b, m.inst)
		}
	}
	return target, nil
}

// Close rolls nothing back; it releases the connection and clears the
// identity map. The session is unusable afterwards.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.ids.Clear()
	s.objects = nil
	return s.conn.Close()
}

// Warnings returns the session's warning sink.
func (s *Session) Warnings() ormerr.WarningSink { return s.warn }

func (s *Session) begin(ctx context.Context) error {
	if s.txOpen {
		return nil
	}
	if err := s.conn.Begin(ctx); err != nil {
		return err
	}
	s.txOpen = true
	return nil
}

// changeSet assembles the flush input: the new set, dirty identity-mapped
// instances not scheduled for deletion, and the delete set.
func (s *Session) changeSet() flush.ChangeSet {
	deleting := make(map[*state.Instance]struct{}, len(s.deleteSet))
	for _, inst := range s.deleteSet {
		deleting[inst] = struct{}{}
	}
	cs := flush.ChangeSet{
		Pending: append([]*state.Instance(nil), s.newSet...),
		Deletes: append([]*state.Instance(nil), s.deleteSet...),
	}
	for _, inst := range s.ids.All() {
		if _, gone := deleting[inst]; gone {
			continue
		}
		if inst.Status() == state.Persistent && inst.Dirty() {
			cs.Dirty = append(cs.Dirty, inst)
		}
	}
	return cs
}

func (s *Session) maybeAutoflush(ctx context.Context) error {
	if !s.autoflush {
		return nil
	}
	cs := s.changeSet()
	if len(cs.Pending) == 0 && len(cs.Dirty) == 0 && len(cs.Deletes) == 0 {
		return nil
	}
	_, err := s.Flush(ctx)
	return err
}

// retain pins an instance in the identity map's strong segment while it has
// pending work, so clean-segment eviction cannot drop it.
func (s *Session) retain(inst *state.Instance) {
	if key, ok := inst.Key(); ok {
		s.ids.Retain(key)
	}
}

func (s *Session) own(obj *Object) error {
	if obj == nil {
		return ormerr.ConfigError{Detail: "nil object"}
	}
	if obj.sess != s {
		return ormerr.ConfigError{Entity: obj.Entity(), Detail: "object belongs to another session"}
	}
	return nil
}

func (s *Session) dropPending(inst *state.Instance) {
	for i, p := range s.newSet {
		if p == inst {
			s.newSet = append(s.newSet[:i], s.newSet[i+1:]...)
			break
		}
	}
	inst.SetStatus(state.Transient)
}

func (s *Session) unschedule(inst *state.Instance) {
	for i, d := range s.deleteSet {
		if d == inst {
			s.deleteSet = append(s.deleteSet[:i], s.deleteSet[i+1:]...)
			break
		}
	}
}

func (s *Session) wrap(inst *state.Instance) *Object {
	if o, ok := s.objects[inst]; ok {
		return o
	}
	o := &Object{sess: s, inst: inst}
	if s.objects != nil {
		s.objects[inst] = o
	}
	return o
}

func (s *Session) wrapNilable(inst *state.Instance) *Object {
	if inst == nil {
		return nil
	}
	return s.wrap(inst)
}

func (s *Session) wrapAll(insts []*state.Instance) []*Object {
	out := make([]*Object, len(insts))
	for i, inst := range insts {
		out[i] = s.wrap(inst)
	}
	return out
}

func isPrimaryKeyAttr(desc *mapping.EntityDescriptor, attr string) bool {
	for _, pk := range desc.PrimaryKeyAttrs() {
		if pk == attr {
			return true
		}
	}
	return false
}
