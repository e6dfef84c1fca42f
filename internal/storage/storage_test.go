package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tangle/internal/errs"
	"github.com/roach88/tangle/internal/filter"
	"github.com/roach88/tangle/internal/ident"
	"github.com/roach88/tangle/internal/schema"
)

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg, err := schema.New(schema.Spec{Classes: []schema.ClassSpec{
		{Name: "Person", Fields: []schema.FieldSpec{
			{Name: "name", Type: "string"},
			{Name: "age", Type: "int"},
			{Name: "partner", Type: "ref", Class: "Person"},
			{Name: "friends", Type: "set", Class: "Person"},
			{Name: "nicknames", Type: "flat_array", Elem: "string"},
		}},
		{Name: "Animal", Abstract: true, Fields: []schema.FieldSpec{
			{Name: "name", Type: "string"},
		}},
		{Name: "Pet", Abstract: true, Fields: []schema.FieldSpec{
			{Name: "tag", Type: "string"},
		}},
		{Name: "Dog", Bases: []string{"Animal"}, Fields: []schema.FieldSpec{
			{Name: "breed", Type: "string"},
		}},
		{Name: "Cat", Bases: []string{"Animal", "Pet"}, Fields: []schema.FieldSpec{
			{Name: "lives", Type: "int"},
		}},
		{Name: "Zoo", Fields: []schema.FieldSpec{
			{Name: "city", Type: "string"},
			{Name: "animals", Type: "set", Class: "Animal", Aggregate: true},
			{Name: "queue", Type: "array", Class: "Animal"},
			{Name: "keepers", Type: "hash", Class: "Person"},
			{Name: "cages", Type: "iarray", Class: "Animal"},
			{Name: "mascot", Type: "ref", Class: "Animal", Aggregate: true},
		}},
	}})
	require.NoError(t, err)
	return reg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) Config {
	return Config{
		DSN:       filepath.Join(t.TempDir(), "tangle.db"),
		Deploy:    true,
		Retention: "strong",
	}
}

func openStorage(t *testing.T) *Storage {
	t.Helper()
	st, err := Connect(context.Background(), testRegistry(t), testConfig(t), WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { st.Disconnect() })
	return st
}

func newObject(t *testing.T, st *Storage, class string, values map[string]any) *Object {
	t.Helper()
	o, err := st.New(class, values)
	require.NoError(t, err)
	return o
}

func remote(t *testing.T, st *Storage, class string) *filter.Remote {
	t.Helper()
	r, err := st.Remote(class)
	require.NoError(t, err)
	return r
}

func count(t *testing.T, st *Storage, class string) int64 {
	t.Helper()
	r := remote(t, st, class)
	n, err := st.Count(context.Background(), nil, r.IsA(r.Class))
	require.NoError(t, err)
	return n
}

func scalar(t *testing.T, o *Object, name string) any {
	t.Helper()
	v, err := o.Get(context.Background(), name)
	require.NoError(t, err)
	return v
}

func TestInsertLoad_ScalarRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := openStorage(t)

	homer := newObject(t, st, "Person", map[string]any{"name": "Homer", "age": 39})
	oids, err := st.Insert(ctx, homer)
	require.NoError(t, err)
	require.Len(t, oids, 1)

	c, _ := st.Registry().Class("Person")
	assert.Equal(t, c.ID, oids[0].ClassID())
	assert.Equal(t, oids, st.ID(homer))

	st.UnloadAll()
	assert.True(t, st.ID(homer)[0].IsZero())

	loaded, err := st.Load(ctx, oids[0])
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	got := loaded[0]
	assert.NotSame(t, homer, got)
	assert.Equal(t, "Homer", scalar(t, got, "name"))
	assert.Equal(t, int64(39), scalar(t, got, "age"))
	assert.Nil(t, scalar(t, got, "partner"))
}

func TestInsert_PartnerCycle(t *testing.T) {
	ctx := context.Background()
	st := openStorage(t)

	homer := newObject(t, st, "Person", map[string]any{"name": "Homer"})
	marge := newObject(t, st, "Person", map[string]any{"name": "Marge", "partner": homer})
	require.NoError(t, homer.Set("partner", marge))

	oids, err := st.Insert(ctx, homer)
	require.NoError(t, err)
	assert.False(t, st.ID(marge)[0].IsZero(), "partner is inserted by cascade")
	assert.Equal(t, int64(2), count(t, st, "Person"))

	st.UnloadAll()
	loaded, err := st.Load(ctx, oids[0])
	require.NoError(t, err)
	h := loaded[0]
	assert.False(t, h.Loaded("partner"))

	m, err := h.Ref(ctx, "partner")
	require.NoError(t, err)
	assert.True(t, h.Loaded("partner"))
	assert.Equal(t, "Marge", scalar(t, m, "name"))

	back, err := m.Ref(ctx, "partner")
	require.NoError(t, err)
	assert.Same(t, h, back)
}

func TestSelect_ByName(t *testing.T) {
	ctx := context.Background()
	st := openStorage(t)

	var people []*Object
	for _, name := range []string{"Homer", "Marge", "Bart"} {
		people = append(people, newObject(t, st, "Person", map[string]any{"name": name}))
	}
	_, err := st.Insert(ctx, people...)
	require.NoError(t, err)

	p := remote(t, st, "Person")
	got, err := st.Select(ctx, p, p.Field("name").Eq("Marge"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Same(t, people[1], got[0])

	got, err = st.Select(ctx, p, nil, Order(p.Field("name")))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "Bart", scalar(t, got[0], "name"))
	assert.Equal(t, "Marge", scalar(t, got[2], "name"))

	got, err = st.Select(ctx, p, nil, Order(p.Field("name")), Desc(), Limit(1), Offset(1))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Homer", scalar(t, got[0], "name"))
}

func TestSelect_SelfJoin(t *testing.T) {
	ctx := context.Background()
	st := openStorage(t)

	homer := newObject(t, st, "Person", map[string]any{"name": "Homer", "age": 39})
	marge := newObject(t, st, "Person", map[string]any{"name": "Marge", "age": 36, "partner": homer})
	homer.MustSet("partner", marge)
	ned := newObject(t, st, "Person", map[string]any{"name": "Ned", "age": 60})
	_, err := st.Insert(ctx, homer, ned)
	require.NoError(t, err)

	rs, err := st.Remotes("Person", "Person")
	require.NoError(t, err)
	p, q := rs[0], rs[1]
	got, err := st.Select(ctx, p, filter.And(
		filter.Eq(p.Field("partner"), q),
		q.Field("age").Gt(37),
	))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Same(t, marge, got[0])

	// Objects as constants.
	got, err = st.Select(ctx, p, p.Field("partner").Eq(marge))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Same(t, homer, got[0])
}

func TestSelect_TransientConstantFails(t *testing.T) {
	st := openStorage(t)
	p := remote(t, st, "Person")
	ghost := newObject(t, st, "Person", nil)

	_, err := st.Select(context.Background(), p, p.Field("partner").Eq(ghost))
	assert.ErrorIs(t, err, errs.ErrNotPersistent)
}

func TestIdentity_OneObjectPerOID(t *testing.T) {
	ctx := context.Background()
	st := openStorage(t)

	homer := newObject(t, st, "Person", map[string]any{"name": "Homer"})
	oids, err := st.Insert(ctx, homer)
	require.NoError(t, err)
	st.UnloadAll()

	a, err := st.Load(ctx, oids[0])
	require.NoError(t, err)
	b, err := st.Load(ctx, oids[0], oids[0])
	require.NoError(t, err)
	assert.Same(t, a[0], b[0])
	assert.Same(t, a[0], b[1])

	p := remote(t, st, "Person")
	sel, err := st.Select(ctx, p, nil)
	require.NoError(t, err)
	require.Len(t, sel, 1)
	assert.Same(t, a[0], sel[0])
}

func TestInsert_PersistentRootFails(t *testing.T) {
	ctx := context.Background()
	st := openStorage(t)

	homer := newObject(t, st, "Person", map[string]any{"name": "Homer"})
	_, err := st.Insert(ctx, homer)
	require.NoError(t, err)

	_, err = st.Insert(ctx, homer)
	assert.ErrorIs(t, err, errs.ErrDuplicateInsert)
	assert.Equal(t, int64(1), count(t, st, "Person"))
}

func TestUpdate_TransientRootFails(t *testing.T) {
	st := openStorage(t)
	homer := newObject(t, st, "Person", map[string]any{"name": "Homer"})

	err := st.Update(context.Background(), homer)
	assert.ErrorIs(t, err, errs.ErrNotPersistent)
	assert.Equal(t, errs.CodeNotPersistent, errs.CodeOf(err))
}

func TestNew_Validation(t *testing.T) {
	st := openStorage(t)

	_, err := st.New("Animal", nil)
	assert.ErrorIs(t, err, errs.ErrSchemaMismatch)

	_, err = st.New("Person", map[string]any{"shoe_size": 9})
	assert.ErrorIs(t, err, errs.ErrSchemaMismatch)

	dog := newObject(t, st, "Dog", nil)
	_, err = st.New("Person", map[string]any{"partner": dog})
	assert.ErrorIs(t, err, errs.ErrSchemaMismatch)

	_, err = st.New("Zoo", map[string]any{"animals": []string{"rex"}})
	assert.ErrorIs(t, err, errs.ErrSchemaMismatch)

	_, err = st.New("Nope", nil)
	assert.ErrorIs(t, err, errs.ErrSchemaMismatch)
}

func TestUpdate_CascadeBoundary(t *testing.T) {
	ctx := context.Background()
	st := openStorage(t)

	homer := newObject(t, st, "Person", map[string]any{"name": "Homer"})
	marge := newObject(t, st, "Person", map[string]any{"name": "Marge"})
	homer.MustSet("partner", marge)
	_, err := st.Insert(ctx, homer)
	require.NoError(t, err)

	// A persistent child is not written through a plain reference.
	marge.MustSet("name", "Marjorie")
	bart := newObject(t, st, "Person", map[string]any{"name": "Bart"})
	homer.MustSet("friends", []*Object{bart})
	homer.MustSet("name", "Homer J.")
	require.NoError(t, st.Update(ctx, homer))

	assert.False(t, st.ID(bart)[0].IsZero(), "transient child is inserted on update")

	require.NoError(t, st.Reload(ctx, marge, homer))
	assert.Equal(t, "Marge", scalar(t, marge, "name"))
	assert.Equal(t, "Homer J.", scalar(t, homer, "name"))

	friends, err := homer.Members(ctx, "friends")
	require.NoError(t, err)
	require.Len(t, friends, 1)
	assert.Same(t, bart, friends[0])
}

func TestFailedInsert_LeavesObjectsTransient(t *testing.T) {
	ctx := context.Background()
	st := openStorage(t)

	marge := newObject(t, st, "Person", map[string]any{"name": "Marge"})
	homer := newObject(t, st, "Person", map[string]any{"name": "Homer", "age": struct{}{}, "partner": marge})

	_, err := st.Insert(ctx, homer)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrSchemaMismatch)

	assert.True(t, st.ID(homer)[0].IsZero())
	assert.True(t, st.ID(marge)[0].IsZero())
	assert.Equal(t, int64(0), count(t, st, "Person"))

	// The objects can be inserted once fixed.
	homer.MustSet("age", 39)
	_, err = st.Insert(ctx, homer)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count(t, st, "Person"))
}

func newZoo(t *testing.T, st *Storage) (zoo, rex, tom, homer *Object) {
	t.Helper()
	rex = newObject(t, st, "Dog", map[string]any{"name": "Rex", "breed": "beagle"})
	tom = newObject(t, st, "Cat", map[string]any{"name": "Tom", "tag": "T-1", "lives": 9})
	homer = newObject(t, st, "Person", map[string]any{"name": "Homer", "nicknames": []any{"Homie", "Mr. Plow"}})
	zoo = newObject(t, st, "Zoo", map[string]any{
		"city":    "Springfield",
		"animals": []*Object{rex, tom},
		"queue":   []*Object{tom, rex, tom},
		"keepers": map[string]*Object{"day": homer},
		"cages":   []*Object{rex, tom},
	})
	return zoo, rex, tom, homer
}

func TestCollections_RoundTrip(t *testing.T) {
	ctx := context.Background()
	st := openStorage(t)

	zoo, _, _, _ := newZoo(t, st)
	oids, err := st.Insert(ctx, zoo)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count(t, st, "Animal"))
	assert.Equal(t, int64(1), count(t, st, "Person"))

	st.UnloadAll()
	loaded, err := st.Load(ctx, oids[0])
	require.NoError(t, err)
	z := loaded[0]
	assert.Equal(t, "Springfield", scalar(t, z, "city"))

	for _, name := range []string{"animals", "queue", "keepers", "cages"} {
		assert.False(t, z.Loaded(name), name)
	}

	animals, err := z.Members(ctx, "animals")
	require.NoError(t, err)
	require.Len(t, animals, 2)
	assert.Equal(t, "Dog", animals[0].Class().Name)
	assert.Equal(t, "Cat", animals[1].Class().Name)
	assert.Equal(t, "beagle", scalar(t, animals[0], "breed"))
	assert.Equal(t, "T-1", scalar(t, animals[1], "tag"))
	assert.Equal(t, int64(9), scalar(t, animals[1], "lives"))

	queue, err := z.Members(ctx, "queue")
	require.NoError(t, err)
	require.Len(t, queue, 3)
	assert.Same(t, animals[1], queue[0])
	assert.Same(t, animals[0], queue[1])
	assert.Same(t, animals[1], queue[2])

	cages, err := z.Members(ctx, "cages")
	require.NoError(t, err)
	require.Len(t, cages, 2)
	assert.Same(t, animals[0], cages[0])
	assert.Same(t, animals[1], cages[1])

	keepers, err := z.Entries(ctx, "keepers")
	require.NoError(t, err)
	require.Contains(t, keepers, "day")
	assert.Equal(t, "Homer", scalar(t, keepers["day"], "name"))

	nicks, err := keepers["day"].Values(ctx, "nicknames")
	require.NoError(t, err)
	assert.Equal(t, []any{"Homie", "Mr. Plow"}, nicks)
}

func TestUpdate_ReplacesCollections(t *testing.T) {
	ctx := context.Background()
	st := openStorage(t)

	zoo, rex, tom, homer := newZoo(t, st)
	_, err := st.Insert(ctx, zoo)
	require.NoError(t, err)

	zoo.MustSet("queue", []*Object{rex})
	zoo.MustSet("cages", []*Object{tom})
	zoo.MustSet("keepers", map[string]*Object{"night": homer})
	homer.MustSet("nicknames", []any{"Max Power"})
	require.NoError(t, st.Update(ctx, zoo, homer))

	zooOID := st.ID(zoo)[0]
	st.UnloadAll()
	loaded, err := st.Load(ctx, zooOID)
	require.NoError(t, err)
	z := loaded[0]
	queue, err := z.Members(ctx, "queue")
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, "Rex", scalar(t, queue[0], "name"))

	cages, err := z.Members(ctx, "cages")
	require.NoError(t, err)
	require.Len(t, cages, 1)
	assert.Equal(t, "Tom", scalar(t, cages[0], "name"))

	keepers, err := z.Entries(ctx, "keepers")
	require.NoError(t, err)
	assert.NotContains(t, keepers, "day")
	nicks, err := keepers["night"].Values(ctx, "nicknames")
	require.NoError(t, err)
	assert.Equal(t, []any{"Max Power"}, nicks)
}

func reloadOne(t *testing.T, st *Storage, o *Object) *Object {
	t.Helper()
	oid := o.oid
	require.False(t, oid.IsZero())
	st.Unload(o)
	got, err := st.Load(context.Background(), oid)
	require.NoError(t, err)
	return got[0]
}

func TestUpdate_UnloadedCollectionUntouched(t *testing.T) {
	ctx := context.Background()
	st := openStorage(t)

	zoo, _, _, _ := newZoo(t, st)
	_, err := st.Insert(ctx, zoo)
	require.NoError(t, err)

	z := reloadOne(t, st, zoo)
	z.MustSet("city", "Shelbyville")
	require.NoError(t, st.Update(ctx, z))

	animals, err := z.Members(ctx, "animals")
	require.NoError(t, err)
	assert.Len(t, animals, 2)
	assert.Equal(t, "Shelbyville", scalar(t, z, "city"))
}

func TestUpdate_AggregateDropErases(t *testing.T) {
	ctx := context.Background()
	st := openStorage(t)

	zoo, rex, tom, _ := newZoo(t, st)
	zoo.MustSet("queue", nil)
	zoo.MustSet("cages", nil)
	_, err := st.Insert(ctx, zoo)
	require.NoError(t, err)

	zoo.MustSet("animals", []*Object{rex})
	require.NoError(t, st.Update(ctx, zoo))

	assert.Equal(t, int64(1), count(t, st, "Animal"))
	assert.True(t, st.ID(tom)[0].IsZero(), "dropped aggregate element is erased")
	assert.False(t, st.ID(rex)[0].IsZero())

	// The mascot is an aggregate reference: replacing it erases the old one.
	fido := newObject(t, st, "Dog", map[string]any{"name": "Fido"})
	zoo.MustSet("mascot", fido)
	require.NoError(t, st.Update(ctx, zoo))
	zoo.MustSet("mascot", nil)
	require.NoError(t, st.Update(ctx, zoo))
	assert.True(t, st.ID(fido)[0].IsZero())
	assert.Equal(t, int64(1), count(t, st, "Animal"))
}

func TestErase(t *testing.T) {
	ctx := context.Background()
	st := openStorage(t)

	zoo, rex, tom, homer := newZoo(t, st)
	marge := newObject(t, st, "Person", map[string]any{"name": "Marge", "partner": homer})
	homer.MustSet("partner", marge)
	homer.MustSet("friends", []*Object{marge})
	_, err := st.Insert(ctx, zoo)
	require.NoError(t, err)

	require.NoError(t, st.Erase(ctx, zoo))
	assert.Equal(t, int64(0), count(t, st, "Zoo"))
	assert.Equal(t, int64(0), count(t, st, "Animal"), "aggregate elements are erased")
	assert.Equal(t, int64(2), count(t, st, "Person"), "keepers are not aggregate")
	assert.True(t, st.ID(zoo)[0].IsZero())
	assert.True(t, st.ID(rex)[0].IsZero())
	assert.True(t, st.ID(tom)[0].IsZero())

	require.NoError(t, st.Erase(ctx, marge))
	h := reloadOne(t, st, homer)
	assert.Nil(t, scalar(t, h, "partner"))
	friends, err := h.Members(ctx, "friends")
	require.NoError(t, err)
	assert.Empty(t, friends)

	err = st.Erase(ctx, marge)
	assert.ErrorIs(t, err, errs.ErrNotPersistent)
}

func TestTx_NestedCommitReachesBackendOnce(t *testing.T) {
	ctx := context.Background()
	st := openStorage(t)

	homer := newObject(t, st, "Person", map[string]any{"name": "Homer"})
	require.NoError(t, st.TxStart(ctx))
	require.NoError(t, st.TxStart(ctx))
	_, err := st.Insert(ctx, homer)
	require.NoError(t, err)
	homer.MustSet("age", 40)
	require.NoError(t, st.Update(ctx, homer))
	require.NoError(t, st.TxCommit())
	require.NoError(t, st.TxCommit())

	stats := st.TxStats()
	assert.Equal(t, 1, stats.Begins)
	assert.Equal(t, 1, stats.Commits)
	assert.Equal(t, 0, stats.Rollbacks)

	h := reloadOne(t, st, homer)
	assert.Equal(t, int64(40), scalar(t, h, "age"))
}

func TestTx_InnerRollbackAbortsWholeUnit(t *testing.T) {
	ctx := context.Background()
	st := openStorage(t)

	homer := newObject(t, st, "Person", map[string]any{"name": "Homer"})
	marge := newObject(t, st, "Person", map[string]any{"name": "Marge"})
	require.NoError(t, st.TxStart(ctx))
	_, err := st.Insert(ctx, homer)
	require.NoError(t, err)
	require.NoError(t, st.TxStart(ctx))
	_, err = st.Insert(ctx, marge)
	require.NoError(t, err)
	require.NoError(t, st.TxCommit())
	require.NoError(t, st.TxRollback())

	assert.Equal(t, int64(0), count(t, st, "Person"))
	assert.True(t, st.ID(homer)[0].IsZero(), "rollback forgets inserted objects")
	assert.True(t, st.ID(marge)[0].IsZero())
	assert.ErrorIs(t, st.TxCommit(), errs.ErrTransactionMisuse)
}

func TestTxDo(t *testing.T) {
	ctx := context.Background()
	st := openStorage(t)

	boom := errors.New("boom")
	err := st.TxDo(ctx, func(ctx context.Context) error {
		_, err := st.Insert(ctx, newObject(t, st, "Person", map[string]any{"name": "Homer"}))
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(0), count(t, st, "Person"))

	oid, err := Do(ctx, st, func(ctx context.Context) (ident.OID, error) {
		oids, err := st.Insert(ctx, newObject(t, st, "Person", map[string]any{"name": "Marge"}))
		if err != nil {
			return 0, err
		}
		return oids[0], nil
	})
	require.NoError(t, err)
	assert.False(t, oid.IsZero())
	assert.Equal(t, int64(1), count(t, st, "Person"))
}

func TestSerializedSession(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Serialize = true
	st, err := Connect(ctx, testRegistry(t), cfg, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer st.Disconnect()

	assert.False(t, st.Capabilities().Transactions)

	homer := newObject(t, st, "Person", map[string]any{"name": "Homer"})
	require.NoError(t, st.TxStart(ctx))
	_, err = st.Insert(ctx, homer)
	require.NoError(t, err)
	require.NoError(t, st.TxRollback())

	// Without transactions the write stays and the object stays live.
	assert.Equal(t, int64(1), count(t, st, "Person"))
	assert.False(t, st.ID(homer)[0].IsZero())
}

func TestPolymorphicSelect(t *testing.T) {
	ctx := context.Background()
	st := openStorage(t)

	zoo, _, _, _ := newZoo(t, st)
	_, err := st.Insert(ctx, zoo)
	require.NoError(t, err)
	st.UnloadAll()

	a := remote(t, st, "Animal")
	got, err := st.Select(ctx, a, nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Dog", got[0].Class().Name)
	assert.Equal(t, "beagle", scalar(t, got[0], "breed"))
	assert.Equal(t, "Cat", got[1].Class().Name)
	assert.Equal(t, int64(9), scalar(t, got[1], "lives"))

	cat, _ := st.Registry().Class("Cat")
	got, err = st.Select(ctx, a, a.IsA(cat))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Tom", scalar(t, got[0], "name"))

	pets := remote(t, st, "Pet")
	got, err = st.Select(ctx, pets, pets.Field("tag").Eq("T-1"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Cat", got[0].Class().Name)

	ok, err := st.OIDIsA(ident.Compose(1, cat.ID), "Pet")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.OIDIsA(ident.Compose(1, cat.ID), "Dog")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = st.OIDIsA(0, "Animal")
	assert.ErrorIs(t, err, errs.ErrNotPersistent)
}

func TestMembershipFilter(t *testing.T) {
	ctx := context.Background()
	st := openStorage(t)

	zoo, rex, _, _ := newZoo(t, st)
	other := newObject(t, st, "Zoo", map[string]any{"city": "Capital City"})
	_, err := st.Insert(ctx, zoo, other)
	require.NoError(t, err)

	z := remote(t, st, "Zoo")
	got, err := st.Select(ctx, z, z.Field("animals").Includes(rex))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Same(t, zoo, got[0])

	got, err = st.Select(ctx, z, filter.Not(z.Field("cages").Includes(rex)))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Same(t, other, got[0])
}

func TestCountSum(t *testing.T) {
	ctx := context.Background()
	st := openStorage(t)

	for i, name := range []string{"Homer", "Marge", "Lisa"} {
		_, err := st.Insert(ctx, newObject(t, st, "Person", map[string]any{"name": name, "age": 10 * (i + 1)}))
		require.NoError(t, err)
	}
	p := remote(t, st, "Person")

	n, err := st.Count(ctx, nil, p.Field("age").Ge(20))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	sum, err := st.Sum(ctx, p.Field("age"), nil)
	require.NoError(t, err)
	assert.InDelta(t, 60.0, sum, 0.001)

	sum, err = st.Sum(ctx, p.Field("age"), p.Field("name").Eq("Nobody"))
	require.NoError(t, err)
	assert.Zero(t, sum)
}

func TestCursor(t *testing.T) {
	ctx := context.Background()
	st := openStorage(t)

	for _, name := range []string{"Homer", "Marge", "Bart"} {
		_, err := st.Insert(ctx, newObject(t, st, "Person", map[string]any{"name": name}))
		require.NoError(t, err)
	}
	p := remote(t, st, "Person")

	cur, err := st.Cursor(ctx, p, nil, Order(p.Field("name")))
	require.NoError(t, err)
	var names []string
	for cur.Next(ctx) {
		names = append(names, scalar(t, cur.Current(), "name").(string))
	}
	require.NoError(t, cur.Err())
	assert.Equal(t, []string{"Bart", "Homer", "Marge"}, names)
	assert.False(t, cur.Next(ctx))
	assert.Nil(t, cur.Current())
	require.NoError(t, cur.Close())
	require.NoError(t, cur.Close())
}

func TestCursor_ReadsWhileSessionWrites(t *testing.T) {
	ctx := context.Background()
	st := openStorage(t)

	for _, name := range []string{"Homer", "Marge"} {
		_, err := st.Insert(ctx, newObject(t, st, "Person", map[string]any{"name": name}))
		require.NoError(t, err)
	}
	p := remote(t, st, "Person")
	cur, err := st.Cursor(ctx, p, nil)
	require.NoError(t, err)
	defer cur.Close()

	require.True(t, cur.Next(ctx))
	first := cur.Current()
	first.MustSet("age", 50)
	require.NoError(t, st.Update(ctx, first))
	require.True(t, cur.Next(ctx))
	assert.False(t, cur.Next(ctx))
	require.NoError(t, cur.Err())
}

func TestCursor_ClosedByDisconnect(t *testing.T) {
	ctx := context.Background()
	st, err := Connect(ctx, testRegistry(t), testConfig(t), WithLogger(quietLogger()))
	require.NoError(t, err)

	_, err = st.Insert(ctx, newObject(t, st, "Person", map[string]any{"name": "Homer"}))
	require.NoError(t, err)
	cur, err := st.Cursor(ctx, remote(t, st, "Person"), nil)
	require.NoError(t, err)

	require.NoError(t, st.Disconnect())
	assert.False(t, cur.Next(ctx))
	require.NoError(t, cur.Close())
}

func TestPrefetch(t *testing.T) {
	ctx := context.Background()
	st := openStorage(t)

	homer := newObject(t, st, "Person", map[string]any{"name": "Homer"})
	marge := newObject(t, st, "Person", map[string]any{"name": "Marge"})
	bart := newObject(t, st, "Person", map[string]any{"name": "Bart"})
	homer.MustSet("friends", []*Object{marge, bart})
	marge.MustSet("friends", []*Object{homer})
	homer.MustSet("partner", marge)
	_, err := st.Insert(ctx, homer)
	require.NoError(t, err)
	margeOID := st.ID(marge)[0]
	st.UnloadAll()

	p := remote(t, st, "Person")
	require.NoError(t, st.Prefetch(ctx, p, "friends", p.Field("name").Eq("Marge")))
	assert.Len(t, st.cache, 1)

	got, err := st.Load(ctx, margeOID)
	require.NoError(t, err)
	m := got[0]
	assert.False(t, m.Loaded("friends"))
	friends, err := m.Members(ctx, "friends")
	require.NoError(t, err)
	require.Len(t, friends, 1)
	assert.Equal(t, "Homer", scalar(t, friends[0], "name"))
	assert.Empty(t, st.cache, "resolution consumes the cache entry")

	// Live owners are filled in place.
	st.UnloadAll()
	got, err = st.Select(ctx, p, nil)
	require.NoError(t, err)
	require.NoError(t, st.Prefetch(ctx, p, "friends", nil))
	for _, o := range got {
		assert.True(t, o.Loaded("friends"), o.String())
	}
	assert.Empty(t, st.cache)

	require.NoError(t, st.Prefetch(ctx, p, "partner", nil))
	for _, o := range got {
		assert.True(t, o.Loaded("partner"), o.String())
	}

	assert.ErrorIs(t, st.Prefetch(ctx, p, "name", nil), errs.ErrSchemaMismatch)
	assert.ErrorIs(t, st.Prefetch(ctx, p, "shoe_size", nil), errs.ErrSchemaMismatch)
}

func TestReload(t *testing.T) {
	ctx := context.Background()
	st := openStorage(t)

	homer := newObject(t, st, "Person", map[string]any{"name": "Homer", "friends": []*Object{}})
	_, err := st.Insert(ctx, homer)
	require.NoError(t, err)

	homer.MustSet("name", "Max Power")
	require.NoError(t, st.Reload(ctx, homer))
	assert.Equal(t, "Homer", scalar(t, homer, "name"))
	assert.False(t, homer.Loaded("friends"))

	assert.ErrorIs(t, st.Reload(ctx, newObject(t, st, "Person", nil)), errs.ErrNotPersistent)
}

func TestLoad_Errors(t *testing.T) {
	st := openStorage(t)
	ctx := context.Background()

	_, err := st.Load(ctx, ident.Compose(99, 1))
	assert.ErrorIs(t, err, errs.ErrNotPersistent)

	_, err = st.Load(ctx, ident.Compose(1, 999))
	assert.ErrorIs(t, err, errs.ErrNotPersistent)

	_, err = st.Load(ctx, 0)
	assert.ErrorIs(t, err, errs.ErrNotPersistent)
}

func TestWeakRetention(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Retention = "weak"
	st, err := Connect(ctx, testRegistry(t), cfg, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer st.Disconnect()
	assert.Equal(t, ident.WeakRetain, st.Capabilities().Retention)

	oids, err := st.Insert(ctx, newObject(t, st, "Person", map[string]any{"name": "Homer"}))
	require.NoError(t, err)

	got, err := st.Load(ctx, oids[0])
	require.NoError(t, err)
	assert.Equal(t, "Homer", scalar(t, got[0], "name"))
}

func TestDisconnect(t *testing.T) {
	ctx := context.Background()
	st, err := Connect(ctx, testRegistry(t), testConfig(t), WithLogger(quietLogger()))
	require.NoError(t, err)

	homer := newObject(t, st, "Person", map[string]any{"name": "Homer"})
	_, err = st.Insert(ctx, homer)
	require.NoError(t, err)

	require.NoError(t, st.TxStart(ctx))
	require.NoError(t, st.Disconnect())
	require.NoError(t, st.Disconnect())

	assert.Nil(t, homer.owner)
	_, err = st.Insert(ctx, newObject(t, st, "Person", nil))
	assert.ErrorIs(t, err, errs.ErrBackend)
}

func TestObjectString(t *testing.T) {
	st := openStorage(t)
	homer := newObject(t, st, "Person", map[string]any{"name": "Homer", "age": 39})
	assert.Equal(t, "Person{age=39 name=Homer}", homer.String())
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tangle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dialect: sqlite3
dsn: app.db
retention: strong
deploy: true
max_open_conns: 3
retry_base: 250ms
options:
  cache: shared
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "app.db", cfg.DSN)
	assert.Equal(t, "strong", cfg.Retention)
	assert.True(t, cfg.Deploy)
	assert.Equal(t, 3, cfg.MaxOpenConns)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryBase)
	assert.Equal(t, map[string]string{"cache": "shared"}, cfg.Options)

	require.NoError(t, os.WriteFile(path, []byte("retention: sometimes\n"), 0o644))
	_, err = LoadConfig(path)
	assert.Error(t, err)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDuckDB(t *testing.T) {
	ctx := context.Background()
	st, err := Connect(ctx, testRegistry(t), Config{Dialect: "duckdb", Deploy: true, Retention: "strong"}, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer st.Disconnect()
	assert.Equal(t, "duckdb", st.Capabilities().Dialect)

	homer := newObject(t, st, "Person", map[string]any{"name": "Homer", "age": 39})
	marge := newObject(t, st, "Person", map[string]any{"name": "Marge", "age": 36, "partner": homer})
	homer.MustSet("partner", marge)
	_, err = st.Insert(ctx, homer)
	require.NoError(t, err)
	st.UnloadAll()

	p := remote(t, st, "Person")
	got, err := st.Select(ctx, p, p.Field("name").Eq("Marge"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	h, err := got[0].Ref(ctx, "partner")
	require.NoError(t, err)
	assert.Equal(t, "Homer", scalar(t, h, "name"))

	sum, err := st.Sum(ctx, p.Field("age"), nil)
	require.NoError(t, err)
	assert.InDelta(t, 75.0, sum, 0.001)
}

func TestDeployRetreat(t *testing.T) {
	ctx := context.Background()
	st := openStorage(t)

	homer := newObject(t, st, "Person", map[string]any{"name": "Homer"})
	_, err := st.Insert(ctx, homer)
	require.NoError(t, err)

	require.NoError(t, st.TxStart(ctx))
	err = st.Retreat(ctx)
	assert.ErrorIs(t, err, errs.ErrTransactionMisuse)
	require.NoError(t, st.TxRollback())

	require.NoError(t, st.Retreat(ctx))
	assert.True(t, st.ID(homer)[0].IsZero())
	p := remote(t, st, "Person")
	_, err = st.Select(ctx, p, nil)
	assert.ErrorIs(t, err, errs.ErrBackend)

	// Deploying again yields empty tables with a fresh sequence.
	require.NoError(t, st.Deploy(ctx))
	assert.Equal(t, int64(0), count(t, st, "Person"))
	oids, err := st.Insert(ctx, homer)
	require.NoError(t, err)
	assert.Equal(t, int64(1), oids[0].Seq())
}

func TestInsert_IntrusiveCycle(t *testing.T) {
	ctx := context.Background()
	reg, err := schema.New(schema.Spec{Classes: []schema.ClassSpec{
		{Name: "Keeper", Fields: []schema.FieldSpec{
			{Name: "name", Type: "string"},
			{Name: "zoo", Type: "ref", Class: "Zoo"},
		}},
		{Name: "Zoo", Fields: []schema.FieldSpec{
			{Name: "city", Type: "string"},
			{Name: "staff", Type: "iset", Class: "Keeper"},
			{Name: "rota", Type: "iarray", Class: "Keeper"},
		}},
	}})
	require.NoError(t, err)
	st, err := Connect(ctx, reg, testConfig(t), WithLogger(quietLogger()))
	require.NoError(t, err)
	defer st.Disconnect()

	willie := newObject(t, st, "Keeper", map[string]any{"name": "Willie"})
	skinner := newObject(t, st, "Keeper", map[string]any{"name": "Skinner"})
	zoo := newObject(t, st, "Zoo", map[string]any{
		"city":  "Springfield",
		"staff": []*Object{willie, skinner},
		"rota":  []*Object{skinner, willie},
	})
	willie.MustSet("zoo", zoo)

	// The walk starts at a keeper, so the zoo's collections are written
	// while the keeper's own row is still pending.
	_, err = st.Insert(ctx, willie)
	require.NoError(t, err)
	st.UnloadAll()

	z := remote(t, st, "Zoo")
	zoos, err := st.Select(ctx, z, nil)
	require.NoError(t, err)
	require.Len(t, zoos, 1)

	staff, err := zoos[0].Members(ctx, "staff")
	require.NoError(t, err)
	names := make([]string, 0, len(staff))
	for _, k := range staff {
		names = append(names, scalar(t, k, "name").(string))
	}
	assert.ElementsMatch(t, []string{"Willie", "Skinner"}, names)

	rota, err := zoos[0].Members(ctx, "rota")
	require.NoError(t, err)
	require.Len(t, rota, 2)
	assert.Equal(t, "Skinner", scalar(t, rota[0], "name"))
	assert.Equal(t, "Willie", scalar(t, rota[1], "name"))
	assert.Same(t, zoos[0], scalar(t, rota[1], "zoo"))
}

func TestTx_RollbackRestoresErased(t *testing.T) {
	ctx := context.Background()
	st := openStorage(t)

	zoo, rex, _, homer := newZoo(t, st)
	_, err := st.Insert(ctx, zoo)
	require.NoError(t, err)
	zooOID, rexOID := st.ID(zoo)[0], st.ID(rex)[0]

	marge := newObject(t, st, "Person", map[string]any{"name": "Marge"})
	require.NoError(t, st.TxStart(ctx))
	_, err = st.Insert(ctx, marge)
	require.NoError(t, err)
	require.NoError(t, st.Erase(ctx, zoo, marge))
	assert.True(t, st.ID(zoo)[0].IsZero())
	assert.True(t, st.ID(rex)[0].IsZero())
	assert.Equal(t, int64(0), count(t, st, "Zoo"))
	require.NoError(t, st.TxRollback())

	assert.Equal(t, int64(1), count(t, st, "Zoo"))
	assert.Equal(t, zooOID, st.ID(zoo)[0])
	assert.Equal(t, rexOID, st.ID(rex)[0], "aggregate elements come back too")
	assert.True(t, st.ID(marge)[0].IsZero(), "inserted and erased in the rollback stays transient")

	got, err := st.Load(ctx, zooOID)
	require.NoError(t, err)
	assert.Same(t, zoo, got[0])

	zoo.MustSet("city", "Shelbyville")
	require.NoError(t, st.Update(ctx, zoo))
	assert.Equal(t, "Shelbyville", scalar(t, reloadOne(t, st, zoo), "city"))

	// A committed erase forgets the objects.
	require.NoError(t, st.TxStart(ctx))
	require.NoError(t, st.Erase(ctx, homer))
	require.NoError(t, st.TxCommit())
	assert.True(t, st.ID(homer)[0].IsZero())
	assert.Equal(t, int64(0), count(t, st, "Person"))
}

func TestInsert_FailureInsideCallerTx(t *testing.T) {
	ctx := context.Background()
	st := openStorage(t)

	homer := newObject(t, st, "Person", map[string]any{"name": "Homer", "age": struct{}{}})
	zoo := newObject(t, st, "Zoo", map[string]any{
		"city":    "Springfield",
		"keepers": map[string]*Object{"day": homer},
	})

	require.NoError(t, st.TxStart(ctx))
	_, err := st.Insert(ctx, zoo)
	require.Error(t, err)
	assert.True(t, st.ID(zoo)[0].IsZero())
	assert.True(t, st.ID(homer)[0].IsZero())

	// The zoo row written before the failure is part of the open
	// transaction until the caller rolls it back.
	assert.Equal(t, int64(1), count(t, st, "Zoo"))
	require.NoError(t, st.TxRollback())
	assert.Equal(t, int64(0), count(t, st, "Zoo"))

	homer.MustSet("age", 39)
	_, err = st.Insert(ctx, zoo)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count(t, st, "Zoo"))
	assert.Equal(t, int64(1), count(t, st, "Person"))
}

func TestPrefetch_PinsReleasedOnResolve(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Retention = "weak"
	st, err := Connect(ctx, testRegistry(t), cfg, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer st.Disconnect()

	marge := newObject(t, st, "Person", map[string]any{"name": "Marge"})
	homer := newObject(t, st, "Person", map[string]any{"name": "Homer", "partner": marge})
	oids, err := st.Insert(ctx, homer)
	require.NoError(t, err)
	margeOID := st.ID(marge)[0]
	st.UnloadAll()

	p := remote(t, st, "Person")
	require.NoError(t, st.Prefetch(ctx, p, "partner", p.Field("name").Eq("Homer")))
	assert.Contains(t, st.pinned, margeOID)

	got, err := st.Load(ctx, oids[0])
	require.NoError(t, err)
	partner := scalar(t, got[0], "partner").(*Object)
	assert.Equal(t, "Marge", scalar(t, partner, "name"))
	assert.Empty(t, st.pinned, "resolution releases the pin")

	// Owners already live take the target directly and pin nothing.
	st.UnloadAll()
	owners, err := st.Select(ctx, p, p.Field("name").Eq("Homer"))
	require.NoError(t, err)
	require.NoError(t, st.Prefetch(ctx, p, "partner", p.Field("name").Eq("Homer")))
	assert.True(t, owners[0].Loaded("partner"))
	assert.Empty(t, st.pinned)
}

func TestTx_AfterDisconnect(t *testing.T) {
	ctx := context.Background()
	st, err := Connect(ctx, testRegistry(t), testConfig(t), WithLogger(quietLogger()))
	require.NoError(t, err)

	require.NoError(t, st.TxStart(ctx))
	require.NoError(t, st.Disconnect())

	assert.ErrorIs(t, st.TxCommit(), errs.ErrBackend)
	assert.ErrorIs(t, st.TxRollback(), errs.ErrBackend)
	assert.ErrorIs(t, st.TxStart(ctx), errs.ErrBackend)
}
