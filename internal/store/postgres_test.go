package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// --- Mock DBTX ---

type mockDBTX struct {
	mock.Mock
}

func (m *mockDBTX) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}

func (m *mockDBTX) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if r := args.Get(0); r != nil {
		return r.(pgx.Rows), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDBTX) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

// mockPool adds Begin to mockDBTX.
type mockPool struct {
	*mockDBTX
	tx       *mockTx
	beginErr error
}

func (p *mockPool) Begin(context.Context) (pgx.Tx, error) {
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	return p.tx, nil
}

// mockTx routes statements to a mockDBTX and records the outcome.
type mockTx struct {
	pgx.Tx
	db         *mockDBTX
	commitErr  error
	committed  bool
	rolledBack bool
}

func (t *mockTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return t.db.Exec(ctx, sql, arguments...)
}

func (t *mockTx) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	return t.db.Query(ctx, sql, arguments...)
}

func (t *mockTx) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	return t.db.QueryRow(ctx, sql, arguments...)
}

func (t *mockTx) Commit(context.Context) error {
	t.committed = t.commitErr == nil
	return t.commitErr
}

func (t *mockTx) Rollback(context.Context) error {
	t.rolledBack = true
	return nil
}

// --- Mock Row ---

type mockRow struct {
	scanErr error
	scanFn  func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error {
	if r.scanFn != nil {
		return r.scanFn(dest...)
	}
	return r.scanErr
}

// --- Mock Rows ---

type mockRows struct {
	data   [][]any
	idx    int
	closed bool
	errVal error
}

func newMockRows(data [][]any) *mockRows {
	return &mockRows{data: data, idx: -1}
}

func (r *mockRows) Next() bool {
	if r.closed {
		return false
	}
	r.idx++
	return r.idx < len(r.data)
}

func (r *mockRows) Scan(dest ...any) error {
	row := r.data[r.idx]
	for i, d := range dest {
		switch v := d.(type) {
		case *string:
			*v = row[i].(string)
		case *time.Time:
			*v = row[i].(time.Time)
		}
	}
	return nil
}

func (r *mockRows) Close()                                       { r.closed = true }
func (r *mockRows) Err() error                                   { return r.errVal }
func (r *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *mockRows) RawValues() [][]byte                          { return nil }
func (r *mockRows) Values() ([]any, error)                       { return nil, nil }
func (r *mockRows) Conn() *pgx.Conn                              { return nil }

func newMockStore() (*PostgresStore, *mockDBTX, *mockTx) {
	db := new(mockDBTX)
	tx := &mockTx{db: db}
	return NewPostgresStore(&mockPool{mockDBTX: db, tx: tx}), db, tx
}

// --- PostgresStore Tests ---

func TestPostgresStore_Migrate(t *testing.T) {
	db := new(mockDBTX)
	db.On("Exec", mock.Anything, schemaSQL, mock.Anything).Return(pgconn.NewCommandTag("CREATE TABLE"), nil)

	require.NoError(t, Migrate(context.Background(), db))
	db.AssertExpectations(t)
}

func TestSchema_WeatherRowsRestrictFieldDelete(t *testing.T) {
	for _, table := range []string{"weather_snapshots", "weather_daily_summaries", "agro_daily_features"} {
		start := strings.Index(schemaSQL, "CREATE TABLE IF NOT EXISTS "+table+" (")
		require.GreaterOrEqual(t, start, 0, table)
		block := schemaSQL[start:]
		block = block[:strings.Index(block, ");")]
		assert.Contains(t, block, "REFERENCES fields (id) ON DELETE RESTRICT", table)
		assert.NotContains(t, block, "CASCADE", table)
	}
}

func TestPostgresStore_SaveFieldWeather_Success(t *testing.T) {
	s, db, tx := newMockStore()
	day := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	hourly, daily, features := sampleSeries("f1", day)

	db.On("Exec", mock.Anything, `SELECT pg_advisory_xact_lock(hashtext($1))`, []any{"f1"}).
		Return(pgconn.NewCommandTag("SELECT 1"), nil)
	db.On("Exec", mock.Anything, upsertHourly, mock.Anything).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)
	db.On("Exec", mock.Anything, upsertDaily, mock.Anything).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)
	db.On("Exec", mock.Anything, upsertFeature, mock.Anything).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	counts, err := s.SaveFieldWeather(context.Background(), "f1", hourly, daily, features)
	require.NoError(t, err)
	assert.Equal(t, 24, counts.Hourly)
	assert.Equal(t, 1, counts.Daily)
	assert.Equal(t, 1, counts.Features)
	assert.True(t, tx.committed)
	assert.False(t, tx.rolledBack)
	db.AssertNumberOfCalls(t, "Exec", 1+24+1+1)
}

func TestPostgresStore_SaveFieldWeather_RollsBackOnError(t *testing.T) {
	s, db, tx := newMockStore()
	day := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	hourly, daily, features := sampleSeries("f1", day)

	db.On("Exec", mock.Anything, `SELECT pg_advisory_xact_lock(hashtext($1))`, mock.Anything).
		Return(pgconn.NewCommandTag("SELECT 1"), nil)
	db.On("Exec", mock.Anything, upsertHourly, mock.Anything).Return(pgconn.NewCommandTag("INSERT 0 1"), nil)
	db.On("Exec", mock.Anything, upsertDaily, mock.Anything).Return(pgconn.CommandTag{}, errors.New("disk full"))

	counts, err := s.SaveFieldWeather(context.Background(), "f1", hourly, daily, features)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upsert daily 2025-06-10")
	assert.Zero(t, counts)
	assert.True(t, tx.rolledBack)
	assert.False(t, tx.committed)
}

func TestPostgresStore_SaveFieldWeather_BeginError(t *testing.T) {
	db := new(mockDBTX)
	s := NewPostgresStore(&mockPool{mockDBTX: db, beginErr: errors.New("pool closed")})

	_, err := s.SaveFieldWeather(context.Background(), "f1", nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin")
}

func TestPostgresStore_GetWell_NotFound(t *testing.T) {
	s, db, _ := newMockStore()
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := s.GetWell(context.Background(), "w1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_GetField_WithCrop(t *testing.T) {
	s, db, _ := newMockStore()
	planted := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	lat := 39.9

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), []any{"f1"}).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*string) = "f1"
			*dest[1].(*string) = "North"
			*dest[3].(**float64) = &lat
			*dest[7].(*[]string) = []string{"u1"}
			*dest[8].(*[]string) = []string{"w1"}
			id, name, status := "c1", "corn", "ACTIVE"
			*dest[9].(**string) = &id
			*dest[10].(**string) = &name
			*dest[11].(**time.Time) = &planted
			*dest[12].(**string) = &status
			*dest[13].(*[]byte) = []byte(`{"initial":0.3,"development":0.7,"mid":1.2,"late":0.5}`)
			return nil
		}})

	f, err := s.GetField(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, "North", f.Name)
	assert.Equal(t, []string{"w1"}, f.WellIDs)
	require.NotNil(t, f.ActiveCrop)
	assert.Equal(t, "corn", f.ActiveCrop.Name)
	assert.True(t, f.ActiveCrop.PlantedDate.Equal(planted))
	require.NotNil(t, f.ActiveCrop.Kc)
	assert.Equal(t, 1.2, f.ActiveCrop.Kc.Mid)
	assert.Nil(t, f.ActiveCrop.Stages)
}

func TestPostgresStore_GetField_NotFound(t *testing.T) {
	s, db, _ := newMockStore()
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := s.GetField(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_LatestFeatureBefore_NoRows(t *testing.T) {
	s, db, _ := newMockStore()
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	f, err := s.LatestFeatureBefore(context.Background(), "f1", time.Now())
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestPostgresStore_FieldIDsForUser(t *testing.T) {
	s, db, _ := newMockStore()
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), []any{"u1"}).
		Return(newMockRows([][]any{{"f1"}, {"f2"}}), nil)

	ids, err := s.FieldIDsForUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"f1", "f2"}, ids)
}

func TestPostgresStore_QueryError(t *testing.T) {
	s, db, _ := newMockStore()
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(nil, errors.New("connection refused"))

	_, err := s.WellIDsForUser(context.Background(), "u1")
	require.Error(t, err)
	_, err = s.ListFields(context.Background(), []string{"f1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query fields")
}
