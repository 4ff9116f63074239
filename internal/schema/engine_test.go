package schema

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bunbase/bunbase/internal/store"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	e := New(st, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, e.Migrate(context.Background()))
	return e
}

// tableColumns reads the live column list of a table from SQLite.
func tableColumns(t *testing.T, e *Engine, table string) []string {
	t.Helper()
	rows, err := e.Store().DB().Query(fmt.Sprintf(`PRAGMA table_info(%q)`, table))
	require.NoError(t, err)
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull int
		var dflt sql.NullString
		var pk int
		require.NoError(t, rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk))
		cols = append(cols, name)
	}
	require.NoError(t, rows.Err())
	return cols
}

func TestMigrateCreatesSystemTables(t *testing.T) {
	e := newTestEngine(t)

	for _, table := range []string{
		"_collections", "_fields", "_admins",
		"_refresh_tokens", "_verification_tokens", "_files",
	} {
		var name string
		err := e.Store().DB().QueryRow(
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		assert.NoError(t, err, table)
	}

	// Migrate is idempotent.
	assert.NoError(t, e.Migrate(context.Background()))
}

func TestCreateCollection(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	col := &Collection{
		Name: "posts",
		Fields: []*Field{
			{Name: "title", Type: FieldText, Required: true},
			{Name: "views", Type: FieldNumber},
			{Name: "published", Type: FieldBool},
		},
	}
	require.NoError(t, e.CreateCollection(ctx, col))
	assert.NotEmpty(t, col.ID)
	assert.Equal(t, CollectionBase, col.Type)

	loaded, err := e.FindCollection(ctx, "posts")
	require.NoError(t, err)
	assert.Equal(t, col.ID, loaded.ID)
	require.Len(t, loaded.Fields, 3)
	assert.Equal(t, "title", loaded.Fields[0].Name)
	assert.True(t, loaded.Fields[0].Required)

	assert.Equal(t,
		[]string{"id", "created_at", "updated_at", "title", "views", "published"},
		tableColumns(t, e, "posts"))
}

func TestCreateCollectionAuthColumns(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	col := &Collection{
		Name:   "users",
		Type:   CollectionAuth,
		Fields: []*Field{{Name: "nickname", Type: FieldText}},
	}
	require.NoError(t, e.CreateCollection(ctx, col))

	assert.Equal(t,
		[]string{"id", "created_at", "updated_at", "email", "password_hash", "verified", "nickname"},
		tableColumns(t, e, "users"))

	// email is UNIQUE NOT NULL on the backing table.
	_, err := e.Store().DB().Exec(
		`INSERT INTO "users" (id, created_at, updated_at, email, password_hash) VALUES ('a', '', '', 'x@y.z', 'h')`)
	require.NoError(t, err)
	_, err = e.Store().DB().Exec(
		`INSERT INTO "users" (id, created_at, updated_at, email, password_hash) VALUES ('b', '', '', 'x@y.z', 'h')`)
	assert.Error(t, err)
}

func TestCreateCollectionValidation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		col     *Collection
		wantErr error
	}{
		{"invalid name", &Collection{Name: "bad name"}, ErrInvalidName},
		{"underscore prefix", &Collection{Name: "_secret"}, ErrInvalidName},
		{"invalid type", &Collection{Name: "ok", Type: "view"}, ErrInvalidType},
		{"reserved field", &Collection{Name: "ok", Fields: []*Field{{Name: "id", Type: FieldText}}}, ErrReservedName},
		{"duplicate field", &Collection{Name: "ok", Fields: []*Field{
			{Name: "a", Type: FieldText}, {Name: "a", Type: FieldText},
		}}, ErrNameExists},
		{"bad field type", &Collection{Name: "ok", Fields: []*Field{{Name: "a", Type: "blob"}}}, ErrInvalidType},
		{"relation without target", &Collection{Name: "ok", Fields: []*Field{{Name: "a", Type: FieldRelation}}}, ErrMissingTarget},
		{"relation to missing target", &Collection{Name: "ok", Fields: []*Field{
			{Name: "a", Type: FieldRelation, Options: FieldOptions{Target: "nope"}},
		}}, ErrMissingTarget},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, e.CreateCollection(ctx, tt.col), tt.wantErr)
		})
	}

	require.NoError(t, e.CreateCollection(ctx, &Collection{Name: "posts"}))
	assert.ErrorIs(t, e.CreateCollection(ctx, &Collection{Name: "posts"}), ErrNameExists)
}

func TestAddField(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.CreateCollection(ctx, &Collection{Name: "posts"}))
	_, err := e.Store().DB().Exec(
		`INSERT INTO "posts" (id, created_at, updated_at) VALUES ('r1', '', '')`)
	require.NoError(t, err)

	// Required columns get a default, so existing rows stay valid.
	require.NoError(t, e.AddField(ctx, "posts", &Field{Name: "views", Type: FieldNumber, Required: true}))

	var views float64
	require.NoError(t, e.Store().DB().QueryRow(`SELECT views FROM "posts" WHERE id = 'r1'`).Scan(&views))
	assert.Zero(t, views)

	col, err := e.FindCollection(ctx, "posts")
	require.NoError(t, err)
	require.NotNil(t, col.Field("views"))
	assert.True(t, col.Field("views").Required)

	assert.ErrorIs(t, e.AddField(ctx, "posts", &Field{Name: "views", Type: FieldText}), ErrNameExists)
	assert.ErrorIs(t, e.AddField(ctx, "posts", &Field{Name: "updated_at", Type: FieldText}), ErrReservedName)
	assert.ErrorIs(t, e.AddField(ctx, "missing", &Field{Name: "x", Type: FieldText}), ErrNotFound)
}

func TestRenameField(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.CreateCollection(ctx, &Collection{Name: "posts", Fields: []*Field{
		{Name: "title", Type: FieldText},
		{Name: "views", Type: FieldNumber},
	}}))
	_, err := e.Store().DB().Exec(
		`INSERT INTO "posts" (id, created_at, updated_at, title) VALUES ('r1', '', '', 'hello')`)
	require.NoError(t, err)

	require.NoError(t, e.RenameField(ctx, "posts", "title", "headline"))

	var headline string
	require.NoError(t, e.Store().DB().QueryRow(`SELECT headline FROM "posts" WHERE id = 'r1'`).Scan(&headline))
	assert.Equal(t, "hello", headline)

	col, err := e.FindCollection(ctx, "posts")
	require.NoError(t, err)
	assert.Nil(t, col.Field("title"))
	assert.NotNil(t, col.Field("headline"))

	assert.ErrorIs(t, e.RenameField(ctx, "posts", "missing", "x"), ErrFieldNotFound)
	assert.ErrorIs(t, e.RenameField(ctx, "posts", "headline", "id"), ErrReservedName)
	assert.ErrorIs(t, e.RenameField(ctx, "posts", "headline", "views"), ErrNameExists)
	assert.ErrorIs(t, e.RenameField(ctx, "posts", "headline", "bad name"), ErrInvalidName)
}

func TestUpdateFieldTableCopy(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.CreateCollection(ctx, &Collection{Name: "posts", Fields: []*Field{
		{Name: "title", Type: FieldText},
		{Name: "views", Type: FieldNumber},
	}}))
	_, err := e.Store().DB().Exec(
		`INSERT INTO "posts" (id, created_at, updated_at, title, views) VALUES ('r1', '', '', 'hello', 7)`)
	require.NoError(t, err)

	require.NoError(t, e.UpdateField(ctx, "posts", "views", FieldNumber, true, FieldOptions{}))

	// Rows survive the copy.
	var title string
	var views float64
	require.NoError(t, e.Store().DB().QueryRow(
		`SELECT title, views FROM "posts" WHERE id = 'r1'`).Scan(&title, &views))
	assert.Equal(t, "hello", title)
	assert.Equal(t, 7.0, views)

	col, err := e.FindCollection(ctx, "posts")
	require.NoError(t, err)
	require.NotNil(t, col.Field("views"))
	assert.True(t, col.Field("views").Required)
	assert.Equal(t, []string{"id", "created_at", "updated_at", "title", "views"},
		tableColumns(t, e, "posts"))

	assert.ErrorIs(t, e.UpdateField(ctx, "posts", "missing", FieldText, false, FieldOptions{}), ErrFieldNotFound)
}

func TestDeleteField(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.CreateCollection(ctx, &Collection{Name: "posts", Fields: []*Field{
		{Name: "title", Type: FieldText},
		{Name: "views", Type: FieldNumber},
	}}))
	_, err := e.Store().DB().Exec(
		`INSERT INTO "posts" (id, created_at, updated_at, title, views) VALUES ('r1', '', '', 'hello', 7)`)
	require.NoError(t, err)

	require.NoError(t, e.DeleteField(ctx, "posts", "views"))

	assert.Equal(t, []string{"id", "created_at", "updated_at", "title"},
		tableColumns(t, e, "posts"))

	var title string
	require.NoError(t, e.Store().DB().QueryRow(`SELECT title FROM "posts" WHERE id = 'r1'`).Scan(&title))
	assert.Equal(t, "hello", title)

	col, err := e.FindCollection(ctx, "posts")
	require.NoError(t, err)
	assert.Nil(t, col.Field("views"))

	assert.ErrorIs(t, e.DeleteField(ctx, "posts", "views"), ErrFieldNotFound)
}

func TestTableCopyIntegrityCheckAborts(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.CreateCollection(ctx, &Collection{Name: "authors"}))
	require.NoError(t, e.CreateCollection(ctx, &Collection{Name: "posts", Fields: []*Field{
		{Name: "title", Type: FieldText},
		{Name: "author", Type: FieldRelation, Options: FieldOptions{Target: "authors"}},
	}}))

	// Smuggle in a dangling relation with enforcement off.
	require.NoError(t, e.Store().WriteConn(ctx, func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, `PRAGMA foreign_keys=OFF`); err != nil {
			return err
		}
		defer conn.ExecContext(ctx, `PRAGMA foreign_keys=ON`)
		_, err := conn.ExecContext(ctx,
			`INSERT INTO "posts" (id, created_at, updated_at, title, author) VALUES ('r1', '', '', 'x', 'ghost')`)
		return err
	}))

	err := e.DeleteField(ctx, "posts", "title")
	assert.ErrorIs(t, err, ErrIntegrityCheck)

	// The migration rolled back: the column and the metadata are intact.
	assert.Equal(t, []string{"id", "created_at", "updated_at", "title", "author"},
		tableColumns(t, e, "posts"))
	col, err := e.FindCollection(ctx, "posts")
	require.NoError(t, err)
	assert.NotNil(t, col.Field("title"))
}

func TestUpdateCollectionRulesAndOptions(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.CreateCollection(ctx, &Collection{Name: "posts"}))

	public := ""
	owner := `@request.auth.id != ""`
	col, err := e.UpdateCollection(ctx, "posts",
		RuleSet{List: &public, View: &public, Create: &owner},
		CollectionOptions{})
	require.NoError(t, err)
	require.NotNil(t, col.Rules.Create)
	assert.Equal(t, owner, *col.Rules.Create)
	assert.Nil(t, col.Rules.Delete)

	loaded, err := e.FindCollection(ctx, "posts")
	require.NoError(t, err)
	require.NotNil(t, loaded.Rules.List)
	assert.Empty(t, *loaded.Rules.List)
	assert.Nil(t, loaded.Rules.Update)

	_, err = e.UpdateCollection(ctx, "missing", RuleSet{}, CollectionOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteCollection(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.CreateCollection(ctx, &Collection{Name: "posts"}))
	require.NoError(t, e.DeleteCollection(ctx, "posts"))

	_, err := e.FindCollection(ctx, "posts")
	assert.ErrorIs(t, err, ErrNotFound)

	var count int
	require.NoError(t, e.Store().DB().QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'posts'`).Scan(&count))
	assert.Zero(t, count)

	assert.ErrorIs(t, e.DeleteCollection(ctx, "posts"), ErrNotFound)
}

func TestListCollections(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	cols, err := e.ListCollections(ctx)
	require.NoError(t, err)
	assert.Empty(t, cols)

	require.NoError(t, e.CreateCollection(ctx, &Collection{Name: "authors"}))
	require.NoError(t, e.CreateCollection(ctx, &Collection{Name: "posts"}))

	cols, err = e.ListCollections(ctx)
	require.NoError(t, err)
	require.Len(t, cols, 2)
	assert.Equal(t, "authors", cols[0].Name)
	assert.Equal(t, "posts", cols[1].Name)
}
