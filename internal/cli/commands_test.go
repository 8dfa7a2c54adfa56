package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/objgraph/internal/attr"
)

func TestInit_CreatesStore(t *testing.T) {
	e := newEnv(t)

	resp, code := e.runJSON("init")
	require.Equal(t, ExitSuccess, code)
	info := decodeData[StoreInfo](t, resp)

	assert.Equal(t, filepath.Join(e.dir, "Inventory.sqlite"), info.Path)
	assert.Equal(t, "Inventory", info.Model)
	assert.Equal(t, []string{"Item", "Person"}, info.Entities)
	assert.Zero(t, info.Commits)
	assert.FileExists(t, info.Path)

	// A second init opens the same store.
	_, code = e.runJSON("init")
	assert.Equal(t, ExitSuccess, code)
}

func TestInit_ModelRequired(t *testing.T) {
	resp := response{}
	out, _, code := execute(t, "--format", "json", "--dir", t.TempDir(), "init")
	assert.Equal(t, ExitCommandError, code)
	require.NoError(t, jsonUnmarshal(out, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeModel, resp.Error.Code)
}

func TestInit_BadModel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.cue")
	require.NoError(t, os.WriteFile(path, []byte("model: {"), 0o644))

	out, _, code := execute(t, "--model", path, "--dir", t.TempDir(), "init")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, out, "Error [E002]: failed to load model")
}

func TestInit_ConfigFile(t *testing.T) {
	e := newEnv(t)
	base := filepath.Dir(e.model)
	cfgPath := filepath.Join(base, "objgraph.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
store:
  dir: ./from-config
  name: stock
  driver: sqlite
model:
  path: inventory.cue
workers:
  count: 2
`), 0o644))

	out, _, code := execute(t, "--format", "json", "--config", cfgPath, "init")
	require.Equal(t, ExitSuccess, code, out)

	var resp response
	require.NoError(t, jsonUnmarshal(out, &resp))
	info := decodeData[StoreInfo](t, resp)
	assert.Equal(t, filepath.Join(base, "from-config", "stock.sqlite"), info.Path)

	// Flags win over the file.
	override := t.TempDir()
	out, _, code = execute(t, "--format", "json", "--config", cfgPath, "--dir", override, "init")
	require.Equal(t, ExitSuccess, code, out)
	require.NoError(t, jsonUnmarshal(out, &resp))
	info = decodeData[StoreInfo](t, resp)
	assert.Equal(t, filepath.Join(override, "stock.sqlite"), info.Path)
}

func TestInit_InvalidConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "objgraph.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("[workers]\ncount = -1\n"), 0o644))

	out, _, code := execute(t, "--config", cfgPath, "init")
	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, out, "Error [E001]: invalid configuration")
	assert.Contains(t, out, "workers.count must not be negative")
}

func TestPut_InsertThenGet(t *testing.T) {
	e := newEnv(t)
	id := e.insertItem("widget", 3)

	resp, code := e.runJSON("get", id)
	require.Equal(t, ExitSuccess, code)
	obj := decodeData[ObjectView](t, resp)

	assert.Equal(t, id, obj.ID)
	assert.Equal(t, "Item", obj.Entity)
	assert.Equal(t, int64(1), obj.Version)
	assert.Equal(t, attr.Map{"name": attr.String("widget"), "quantity": attr.Int(3)}, obj.Attributes)
}

func TestPut_JSONValues(t *testing.T) {
	e := newEnv(t)

	resp, code := e.runJSON("put", "Item", "--json", `{"name":"gadget","quantity":1,"tags":["a","b"]}`, "--set", "quantity=9")
	require.Equal(t, ExitSuccess, code)
	res := decodeData[SaveResult](t, resp)
	require.Len(t, res.Inserted, 1)

	resp, code = e.runJSON("get", res.Inserted[0])
	require.Equal(t, ExitSuccess, code)
	obj := decodeData[ObjectView](t, resp)
	assert.Equal(t, attr.Int(9), obj.Attributes["quantity"])
	assert.Equal(t, attr.List{attr.String("a"), attr.String("b")}, obj.Attributes["tags"])
}

func TestPut_InvalidObjectIsDiscarded(t *testing.T) {
	e := newEnv(t)

	resp, code := e.runJSON("put", "Item", "--set", "name=Widget", "--set", "quantity=1")
	assert.Equal(t, ExitFailure, code)
	assert.Equal(t, "degraded", resp.Status)

	res := decodeData[SaveResult](t, resp)
	assert.Equal(t, "degraded", res.Outcome)
	assert.Empty(t, res.Inserted)
	require.Len(t, res.Discarded, 1)
	assert.Equal(t, "Item", res.Discarded[0].Entity)
	assert.Equal(t, "name", res.Discarded[0].Attribute)

	// Nothing was committed.
	resp, code = e.runJSON("list", "Item")
	require.Equal(t, ExitSuccess, code)
	assert.Empty(t, decodeData[ObjectList](t, resp))
}

func TestPut_UpdateAndUnset(t *testing.T) {
	e := newEnv(t)
	id := e.insertItem("widget", 3)

	resp, code := e.runJSON("put", "Item", "--id", id, "--set", "quantity=4", "--set", `tags=["x"]`)
	require.Equal(t, ExitSuccess, code)
	res := decodeData[SaveResult](t, resp)
	assert.Equal(t, []string{id}, res.Updated)
	assert.Positive(t, res.Seq)

	_, code = e.runJSON("put", "Item", "--id", id, "--unset", "tags")
	require.Equal(t, ExitSuccess, code)

	resp, code = e.runJSON("get", id)
	require.Equal(t, ExitSuccess, code)
	obj := decodeData[ObjectView](t, resp)
	assert.Equal(t, int64(3), obj.Version)
	assert.Equal(t, attr.Map{"name": attr.String("widget"), "quantity": attr.Int(4)}, obj.Attributes)
}

func TestPut_Errors(t *testing.T) {
	e := newEnv(t)
	id := e.insertItem("widget", 3)

	tests := []struct {
		name     string
		args     []string
		wantCode int
		wantErr  string
	}{
		{"unknown entity", []string{"put", "Gizmo", "--set", "name=x"}, ExitCommandError, ErrCodeEntity},
		{"malformed set", []string{"put", "Item", "--set", "quantity"}, ExitCommandError, ErrCodeInput},
		{"null value", []string{"put", "Item", "--set", "owner=null"}, ExitCommandError, ErrCodeInput},
		{"malformed json", []string{"put", "Item", "--json", "{"}, ExitCommandError, ErrCodeInput},
		{"unset without id", []string{"put", "Item", "--unset", "tags"}, ExitCommandError, ErrCodeInput},
		{"missing object", []string{"put", "Item", "--id", "nope", "--set", "quantity=1"}, ExitFailure, ErrCodeNotFound},
		{"wrong entity", []string{"put", "Person", "--id", id, "--set", "name=x"}, ExitFailure, ErrCodeSave},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, code := e.runJSON(tt.args...)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, "error", resp.Status)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantErr, resp.Error.Code)
		})
	}
}

func TestPut_TextOutput(t *testing.T) {
	e := newEnv(t)

	out, _, code := e.run("put", "Item", "--set", "name=widget", "--set", "quantity=3")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "ok commit 1")
	assert.Contains(t, out, "  inserted ")

	out, _, code = e.run("put", "Item", "--set", "name=widget", "--set", "quantity=5")
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, out, "degraded nothing committed")
	assert.Contains(t, out, "discarded Item ")
}

func TestGet_NotFound(t *testing.T) {
	e := newEnv(t)

	resp, code := e.runJSON("get", "missing")
	assert.Equal(t, ExitFailure, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeNotFound, resp.Error.Code)
	assert.Equal(t, "object not found: missing", resp.Error.Message)
}

func TestList(t *testing.T) {
	e := newEnv(t)
	a := e.insertItem("alpha", 1)
	b := e.insertItem("beta", 2)

	resp, code := e.runJSON("put", "Person", "--set", "name=Ann")
	require.Equal(t, ExitSuccess, code)
	person := decodeData[SaveResult](t, resp).Inserted[0]

	resp, code = e.runJSON("list", "Item")
	require.Equal(t, ExitSuccess, code)
	items := decodeData[ObjectList](t, resp)
	require.Len(t, items, 2)
	assert.ElementsMatch(t, []string{a, b}, []string{items[0].ID, items[1].ID})

	resp, code = e.runJSON("list")
	require.Equal(t, ExitSuccess, code)
	all := decodeData[ObjectList](t, resp)
	require.Len(t, all, 3)
	assert.Equal(t, person, all[2].ID, "entities are listed in model order")

	_, code = e.runJSON("list", "Gizmo")
	assert.Equal(t, ExitCommandError, code)
}

func TestList_TextEmpty(t *testing.T) {
	e := newEnv(t)
	out, _, code := e.run("list")
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, "no objects\n", out)
}

func TestDelete(t *testing.T) {
	e := newEnv(t)
	a := e.insertItem("alpha", 1)
	b := e.insertItem("beta", 2)
	keep := e.insertItem("gamma", 3)

	resp, code := e.runJSON("delete", a, b)
	require.Equal(t, ExitSuccess, code)
	res := decodeData[SaveResult](t, resp)
	assert.ElementsMatch(t, []string{a, b}, res.Deleted)

	resp, code = e.runJSON("list", "Item")
	require.Equal(t, ExitSuccess, code)
	items := decodeData[ObjectList](t, resp)
	require.Len(t, items, 1)
	assert.Equal(t, keep, items[0].ID)

	// Deleting a missing object fails the whole job.
	resp, code = e.runJSON("delete", keep, a)
	assert.Equal(t, ExitFailure, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeNotFound, resp.Error.Code)

	_, code = e.runJSON("get", keep)
	assert.Equal(t, ExitSuccess, code)
}

func TestLog(t *testing.T) {
	e := newEnv(t)
	a := e.insertItem("alpha", 1)
	_ = e.insertItem("beta", 2)
	_, code := e.runJSON("delete", a)
	require.Equal(t, ExitSuccess, code)

	resp, code := e.runJSON("log")
	require.Equal(t, ExitSuccess, code)
	log := decodeData[CommitLog](t, resp)
	require.Len(t, log, 3)
	assert.Equal(t, int64(3), log[0].Seq)
	assert.Equal(t, 1, log[0].Deleted)
	assert.Empty(t, log[0].Changes)

	resp, code = e.runJSON("log", "--limit", "1", "--changes")
	require.Equal(t, ExitSuccess, code)
	log = decodeData[CommitLog](t, resp)
	require.Len(t, log, 1)
	assert.Equal(t, []ChangeView{{ObjectID: a, Entity: "Item", Change: "delete"}}, log[0].Changes)

	_, code = e.runJSON("log", "--limit=-1")
	assert.Equal(t, ExitCommandError, code)
}

func TestLog_TextEmpty(t *testing.T) {
	e := newEnv(t)
	out, _, code := e.run("log")
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, "no commits\n", out)
}

func TestErase(t *testing.T) {
	e := newEnv(t)
	e.insertItem("alpha", 1)
	path := filepath.Join(e.dir, "Inventory.sqlite")
	require.FileExists(t, path)

	resp, code := e.runJSON("erase")
	assert.Equal(t, ExitCommandError, code)
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "--yes")
	assert.FileExists(t, path)

	resp, code = e.runJSON("erase", "--yes")
	require.Equal(t, ExitSuccess, code)
	assert.Equal(t, path, decodeData[EraseResult](t, resp).Path)
	assert.NoFileExists(t, path)

	// The next command starts from an empty store.
	resp, code = e.runJSON("list")
	require.Equal(t, ExitSuccess, code)
	assert.Empty(t, decodeData[ObjectList](t, resp))
}
