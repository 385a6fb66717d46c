package config

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tsarna/morsel/pkg/morsel"
	"github.com/tsarna/morsel/pkg/morsel/backplane"
	"github.com/tsarna/morsel/pkg/morsel/middleware"
	"github.com/tsarna/morsel/pkg/morsel/websockets/client"
	"go.uber.org/zap/zaptest"
)

func build(t *testing.T, sources ...any) *Config {
	t.Helper()

	cfg, diags := NewConfig().
		WithLogger(zaptest.NewLogger(t)).
		WithSources(sources...).
		Build()
	require.False(t, diags.HasErrors(), "unexpected diagnostics: %v", diags)
	t.Cleanup(func() { _ = cfg.Stop() })
	return cfg
}

func buildError(t *testing.T, src string) string {
	t.Helper()

	_, diags := NewConfig().
		WithLogger(zaptest.NewLogger(t)).
		WithSources([]byte(src)).
		Build()
	require.True(t, diags.HasErrors(), "expected diagnostics")
	return diags.Error()
}

func TestFullConfig(t *testing.T) {
	cfg := build(t, "testdata/full.hcl")

	assert.Equal(t, "/CHAT", cfg.Constants["chat_path"].AsString())
	assert.Equal(t, ":5000", cfg.Constants["listen"].AsString())

	require.Len(t, cfg.Hubs, 3)
	assert.NotContains(t, cfg.Hubs, "off")

	chat := cfg.Hubs["chat"]
	assert.Equal(t, "chat", chat.Name)
	assert.Equal(t, ":5000", chat.Listen)
	assert.Equal(t, "/chat", chat.Path)
	assert.NotNil(t, chat.Listener)
	assert.Same(t, cfg.Backplanes["east"], chat.Listener.Backplane())

	mirror := cfg.Hubs["mirror"]
	assert.Equal(t, ":5001", mirror.Listen)
	assert.Same(t, cfg.Backplanes["west"], mirror.Listener.Backplane())

	plain := cfg.Hubs["plain"]
	assert.Equal(t, DefaultListen, plain.Listen)
	assert.Equal(t, "/plain", plain.Path)
	assert.Same(t, cfg.Backplanes[DefaultBackplaneName], plain.Listener.Backplane())

	assert.IsType(t, &backplane.Scaleout{}, cfg.Backplanes["east"])
	assert.IsType(t, &backplane.Scaleout{}, cfg.Backplanes["west"])
	assert.IsType(t, &backplane.DefaultBackplane{}, cfg.Backplanes[DefaultBackplaneName])

	require.Len(t, cfg.Buses, 1)
	assert.Contains(t, cfg.Buses, "cluster")
}

func TestDirectorySource(t *testing.T) {
	cfg := build(t, "testdata/dir")

	require.Contains(t, cfg.Hubs, "one")
	assert.Equal(t, DefaultPath, cfg.Hubs["one"].Path)
	assert.Same(t, cfg.Backplanes["shared"], cfg.Hubs["one"].Listener.Backplane())
	assert.NotContains(t, cfg.Backplanes, DefaultBackplaneName)
}

func TestHubsShareTheDefaultBackplane(t *testing.T) {
	cfg := build(t, []byte(`
hub "a" {
  path = "/a"
}

hub "b" {
  path = "/b"
}
`))

	require.Len(t, cfg.Backplanes, 1)
	assert.Same(t, cfg.Hubs["a"].Listener.Backplane(), cfg.Hubs["b"].Listener.Backplane())
}

func TestEnvironment(t *testing.T) {
	t.Setenv("MORSEL_TEST_PATH", "/from-env")

	cfg := build(t, []byte(`
hub "env" {
  path = env.MORSEL_TEST_PATH
}
`))

	assert.Equal(t, "/from-env", cfg.Hubs["env"].Path)
}

func TestFunctions(t *testing.T) {
	cfg := build(t, []byte(`
const {
  encoded = base64encode("hub")
  decoded = base64decode(encoded)
  joined  = join("/", ["", "a", "b"])
  name    = basename("/srv/morsel/hub")
  id      = uuidv4()
}
`))

	assert.Equal(t, "aHVi", cfg.Constants["encoded"].AsString())
	assert.Equal(t, "hub", cfg.Constants["decoded"].AsString())
	assert.Equal(t, "/a/b", cfg.Constants["joined"].AsString())
	assert.Equal(t, "hub", cfg.Constants["name"].AsString())
	assert.Len(t, cfg.Constants["id"].AsString(), 36)
}

func TestConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"unknown block", `server "x" {}`, "Unsupported block type"},
		{"top-level attribute", `port = 5`, "Unsupported argument"},
		{"unknown backplane", `hub "a" { backplane = "nope" }`, "backplane nope is not defined"},
		{"duplicate hub", "hub \"a\" {}\nhub \"a\" {\n  path = \"/other\"\n}", "hub a is already defined"},
		{"duplicate endpoint", "hub \"a\" {}\nhub \"b\" {}", "both serve /hub on :5000"},
		{"duplicate backplane", "backplane \"x\" {}\nbackplane \"x\" {}", "Backplane x is already defined"},
		{"duplicate constant", "const {\n  a = 1\n}\nconst {\n  a = 2\n}", "Constant a is already defined"},
		{"env is reserved", "const {\n  env = 1\n}", "Constant env is already defined"},
		{"unknown middleware", "hub \"a\" {\n  middleware \"gzip\" {}\n}", `unknown middleware type "gzip"`},
		{"bad rate", "hub \"a\" {\n  middleware \"rate_limit\" {\n    rate = 0\n  }\n}", "must be positive"},
		{"bad log level", "hub \"a\" {\n  middleware \"logging\" {\n    level = \"loud\"\n  }\n}", `invalid logging level "loud"`},
		{"bad duration", `hub "a" { ping_interval = "soon" }`, "Invalid duration format"},
		{"negative duration", `hub "a" { write_timeout = -1 }`, "must not be negative"},
		{"empty scaleout bus", `backplane "x" { scaleout_bus = "" }`, "scaleout_bus must not be empty"},
		{"unknown hub attribute", `hub "a" { colour = "red" }`, "Unsupported argument"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, buildError(t, tt.src), tt.want)
		})
	}
}

func TestMissingSource(t *testing.T) {
	_, diags := NewConfig().WithSources("testdata/does-not-exist.hcl").Build()
	require.True(t, diags.HasErrors())
	assert.Contains(t, diags.Error(), "Failed to stat file")

	_, diags = NewConfig().WithSources(42).Build()
	require.True(t, diags.HasErrors())
	assert.Contains(t, diags.Error(), "Invalid source type: int")
}

func TestStrictDefinition(t *testing.T) {
	var none *StrictDefinition
	assert.Equal(t, morsel.Options{}, none.options())
	assert.Equal(t, morsel.StrictOptions(), (&StrictDefinition{All: true}).options())
	assert.Equal(t, morsel.Options{StrictHandlerFault: true}, (&StrictDefinition{HandlerFault: true}).options())
}

func TestApplicationMethodsOverrideRelay(t *testing.T) {
	methods := morsel.NewMethodTable().
		Register("Echo", 1, func(ctx context.Context, args morsel.Arguments) (any, error) {
			return "overridden", nil
		}).
		Register("Extra", 0, func(ctx context.Context, args morsel.Arguments) (any, error) {
			return nil, nil
		})

	cfg := &Config{methods: methods}

	table := cfg.hubMethods(true)
	assert.Contains(t, table.Names(), "Join")
	assert.Contains(t, table.Names(), "Extra")
	echo, ok := table.Lookup("Echo")
	require.True(t, ok)
	result, err := echo.Handler(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "overridden", result)

	assert.ElementsMatch(t, []string{"Echo", "Extra"}, cfg.hubMethods(false).Names())
}

func TestParseDuration(t *testing.T) {
	cfg := &Config{evalCtx: &hcl.EvalContext{}}

	tests := []struct {
		input       string
		expected    time.Duration
		expectError bool
	}{
		{"30", 30 * time.Second, false},
		{"1.5", 1500 * time.Millisecond, false},
		{"0", 0, false},
		{"-5", 0, true},
		{`"PT5M"`, 5 * time.Minute, false},
		{`"PT1H30M"`, 90 * time.Minute, false},
		{`"500ms"`, 500 * time.Millisecond, false},
		{`"1m30s"`, 90 * time.Second, false},
		{`"-1s"`, 0, true},
		{`"PTX"`, 0, true},
		{`"later"`, 0, true},
		{`true`, 0, true},
		{`null`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			expr, diags := hclsyntax.ParseExpression([]byte(tt.input), "test.hcl", hcl.Pos{Line: 1, Column: 1})
			require.False(t, diags.HasErrors())

			d, diags := cfg.ParseDuration(expr)
			if tt.expectError {
				assert.True(t, diags.HasErrors())
				return
			}
			require.False(t, diags.HasErrors(), "%v", diags)
			assert.Equal(t, tt.expected, d)
		})
	}
}

func TestSanitizeEnvVarName(t *testing.T) {
	assert.Equal(t, "_", sanitizeEnvVarName(""))
	assert.Equal(t, "HOME", sanitizeEnvVarName("HOME"))
	assert.Equal(t, "_PATH", sanitizeEnvVarName("1PATH"))
	assert.Equal(t, "A_B-C_1", sanitizeEnvVarName("A.B-C 1"))
}

// receiver collects relayed payloads.
type receiver struct {
	mu       sync.Mutex
	payloads []string
}

func (r *receiver) receive(ctx context.Context, args morsel.Arguments) (any, error) {
	var group, from string
	var payload json.RawMessage
	if err := args.BindAll(&group, &from, &payload); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.payloads = append(r.payloads, string(payload))
	r.mu.Unlock()
	return nil, nil
}

func (r *receiver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func serve(t *testing.T, cfg *Config, hub *Hub) string {
	t.Helper()

	router, ok := cfg.Routers()[hub.Listen]
	require.True(t, ok)

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hub.Listener.Shutdown(ctx)
		srv.Close()
	})

	return "ws" + strings.TrimPrefix(srv.URL, "http") + hub.Path
}

func dialHub(t *testing.T, url string) (*client.Client, *receiver) {
	t.Helper()

	r := &receiver{}
	c, err := client.NewClient().
		WithURL(url).
		WithLogger(zaptest.NewLogger(t)).
		WithPingInterval(0).
		WithMiddleware(middleware.Base64()).
		WithMethods(morsel.NewMethodTable().Register("Receive", 3, r.receive)).
		Build()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() { _ = c.Disconnect() })

	return c, r
}

func TestScaleoutAcrossConfiguredHubs(t *testing.T) {
	cfg := build(t, "testdata/full.hcl")
	require.NoError(t, cfg.Start())

	east, eastBox := dialHub(t, serve(t, cfg, cfg.Hubs["chat"]))
	_, westBox := dialHub(t, serve(t, cfg, cfg.Hubs["mirror"]))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	call, err := east.Invoke(ctx, "Broadcast", "hello cluster")
	require.NoError(t, err)
	_, err = call.Wait(ctx)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return eastBox.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return westBox.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	// The strict hub still answers unknown methods.
	call, err = east.Invoke(ctx, "Nope")
	require.NoError(t, err)
	_, err = call.Wait(ctx)
	assert.EqualError(t, err, `Cannot find method "Nope([No Parameters])"`)
}

func TestRoutersGroupHubsByListenAddress(t *testing.T) {
	cfg := build(t, "testdata/full.hcl")

	routers := cfg.Routers()
	require.Len(t, routers, 2)
	assert.Contains(t, routers, ":5000")
	assert.Contains(t, routers, ":5001")

	srv := httptest.NewServer(routers[":5000"])
	defer srv.Close()

	resp, err := http.Get(srv.URL + HealthPath)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok\n", string(body))

	resp, err = http.Get(srv.URL + "/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
