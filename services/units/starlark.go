package units

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/upb/vc-policy-gateway/models"
	"github.com/upb/vc-policy-gateway/services"
	"github.com/upb/vc-policy-gateway/services/policy"
	starjson "go.starlark.net/lib/json"
	starmath "go.starlark.net/lib/math"
	startime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
	"go.uber.org/zap"
)

// DefaultMaxSteps bounds the work a single script call may do
const DefaultMaxSteps uint64 = 1_000_000

// StarlarkConfig configures a scripted unit. Exactly one of File or Source is used.
type StarlarkConfig struct {
	Name     string
	Version  string
	File     string
	Source   string
	MaxSteps uint64

	// RawCredential passes the credential to the script as its JSON text
	// instead of a decoded dict, for scripts that call json.decode themselves.
	RawCredential bool
}

// Starlark runs a script that defines authenticate(request, credential, resource)
// and authorize(request, credential, resource). Each function returns a bool
// or a (bool, reason) tuple.
//
// The script's globals are frozen after loading, so concurrent calls share
// them read-only. Every call gets its own thread with a step budget and is
// cancelled when ctx is done.
type Starlark struct {
	name          string
	version       string
	filename      string
	maxSteps      uint64
	rawCredential bool
	authenticate  starlark.Callable
	authorize     starlark.Callable
	logger        *zap.Logger
}

var _ policy.Unit = (*Starlark)(nil)

var scriptOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
}

// NewStarlark loads and executes the script's top level and resolves both
// decision functions.
func NewStarlark(cfg StarlarkConfig, logger *zap.Logger) (*Starlark, error) {
	if cfg.Name == "" {
		return nil, invalidSpec(fmt.Errorf("starlark unit needs a name"))
	}

	filename := cfg.File
	var src interface{}
	switch {
	case cfg.Source != "":
		src = cfg.Source
		if filename == "" {
			filename = cfg.Name + ".star"
		}
	case cfg.File != "":
		data, err := os.ReadFile(cfg.File)
		if err != nil {
			return nil, invalidSpec(fmt.Errorf("read %s: %w", cfg.File, err))
		}
		src = data
	default:
		return nil, invalidSpec(fmt.Errorf("starlark unit %q has neither file nor source", cfg.Name))
	}

	u := &Starlark{
		name:          cfg.Name,
		version:       cfg.Version,
		filename:      filename,
		maxSteps:      cfg.MaxSteps,
		rawCredential: cfg.RawCredential,
		logger:        logger.With(zap.String("unit", cfg.Name)),
	}
	if u.maxSteps == 0 {
		u.maxSteps = DefaultMaxSteps
	}

	thread := u.newThread("load")
	globals, err := starlark.ExecFileOptions(scriptOptions, thread, filename, src, predeclared())
	if err != nil {
		return nil, invalidSpec(fmt.Errorf("load %s: %w", filename, err))
	}
	globals.Freeze()

	if u.authenticate, err = lookupFunction(globals, "authenticate"); err != nil {
		return nil, invalidSpec(fmt.Errorf("%s: %w", filename, err))
	}
	if u.authorize, err = lookupFunction(globals, "authorize"); err != nil {
		return nil, invalidSpec(fmt.Errorf("%s: %w", filename, err))
	}
	return u, nil
}

func invalidSpec(err error) error {
	return services.NewDomainError(services.ErrorTypeValidation, "invalid policy unit definition", err)
}

func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"json": starjson.Module,
		"time": startime.Module,
		"math": starmath.Module,
		"get":  starlark.NewBuiltin("get", getBuiltin),
	}
}

func lookupFunction(globals starlark.StringDict, name string) (starlark.Callable, error) {
	v, ok := globals[name]
	if !ok {
		return nil, fmt.Errorf("missing definition of %s", name)
	}
	fn, ok := v.(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("%s is a %s, not a function", name, v.Type())
	}
	return fn, nil
}

func (u *Starlark) newThread(purpose string) *starlark.Thread {
	thread := &starlark.Thread{
		Name: u.name + "/" + purpose,
		Print: func(_ *starlark.Thread, msg string) {
			u.logger.Debug("policy script output", zap.String("thread", purpose), zap.String("message", msg))
		},
	}
	thread.SetMaxExecutionSteps(u.maxSteps)
	return thread
}

func (u *Starlark) Name() string    { return u.name }
func (u *Starlark) Version() string { return u.version }

func (u *Starlark) Authenticate(ctx context.Context, in *policy.Input) (policy.Decision, error) {
	return u.call(ctx, models.PhaseAuthenticate, u.authenticate, in)
}

func (u *Starlark) Authorize(ctx context.Context, in *policy.Input) (policy.Decision, error) {
	return u.call(ctx, models.PhaseAuthorize, u.authorize, in)
}

func (u *Starlark) call(ctx context.Context, phase models.Phase, fn starlark.Callable, in *policy.Input) (policy.Decision, error) {
	thread := u.newThread(string(phase))
	stop := context.AfterFunc(ctx, func() { thread.Cancel(ctx.Err().Error()) })
	defer stop()

	var credential starlark.Value
	if u.rawCredential {
		credential = starlark.String(in.Claims.Raw())
	} else {
		credential = toStarlark(in.Claims.Root().Interface())
	}
	args := starlark.Tuple{requestDict(in.Request), credential, starlark.String(in.Resource)}
	for _, a := range args {
		a.Freeze()
	}

	result, err := starlark.Call(thread, fn, args, nil)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return policy.Decision{}, ctxErr
	}
	if err != nil {
		return policy.Decision{}, fmt.Errorf("%s: %w", phase, err)
	}
	return decisionFrom(result)
}

func decisionFrom(v starlark.Value) (policy.Decision, error) {
	switch r := v.(type) {
	case starlark.Bool:
		return policy.Decision{Allowed: bool(r)}, nil
	case starlark.Tuple:
		if len(r) == 2 {
			allowed, okBool := r[0].(starlark.Bool)
			reason, okStr := starlark.AsString(r[1])
			if okBool && okStr {
				return policy.Decision{Allowed: bool(allowed), Reason: reason}, nil
			}
		}
	}
	return policy.Decision{}, fmt.Errorf("policy function returned %s, want bool or (bool, string)", v.Type())
}

func requestDict(rc *models.RequestContext) *starlark.Dict {
	d := starlark.NewDict(9)
	if rc == nil {
		return d
	}
	set := func(k string, v starlark.Value) { _ = d.SetKey(starlark.String(k), v) }

	set("method", starlark.String(rc.Method()))
	set("host", starlark.String(rc.Host()))
	set("remoteip", starlark.String(rc.RemoteIP()))
	set("url", starlark.String(rc.URL()))
	set("path", starlark.String(rc.Path()))
	set("protocol", starlark.String(rc.Protocol()))

	headers := starlark.NewDict(len(rc.HeaderNames()))
	for _, name := range rc.HeaderNames() {
		v, _ := rc.Header(name)
		_ = headers.SetKey(starlark.String(name), starlark.String(v))
	}
	set("headers", headers)

	pathParams := rc.PathParams()
	params := starlark.NewDict(len(pathParams))
	for _, k := range sortedKeys(pathParams) {
		_ = params.SetKey(starlark.String(k), starlark.String(pathParams[k]))
	}
	set("pathparams", params)

	queryParams := rc.QueryParams()
	query := starlark.NewDict(len(queryParams))
	for _, k := range sortedKeys(queryParams) {
		values := make([]starlark.Value, 0, len(queryParams[k]))
		for _, v := range queryParams[k] {
			values = append(values, starlark.String(v))
		}
		_ = query.SetKey(starlark.String(k), starlark.NewList(values))
	}
	set("queryparams", query)

	return d
}

// toStarlark converts a decoded claim value into Starlark values
func toStarlark(v interface{}) starlark.Value {
	switch x := v.(type) {
	case nil:
		return starlark.None
	case bool:
		return starlark.Bool(x)
	case string:
		return starlark.String(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return starlark.MakeInt64(i)
		}
		if f, err := x.Float64(); err == nil {
			return starlark.Float(f)
		}
		return starlark.String(x.String())
	case []interface{}:
		elems := make([]starlark.Value, len(x))
		for i, e := range x {
			elems[i] = toStarlark(e)
		}
		return starlark.NewList(elems)
	case map[string]interface{}:
		d := starlark.NewDict(len(x))
		for _, k := range sortedKeys(x) {
			_ = d.SetKey(starlark.String(k), toStarlark(x[k]))
		}
		return d
	}
	return starlark.None
}

// getBuiltin implements get(value, key...; default=None). It walks dicts by
// key and lists by integer index and returns default on any miss.
func getBuiltin(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var def starlark.Value = starlark.None
	for _, kv := range kwargs {
		if name, _ := starlark.AsString(kv[0]); name != "default" {
			return nil, fmt.Errorf("%s: unexpected keyword argument %s", b.Name(), kv[0])
		}
		def = kv[1]
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%s: missing value argument", b.Name())
	}

	cur := args[0]
	for _, key := range args[1:] {
		switch node := cur.(type) {
		case starlark.Mapping:
			v, found, err := node.Get(key)
			if err != nil || !found {
				return def, nil
			}
			cur = v
		case starlark.String:
			return def, nil
		case starlark.Indexable:
			i, err := starlark.AsInt32(key)
			if err != nil || i < 0 || i >= node.Len() {
				return def, nil
			}
			cur = node.Index(i)
		default:
			return def, nil
		}
	}
	if cur == starlark.None {
		return def, nil
	}
	return cur, nil
}
