package env

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes the environment handed to the supervised process.
// The base is the wrapper's own environment; Var holds the declared overlay.
type Env struct {
	Var Var
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.env = Parse(os.Environ())
}

// Set sets an overlay variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// SetAll applies a list of "K=V" entries to the overlay. Malformed entries are skipped.
func (e *Env) SetAll(kvs []string) {
	for k, v := range Parse(kvs) {
		e.Set(k, v)
	}
}

// Unset removes an overlay variable.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// Merge composes the final environment list:
// base = OS env (cached), then overlay e.Var, then perProc "K=V" entries.
// ${VAR} references are expanded against the composed map (single pass).
// The result is sorted by key so child environments are deterministic.
func (e *Env) Merge(perProc []string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var))
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for k, v := range Parse(perProc) {
		m[k] = v
	}
	expanded := make(Var, len(m))
	for k, v := range m {
		expanded[k] = expand(v, m)
	}
	return expanded.List()
}

// List renders the map as sorted "K=V" entries.
func (v Var) List() []string {
	keys := make([]string, 0, len(v))
	for k := range v {
		if k == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+v[k])
	}
	return out
}

// Parse converts "K=V" entries into a map. Entries without '=' or with an empty key are dropped.
func Parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

// PrependPath returns env with dir placed first on the PATH variable. If dir is
// already the first PATH element env is returned unchanged.
func PrependPath(env []string, dir string) []string {
	if dir == "" {
		return env
	}
	key := pathKey(env)
	sep := string(os.PathListSeparator)
	out := make([]string, 0, len(env)+1)
	found := false
	for _, kv := range env {
		i := strings.IndexByte(kv, '=')
		if i <= 0 || kv[:i] != key {
			out = append(out, kv)
			continue
		}
		found = true
		cur := kv[i+1:]
		first := cur
		if j := strings.Index(cur, sep); j >= 0 {
			first = cur[:j]
		}
		if samePath(first, dir) {
			out = append(out, kv)
			continue
		}
		if cur == "" {
			out = append(out, key+"="+dir)
		} else {
			out = append(out, key+"="+dir+sep+cur)
		}
	}
	if !found {
		out = append(out, key+"="+dir)
	}
	return out
}

// Lookup returns the value of k in a "K=V" list.
func Lookup(env []string, k string) (string, bool) {
	for i := len(env) - 1; i >= 0; i-- {
		kv := env[i]
		if j := strings.IndexByte(kv, '='); j > 0 && keyEqual(kv[:j], k) {
			return kv[j+1:], true
		}
	}
	return "", false
}

// pathKey finds the spelling of PATH used in env; Windows keys are case-insensitive.
func pathKey(env []string) string {
	if runtime.GOOS != "windows" {
		return "PATH"
	}
	for _, kv := range env {
		if i := strings.IndexByte(kv, '='); i > 0 && strings.EqualFold(kv[:i], "PATH") {
			return kv[:i]
		}
	}
	return "Path"
}

func keyEqual(a, b string) bool {
	if runtime.GOOS == "windows" {
		return strings.EqualFold(a, b)
	}
	return a == b
}

func samePath(a, b string) bool {
	a, b = filepath.Clean(a), filepath.Clean(b)
	if runtime.GOOS == "windows" {
		return strings.EqualFold(a, b)
	}
	return a == b
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
