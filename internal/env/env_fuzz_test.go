package env

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

// FuzzLaunchEnv drives the environment a child is launched with: declared
// entries layered over the wrapper's environment, then the executable's
// directory put first on PATH.
func FuzzLaunchEnv(f *testing.F) {
	f.Add([]byte("A=1\nB=${A}-x\nPATH=/opt/bin"), "/srv/app/bin")
	f.Add([]byte("FOO=bar\nFOO=baz"), "relative/bin")
	f.Add([]byte("X=${Y}\nY=${X}"), "")
	f.Add([]byte("=nokey\nnoeq\nPATH="), "/usr/bin")

	f.Fuzz(func(t *testing.T, declaredB []byte, dir string) {
		declared := splitNZ(string(declaredB))
		if len(declared) > 20 {
			declared = declared[:20]
		}
		if strings.ContainsAny(dir, string(os.PathListSeparator)+"\x00\n") {
			t.Skip()
		}

		e := New()
		e.SetAll(declared)
		merged := e.Merge(nil)
		if !slices.Equal(merged, e.Merge(nil)) {
			t.Fatalf("merge is not deterministic")
		}
		out := PrependPath(merged, dir)

		key := pathKey(out)
		paths := 0
		for _, kv := range out {
			i := strings.IndexByte(kv, '=')
			if i <= 0 {
				t.Fatalf("bad pair: %q", kv)
			}
			if keyEqual(kv[:i], key) {
				paths++
			}
		}
		if dir != "" {
			if paths != 1 {
				t.Fatalf("want one PATH entry, got %d in %q", paths, out)
			}
			v, _ := Lookup(out, key)
			first, _, _ := strings.Cut(v, string(os.PathListSeparator))
			if filepath.Clean(first) != filepath.Clean(dir) {
				t.Fatalf("PATH %q does not start with %q", v, dir)
			}
		}

		// declared values without references come through untouched
		for k, v := range Parse(declared) {
			if keyEqual(k, key) || strings.Contains(v, "${") {
				continue
			}
			got, ok := Lookup(out, k)
			if !ok || got != v {
				t.Fatalf("%s: want %q, got %q (found %v)", k, v, got, ok)
			}
		}
	})
}

// splitNZ splits s by newlines and returns non-empty trimmed lines.
func splitNZ(s string) []string {
	var out []string
	for _, ln := range strings.Split(s, "\n") {
		ln = strings.TrimSpace(ln)
		if ln != "" {
			out = append(out, ln)
		}
	}
	return out
}
