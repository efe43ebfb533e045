package registry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/userservers/userservers/internal/service"
)

func testDef(name string) service.Definition {
	return service.Definition{
		Name:          name,
		Command:       "/bin/true",
		RestartPolicy: service.RestartNever,
	}
}

func TestAddGetRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "services.json")
	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Add(testDef("a")); err != nil {
		t.Fatal(err)
	}
	got, err := r.Get("a")
	if err != nil {
		t.Fatal(err)
	}
	if got.Command != "/bin/true" {
		t.Fatalf("unexpected definition: %+v", got)
	}
	if err := r.Add(testDef("a")); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
	if err := r.Remove("a"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Get("a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := r.Remove("a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("remove of missing should be ErrNotFound, got %v", err)
	}
}

func TestEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "services.json")
	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Edit(testDef("a")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("edit of missing should be ErrNotFound, got %v", err)
	}
	if err := r.Add(testDef("a")); err != nil {
		t.Fatal(err)
	}
	def := testDef("a")
	def.Command = "/bin/false"
	if err := r.Edit(def); err != nil {
		t.Fatal(err)
	}
	got, _ := r.Get("a")
	if got.Command != "/bin/false" {
		t.Fatalf("edit not applied: %+v", got)
	}
}

func TestPersistAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "services.json")
	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	def := testDef("web")
	def.Args = []string{"-v"}
	def.Env = map[string]string{"PORT": "8080"}
	def.Autostart = true
	if err := r.Add(def); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(testDef("db")); err != nil {
		t.Fatal(err)
	}

	r2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if r2.Len() != 2 {
		t.Fatalf("expected 2 entries after reopen, got %d", r2.Len())
	}
	got, err := r2.Get("web")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Autostart || got.Env["PORT"] != "8080" || len(got.Args) != 1 {
		t.Fatalf("round trip lost fields: %+v", got)
	}
}

func TestAllSorted(t *testing.T) {
	r, err := Open(filepath.Join(t.TempDir(), "services.json"))
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range []string{"zeta", "alpha", "mid"} {
		if err := r.Add(testDef(n)); err != nil {
			t.Fatal(err)
		}
	}
	all := r.All()
	if len(all) != 3 || all[0].Name != "alpha" || all[1].Name != "mid" || all[2].Name != "zeta" {
		t.Fatalf("unexpected order: %+v", all)
	}
}

func TestOpenMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(filepath.Join(dir, "nope.json"))
	if err != nil {
		t.Fatalf("missing file should open empty: %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry")
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(bad); err == nil {
		t.Fatal("corrupt file should be an error")
	}
}

func TestPersistFailureRollsBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "services.json")
	r, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Add(testDef("a")); err != nil {
		t.Fatal(err)
	}

	// Make the directory unwritable so the temp file cannot be created.
	if err := os.Chmod(dir, 0o500); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.Chmod(dir, 0o700) }()
	if os.Getuid() == 0 {
		t.Skip("directory permissions are not enforced for root")
	}

	var pe *PersistenceError
	err = r.Add(testDef("b"))
	if !errors.As(err, &pe) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
	if _, err := r.Get("b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("failed add should be rolled back, got %v", err)
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 entry after rollback, got %d", r.Len())
	}
}
