package main

import (
	"bytes"
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/example/palmid/internal/credential"
	"github.com/example/palmid/internal/palmerr"
)

func init() {
	color.NoColor = true
}

type cli struct {
	store  *credential.MemoryStore
	opened int
}

func newCLI() *cli {
	return &cli{store: credential.NewMemoryStore()}
}

func (c *cli) run(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	a := &app{open: func(context.Context, string, string, bool) (credential.Store, func() error, error) {
		c.opened++
		return c.store, func() error { return nil }, nil
	}}
	root := newRootCmd(a)
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

var keyPattern = regexp.MustCompile(`Created user (\S+)`)

func TestUsersLifecycle(t *testing.T) {
	c := newCLI()

	out, _, err := c.run(t, "", "users", "create", "--username", "ana", "--unique-id", "emp-7")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	m := keyPattern.FindStringSubmatch(out)
	if m == nil {
		t.Fatalf("unexpected create output %q", out)
	}
	key := m[1]

	_, errOut, err := c.run(t, "", "users", "create", "--username", "bo", "--unique-id", "emp-7")
	if palmerr.KindOf(err) != palmerr.KindUserAlreadyExists {
		t.Fatalf("expected duplicate unique id to fail, got %v", err)
	}
	if !strings.Contains(errOut, "user already exists") {
		t.Fatalf("expected error kind in output, got %q", errOut)
	}

	out, _, err = c.run(t, "", "users", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[1], "default") || !strings.Contains(lines[2], "emp-7") {
		t.Fatalf("unexpected list output:\n%s", out)
	}

	if _, _, err := c.run(t, "", "users", "metadata", key, "team=ops", "site=hq"); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	out, _, err = c.run(t, "", "users", "show", key)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, "site=hq") || !strings.Contains(out, "registered: false") {
		t.Fatalf("unexpected show output:\n%s", out)
	}

	if _, _, err := c.run(t, "", "users", "remove", key); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, _, err := c.run(t, "", "users", "show", key); palmerr.KindOf(err) != palmerr.KindNotFound {
		t.Fatalf("expected removed user to be gone, got %v", err)
	}
}

func TestPasscodeCommands(t *testing.T) {
	c := newCLI()

	if _, _, err := c.run(t, "2468\n", "passcode", "set", "default"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, _, err := c.run(t, "2468\n", "passcode", "verify", "default"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, _, err := c.run(t, "1111\n", "passcode", "verify", "default"); err == nil {
		t.Fatal("expected wrong passcode to be rejected")
	}

	out, _, err := c.run(t, "", "users", "factors", "default")
	if err != nil || !strings.Contains(out, "passcode") {
		t.Fatalf("expected passcode factor, got %q %v", out, err)
	}
}

func TestWipeAsksForConfirmation(t *testing.T) {
	c := newCLI()
	ctx := context.Background()
	if _, err := c.store.CreateUser(ctx, "ana", nil); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	if _, _, err := c.run(t, "n\n", "wipe"); err != nil {
		t.Fatalf("wipe: %v", err)
	}
	users, _ := c.store.ListUsers(ctx)
	if len(users) != 2 {
		t.Fatalf("declined wipe removed data")
	}

	if _, _, err := c.run(t, "", "wipe", "--yes"); err != nil {
		t.Fatalf("wipe: %v", err)
	}
	users, _ = c.store.ListUsers(ctx)
	if len(users) != 1 || !users[0].IsDefault() {
		t.Fatalf("expected only the default user after wipe, got %d", len(users))
	}
}

func TestKeygenDoesNotOpenStore(t *testing.T) {
	c := newCLI()
	out, _, err := c.run(t, "", "keygen")
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	if len(strings.TrimSpace(out)) != 64 {
		t.Fatalf("expected a 32 byte hex key, got %q", out)
	}
	if c.opened != 0 {
		t.Fatalf("keygen must not open the store")
	}
}

func TestOpenFailureIsReported(t *testing.T) {
	a := &app{open: func(context.Context, string, string, bool) (credential.Store, func() error, error) {
		return nil, nil, errors.New("no route to database")
	}}
	root := newRootCmd(a)
	var errOut bytes.Buffer
	root.SetErr(&errOut)
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"users", "list"})

	err := root.ExecuteContext(context.Background())
	var reported *reportedError
	if !errors.As(err, &reported) {
		t.Fatalf("expected reported error, got %v", err)
	}
	if !strings.Contains(errOut.String(), "no route to database") {
		t.Fatalf("unexpected stderr %q", errOut.String())
	}
}
