package testutil

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/firefly-engineering/nest-ctl/internal/config"
	"github.com/firefly-engineering/nest-ctl/internal/roster"
)

func TestValidRoster(t *testing.T) {
	participants, err := ValidRoster()
	if err != nil {
		t.Fatalf("ValidRoster() error: %v", err)
	}
	if len(participants) != 3 {
		t.Fatalf("len = %d, want 3", len(participants))
	}
	if got := participants[0].ContainerName(); got != "Nest-An-Lee" {
		t.Errorf("ContainerName = %q, want %q", got, "Nest-An-Lee")
	}
	if participants[2].Index != 2 {
		t.Errorf("Index = %d, want 2", participants[2].Index)
	}
}

func TestBOMRoster(t *testing.T) {
	participants, err := BOMRoster()
	if err != nil {
		t.Fatalf("BOMRoster() error: %v", err)
	}
	if len(participants) != 2 {
		t.Fatalf("len = %d, want 2", len(participants))
	}
	if participants[0].Email != "dana@x.com" || participants[0].FirstName != "Dana" {
		t.Errorf("first participant = %+v", participants[0])
	}
	if got := participants[1].Username(); got != "erik_jan" {
		t.Errorf("Username = %q, want %q", got, "erik_jan")
	}
}

func TestInvalidRoster(t *testing.T) {
	err := InvalidRoster()
	if err == nil {
		t.Fatal("expected error")
	}
	var rowErr *roster.RowError
	if !errors.As(err, &rowErr) {
		t.Errorf("error should contain a RowError: %v", err)
	}
}

func TestConfigFixture(t *testing.T) {
	path := CopyFixture(t, t.TempDir(), "nest.toml")

	cfg, err := config.Load(path, nil)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.ListenAddress != ListenAddress {
		t.Errorf("ListenAddress = %q, want %q", cfg.ListenAddress, ListenAddress)
	}
	if cfg.Parallelism != 2 {
		t.Errorf("Parallelism = %d, want 2", cfg.Parallelism)
	}
}

func TestParticipants(t *testing.T) {
	ps := Participants("Ann Lee ann@x.com", "Erik Jan Van Dam erik@x.com")

	if ps[0].FirstName != "Ann" || ps[0].LastName != "Lee" || ps[0].Email != "ann@x.com" {
		t.Errorf("ps[0] = %+v", ps[0])
	}
	if ps[1].LastName != "Jan Van Dam" || ps[1].Index != 1 {
		t.Errorf("ps[1] = %+v", ps[1])
	}
}

func TestWriteRoster_LoadsBack(t *testing.T) {
	env := NewTestEnv(t)
	path := env.WriteRoster("Ann Lee ann@x.com", "Bob Marley bob@x.com")

	participants, err := roster.Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(participants) != 2 || participants[1].Email != "bob@x.com" {
		t.Errorf("participants = %+v", participants)
	}
}

func TestSharedIssuer(t *testing.T) {
	issuer := NewSharedIssuer(t)

	a, err := issuer.Issue()
	if err != nil {
		t.Fatalf("Issue() error: %v", err)
	}
	b, _ := issuer.Issue()
	if a.AuthorizedKey != b.AuthorizedKey {
		t.Error("shared issuer should hand out the same key")
	}
	if issuer.Issued() != 2 {
		t.Errorf("Issued() = %d, want 2", issuer.Issued())
	}
	if _, err := ssh.ParsePrivateKey(a.PrivatePEM); err != nil {
		t.Errorf("ssh.ParsePrivateKey() error: %v", err)
	}
}

func TestStaticResolver_Error(t *testing.T) {
	want := errors.New("no route")
	_, err := StaticResolver{Err: want}.Resolve(context.Background(), "", "")
	if !errors.Is(err, want) {
		t.Errorf("err = %v, want %v", err, want)
	}
}
