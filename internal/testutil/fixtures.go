package testutil

import (
	"bytes"
	"embed"
	"os"
	"path/filepath"
	"testing"

	"github.com/firefly-engineering/nest-ctl/internal/roster"
)

//go:embed fixtures/*.csv fixtures/*.toml
var fixturesFS embed.FS

// LoadFixture loads a fixture file by name.
func LoadFixture(name string) ([]byte, error) {
	return fixturesFS.ReadFile("fixtures/" + name)
}

// LoadRosterFixture parses a roster fixture.
func LoadRosterFixture(name string) ([]roster.Participant, error) {
	data, err := LoadFixture(name)
	if err != nil {
		return nil, err
	}
	return roster.Parse(bytes.NewReader(data))
}

// ValidRoster returns the three-participant roster (Ann Lee, Bob Marley,
// Carla Diaz).
func ValidRoster() ([]roster.Participant, error) {
	return LoadRosterFixture("roster.csv")
}

// BOMRoster returns the roster saved with a byte order mark, reordered
// columns and padded fields.
func BOMRoster() ([]roster.Participant, error) {
	return LoadRosterFixture("roster_bom.csv")
}

// InvalidRoster returns the parse error of the roster with a missing
// first name and a malformed address.
func InvalidRoster() error {
	_, err := LoadRosterFixture("roster_invalid.csv")
	return err
}

// CopyFixture writes the named fixture into dir and returns its path.
func CopyFixture(t *testing.T, dir, name string) string {
	t.Helper()

	data, err := LoadFixture(name)
	if err != nil {
		t.Fatalf("Failed to load fixture %s: %v", name, err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write fixture %s: %v", name, err)
	}
	return path
}
