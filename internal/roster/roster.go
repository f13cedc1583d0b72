package roster

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/firefly-engineering/nest-ctl/internal/errors"
)

// Column headers the roster must contain. Other columns are ignored.
const (
	ColumnFirstName = "First_Name"
	ColumnLastName  = "Last_Name"
	ColumnEmail     = "E_Mail"
)

const bom = "\uFEFF"

// Participant is one roster entry. Index is its zero-based position among
// the data rows.
type Participant struct {
	Index     int    `validate:"-"`
	FirstName string `validate:"required"`
	LastName  string `validate:"required"`
	Email     string `validate:"required,email"`
}

// Username is the login created in the container: the first name with
// spaces replaced by underscores, lower-cased.
func (p Participant) Username() string {
	return strings.ToLower(strings.ReplaceAll(p.FirstName, " ", "_"))
}

// ContainerName is "Nest-" followed by the first two characters of the first
// name and the last name, with spaces replaced by hyphens.
func (p Participant) ContainerName() string {
	first := []rune(p.FirstName)
	if len(first) > 2 {
		first = first[:2]
	}
	return "Nest-" + strings.ReplaceAll(string(first), " ", "-") + "-" + strings.ReplaceAll(p.LastName, " ", "-")
}

// FullName returns "First Last".
func (p Participant) FullName() string {
	return p.FirstName + " " + p.LastName
}

// RowError describes an invalid data row. Row is 1-based and does not count
// the header.
type RowError struct {
	Row   int
	Field string
	Err   error
}

func (e *RowError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("row %d: %s: %v", e.Row, e.Field, e.Err)
	}
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}

func (e *RowError) Unwrap() error {
	return e.Err
}

var validate = validator.New()

// Load reads the roster at path.
func Load(path string) ([]Participant, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.RosterError(fmt.Sprintf("cannot open roster %s", path), err)
	}
	defer f.Close()

	participants, err := Parse(f)
	if err != nil {
		return nil, errors.RosterError(fmt.Sprintf("invalid roster %s", path), err)
	}
	return participants, nil
}

// Parse reads a comma-separated roster with a header row. All invalid rows
// are reported together.
func Parse(r io.Reader) ([]Participant, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("roster is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	cols, err := columns(header)
	if err != nil {
		return nil, err
	}

	var (
		participants []Participant
		errs         []error
	)
	for row := 1; ; row++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &RowError{Row: row, Err: err}
		}

		p := Participant{
			Index:     len(participants),
			FirstName: field(record, cols[ColumnFirstName]),
			LastName:  field(record, cols[ColumnLastName]),
			Email:     field(record, cols[ColumnEmail]),
		}
		if err := check(row, p); err != nil {
			errs = append(errs, err)
			continue
		}
		participants = append(participants, p)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if len(participants) == 0 {
		return nil, fmt.Errorf("roster has no participants")
	}
	return participants, nil
}

func columns(header []string) (map[string]int, error) {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, bom))
		if _, dup := cols[h]; !dup {
			cols[h] = i
		}
	}

	var missing []string
	for _, want := range []string{ColumnFirstName, ColumnLastName, ColumnEmail} {
		if _, ok := cols[want]; !ok {
			missing = append(missing, want)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing columns: %s", strings.Join(missing, ", "))
	}
	return cols, nil
}

func field(record []string, i int) string {
	if i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

func check(row int, p Participant) error {
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &RowError{Row: row, Field: fe.Field(), Err: fmt.Errorf("failed %q check (value %q)", fe.Tag(), fe.Value())}
		}
		return &RowError{Row: row, Err: err}
	}
	if err := validate.Var(p.ContainerName(), "hostname_rfc1123,max=63"); err != nil {
		return &RowError{Row: row, Field: "ContainerName", Err: fmt.Errorf("%q is not a valid container name", p.ContainerName())}
	}
	return nil
}
