package port

import (
	"testing"
)

func TestPlan_For(t *testing.T) {
	plan := DefaultPlan()

	tests := []struct {
		index   int
		wantSSH int
		wantWeb int
	}{
		{0, 52200, 58000},
		{1, 52201, 58001},
		{2, 52202, 58002},
		{99, 52299, 58099},
	}

	for _, tt := range tests {
		got := plan.For(tt.index)
		if got.SSH != tt.wantSSH || got.Web != tt.wantWeb {
			t.Errorf("For(%d) = %+v, want {SSH:%d Web:%d}", tt.index, got, tt.wantSSH, tt.wantWeb)
		}
	}
}

func TestPlan_Validate(t *testing.T) {
	tests := []struct {
		name    string
		plan    Plan
		n       int
		wantErr bool
	}{
		{"defaults", DefaultPlan(), 100, false},
		{"empty roster", DefaultPlan(), 0, false},
		{"ssh past max", Plan{SSHStart: 65530, WebStart: 1000}, 10, true},
		{"web past max", Plan{SSHStart: 1000, WebStart: 65535}, 2, true},
		{"last port exactly", Plan{SSHStart: 1000, WebStart: 65535}, 1, false},
		{"overlap", Plan{SSHStart: 52200, WebStart: 52210}, 20, true},
		{"adjacent", Plan{SSHStart: 52200, WebStart: 52210}, 10, false},
		{"zero start", Plan{SSHStart: 0, WebStart: 58000}, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate(tt.n)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%d) error = %v, wantErr %v", tt.n, err, tt.wantErr)
			}
		})
	}
}
