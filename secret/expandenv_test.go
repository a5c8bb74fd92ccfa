package secret

import (
	"errors"
	"testing"
)

func TestExpandEnvStrict(t *testing.T) {
	t.Setenv("TASKOPS_PG_USER", "svc")
	t.Setenv("TASKOPS_PG_PASS", "p@ss")

	tests := []struct {
		name    string
		in      string
		want    string
		missing []string
	}{
		{"plain", "redis://localhost:6379/0", "redis://localhost:6379/0", nil},
		{"braced", "postgres://${TASKOPS_PG_USER}:${TASKOPS_PG_PASS}@db/app", "postgres://svc:p@ss@db/app", nil},
		{"bare", "user=$TASKOPS_PG_USER", "user=svc", nil},
		{"dollar escape", "pa$$word", "pa$word", nil},
		{"escape before var", "$$${TASKOPS_PG_USER}", "$svc", nil},
		{"missing sorted and deduplicated", "${ZZ_UNSET} ${AA_UNSET} ${ZZ_UNSET}", "", []string{"AA_UNSET", "ZZ_UNSET"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExpandEnvStrict(tt.in)
			if tt.missing != nil {
				var me *MissingEnvError
				if !errors.As(err, &me) || !errors.Is(err, ErrMissingEnv) {
					t.Fatalf("ExpandEnvStrict() error = %v, want *MissingEnvError", err)
				}
				if len(me.Names) != len(tt.missing) || me.Names[0] != tt.missing[0] || me.Names[1] != tt.missing[1] {
					t.Errorf("Names = %v, want %v", me.Names, tt.missing)
				}
				return
			}
			if err != nil {
				t.Fatalf("ExpandEnvStrict() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ExpandEnvStrict() = %q, want %q", got, tt.want)
			}
		})
	}
}
