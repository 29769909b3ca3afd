package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name       string
		line       string
		opts       Options
		wantErr    bool
		wantKind   Kind
		wantName   string
		wantIP     string
		wantGroups []string
	}{
		{
			name:     "minimal valid request",
			line:     "OSSEC A:'agent-01'",
			wantName: "agent-01",
		},
		{
			name:       "full request with ip and groups",
			line:       "OSSEC A:'agent-02' G:'web,prod' IP:'10.0.0.5'",
			wantName:   "agent-02",
			wantIP:     "10.0.0.5",
			wantGroups: []string{"web", "prod"},
		},
		{
			name:     "src substitutes connection peer address",
			line:     "OSSEC A:'agent-03' IP:'src'",
			wantName: "agent-03",
			wantIP:   "203.0.113.1",
		},
		{
			name:       "duplicate groups collapse",
			line:       "OSSEC A:'agent-04' G:'web,web,prod'",
			wantName:   "agent-04",
			wantGroups: []string{"web", "prod"},
		},
		{
			name:    "missing name",
			line:    "OSSEC IP:'10.0.0.5'",
			wantErr: true,
			wantKind: KindMalformed,
		},
		{
			name:     "malformed token",
			line:     "OSSEC A:'agent-01' GARBAGE",
			wantErr:  true,
			wantKind: KindMalformed,
		},
		{
			name:     "invalid ip",
			line:     "OSSEC A:'agent-01' IP:'not-an-ip'",
			wantErr:  true,
			wantKind: KindInvalidIP,
		},
		{
			name:     "too many groups",
			line:     "OSSEC A:'agent-01' G:'" + repeatGroups(40) + "'",
			wantErr:  true,
			wantKind: KindInvalidGroup,
		},
		{
			name:     "name with invalid characters",
			line:     "OSSEC A:'agent/01'",
			wantErr:  true,
			wantKind: KindMissingName,
		},
		{
			name: "wrong password rejected",
			line: "OSSEC PASS: wrong\nOSSEC A:'agent-01'",
			opts: Options{Password: "correct-horse"},
			wantErr:  true,
			wantKind: KindBadPassword,
		},
		{
			name:     "correct password accepted",
			line:     "OSSEC PASS: correct-horse\nOSSEC A:'agent-01'",
			opts:     Options{Password: "correct-horse"},
			wantName: "agent-01",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intent, err := Parse(Request{Line: tt.line, RemoteAddr: "203.0.113.1:5000"}, tt.opts)
			if tt.wantErr {
				require.Error(t, err)
				var perr *Error
				require.ErrorAs(t, err, &perr)
				assert.Equal(t, tt.wantKind, perr.Kind)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, intent.Name)
			if tt.wantIP != "" {
				assert.Equal(t, tt.wantIP, intent.IP.String())
			}
			if tt.wantGroups != nil {
				assert.Equal(t, tt.wantGroups, intent.Groups)
			}
		})
	}
}

func TestParseUnknownGroupRejectedWhenGroupsDirSet(t *testing.T) {
	dir := t.TempDir()
	_, err := Parse(Request{Line: "OSSEC A:'agent-01' G:'missing'", RemoteAddr: "203.0.113.1:5000"}, Options{GroupsDir: dir})
	require.Error(t, err)
	var perr *Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, KindInvalidGroup, perr.Kind)
}

func repeatGroups(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			s += ","
		}
		s += "g" + string(rune('a'+i%26))
	}
	return s
}
