package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchBlocklist(t *testing.T) {
	tests := []struct {
		name  string
		procs []string
		want  []string
	}{
		{
			name:  "no match",
			procs: []string{"python3", "jupyter-lab", "sshd"},
			want:  nil,
		},
		{
			name:  "exact blocklisted binary",
			procs: []string{"xmrig", "bash"},
			want:  []string{"xmrig"},
		},
		{
			name:  "case insensitive and substring",
			procs: []string{"/usr/local/bin/XMRig-linux", "python3"},
			want:  []string{"/usr/local/bin/XMRig-linux"},
		},
		{
			name:  "multiple matches",
			procs: []string{"cgminer", "ccminer", "vim"},
			want:  []string{"cgminer", "ccminer"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := matchBlocklist(tt.procs)
			assert.Equal(t, tt.want, got)
		})
	}
}
