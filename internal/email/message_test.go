package email

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMailbox(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Mailbox
		wantErr bool
	}{
		{name: "plain address", in: "ops@example.com", want: Mailbox{Address: "ops@example.com"}},
		{name: "display name", in: "Ops Team;ops@example.com", want: Mailbox{Name: "Ops Team", Address: "ops@example.com"}},
		{
			name: "control chars stripped from name",
			in:   "Ops\r\nTeam\x07;ops@example.com",
			want: Mailbox{Name: "OpsTeam", Address: "ops@example.com"},
		},
		{name: "whitespace trimmed", in: "  Ops ; ops@example.com ", want: Mailbox{Name: "Ops", Address: "ops@example.com"}},
		{name: "malformed address", in: "not-an-address", wantErr: true},
		{name: "malformed with name", in: "Ops;also not valid", wantErr: true},
		{name: "empty", in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMailbox(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseMailboxList(t *testing.T) {
	boxes, err := ParseMailboxList("a@example.com, Ops;b@example.com,")
	require.NoError(t, err)
	require.Len(t, boxes, 2)
	assert.Equal(t, "a@example.com", boxes[0].Address)
	assert.Equal(t, "Ops", boxes[1].Name)

	_, err = ParseMailboxList("a@example.com, broken")
	assert.Error(t, err)
}

func TestMailboxString(t *testing.T) {
	assert.Equal(t, "a@example.com", Mailbox{Address: "a@example.com"}.String())
	assert.Equal(t, `"Ops Team" <ops@example.com>`, Mailbox{Name: "Ops Team", Address: "ops@example.com"}.String())
}
