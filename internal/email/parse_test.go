package email

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "bare text",
			raw:  "Schedule an oil change for F-123 next Tuesday at 9am",
			want: "Schedule an oil change for F-123 next Tuesday at 9am",
		},
		{
			name: "headers and signature",
			raw: "From: Dana <dana@fleet.example>\r\n" +
				"To: ops@fleet.example\r\n" +
				"Subject: Maintenance for F-123\r\n" +
				"Date: Tue, 10 Mar 2026 09:15:00 +0000\r\n" +
				"\r\n" +
				"Please schedule an oil change for F-123 on March 12 at 9am.\r\n" +
				"\r\n" +
				"Best regards,\r\n" +
				"Dana\r\n" +
				"Phone: 555-0101\r\n",
			want: "Maintenance for F-123\n\nPlease schedule an oil change for F-123 on March 12 at 9am.",
		},
		{
			name: "reply chain is cut",
			raw: "Subject: Re: Van booking\n\n" +
				"Yes, book van V-22 from 8am to 5pm tomorrow.\n\n" +
				"On Mon, Mar 9, 2026 at 4:00 PM Ops <ops@fleet.example> wrote:\n" +
				"> Which van do you need?\n",
			want: "Van booking\n\nYes, book van V-22 from 8am to 5pm tomorrow.",
		},
		{
			name: "quoted lines dropped",
			raw:  "> old request\nCancel reservation R-9\n> more quoted\n-- \nsig",
			want: "Cancel reservation R-9",
		},
		{
			name: "forward without new text keeps forwarded body",
			raw: "Subject: Fwd: tyre check\n\n" +
				"---------- Forwarded message ----------\n" +
				"From: Sam <sam@fleet.example>\n" +
				"Date: Mon, 9 Mar 2026\n" +
				"Subject: tyre check\n" +
				"To: ops@fleet.example\n\n" +
				"Truck T-7 needs a tyre inspection this week.\n",
			want: "tyre check\n\nTruck T-7 needs a tyre inspection this week.",
		},
		{
			name: "forward with new text keeps only new text",
			raw: "Please handle this one for T-7.\n\n" +
				"-----Original Message-----\n" +
				"From: Sam\n\nold stuff\n",
			want: "Please handle this one for T-7.",
		},
		{
			name: "quoted printable",
			raw: "Subject: Booking\n" +
				"Content-Type: text/plain; charset=utf-8\n" +
				"Content-Transfer-Encoding: quoted-printable\n\n" +
				"Reserve car C-1 for the caf=C3=A9 run at 10am =\n" +
				"tomorrow.\n",
			want: "Booking\n\nReserve car C-1 for the café run at 10am tomorrow.",
		},
		{
			name: "encoded subject",
			raw:  "Subject: =?UTF-8?B?UmVzZXJ2ZSBWLTE=?=\n\nfor Friday",
			want: "Reserve V-1\n\nfor Friday",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_Multipart(t *testing.T) {
	raw := "From: dana@fleet.example\n" +
		"Subject: Service\n" +
		"MIME-Version: 1.0\n" +
		"Content-Type: multipart/alternative; boundary=\"XYZ\"\n\n" +
		"--XYZ\n" +
		"Content-Type: text/html; charset=utf-8\n\n" +
		"<html><body><p>HTML version</p></body></html>\n" +
		"--XYZ\n" +
		"Content-Type: text/plain; charset=utf-8\n\n" +
		"Plain version: inspect F-9 on Monday.\n" +
		"--XYZ--\n"

	msg, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "dana@fleet.example", msg.From)
	assert.Equal(t, "Plain version: inspect F-9 on Monday.", msg.Body)
}

func TestParse_HTMLOnly(t *testing.T) {
	raw := "Subject: Service\n" +
		"Content-Type: text/html\n\n" +
		"<html><head><style>p{color:red}</style></head><body><p>Inspect   F-9</p><p>on Monday</p><script>x()</script></body></html>"

	msg, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "Inspect F-9\n\non Monday", msg.Body)
}

func TestParse_Base64(t *testing.T) {
	raw := "Subject: x\n" +
		"Content-Type: text/plain\n" +
		"Content-Transfer-Encoding: base64\n\n" +
		"Qm9vayB2YW4g\nVi0yMg==\n"

	msg, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "Book van V-22", msg.Body)
}

func TestParse_Flags(t *testing.T) {
	msg, err := Parse("Subject: RE: Fwd: tyres\n\nok\n")
	require.NoError(t, err)
	assert.True(t, msg.Reply)
	assert.Equal(t, "tyres", msg.Subject)

	msg, err = Parse("---------- Forwarded message ----------\nFrom: a\n\nbody")
	require.NoError(t, err)
	assert.True(t, msg.Forwarded)
	assert.False(t, msg.Reply)
}

func TestNormalize_Empty(t *testing.T) {
	_, err := Normalize("> only quoted\n")
	assert.True(t, errors.Is(err, ErrEmptyMessage))
}
