package htpasswd

import (
	"fmt"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestParseHTPasswd(t *testing.T) {
	for _, tc := range []struct {
		desc    string
		input   string
		err     error
		entries map[string][]byte
	}{
		{
			desc: "basic example",
			input: `
# This is a comment in a basic example.
bilbo:{SHA}5siv5c0SHx681xU6GiSx9ZQryqs=
frodo:$2y$05$926C3y10Quzn/LnqQH86VOEVh/18T6RnLaS.khre96jLNL/7e.K5W
MiShil:$2y$05$0oHgwMehvoe8iAWS8I.7l.KoECXrwVaC16RPfaSCU5eVTFrATuMI2
DeokMan:공주님
`,
			entries: map[string][]byte{
				"bilbo":   []byte("{SHA}5siv5c0SHx681xU6GiSx9ZQryqs="),
				"frodo":   []byte("$2y$05$926C3y10Quzn/LnqQH86VOEVh/18T6RnLaS.khre96jLNL/7e.K5W"),
				"MiShil":  []byte("$2y$05$0oHgwMehvoe8iAWS8I.7l.KoECXrwVaC16RPfaSCU5eVTFrATuMI2"),
				"DeokMan": []byte("공주님"),
			},
		},
		{
			desc: "ensures comments are filtered",
			input: `
# asdf:asdf
`,
		},
		{
			desc: "ensure midline hash is not comment",
			input: `
asdf:as#df
`,
			entries: map[string][]byte{
				"asdf": []byte("as#df"),
			},
		},
		{
			desc: "ensure midline hash is not comment",
			input: `
# A valid comment
valid:entry
asdf
`,
			err: fmt.Errorf(`htpasswd: invalid entry at line 4: "asdf"`),
		},
	} {
		entries, err := parseHTPasswd(strings.NewReader(tc.input))
		if err != tc.err {
			if tc.err == nil {
				t.Fatalf("%s: unexpected error: %v", tc.desc, err)
			} else if err == nil || err.Error() != tc.err.Error() {
				t.Fatalf("%s: unexpected error: %v != %v", tc.desc, err, tc.err)
			}
		}

		if tc.err != nil {
			continue // don't test output
		}

		// allow empty and nil to be equal
		if tc.entries == nil {
			tc.entries = map[string][]byte{}
		}

		if len(entries) != len(tc.entries) {
			t.Fatalf("%s: entry count mismatch: %d != %d", tc.desc, len(entries), len(tc.entries))
		}

		for user, hash := range tc.entries {
			if string(entries[user]) != string(hash) {
				t.Fatalf("%s: hash mismatch for %q: %q != %q", tc.desc, user, entries[user], hash)
			}
		}
	}
}

func TestAuthenticateUser(t *testing.T) {
	bilboHash, err := bcrypt.GenerateFromPassword([]byte("blubber"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("unexpected error generating hash: %v", err)
	}

	ht, err := newHTPasswd(strings.NewReader("bilbo:" + string(bilboHash) + "\n"))
	if err != nil {
		t.Fatalf("unexpected error reading htpasswd: %v", err)
	}

	if err := ht.authenticateUser("bilbo", "blubber"); err != nil {
		t.Fatalf("expected bilbo to authenticate: %v", err)
	}

	if err := ht.authenticateUser("bilbo", "wrong"); err == nil {
		t.Fatal("expected authentication failure for wrong password")
	}

	if err := ht.authenticateUser("nosuchuser", "blubber"); err == nil {
		t.Fatal("expected authentication failure for unknown user")
	}
}
