// internal/scanner/forms_test.go
package scanner

import (
	"net/url"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseForms(t *testing.T) {
	doc := `
<html><body>
<input name="outside">
<FORM Method="post" action="/login">
  <input type="text" name="user">
  <input type="password" name="pass"/>
  <input type="hidden" name="csrf" value="tok">
  <input type="submit" name="go" value="Sign in">
  <textarea name="note"></textarea>
</FORM>
<form action="search.php">
  <input name="q">
  <input type="button" value="Clear">
</form>
<form></form>
</body></html>`

	got := ParseForms(doc)
	want := []Form{
		{Action: "/login", Method: "POST", Fields: []Field{
			{Name: "user", Type: "text"},
			{Name: "pass", Type: "password"},
			{Name: "csrf", Type: "hidden", Value: "tok"},
			{Name: "go", Type: "submit", Value: "Sign in"},
			{Name: "note", Type: "textarea"},
		}},
		{Action: "search.php", Method: "GET", Fields: []Field{
			{Name: "q", Type: "text"},
			{Type: "button", Value: "Clear"},
		}},
		{Method: "GET"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseForms() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseForms_UnclosedForm(t *testing.T) {
	forms := ParseForms(`<form action="/a"><input name="x"><form action="/b"><input name="y">`)
	require.Len(t, forms, 2)
	assert.Equal(t, "x", forms[0].Fields[0].Name)
	assert.Equal(t, "/b", forms[1].Action)
	assert.Empty(t, ParseForms("<p>no forms</p>"))
}

func TestForm_Values(t *testing.T) {
	f := Form{Fields: []Field{
		{Name: "user", Type: "text", Value: "ignored"},
		{Name: "csrf", Type: "hidden", Value: "tok"},
		{Name: "go", Type: "submit", Value: "Sign in"},
		{Name: "b", Type: "button", Value: "B"},
		{Name: "note", Type: "textarea"},
		{Type: "text"},
	}}
	want := url.Values{
		"user": {"' OR 1=1--"},
		"csrf": {"tok"},
		"go":   {"Sign in"},
		"b":    {"B"},
		"note": {"' OR 1=1--"},
	}
	assert.Equal(t, want, f.Values("' OR 1=1--"))
}

func TestForm_Target(t *testing.T) {
	tests := []struct {
		action string
		want   string
	}{
		{action: "", want: "http://app.test/dir/page.php?x=1"},
		{action: "submit.php", want: "http://app.test/dir/submit.php"},
		{action: "/root.php", want: "http://app.test/root.php"},
		{action: "https://other.test/p", want: "https://other.test/p"},
	}
	for _, tt := range tests {
		got, err := Form{Action: tt.action}.Target("http://app.test/dir/page.php?x=1")
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "action %q", tt.action)
	}

	_, err := Form{}.Target("http://[::1")
	assert.Error(t, err)
}
