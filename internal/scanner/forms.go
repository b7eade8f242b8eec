// internal/scanner/forms.go
package scanner

import (
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// Field is one named control of a form.
type Field struct {
	Name  string
	Type  string
	Value string
}

// keepsDefault reports whether submissions send the field's own value instead
// of the payload.
func (f Field) keepsDefault() bool {
	switch f.Type {
	case "hidden", "submit", "button":
		return true
	}
	return false
}

// Form is a parsed <form> element.
type Form struct {
	Action string
	// Method is upper case, GET unless the page says POST.
	Method string
	Fields []Field
}

// Values fills every field with payload except hidden, submit and button
// fields, which keep their default value. Unnamed fields are not sent.
func (f Form) Values(payload string) url.Values {
	v := make(url.Values, len(f.Fields))
	for _, field := range f.Fields {
		if field.Name == "" {
			continue
		}
		if field.keepsDefault() {
			v.Add(field.Name, field.Value)
		} else {
			v.Add(field.Name, payload)
		}
	}
	return v
}

// Target resolves the form action against the page URL. An empty action
// submits to the page itself.
func (f Form) Target(pageURL string) (string, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(strings.TrimSpace(f.Action))
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

// ParseForms extracts every form with its input and textarea controls in
// document order.
func ParseForms(document string) []Form {
	var (
		forms   []Form
		current *Form
	)
	flush := func() {
		if current != nil {
			forms = append(forms, *current)
			current = nil
		}
	}

	z := html.NewTokenizer(strings.NewReader(document))
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			flush()
			return forms
		case html.StartTagToken, html.SelfClosingTagToken:
			t := z.Token()
			switch strings.ToLower(t.Data) {
			case "form":
				flush()
				method := strings.ToUpper(strings.TrimSpace(attr(t, "method")))
				if method != http.MethodPost {
					method = http.MethodGet
				}
				current = &Form{Action: attr(t, "action"), Method: method}
			case "input":
				if current == nil {
					continue
				}
				typ := strings.ToLower(strings.TrimSpace(attr(t, "type")))
				if typ == "" {
					typ = "text"
				}
				current.Fields = append(current.Fields, Field{Name: attr(t, "name"), Type: typ, Value: attr(t, "value")})
			case "textarea":
				if current == nil {
					continue
				}
				current.Fields = append(current.Fields, Field{Name: attr(t, "name"), Type: "textarea"})
			}
		case html.EndTagToken:
			if t := z.Token(); strings.EqualFold(t.Data, "form") {
				flush()
			}
		}
	}
}

func attr(t html.Token, key string) string {
	for _, a := range t.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}
