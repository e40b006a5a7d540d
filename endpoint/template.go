package endpoint

import (
	"bytes"
	"errors"
	"html/template"
	"net/http"
)

// PageRenderer executes an html/template. Output is buffered so a template
// error can still be reported as a 500.
type PageRenderer struct {
	Status   int
	Template *template.Template
	// Name selects a named template; empty executes Template itself.
	Name   string
	Values any
}

func (pr *PageRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	if pr.Template == nil {
		return errors.New("endpoint: nil template")
	}
	var buf bytes.Buffer
	var err error
	if pr.Name != "" {
		err = pr.Template.ExecuteTemplate(&buf, pr.Name, pr.Values)
	} else {
		err = pr.Template.Execute(&buf, pr.Values)
	}
	if err != nil {
		return err
	}
	setContentType(w, "text/html; charset=utf-8")
	w.WriteHeader(statusOr(pr.Status, http.StatusOK))
	_, err = buf.WriteTo(w)
	return err
}
