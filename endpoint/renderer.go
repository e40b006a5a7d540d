package endpoint

import (
	"encoding/json"
	"net/http"
)

// StringRenderer writes Body as text/plain unless ContentType says otherwise.
type StringRenderer struct {
	Status      int
	Body        string
	ContentType string
}

func setContentType(w http.ResponseWriter, contentType string) {
	if w.Header().Get("Content-Type") != "" {
		return
	}
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
}

func statusOr(status, fallback int) int {
	if status == 0 {
		return fallback
	}
	return status
}

func (sr *StringRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	setContentType(w, sr.ContentType)
	w.WriteHeader(statusOr(sr.Status, http.StatusOK))
	if sr.Body == "" {
		return nil
	}
	_, err := w.Write([]byte(sr.Body))
	return err
}

// NoContentRenderer writes only a status, 204 by default.
type NoContentRenderer struct {
	Status int
}

func (nr *NoContentRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(statusOr(nr.Status, http.StatusNoContent))
	return nil
}

// RedirectRenderer sends the browser to URL. The default 303 turns a form
// POST into a GET of the target.
type RedirectRenderer struct {
	URL    string
	Status int
}

func (rr *RedirectRenderer) Render(w http.ResponseWriter, r *http.Request) error {
	http.Redirect(w, r, rr.URL, statusOr(rr.Status, http.StatusSeeOther))
	return nil
}

// JSONRenderer encodes Value as the response body.
type JSONRenderer struct {
	Status int
	Value  any
}

func (jr *JSONRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	// Encode first so an encoding failure can still become a 500.
	body, err := json.Marshal(jr.Value)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusOr(jr.Status, http.StatusOK))
	_, err = w.Write(append(body, '\n'))
	return err
}
