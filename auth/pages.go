package auth

import (
	"context"
	"embed"
	"html/template"
	"net/http"
	"net/url"

	"github.com/palminsight/palminsight/authstate"
	"github.com/palminsight/palminsight/endpoint"
	"github.com/palminsight/palminsight/flow"
	"github.com/palminsight/palminsight/redirect"
)

//go:embed templates/*.html
var templateFS embed.FS

func parsePages() (*template.Template, error) {
	return template.ParseFS(templateFS, "templates/*.html")
}

type actionLink struct {
	Href  string
	Label string
}

type pageData struct {
	Title   string
	State   authstate.State
	Message string
	Notice  string
	Action  *actionLink
	Next    string
	OAuth   []string

	// Filled in by page.
	Auth   string
	Routes flow.Routes
}

var pageTitles = map[string]string{
	"home":           "Palm Insight",
	"login":          "Sign in",
	"signup":         "Create an account",
	"reset-password": "Reset your password",
	"dashboard":      "Dashboard",
}

func (h *Handler) page(status int, name string, data pageData) endpoint.Renderer {
	data.Auth = h.basePath
	data.Routes = h.routes
	if name == "login" {
		data.OAuth = h.oauthProviders
	}
	return &endpoint.PageRenderer{Status: status, Template: h.pages, Name: name, Values: data}
}

type outcomeKey struct{}

// OutcomeFromContext returns the redirect outcome stored by the redirect
// processor, if the page load carried auth parameters.
func OutcomeFromContext(ctx context.Context) (flow.Outcome, bool) {
	out, ok := ctx.Value(outcomeKey{}).(flow.Outcome)
	return out, ok
}

// RedirectProcessor finishes a provider redirect that lands on an
// application page instead of the callback route. It runs the device's
// machine when the URL carries a code or an error and leaves the outcome
// in the request context. It must run after the device processor.
func (h *Handler) RedirectProcessor() endpoint.Processor {
	return endpoint.ProcessorFunc(func(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
		p := redirect.ParseParams(r.URL)
		if !p.HasCode() && !p.HasError() {
			return next(w, r)
		}
		d, err := h.device(r.Context())
		if err != nil {
			return err
		}
		out := d.Machine.Run(r.Context(), r.URL)
		return next(w, r.WithContext(context.WithValue(r.Context(), outcomeKey{}, out)))
	})
}

// Page serves the named application page. Redirect outcomes are handled
// first; then pages that need a signed-in user send everyone else to the
// login page, and the login and signup pages send signed-in users on.
func (h *Handler) Page(name string) http.Handler {
	processors := append(append([]endpoint.Processor{}, h.processors...), h.RedirectProcessor())
	return endpoint.Handler(func(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
		if out, ok := OutcomeFromContext(r.Context()); ok {
			return h.outcomeRenderer(r.URL, out), nil
		}
		d, err := h.device(r.Context())
		if err != nil {
			return nil, err
		}
		st := h.currentState(r.Context(), d)
		switch name {
		case "dashboard":
			if !st.IsAuthenticated && !st.IsLoading {
				return &endpoint.RedirectRenderer{URL: h.routes.Login + "?next=" + url.QueryEscape(r.URL.RequestURI()), Status: http.StatusFound}, nil
			}
		case "login", "signup":
			if st.IsAuthenticated {
				return &endpoint.RedirectRenderer{URL: h.routes.Dashboard, Status: http.StatusFound}, nil
			}
		}
		return h.page(http.StatusOK, name, pageData{
			Title: pageTitles[name],
			State: st,
			Next:  r.URL.Query().Get("next"),
		}), nil
	}, processors...)
}
