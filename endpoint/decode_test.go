package endpoint

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

type loginParams struct {
	Email    string `form:"email"`
	Password string `form:"password"`
	Next     string `query:"next" form:"next"`
	Remember bool   `form:"remember"`
	Device   string `cookie:"pi_device"`
	Agent    string `header:"User-Agent"`
	ignored  string `form:"ignored"`
}

func postForm(target string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestUnmarshal_Sources(t *testing.T) {
	req := postForm("/auth/login?next=/billing", url.Values{
		"email":    {"a@example.com"},
		"password": {"pw"},
		"next":     {"/ignored"},
		"remember": {"true"},
		"ignored":  {"x"},
	})
	req.AddCookie(&http.Cookie{Name: "pi_device", Value: "dev-1"})
	req.Header.Set("User-Agent", "test")

	var p loginParams
	if err := Unmarshal(req, &p); err != nil {
		t.Fatal(err)
	}
	want := loginParams{Email: "a@example.com", Password: "pw", Next: "/billing", Remember: true, Device: "dev-1", Agent: "test"}
	if p != want {
		t.Errorf("got %+v, want %+v", p, want)
	}
}

func TestUnmarshal_QueryDoesNotLeakIntoForm(t *testing.T) {
	req := postForm("/auth/login?email=evil@example.com", url.Values{})
	var p loginParams
	if err := Unmarshal(req, &p); err != nil {
		t.Fatal(err)
	}
	if p.Email != "" {
		t.Errorf("form field read from query: %q", p.Email)
	}
}

func TestUnmarshal_PathValue(t *testing.T) {
	var got struct {
		Provider string `path:"provider"`
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /auth/oauth/{provider}", func(w http.ResponseWriter, r *http.Request) {
		if err := Unmarshal(r, &got); err != nil {
			t.Error(err)
		}
	})
	mux.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/auth/oauth/google", nil))
	if got.Provider != "google" {
		t.Errorf("provider = %q", got.Provider)
	}
}

func TestUnmarshal_MaxLength(t *testing.T) {
	var p struct {
		Email string `form:"email" maxLength:"8"`
	}
	err := Unmarshal(postForm("/", url.Values{"email": {"toolong@example.com"}}), &p)
	var ee *EndpointError
	if !errors.As(err, &ee) || ee.Status != http.StatusBadRequest {
		t.Fatalf("err = %v", err)
	}
}

func TestUnmarshal_BadBool(t *testing.T) {
	var p loginParams
	err := Unmarshal(postForm("/", url.Values{"remember": {"maybe"}}), &p)
	var ee *EndpointError
	if !errors.As(err, &ee) || ee.Status != http.StatusBadRequest {
		t.Fatalf("err = %v", err)
	}
}

type call struct {
	Method string `json:"method"`
}

func TestUnmarshal_JSONBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"method":"auth.getState"}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	var p struct {
		Call *call `body:"json"`
	}
	if err := Unmarshal(req, &p); err != nil {
		t.Fatal(err)
	}
	if p.Call == nil || p.Call.Method != "auth.getState" {
		t.Errorf("got %+v", p.Call)
	}
}

func TestUnmarshal_JSONBodyErrors(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		status      int
	}{
		{"wrong type", "text/plain", `{}`, http.StatusUnsupportedMediaType},
		{"malformed", "application/json", `{`, http.StatusBadRequest},
		{"too large", "application/json", `"` + strings.Repeat("a", maxJSONBody) + `"`, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			var p struct {
				Call call `body:"json"`
			}
			err := Unmarshal(req, &p)
			var ee *EndpointError
			if !errors.As(err, &ee) || ee.Status != tt.status {
				t.Fatalf("err = %v, want status %d", err, tt.status)
			}
		})
	}
}

func TestUnmarshal_RejectsNonStruct(t *testing.T) {
	var s string
	if err := Unmarshal(httptest.NewRequest(http.MethodGet, "/", nil), &s); err == nil {
		t.Fatal("expected error")
	}
}
